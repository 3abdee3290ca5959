package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"riskwatch/internal/authapi"
)

// Event is published to subscribers after every state change.
type Event struct {
	LoggedIn bool
	Profile  *authapi.Profile
}

// State holds the token pair and the cached profile of one session.
//
// Invariants:
//   - memory and storage are mutated under the same lock
//   - a profile is never cached without an access token
//   - Clear drops tokens and profile together
//
// Every successful login or clear bumps the generation; profile writes carry the
// generation they were fetched under and are dropped if it moved on.
type State struct {
	mu      sync.RWMutex
	storage Storage

	access  string
	refresh string
	profile *authapi.Profile
	gen     uint64

	subs    map[int]chan Event
	nextSub int
}

// Load hydrates a State from storage. A corrupt profile blob is removed and ignored;
// a profile without an access token is discarded.
func Load(ctx context.Context, storage Storage) (*State, error) {
	if storage == nil {
		return nil, errors.New("session: storage is nil")
	}
	s := &State{storage: storage, subs: make(map[int]chan Event)}

	access, _, err := storage.Get(ctx, KeyAccess)
	if err != nil {
		return nil, fmt.Errorf("load access token: %w", err)
	}
	refresh, _, err := storage.Get(ctx, KeyRefresh)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	s.access, s.refresh = access, refresh

	raw, ok, err := storage.Get(ctx, KeyProfile)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if ok {
		var p authapi.Profile
		if access == "" || json.Unmarshal([]byte(raw), &p) != nil {
			if err := storage.Delete(ctx, KeyProfile); err != nil {
				return nil, fmt.Errorf("drop stale profile: %w", err)
			}
		} else {
			s.profile = &p
		}
	}
	return s, nil
}

func (s *State) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

func (s *State) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh
}

func (s *State) HasAccessToken() bool { return s.AccessToken() != "" }

// Profile returns a copy of the cached profile, or nil.
func (s *State) Profile() *authapi.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile.Clone()
}

// Generation identifies the current login; see SetProfile.
func (s *State) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// SetTokens stores a fresh pair and drops any profile cached for a previous login.
func (s *State) SetTokens(ctx context.Context, pair authapi.TokenPair) error {
	if pair.Access == "" || pair.Refresh == "" {
		return errors.New("session: token pair is incomplete")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Delete(ctx, KeyProfile); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	s.profile = nil
	if err := s.storage.Set(ctx, KeyAccess, pair.Access); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if err := s.storage.Set(ctx, KeyRefresh, pair.Refresh); err != nil {
		_ = s.storage.Delete(ctx, KeyAccess)
		return fmt.Errorf("store refresh token: %w", err)
	}
	s.access, s.refresh = pair.Access, pair.Refresh
	s.gen++
	s.publishLocked()
	return nil
}

// SetAccessToken replaces only the access token (after a refresh).
func (s *State) SetAccessToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("session: access token is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refresh == "" {
		// logged out while the refresh was in flight
		return ErrNoSession
	}
	if err := s.storage.Set(ctx, KeyAccess, token); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	s.access = token
	s.publishLocked()
	return nil
}

// SetProfile caches p if the session is still the one identified by gen.
// It reports whether the profile was stored.
func (s *State) SetProfile(ctx context.Context, gen uint64, p *authapi.Profile) (bool, error) {
	if p == nil {
		return false, errors.New("session: profile is nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access == "" || s.gen != gen {
		return false, nil
	}
	if err := s.storage.Set(ctx, KeyProfile, string(raw)); err != nil {
		return false, fmt.Errorf("store profile: %w", err)
	}
	s.profile = p.Clone()
	s.publishLocked()
	return true, nil
}

// Clear drops tokens and profile. Memory is cleared even when storage fails,
// so stale credentials are never served from this process.
func (s *State) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasActive := s.access != "" || s.refresh != "" || s.profile != nil
	s.access, s.refresh, s.profile = "", "", nil
	s.gen++
	err := s.storage.Delete(ctx, AllKeys...)
	if wasActive {
		s.publishLocked()
	}
	if err != nil {
		return fmt.Errorf("clear session storage: %w", err)
	}
	return nil
}

// Logout is Clear under the name the request authenticator expects.
func (s *State) Logout(ctx context.Context) error { return s.Clear(ctx) }

// Subscribe returns a channel receiving the latest Event after each change.
// Slow readers only see the most recent event. Call cancel to unsubscribe.
func (s *State) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.eventLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *State) eventLocked() Event {
	return Event{LoggedIn: s.access != "", Profile: s.profile.Clone()}
}

func (s *State) publishLocked() {
	ev := s.eventLocked()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// latest wins
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}
