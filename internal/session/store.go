package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"riskwatch/internal/authapi"
	"riskwatch/internal/rbac"
)

// ErrNoSession is returned by mutations that require a live session.
var ErrNoSession = errors.New("session: not logged in")

// API is the subset of the REST client the store needs.
// Me must be sent through the request authenticator so expired tokens get refreshed.
type API interface {
	Login(ctx context.Context, username, password string) (authapi.TokenPair, error)
	Me(ctx context.Context) (*authapi.Profile, error)
}

// Auditor receives session lifecycle events. Implementations must not block.
type Auditor interface {
	SessionEvent(ctx context.Context, kind, username, detail string)
}

// Audit event kinds emitted by the store.
const (
	EventLogin        = "login"
	EventLoginFailed  = "login_failed"
	EventLogout       = "logout"
	EventProfileError = "profile_invalidated"
)

// Store is the single source of truth for authentication state.
type Store struct {
	state *State
	api   API
	log   *slog.Logger
	audit Auditor

	fetchTimeout time.Duration
	hydrate      singleflight.Group
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.log = l } }

func WithAuditor(a Auditor) Option { return func(s *Store) { s.audit = a } }

// WithFetchTimeout bounds background profile fetches (after login and in InitSession).
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

func NewStore(state *State, api API, opts ...Option) *Store {
	s := &Store{
		state:        state,
		api:          api,
		log:          slog.Default(),
		fetchTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State exposes the underlying token/profile state (for the request authenticator).
func (s *Store) State() *State { return s.state }

func (s *Store) AccessToken() string  { return s.state.AccessToken() }
func (s *Store) RefreshToken() string { return s.state.RefreshToken() }
func (s *Store) HasAccessToken() bool { return s.state.HasAccessToken() }

// LoggedIn is derived from access token presence.
func (s *Store) LoggedIn() bool { return s.state.HasAccessToken() }

// Profile returns a snapshot of the cached profile, or nil.
func (s *Store) Profile() *authapi.Profile { return s.state.Profile() }

func (s *Store) Subscribe() (<-chan Event, func()) { return s.state.Subscribe() }

// Login submits credentials, stores the pair and starts a profile fetch in the
// background. Use WaitProfile to wait for it.
//
// On failure the state is left untouched.
func (s *Store) Login(ctx context.Context, username, password string) (authapi.TokenPair, error) {
	pair, err := s.api.Login(ctx, username, password)
	if err != nil {
		s.record(ctx, EventLoginFailed, username, err.Error())
		return authapi.TokenPair{}, err
	}
	if err := s.state.SetTokens(ctx, pair); err != nil {
		return authapi.TokenPair{}, err
	}
	s.log.Info("session login", "username", username)
	s.record(ctx, EventLogin, username, "")

	// buffered result; nobody has to read it
	s.hydration(ctx, s.state.Generation())
	return pair, nil
}

// FetchProfile asks the backend who we are.
//
// Without an access token it returns (nil, nil) and makes no call. Any fetch
// failure is treated as an invalid session: the store logs out and returns
// (nil, nil). A non-nil error only reports a failure to clear storage.
func (s *Store) FetchProfile(ctx context.Context) (*authapi.Profile, error) {
	return s.fetchAt(ctx, s.state.Generation())
}

// fetchAt fetches the profile for the login identified by gen.
func (s *Store) fetchAt(ctx context.Context, gen uint64) (*authapi.Profile, error) {
	if !s.state.HasAccessToken() {
		return nil, nil
	}
	p, err := s.api.Me(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// caller went away; nothing learned about the session
			return nil, err
		}
		s.log.Warn("profile fetch failed, clearing session", "err", err)
		s.record(ctx, EventProfileError, "", err.Error())
		if gen != s.state.Generation() {
			// a newer login owns the state now
			return nil, nil
		}
		if cerr := s.state.Clear(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, nil
	}
	stored, err := s.state.SetProfile(ctx, gen, p)
	if err != nil {
		return nil, err
	}
	if !stored {
		return nil, nil
	}
	return p.Clone(), nil
}

// InitSession returns the cached profile or hydrates it. Concurrent callers share
// one fetch, including the one started by Login.
func (s *Store) InitSession(ctx context.Context) (*authapi.Profile, error) {
	return s.WaitProfile(ctx)
}

// WaitProfile blocks until the profile of the current login is known: the cached
// one, the fetch Login started, or a new fetch if none is running. It returns
// (nil, nil) when logged out or when the fetch invalidated the session.
func (s *Store) WaitProfile(ctx context.Context) (*authapi.Profile, error) {
	if p := s.state.Profile(); p != nil {
		return p, nil
	}
	if !s.state.HasAccessToken() {
		return nil, nil
	}
	ch := s.hydration(ctx, s.state.Generation())
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		p, _ := res.Val.(*authapi.Profile)
		return p.Clone(), nil
	}
}

// hydration joins or starts the profile fetch of login gen. Each login gets its
// own flight so a fetch left over from an earlier login is never joined.
func (s *Store) hydration(ctx context.Context, gen uint64) <-chan singleflight.Result {
	return s.hydrate.DoChan(fmt.Sprintf("me:%d", gen), func() (any, error) {
		// a fetch may have landed before this flight started
		if p := s.state.Profile(); p != nil && s.state.Generation() == gen {
			return p, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetchAt(fctx, gen)
	})
}

// HasRole reports whether the cached profile is a superuser or belongs to any of roles.
// No cached profile means false regardless of tokens. An empty roles list is false for
// non-superusers; callers decide what "no roles required" means.
func (s *Store) HasRole(roles ...string) bool {
	p := s.state.Profile()
	if p == nil {
		return false
	}
	return rbac.HasAnyRole(p.IsSuperuser, p.Groups, roles...)
}

// IsAdmin reports superuser or ADMIN membership.
func (s *Store) IsAdmin() bool { return s.HasRole(rbac.RoleAdmin) }

// Logout clears tokens and profile. Safe to call when already logged out.
func (s *Store) Logout(ctx context.Context) error {
	username := ""
	if p := s.state.Profile(); p != nil {
		username = p.Username
	}
	wasLoggedIn := s.state.HasAccessToken()
	if err := s.state.Clear(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if wasLoggedIn {
		s.log.Info("session logout", "username", username)
		s.record(ctx, EventLogout, username, "")
	}
	return nil
}

// SetAccessToken is reserved for the request authenticator after a refresh.
func (s *Store) SetAccessToken(ctx context.Context, token string) error {
	return s.state.SetAccessToken(ctx, token)
}

func (s *Store) record(ctx context.Context, kind, username, detail string) {
	if s.audit == nil {
		return
	}
	s.audit.SessionEvent(ctx, kind, username, detail)
}
