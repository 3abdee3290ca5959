package webapp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"riskwatch/internal/riskclient"
	"riskwatch/internal/session"
)

// StorageFactory returns the storage for one browser session id. With create
// false it may return (nil, nil) when the backend holds nothing for sid.
type StorageFactory func(sid string, create bool) (session.Storage, error)

// ClientFactory opens a riskclient over storage for sid.
type ClientFactory func(ctx context.Context, sid string, storage session.Storage) (*riskclient.Client, error)

// Registry keeps one riskclient per browser session, bounded by size and ttl.
//
// Storage is authoritative. Resume re-reads the access token on every request,
// so a session that expired or was logged out elsewhere is dropped here too.
type Registry struct {
	mu      sync.Mutex
	cache   *expirable.LRU[string, *riskclient.Client]
	storage StorageFactory
	open    ClientFactory
}

// NewRegistry returns a registry caching at most size clients for ttl each.
// A zero ttl caches until evicted.
func NewRegistry(size int, ttl time.Duration, storage StorageFactory, open ClientFactory) (*Registry, error) {
	if storage == nil || open == nil {
		return nil, errors.New("webapp: storage and client factories are required")
	}
	if size <= 0 {
		return nil, errors.New("webapp: session cache size must be positive")
	}
	return &Registry{
		cache:   expirable.NewLRU[string, *riskclient.Client](size, nil, ttl),
		storage: storage,
		open:    open,
	}, nil
}

// Open returns the client for sid, creating its storage if needed. Only login
// should call it.
func (r *Registry) Open(ctx context.Context, sid string) (*riskclient.Client, error) {
	if sid == "" {
		return nil, errors.New("webapp: empty session id")
	}
	if c, ok := r.cache.Get(sid); ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache.Get(sid); ok {
		return c, nil
	}
	st, err := r.storage(sid, true)
	if err != nil {
		return nil, err
	}
	c, err := r.open(ctx, sid, st)
	if err != nil {
		return nil, err
	}
	r.cache.Add(sid, c)
	return c, nil
}

// Resume returns the client of a live session, or nil when storage holds no
// access token for sid. A cached client whose token no longer matches storage
// is replaced by one reopened from storage.
func (r *Registry) Resume(ctx context.Context, sid string) (*riskclient.Client, error) {
	if sid == "" {
		return nil, nil
	}
	st, err := r.storage(sid, false)
	if err != nil {
		return nil, err
	}
	if st == nil {
		r.Forget(sid)
		return nil, nil
	}
	stored, ok, err := st.Get(ctx, session.KeyAccess)
	if err != nil {
		return nil, err
	}
	if !ok || stored == "" {
		r.Forget(sid)
		return nil, nil
	}
	if c, ok := r.cache.Get(sid); ok && c.Store.AccessToken() == stored {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache.Get(sid); ok && c.Store.AccessToken() == stored {
		return c, nil
	}
	c, err := r.open(ctx, sid, st)
	if err != nil {
		return nil, err
	}
	if !c.Store.HasAccessToken() {
		// ended between the read above and the reopen
		r.cache.Remove(sid)
		return nil, nil
	}
	r.cache.Add(sid, c)
	return c, nil
}

// Peek returns the cached client without opening one.
func (r *Registry) Peek(sid string) (*riskclient.Client, bool) {
	return r.cache.Peek(sid)
}

// Forget drops sid from the cache (after logout).
func (r *Registry) Forget(sid string) { r.cache.Remove(sid) }

func (r *Registry) Len() int { return r.cache.Len() }

// MemoryStorages hands out one MemoryStorage per sid for the memory backend.
// Entries idle for longer than ttl are treated as gone.
type MemoryStorages struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[string]*memoryEntry
}

type memoryEntry struct {
	storage *session.MemoryStorage
	used    time.Time
}

// NewMemoryStorages returns an empty set. A zero ttl never expires entries.
func NewMemoryStorages(ttl time.Duration) *MemoryStorages {
	return &MemoryStorages{ttl: ttl, now: time.Now, m: make(map[string]*memoryEntry)}
}

// For implements StorageFactory. Without create, unknown or idle sids yield nil.
func (s *MemoryStorages) For(sid string, create bool) (session.Storage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.m[sid]
	if ok && s.expired(e, now) {
		delete(s.m, sid)
		ok = false
	}
	if !ok {
		if !create {
			return nil, nil
		}
		e = &memoryEntry{storage: session.NewMemoryStorage()}
		s.m[sid] = e
	}
	e.used = now
	return e.storage, nil
}

// Drop removes the storage of sid.
func (s *MemoryStorages) Drop(sid string) {
	s.mu.Lock()
	delete(s.m, sid)
	s.mu.Unlock()
}

// PurgeIdle removes entries idle at now and reports how many went.
func (s *MemoryStorages) PurgeIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sid, e := range s.m {
		if s.expired(e, now) {
			delete(s.m, sid)
			n++
		}
	}
	return n
}

func (s *MemoryStorages) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *MemoryStorages) expired(e *memoryEntry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.used) > s.ttl
}
