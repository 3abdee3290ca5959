package users

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepo keeps accounts in process. Used by tests and the seeded dev backend.
type MemoryRepo struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]User
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[int64]User)}
}

func (r *MemoryRepo) FindByUsername(_ context.Context, username string) (User, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.byID {
		if u.Username == username {
			return clone(u), true, nil
		}
	}
	return User{}, false, nil
}

func (r *MemoryRepo) FindByID(_ context.Context, id int64) (User, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byID[id]
	return clone(u), ok, nil
}

func (r *MemoryRepo) Create(_ context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.Username == u.Username {
			return User{}, fmt.Errorf("%w: %s", ErrUsernameTaken, u.Username)
		}
	}
	r.nextID++
	u.ID = r.nextID
	r.byID[u.ID] = clone(u)
	return u, nil
}

func clone(u User) User {
	u.Groups = append([]string(nil), u.Groups...)
	return u
}
