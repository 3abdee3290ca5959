package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"riskwatch/internal/rbac"
)

var (
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	ErrUsernameTaken      = errors.New("users: username taken")
	ErrNotFound           = errors.New("users: not found")
)

// Service authenticates accounts. It never returns password hashes to callers
// outside this package's User value.
type Service struct {
	repo Repository
	cost int
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, cost: bcrypt.DefaultCost}
}

// WithCost lowers the bcrypt cost (tests).
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// Authenticate checks username/password. Unknown users, inactive users and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	u, ok, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return User{}, err
	}
	if !ok || !u.IsActive {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// Get returns an active user by id.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	u, ok, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return User{}, err
	}
	if !ok || !u.IsActive {
		return User{}, ErrNotFound
	}
	return u, nil
}

// Create hashes password and stores the account.
func (s *Service) Create(ctx context.Context, u User, password string) (User, error) {
	if strings.TrimSpace(u.Username) == "" || password == "" {
		return User{}, errors.New("users: username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	u.IsActive = true
	return s.repo.Create(ctx, u)
}

// Seed creates one demo account per role plus a superuser, all sharing password.
// Existing usernames are left alone.
func (s *Service) Seed(ctx context.Context, password string) error {
	demo := []User{
		{Username: "viewer", FirstName: "Vera", Groups: []string{rbac.RoleViewer}},
		{Username: "analista", FirstName: "Ana", Groups: []string{rbac.RoleAnalista}},
		{Username: "admin", FirstName: "Adrian", IsStaff: true, Groups: []string{rbac.RoleAdmin}},
		{Username: "root", IsStaff: true, IsSuperuser: true},
	}
	for _, u := range demo {
		u.Email = u.Username + "@riskwatch.local"
		if _, err := s.Create(ctx, u, password); err != nil && !errors.Is(err, ErrUsernameTaken) {
			return fmt.Errorf("seed %s: %w", u.Username, err)
		}
	}
	return nil
}
