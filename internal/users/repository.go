package users

import "context"

// Repository is the persistence contract for accounts.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (User, bool, error)
	FindByID(ctx context.Context, id int64) (User, bool, error)
	Create(ctx context.Context, u User) (User, error)
}
