package auth

import (
	"context"
	"errors"
)

// Identity is the authenticated caller as seen by handlers.
type Identity struct {
	UserID    int64
	Username  string
	Groups    []string
	Superuser bool
}

type ctxKey int

const ctxIdentity ctxKey = iota

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxIdentity, id)
}

func IdentityFrom(ctx context.Context) (Identity, error) {
	if id, ok := ctx.Value(ctxIdentity).(Identity); ok && id.UserID != 0 {
		return id, nil
	}
	return Identity{}, errors.New("identity not in context")
}
