package guard

import (
	"context"
	"errors"
	"fmt"

	"riskwatch/internal/apperr"
	"riskwatch/internal/authapi"
	"riskwatch/internal/rbac"
)

// Session is what the guard needs from session.Store.
type Session interface {
	HasAccessToken() bool
	Profile() *authapi.Profile
	InitSession(ctx context.Context) (*authapi.Profile, error)
}

// Decision is the outcome of a guard check. Redirect is empty when Allowed.
type Decision struct {
	Allowed  bool
	Redirect string
	Reason   error
	Profile  *authapi.Profile
}

// Guard gates protected views.
//
// Unauthenticated users (or sessions that fail to hydrate) go to LoginPath.
// Authenticated users lacking a role go to DefaultPath; their session is kept.
type Guard struct {
	Session     Session
	LoginPath   string
	DefaultPath string

	// OnDeny is called for every denied check. Optional.
	OnDeny func(ctx context.Context, d Decision)
}

// Check evaluates allowed against the session. An empty allowed list admits
// any authenticated user.
func (g *Guard) Check(ctx context.Context, allowed []string) Decision {
	if g.Session == nil || !g.Session.HasAccessToken() {
		return g.deny(ctx, g.LoginPath, apperr.ErrUnauthorized, nil)
	}

	p := g.Session.Profile()
	if p == nil {
		var err error
		p, err = g.Session.InitSession(ctx)
		if err != nil {
			// fail closed
			return g.deny(ctx, g.LoginPath, fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err), nil)
		}
		if p == nil {
			return g.deny(ctx, g.LoginPath, apperr.ErrUnauthorized, nil)
		}
	}

	if len(allowed) == 0 || rbac.HasAnyRole(p.IsSuperuser, p.Groups, allowed...) {
		return Decision{Allowed: true, Profile: p}
	}
	return g.deny(ctx, g.DefaultPath, apperr.ErrForbidden, p)
}

func (g *Guard) deny(ctx context.Context, to string, reason error, p *authapi.Profile) Decision {
	d := Decision{Redirect: to, Reason: reason, Profile: p}
	if g.OnDeny != nil {
		g.OnDeny(ctx, d)
	}
	return d
}

// Forbidden reports whether d denied an authenticated user.
func (d Decision) Forbidden() bool {
	return !d.Allowed && errors.Is(d.Reason, apperr.ErrForbidden)
}
