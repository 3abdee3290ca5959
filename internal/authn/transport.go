package authn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"riskwatch/internal/apperr"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "

	defaultRefreshTimeout = 10 * time.Second
	maxBufferedBody       = 1 << 20
)

// ErrNoRefreshToken is returned when a refresh is needed but the session has no refresh token.
var ErrNoRefreshToken = errors.New("authn: no refresh token")

// Session is the token state the transport reads and mutates.
type Session interface {
	AccessToken() string
	RefreshToken() string
	SetAccessToken(ctx context.Context, token string) error
	Logout(ctx context.Context) error
}

// Refresher mints a new access token. It must not route through this transport.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (string, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (string, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (string, error) {
	return f(ctx, refreshToken)
}

// Hooks observe refresh outcomes (audit, metrics). Both are optional.
type Hooks struct {
	Refreshed func(ctx context.Context)
	Expired   func(ctx context.Context, cause error)
}

// Transport attaches bearer credentials and recovers from an expired access token.
//
// Rules:
//   - requests to the login/refresh endpoints pass through untouched
//   - other requests carry "Authorization: Bearer <access>" when a token exists
//   - a 401 with a refresh token present joins the single in-flight refresh, then
//     the request is retried once with the new token
//   - if the refresh fails the session is logged out and the original 401 is returned
//
// At most one refresh request is outstanding at any time.
type Transport struct {
	base      http.RoundTripper
	session   Session
	refresher Refresher

	skipSuffixes   []string
	refreshTimeout time.Duration
	log            *slog.Logger
	hooks          Hooks

	flight    singleflight.Group
	refreshes atomic.Int64
}

type Option func(*Transport)

// WithAuthEndpoints sets the path suffixes that are never decorated nor refreshed.
func WithAuthEndpoints(paths ...string) Option {
	return func(t *Transport) { t.skipSuffixes = paths }
}

// WithRefreshTimeout bounds the shared refresh call. Zero keeps the default.
func WithRefreshTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.refreshTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(t *Transport) { t.log = l } }

func WithHooks(h Hooks) Option { return func(t *Transport) { t.hooks = h } }

func NewTransport(base http.RoundTripper, session Session, refresher Refresher, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:           base,
		session:        session,
		refresher:      refresher,
		skipSuffixes:   []string{"/auth/login/", "/auth/refresh/"},
		refreshTimeout: defaultRefreshTimeout,
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Refreshes reports how many refresh calls were issued.
func (t *Transport) Refreshes() int64 { return t.refreshes.Load() }

func (t *Transport) isAuthEndpoint(path string) bool {
	for _, s := range t.skipSuffixes {
		if s != "" && strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.isAuthEndpoint(req.URL.Path) {
		return t.base.RoundTrip(req)
	}

	req, err := replayable(req)
	if err != nil {
		return nil, err
	}

	sent := t.session.AccessToken()
	resp, err := t.base.RoundTrip(withBearer(req, sent))
	if err != nil || resp.StatusCode != http.StatusUnauthorized || t.session.RefreshToken() == "" {
		return resp, err
	}

	// the 401 is kept in memory so it can be returned if recovery fails
	original, err := buffered(resp)
	if err != nil {
		return nil, err
	}

	token, err := t.freshToken(req.Context(), sent)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return original, nil
	}

	retry, err := rewind(req)
	if err != nil {
		return original, nil
	}
	// retry budget is one: whatever comes back is final
	return t.base.RoundTrip(withBearer(retry, token))
}

// freshToken returns a token newer than sent, refreshing if nobody else has.
func (t *Transport) freshToken(ctx context.Context, sent string) (string, error) {
	if cur := t.session.AccessToken(); cur != "" && cur != sent {
		return cur, nil
	}
	ch := t.flight.DoChan("refresh", func() (any, error) {
		return t.refresh(ctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refresh runs once per flight, detached from the caller that started it so that
// one cancelled request cannot fail the others waiting on it.
func (t *Transport) refresh(parent context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), t.refreshTimeout)
	defer cancel()

	rt := t.session.RefreshToken()
	if rt == "" {
		return "", ErrNoRefreshToken
	}
	t.refreshes.Add(1)

	token, err := t.refresher.Refresh(ctx, rt)
	if err == nil {
		err = t.session.SetAccessToken(ctx, token)
	}
	if err != nil {
		t.log.Warn("token refresh failed, logging out", "err", err)
		if lerr := t.session.Logout(ctx); lerr != nil {
			t.log.Error("logout after failed refresh", "err", lerr)
		}
		if t.hooks.Expired != nil {
			t.hooks.Expired(ctx, err)
		}
		return "", fmt.Errorf("%w: %w", apperr.ErrUnauthorized, err)
	}

	t.log.Debug("access token refreshed")
	if t.hooks.Refreshed != nil {
		t.hooks.Refreshed(ctx)
	}
	return token, nil
}

func withBearer(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	out.Header.Del(authorizationHeader)
	if token != "" {
		out.Header.Set(authorizationHeader, bearerPrefix+token)
	}
	return out
}

// replayable makes sure a request body can be sent twice.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("authn: buffer request body: %w", err)
	}
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	out.ContentLength = int64(len(data))
	return out, nil
}

func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.GetBody == nil {
		return out, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

func buffered(resp *http.Response) (*http.Response, error) {
	body := resp.Body
	defer func() { _ = body.Close() }()
	data, err := io.ReadAll(io.LimitReader(body, maxBufferedBody))
	if err != nil {
		return nil, fmt.Errorf("authn: read 401 body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	resp.ContentLength = int64(len(data))
	return resp, nil
}
