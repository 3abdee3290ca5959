// Package riskclient assembles the session layer for one user: storage-backed
// state, the authenticated REST client and the session store on top of it.
package riskclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"riskwatch/internal/authapi"
	"riskwatch/internal/authn"
	"riskwatch/internal/httpx"
	"riskwatch/internal/session"
)

// Auditor receives store events and refresh outcomes. *audit.Scope implements it.
type Auditor interface {
	session.Auditor
	LogRefreshed(ctx context.Context)
	LogExpired(ctx context.Context, cause error)
}

type Options struct {
	BaseURL        string
	Timeout        time.Duration
	RefreshTimeout time.Duration

	// Base is the network transport. Defaults to http.DefaultTransport.
	Base    http.RoundTripper
	Paths   authapi.Paths
	Logger  *slog.Logger
	Auditor Auditor
}

// Client is one user's view of the backend.
//
// Call chain for API requests: InFlight -> authn.Transport -> httpx.Logging -> Base.
// Refresh calls skip the authenticator: httpx.Logging -> Base.
type Client struct {
	Store     *session.Store
	API       *authapi.Client
	Transport *authn.Transport
	InFlight  *httpx.InFlight
}

// Open loads the session from storage and wires the client around it.
func Open(ctx context.Context, storage session.Storage, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("riskclient: base url is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	state, err := session.Load(ctx, storage)
	if err != nil {
		return nil, fmt.Errorf("riskclient: %w", err)
	}

	wire := httpx.NewLogging(opts.Base, log)
	refresher := authapi.NewClient(opts.BaseURL,
		&http.Client{Transport: wire, Timeout: opts.Timeout},
		authapi.WithPaths(opts.Paths))
	paths := refresher.Paths()

	authOpts := []authn.Option{
		authn.WithAuthEndpoints(paths.Login, paths.Refresh),
		authn.WithRefreshTimeout(opts.RefreshTimeout),
		authn.WithLogger(log),
	}
	storeOpts := []session.Option{session.WithLogger(log), session.WithFetchTimeout(opts.Timeout)}
	if opts.Auditor != nil {
		authOpts = append(authOpts, authn.WithHooks(authn.Hooks{
			Refreshed: opts.Auditor.LogRefreshed,
			Expired:   opts.Auditor.LogExpired,
		}))
		storeOpts = append(storeOpts, session.WithAuditor(opts.Auditor))
	}
	tr := authn.NewTransport(wire, state, refresher, authOpts...)
	inflight := httpx.NewInFlight(tr)

	api := authapi.NewClient(opts.BaseURL,
		&http.Client{Transport: inflight, Timeout: opts.Timeout},
		authapi.WithPaths(paths))

	return &Client{
		Store:     session.NewStore(state, api, storeOpts...),
		API:       api,
		Transport: tr,
		InFlight:  inflight,
	}, nil
}

// Forward sends an opaque resource request through the authenticator. body may be
// nil; otherwise it must be JSON. The caller closes the response body.
func (c *Client) Forward(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var in any
	if len(body) > 0 {
		if !json.Valid(body) {
			return nil, errors.New("riskclient: request body is not JSON")
		}
		in = json.RawMessage(body)
	}
	return c.API.Send(ctx, method, path, in)
}
