package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"riskwatch/internal/apperr"
)

// Paths are the auth endpoints relative to the API base URL.
type Paths struct {
	Login   string
	Refresh string
	Me      string
}

// DefaultPaths match the backend's URL configuration.
var DefaultPaths = Paths{
	Login:   "/auth/login/",
	Refresh: "/auth/refresh/",
	Me:      "/auth/me/",
}

func (p Paths) withDefaults() Paths {
	out := p
	if out.Login == "" {
		out.Login = DefaultPaths.Login
	}
	if out.Refresh == "" {
		out.Refresh = DefaultPaths.Refresh
	}
	if out.Me == "" {
		out.Me = DefaultPaths.Me
	}
	return out
}

// Client talks to the REST API. It does not manage credentials itself:
// bearer decoration and refresh belong to the http.Client's transport.
type Client struct {
	baseURL string
	http    *http.Client
	paths   Paths
}

type Option func(*Client)

func WithPaths(p Paths) Option { return func(c *Client) { c.paths = p.withDefaults() } }

func NewClient(baseURL string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		paths:   DefaultPaths,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Paths() Paths { return c.paths }

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, username, password string) (TokenPair, error) {
	var pair TokenPair
	if err := c.Do(ctx, http.MethodPost, c.paths.Login, loginRequest{Username: username, Password: password}, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("login: %w", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		return TokenPair{}, errors.New("login: incomplete token pair in response")
	}
	return pair, nil
}

// Refresh mints a new access token from a refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (string, error) {
	var out refreshResponse
	if err := c.Do(ctx, http.MethodPost, c.paths.Refresh, refreshRequest{Refresh: refreshToken}, &out); err != nil {
		return "", fmt.Errorf("refresh: %w", err)
	}
	if out.Access == "" {
		return "", errors.New("refresh: empty access token in response")
	}
	return out.Access, nil
}

// Me fetches the profile of the current bearer.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.Do(ctx, http.MethodGet, c.paths.Me, nil, &p); err != nil {
		return nil, fmt.Errorf("me: %w", err)
	}
	return &p, nil
}

// Do sends a JSON request and decodes a JSON response into out (when non-nil).
// Non-2xx responses come back as *apperr.StatusError.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.Send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := apperr.FromResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Send issues the request and returns the raw response. The caller closes the body.
func (c *Client) Send(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.FromTransport(err)
	}
	return resp, nil
}

// URL resolves an API path against the base URL.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}
