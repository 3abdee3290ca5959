package riskclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"riskwatch/internal/apperr"
	"riskwatch/internal/audit"
	"riskwatch/internal/auth"
	"riskwatch/internal/authapi"
	"riskwatch/internal/config"
	"riskwatch/internal/httpapi"
	"riskwatch/internal/session"
	"riskwatch/internal/users"
)

type backend struct {
	srv      *httptest.Server
	refresh  atomic.Int32
	issuedAt atomic.Int64
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: 5 * time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	svc := users.NewService(users.NewMemoryRepo()).WithCost(bcrypt.MinCost)
	if err := svc.Seed(context.Background(), "pw"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := &backend{}
	b.issuedAt.Store(time.Now().UnixNano())
	h := httpapi.Handlers{
		Auth:     m,
		Accounts: svc,
		Paises:   httpapi.DefaultCatalog(),
		Clock:    func() time.Time { return time.Unix(0, b.issuedAt.Load()) },
	}
	router := httpapi.NewRouter(h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh/" {
			b.refresh.Add(1)
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// issueInPast backdates issued tokens so access tokens are already expired.
func (b *backend) issueInPast() { b.issuedAt.Store(time.Now().Add(-10 * time.Minute).UnixNano()) }
func (b *backend) issueNow()    { b.issuedAt.Store(time.Now().UnixNano()) }

func open(t *testing.T, b *backend, storage session.Storage, a Auditor) *Client {
	t.Helper()
	c, err := Open(context.Background(), storage, Options{
		BaseURL: b.srv.URL,
		Base:    b.srv.Client().Transport,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Auditor: a,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return c
}

func TestClient_LoginHydratesProfileAndPersists(t *testing.T) {
	b := newBackend(t)
	storage := session.NewMemoryStorage()
	c := open(t, b, storage, nil)
	ctx := context.Background()

	if _, err := c.Store.Login(ctx, "analista", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	p, err := c.Store.InitSession(ctx)
	if err != nil || p == nil || p.Username != "analista" {
		t.Fatalf("init session: %v %+v", err, p)
	}

	// a second client over the same storage resumes the session without a fetch
	c2 := open(t, b, storage, nil)
	if got := c2.Store.Profile(); got == nil || got.Username != "analista" {
		t.Fatalf("expected restored profile, got %+v", got)
	}
	if !c2.Store.HasRole("ANALISTA") || c2.Store.IsAdmin() {
		t.Fatalf("unexpected roles for restored profile")
	}
}

func TestClient_ConcurrentExpiredRequestsShareOneRefresh(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	// seed storage with an already expired access token
	b.issueInPast()
	pair, err := authapi.NewClient(b.srv.URL, b.srv.Client()).Login(ctx, "viewer", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	b.issueNow()
	storage := session.NewMemoryStorage()
	st, _ := session.Load(ctx, storage)
	if err := st.SetTokens(ctx, pair); err != nil {
		t.Fatalf("set tokens: %v", err)
	}

	repo := audit.NewMemoryRepo()
	c := open(t, b, storage, audit.NewService(repo, nil).Scope("sid-1", ""))

	const n = 5
	var wg sync.WaitGroup
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Forward(ctx, http.MethodGet, "/paises/", nil)
			if err != nil {
				t.Errorf("forward: %v", err)
				return
			}
			var list []httpapi.Pais
			_ = json.NewDecoder(resp.Body).Decode(&list)
			_ = resp.Body.Close()
			if len(list) == 0 {
				t.Errorf("expected paises in response")
			}
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	for code := range codes {
		if code != http.StatusOK {
			t.Fatalf("expected 200 after refresh, got %d", code)
		}
	}
	if got := b.refresh.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if c.InFlight.Loading() {
		t.Fatalf("expected no pending requests")
	}

	var refreshed int
	for _, e := range repo.Events() {
		if e.Type == audit.EventTypeRefreshed {
			refreshed++
		}
	}
	if refreshed != 1 {
		t.Fatalf("expected one refresh audit event, got %d", refreshed)
	}
}

func TestClient_BadCredentialsLeaveStateEmpty(t *testing.T) {
	b := newBackend(t)
	storage := session.NewMemoryStorage()
	c := open(t, b, storage, nil)

	_, err := c.Store.Login(context.Background(), "viewer", "wrong")
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if c.Store.LoggedIn() || storage.Len() != 0 || b.refresh.Load() != 0 {
		t.Fatalf("failed login must not touch state or refresh")
	}
}

func TestClient_ForwardRejectsNonJSONBody(t *testing.T) {
	b := newBackend(t)
	c := open(t, b, session.NewMemoryStorage(), nil)
	if _, err := c.Forward(context.Background(), http.MethodPost, "/sync/", []byte("not json")); err == nil {
		t.Fatalf("expected error for non-JSON body")
	}
}
