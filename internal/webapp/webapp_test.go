package webapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"riskwatch/internal/audit"
	"riskwatch/internal/auth"
	"riskwatch/internal/config"
	"riskwatch/internal/httpapi"
	"riskwatch/internal/riskclient"
	"riskwatch/internal/session"
	"riskwatch/internal/users"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type harness struct {
	router *gin.Engine
	audit  *audit.MemoryRepo
	stores *MemoryStorages
	reg    *Registry
}

type harnessOptions struct {
	throttle Throttle
	// storage defaults to in-memory storages
	storage StorageFactory
	backend *httptest.Server
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: 5 * time.Minute, RefreshTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	accounts := users.NewService(users.NewMemoryRepo()).WithCost(bcrypt.MinCost)
	if err := accounts.Seed(context.Background(), "pw"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	backend := httptest.NewServer(httpapi.NewRouter(httpapi.Handlers{
		Auth: m, Accounts: accounts, Paises: httpapi.DefaultCatalog(),
	}, quiet()))
	t.Cleanup(backend.Close)
	return backend
}

func newHarness(t *testing.T, throttle Throttle) *harness {
	return newHarnessWith(t, harnessOptions{throttle: throttle})
}

func newHarnessWith(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	backend := opts.backend
	if backend == nil {
		backend = newBackend(t)
	}

	repo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(repo, quiet())
	stores := NewMemoryStorages(time.Hour)
	storage, drop := opts.storage, stores.Drop
	if storage == nil {
		storage = stores.For
	}
	reg, err := NewRegistry(16, time.Hour, storage, func(ctx context.Context, sid string, st session.Storage) (*riskclient.Client, error) {
		return riskclient.Open(ctx, st, riskclient.Options{
			BaseURL: backend.URL,
			Base:    backend.Client().Transport,
			Logger:  quiet(),
			Auditor: auditSvc.Scope(sid, ""),
		})
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	h := Handlers{
		Sessions: reg,
		Audit:    auditSvc,
		Throttle: opts.throttle,
		Cookie:   CookieConfig{MaxAge: time.Hour},
		Drop:     drop,
	}
	return &harness{router: NewRouter(h, quiet()), audit: repo, stores: stores, reg: reg}
}

func (h *harness) do(method, path string, cookie *http.Cookie, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) login(t *testing.T, username string) *http.Cookie {
	t.Helper()
	w := h.do(http.MethodPost, "/session/login", nil, gin.H{"username": username, "password": "pw"})
	if w.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", username, w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == CookieName && c.Value != "" {
			if !c.HttpOnly {
				t.Fatalf("session cookie must be HttpOnly")
			}
			return c
		}
	}
	t.Fatalf("no session cookie set")
	return nil
}

func TestWeb_ViewerFlow(t *testing.T) {
	h := newHarness(t, nil)
	cookie := h.login(t, "viewer")

	w := h.do(http.MethodGet, "/dashboard", cookie, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dashboard: %d %s", w.Code, w.Body.String())
	}
	var dash struct {
		Profile struct {
			Username string   `json:"username"`
			Groups   []string `json:"groups"`
		} `json:"profile"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &dash)
	if dash.Profile.Username != "viewer" {
		t.Fatalf("unexpected dashboard profile: %s", w.Body.String())
	}

	w = h.do(http.MethodGet, "/app/paises?region=ANDINA", cookie, nil)
	var paises []httpapi.Pais
	if err := json.Unmarshal(w.Body.Bytes(), &paises); err != nil || w.Code != http.StatusOK || len(paises) != 2 {
		t.Fatalf("expected two andean paises, got %d %s", w.Code, w.Body.String())
	}

	w = h.do(http.MethodGet, "/app/paises/cl", cookie, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pais detail: %d", w.Code)
	}

	// under-privileged: back to the default view, still logged in
	w = h.do(http.MethodPost, "/app/sync", cookie, nil)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != DefaultPath {
		t.Fatalf("expected 303 to dashboard, got %d %q", w.Code, w.Header().Get("Location"))
	}
	if w := h.do(http.MethodGet, "/dashboard", cookie, nil); w.Code != http.StatusOK {
		t.Fatalf("viewer must stay logged in after a denied view, got %d", w.Code)
	}

	denied := 0
	for _, e := range h.audit.Events() {
		if e.Type == audit.EventTypeAccessDenied && e.Path == "/app/sync" && e.Username == "viewer" {
			denied++
		}
	}
	if denied != 1 {
		t.Fatalf("expected one access_denied event, got %d", denied)
	}
}

func TestWeb_AdminCanSyncAndReadAudit(t *testing.T) {
	h := newHarness(t, nil)
	cookie := h.login(t, "admin")

	if w := h.do(http.MethodPost, "/app/sync", cookie, nil); w.Code != http.StatusOK {
		t.Fatalf("admin sync: %d %s", w.Code, w.Body.String())
	}
	w := h.do(http.MethodGet, "/admin/audit", cookie, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit log: %d", w.Code)
	}
	var evs []audit.Event
	_ = json.Unmarshal(w.Body.Bytes(), &evs)
	if len(evs) == 0 || evs[len(evs)-1].Type != audit.EventTypeLogin {
		t.Fatalf("expected login as oldest event, got %+v", evs)
	}
}

func TestWeb_AnonymousIsRedirectedToLogin(t *testing.T) {
	h := newHarness(t, nil)

	for _, path := range []string{"/dashboard", "/app/paises"} {
		w := h.do(http.MethodGet, path, nil, nil)
		if w.Code != http.StatusSeeOther || w.Header().Get("Location") != LoginPath {
			t.Fatalf("%s: expected 303 to login, got %d %q", path, w.Code, w.Header().Get("Location"))
		}
	}
	w := h.do(http.MethodGet, "/dashboard", &http.Cookie{Name: CookieName, Value: "unknown"}, nil)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != LoginPath {
		t.Fatalf("unknown sid: expected 303 to login, got %d", w.Code)
	}
}

func TestWeb_BadCredentials(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(http.MethodPost, "/session/login", nil, gin.H{"username": "viewer", "password": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == CookieName && c.Value != "" {
			t.Fatalf("no session cookie expected after failed login")
		}
	}
	if h.reg.Len() != 0 {
		t.Fatalf("failed login must not keep a session, have %d", h.reg.Len())
	}
}

func TestWeb_LogoutIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	cookie := h.login(t, "analista")

	for i := 0; i < 2; i++ {
		if w := h.do(http.MethodPost, "/session/logout", cookie, nil); w.Code != http.StatusNoContent {
			t.Fatalf("logout %d: expected 204, got %d", i, w.Code)
		}
	}
	w := h.do(http.MethodGet, "/dashboard", cookie, nil)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != LoginPath {
		t.Fatalf("expected login redirect after logout, got %d", w.Code)
	}

	w = h.do(http.MethodGet, "/session", cookie, nil)
	var state map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &state)
	if state["logged_in"] != false {
		t.Fatalf("expected logged out session state, got %v", state)
	}
}

func TestWeb_LoginThrottle(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, RedisThrottle{RDB: rdb, Limit: 2, Window: time.Minute})
	bad := gin.H{"username": "viewer", "password": "nope"}

	for i := 0; i < 2; i++ {
		if w := h.do(http.MethodPost, "/session/login", nil, bad); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, w.Code)
		}
	}
	if w := h.do(http.MethodPost, "/session/login", nil, bad); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	mr.FastForward(time.Minute + time.Second)
	h.login(t, "viewer")
}

func TestWeb_ForgedCookiesAllocateNothing(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 100; i++ {
		cookie := &http.Cookie{Name: CookieName, Value: fmt.Sprintf("forged-%d", i)}
		w := h.do(http.MethodGet, "/dashboard", cookie, nil)
		if w.Code != http.StatusSeeOther || w.Header().Get("Location") != LoginPath {
			t.Fatalf("forged cookie %d: expected 303 to login, got %d", i, w.Code)
		}
	}
	if h.stores.Len() != 0 || h.reg.Len() != 0 {
		t.Fatalf("expected no sessions allocated, stores=%d cached=%d", h.stores.Len(), h.reg.Len())
	}
}

func redisSessions(rdb redis.Cmdable, ttl time.Duration) StorageFactory {
	return func(sid string, _ bool) (session.Storage, error) {
		return session.NewRedisStorage(rdb, "", sid, ttl)
	}
}

func TestWeb_ExpiredRedisSessionIsNotServedFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarnessWith(t, harnessOptions{storage: redisSessions(rdb, time.Minute)})
	cookie := h.login(t, "viewer")
	if w := h.do(http.MethodGet, "/dashboard", cookie, nil); w.Code != http.StatusOK {
		t.Fatalf("dashboard: %d", w.Code)
	}

	mr.FastForward(2 * time.Minute)
	w := h.do(http.MethodGet, "/dashboard", cookie, nil)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != LoginPath {
		t.Fatalf("expected login redirect once the stored session expired, got %d", w.Code)
	}
}

func TestWeb_LogoutOnOneReplicaEndsSessionOnAnother(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backend := newBackend(t)
	a := newHarnessWith(t, harnessOptions{storage: redisSessions(rdb, time.Hour), backend: backend})
	b := newHarnessWith(t, harnessOptions{storage: redisSessions(rdb, time.Hour), backend: backend})

	cookie := a.login(t, "analista")
	if w := b.do(http.MethodGet, "/dashboard", cookie, nil); w.Code != http.StatusOK {
		t.Fatalf("replica b should resume the shared session, got %d", w.Code)
	}
	if w := a.do(http.MethodPost, "/session/logout", cookie, nil); w.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", w.Code)
	}
	w := b.do(http.MethodGet, "/dashboard", cookie, nil)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != LoginPath {
		t.Fatalf("replica b kept serving a logged out session, got %d", w.Code)
	}
}

func TestWeb_ProxyRejectsOversizedBody(t *testing.T) {
	h := newHarness(t, nil)
	cookie := h.login(t, "analista")

	big := `{"nombre":"` + strings.Repeat("x", maxProxyBody) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/app/portafolios", strings.NewReader(big))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}
