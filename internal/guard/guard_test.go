package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/apperr"
	"riskwatch/internal/authapi"
	"riskwatch/internal/authn"
	"riskwatch/internal/rbac"
	"riskwatch/internal/session"
)

type meServer struct {
	calls   atomic.Int32
	status  int
	profile authapi.Profile
}

func (m *meServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/auth/me/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	m.calls.Add(1)
	if r.Header.Get("Authorization") != "Bearer a1" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if m.status != 0 {
		w.WriteHeader(m.status)
		return
	}
	_ = json.NewEncoder(w).Encode(m.profile)
}

func newStore(t *testing.T, srv *meServer, loggedIn bool) *session.Store {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	state, err := session.Load(context.Background(), session.NewMemoryStorage())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loggedIn {
		if err := state.SetTokens(context.Background(), authapi.TokenPair{Access: "a1", Refresh: "r1"}); err != nil {
			t.Fatalf("set tokens: %v", err)
		}
	}
	raw := authapi.NewClient(ts.URL, ts.Client())
	tr := authn.NewTransport(ts.Client().Transport, state, raw)
	api := authapi.NewClient(ts.URL, &http.Client{Transport: tr})
	return session.NewStore(state, api)
}

func newGuard(s Session) *Guard {
	return &Guard{Session: s, LoginPath: "/login", DefaultPath: "/dashboard"}
}

func TestCheck_NoTokenRedirectsToLogin(t *testing.T) {
	srv := &meServer{}
	g := newGuard(newStore(t, srv, false))

	d := g.Check(context.Background(), nil)
	if d.Allowed || d.Redirect != "/login" {
		t.Fatalf("expected login redirect, got %+v", d)
	}
	if !errors.Is(d.Reason, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized reason, got %v", d.Reason)
	}
	if srv.calls.Load() != 0 {
		t.Fatalf("no profile fetch expected without a token")
	}
}

func TestCheck_EmptyRolesAdmitAnyAuthenticatedUser(t *testing.T) {
	srv := &meServer{profile: authapi.Profile{ID: 1, Username: "ana"}}
	g := newGuard(newStore(t, srv, true))

	d := g.Check(context.Background(), nil)
	if !d.Allowed || d.Profile == nil || d.Profile.Username != "ana" {
		t.Fatalf("expected pass for authenticated user without groups, got %+v", d)
	}
}

func TestCheck_MismatchedRoleRedirectsToDefault(t *testing.T) {
	srv := &meServer{profile: authapi.Profile{ID: 1, Username: "ana", Groups: []string{rbac.RoleViewer}}}
	store := newStore(t, srv, true)
	g := newGuard(store)

	var denied []Decision
	g.OnDeny = func(_ context.Context, d Decision) { denied = append(denied, d) }

	d := g.Check(context.Background(), []string{rbac.RoleAdmin})
	if d.Allowed || d.Redirect != "/dashboard" || !d.Forbidden() {
		t.Fatalf("expected forbidden redirect to default view, got %+v", d)
	}
	if !store.HasAccessToken() {
		t.Fatalf("under-privileged user must stay logged in")
	}
	if len(denied) != 1 {
		t.Fatalf("expected one deny callback, got %d", len(denied))
	}
}

func TestCheck_SuperuserPassesAnyRoleList(t *testing.T) {
	srv := &meServer{profile: authapi.Profile{ID: 1, Username: "root", IsSuperuser: true}}
	g := newGuard(newStore(t, srv, true))

	if d := g.Check(context.Background(), []string{rbac.RoleAdmin}); !d.Allowed {
		t.Fatalf("expected superuser to pass, got %+v", d)
	}
}

func TestCheck_ConcurrentHydrationFetchesProfileOnce(t *testing.T) {
	srv := &meServer{profile: authapi.Profile{ID: 2, Username: "eva", Groups: []string{rbac.RoleAnalista}}}
	g := newGuard(newStore(t, srv, true))

	const n = 8
	var wg sync.WaitGroup
	results := make(chan Decision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- g.Check(context.Background(), []string{rbac.RoleAnalista, rbac.RoleAdmin})
		}()
	}
	wg.Wait()
	close(results)

	for d := range results {
		if !d.Allowed {
			t.Fatalf("expected pass after hydration, got %+v", d)
		}
	}
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one /auth/me/ call, got %d", got)
	}
	// cached now
	g.Check(context.Background(), []string{rbac.RoleAnalista})
	if got := srv.calls.Load(); got != 1 {
		t.Fatalf("cached profile must not be refetched, got %d calls", got)
	}
}

func TestCheck_HydrationFailureFailsClosed(t *testing.T) {
	srv := &meServer{status: http.StatusInternalServerError}
	store := newStore(t, srv, true)
	g := newGuard(store)

	d := g.Check(context.Background(), nil)
	if d.Allowed || d.Redirect != "/login" {
		t.Fatalf("expected login redirect on hydration failure, got %+v", d)
	}
	if store.HasAccessToken() {
		t.Fatalf("expected session cleared after failed hydration")
	}
}

func TestMiddleware_RedirectsWithSeeOther(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &meServer{profile: authapi.Profile{ID: 1, Username: "ana", Groups: []string{rbac.RoleViewer}}}
	g := newGuard(newStore(t, srv, true))
	anon := newGuard(newStore(t, &meServer{}, false))

	r := gin.New()
	resolve := func(c *gin.Context) *Guard {
		if c.GetHeader("X-Anon") != "" {
			return anon
		}
		return g
	}
	r.GET("/sync", Middleware(resolve, rbac.RoleAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/paises", Middleware(resolve, rbac.RoleViewer), func(c *gin.Context) {
		c.String(http.StatusOK, ProfileFrom(c).Username)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync", nil))
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/dashboard" {
		t.Fatalf("expected 303 to /dashboard, got %d %q", w.Code, w.Header().Get("Location"))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/paises", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ana" {
		t.Fatalf("expected 200 with profile, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/paises", nil)
	req.Header.Set("X-Anon", "1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/login" {
		t.Fatalf("expected 303 to /login, got %d %q", w.Code, w.Header().Get("Location"))
	}
}
