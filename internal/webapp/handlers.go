package webapp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"riskwatch/internal/apperr"
	"riskwatch/internal/audit"
	"riskwatch/internal/guard"
	"riskwatch/internal/httpx"
	"riskwatch/internal/riskclient"
	"riskwatch/pkg/logger"
)

const (
	CookieName  = "rw_sid"
	LoginPath   = "/login"
	DefaultPath = "/dashboard"

	maxProxyBody = 1 << 20
)

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

// Handlers groups the BFF endpoints. Keep these thin: resolve the browser
// session, delegate to its riskclient, translate outcomes to HTTP.
type Handlers struct {
	Sessions *Registry
	Audit    *audit.Service
	Throttle Throttle
	Cookie   CookieConfig

	// Drop releases per-session storage after logout. Optional.
	Drop func(sid string)
}

func (h Handlers) sid(c *gin.Context) string {
	v, err := c.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return v
}

func (h Handlers) setCookie(c *gin.Context, sid string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, sid, maxAge, "/", "", h.Cookie.Secure, true)
}

// client returns the riskclient of the live session behind the request cookie,
// or nil. Unknown cookies never allocate anything.
func (h Handlers) client(c *gin.Context) *riskclient.Client {
	rc, err := h.Sessions.Resume(c.Request.Context(), h.sid(c))
	if err != nil {
		logger.FromGin(c).Error("resume session failed", "err", err)
		return nil
	}
	return rc
}

// Guard resolves the access guard for the browser session of c.
func (h Handlers) Guard(c *gin.Context) *guard.Guard {
	g := &guard.Guard{LoginPath: LoginPath, DefaultPath: DefaultPath}
	if rc := h.client(c); rc != nil {
		g.Session = rc.Store
	}
	if h.Audit != nil {
		sc := h.Audit.Scope(h.sid(c), c.ClientIP())
		path := c.Request.URL.Path
		g.OnDeny = func(ctx context.Context, d guard.Decision) {
			if !d.Forbidden() {
				return
			}
			username := ""
			if d.Profile != nil {
				username = d.Profile.Username
			}
			sc.LogAccessDenied(ctx, username, path, d.Reason)
		}
	}
	return g
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login authenticates against the backend and binds the token pair to a new
// browser session. The profile is hydrated in the background.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	ctx := c.Request.Context()

	if h.Throttle != nil {
		ok, err := h.Throttle.Allow(ctx, c.ClientIP())
		if err != nil {
			logger.FromGin(c).Warn("login throttle unavailable", "err", err)
		} else if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many login attempts"})
			return
		}
	}

	// a fresh sid per login; the previous session, if any, is dropped
	if old := h.sid(c); old != "" {
		h.endSession(c, old)
	}
	sid := uuid.NewString()
	rc, err := h.Sessions.Open(ctx, sid)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}

	if _, err := rc.Store.Login(ctx, req.Username, req.Password); err != nil {
		h.Sessions.Forget(sid)
		if h.Drop != nil {
			h.Drop(sid)
		}
		status, msg := upstreamError(err)
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return
	}
	if h.Throttle != nil {
		_ = h.Throttle.Reset(ctx, c.ClientIP())
	}

	h.setCookie(c, sid, int(h.Cookie.MaxAge.Seconds()))
	c.Set(logger.UserKey, req.Username)
	c.JSON(http.StatusOK, gin.H{"logged_in": true, "redirect": DefaultPath})
}

// Logout clears the session. Idempotent.
func (h Handlers) Logout(c *gin.Context) {
	if sid := h.sid(c); sid != "" {
		h.endSession(c, sid)
	}
	h.setCookie(c, "", -1)
	c.Status(http.StatusNoContent)
}

func (h Handlers) endSession(c *gin.Context, sid string) {
	rc, err := h.Sessions.Resume(c.Request.Context(), sid)
	if err != nil {
		logger.FromGin(c).Warn("resume session for logout failed", "err", err)
	}
	if rc != nil {
		if err := rc.Store.Logout(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("logout storage cleanup failed", "err", err)
		}
	}
	h.Sessions.Forget(sid)
	if h.Drop != nil {
		h.Drop(sid)
	}
}

// Session reports the state of the browser session without touching the backend.
func (h Handlers) Session(c *gin.Context) {
	rc := h.client(c)
	if rc == nil {
		c.JSON(http.StatusOK, gin.H{"logged_in": false})
		return
	}
	p := rc.Store.Profile()
	out := gin.H{
		"logged_in": rc.Store.LoggedIn(),
		"loading":   rc.InFlight.Loading(),
		"is_admin":  rc.Store.IsAdmin(),
	}
	if p != nil {
		out["profile"] = p
	}
	c.JSON(http.StatusOK, out)
}

// LoginView is the landing target for unauthenticated redirects.
func (h Handlers) LoginView(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"detail": "login required", "login": "/session/login"})
}

// Dashboard is open to any authenticated user.
func (h Handlers) Dashboard(c *gin.Context) {
	p := guard.ProfileFrom(c)
	c.Set(logger.UserKey, p.Username)
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// AuditLog lists recent session events. Admin only.
func (h Handlers) AuditLog(c *gin.Context) {
	if h.Audit == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "audit disabled"})
		return
	}
	evs, err := h.Audit.Recent(c.Request.Context(), 200)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "audit lookup failed"})
		return
	}
	c.JSON(http.StatusOK, evs)
}

// Proxy forwards the request to upstream through the session's authenticator.
// upstream may reference gin params as ":name".
func (h Handlers) Proxy(upstream string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := h.client(c)
		if rc == nil {
			c.Redirect(http.StatusSeeOther, LoginPath)
			c.Abort()
			return
		}
		if p := guard.ProfileFrom(c); p != nil {
			c.Set(logger.UserKey, p.Username)
		}

		var body []byte
		if c.Request.Body != nil && c.Request.Method != http.MethodGet {
			b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxProxyBody+1))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
				return
			}
			if len(b) > maxProxyBody {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			body = b
		}

		path := expand(upstream, c)
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		ctx := httpx.WithRequestID(c.Request.Context(), c.Writer.Header().Get(logger.HeaderRequestID))
		resp, err := rc.Forward(ctx, c.Request.Method, path, body)
		if err != nil {
			status, msg := upstreamError(err)
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		defer func() { _ = resp.Body.Close() }()

		// refresh failed: the session is gone, send the browser to login
		if resp.StatusCode == http.StatusUnauthorized && !rc.Store.LoggedIn() {
			c.Redirect(http.StatusSeeOther, LoginPath)
			c.Abort()
			return
		}
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/json"
		}
		c.DataFromReader(resp.StatusCode, resp.ContentLength, ct, resp.Body, nil)
	}
}

func expand(upstream string, c *gin.Context) string {
	parts := strings.Split(upstream, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			parts[i] = c.Param(p[1:])
		}
	}
	return strings.Join(parts, "/")
}

// upstreamError maps client-side errors to the status the browser sees.
func upstreamError(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrNetworkUnavailable):
		return http.StatusBadGateway, "backend unavailable"
	case errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, apperr.ErrServer):
		return http.StatusBadGateway, "backend error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "backend timeout"
	default:
		return http.StatusInternalServerError, "request failed"
	}
}
