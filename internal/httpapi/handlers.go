package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/auth"
	"riskwatch/internal/authapi"
	"riskwatch/internal/users"
	"riskwatch/pkg/logger"
)

// Accounts is the subset of users.Service the handlers need.
type Accounts interface {
	Authenticate(ctx context.Context, username, password string) (users.User, error)
	Get(ctx context.Context, id int64) (users.User, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
// Error bodies follow the {"detail": ...} / {"field": ["msg"]} shape clients parse.
type Handlers struct {
	Auth     *auth.Manager
	Accounts Accounts
	Paises   *Catalog
	Clock    func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// Login validates credentials and issues a JWT token pair.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "JSON parse error"})
		return
	}
	if fields := required(map[string]string{"username": req.Username, "password": req.Password}); fields != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, fields)
		return
	}

	u, err := h.Accounts.Authenticate(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		logger.FromGin(c).Info("login rejected", "username", req.Username)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "No active account found with the given credentials"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "login failed"})
		return
	}

	pair, err := h.Auth.IssuePair(h.now(), identityOf(u))
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "token issuance failed"})
		return
	}
	c.Set(logger.UserKey, u.Username)
	c.JSON(http.StatusOK, authapi.TokenPair{Access: pair.AccessToken, Refresh: pair.RefreshToken})
}

// Refresh mints a new access token. Groups are re-read so role changes apply.
func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "JSON parse error"})
		return
	}
	if fields := required(map[string]string{"refresh": req.Refresh}); fields != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, fields)
		return
	}

	claims, err := h.Auth.Verify(req.Refresh, auth.TokenTypeRefresh, h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}
	u, err := h.Accounts.Get(c.Request.Context(), claims.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "User not found", "code": "user_not_found"})
		return
	}
	access, err := h.Auth.IssueAccess(h.now(), identityOf(u))
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access})
}

// Me returns the caller's profile.
func (h Handlers) Me(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
		return
	}
	u, err := h.Accounts.Get(c.Request.Context(), id.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "User not found", "code": "user_not_found"})
		return
	}
	c.JSON(http.StatusOK, authapi.Profile{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		IsStaff:     u.IsStaff,
		IsSuperuser: u.IsSuperuser,
		Groups:      append([]string{}, u.Groups...),
	})
}

// --- Paises ---

func (h Handlers) ListPaises(c *gin.Context) {
	c.JSON(http.StatusOK, h.Paises.List(c.Query("region")))
}

func (h Handlers) GetPais(c *gin.Context) {
	p, ok := h.Paises.Get(c.Param("codigo"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Sync marks the catalog as refreshed. Admin only.
func (h Handlers) Sync(c *gin.Context) {
	n := h.Paises.Touch(h.now())
	c.JSON(http.StatusOK, gin.H{"status": "ok", "paises": n})
}

func identityOf(u users.User) auth.Identity {
	return auth.Identity{UserID: u.ID, Username: u.Username, Groups: u.Groups, Superuser: u.IsSuperuser}
}

func required(fields map[string]string) map[string][]string {
	var out map[string][]string
	for k, v := range fields {
		if strings.TrimSpace(v) == "" {
			if out == nil {
				out = make(map[string][]string)
			}
			out[k] = []string{"This field is required."}
		}
	}
	return out
}
