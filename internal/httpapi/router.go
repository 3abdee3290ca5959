package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/auth"
	"riskwatch/internal/rbac"
	"riskwatch/pkg/logger"
)

// NewRouter wires the reference REST backend. Keep this free of business logic.
func NewRouter(h Handlers, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login/", h.Login)
		authGroup.POST("/refresh/", h.Refresh)
		authGroup.GET("/me/", auth.RequireAccessToken(h.Auth), h.Me)
	}

	api := r.Group("/")
	api.Use(auth.RequireAccessToken(h.Auth))
	{
		api.GET("/paises/", rbac.RequireTier(rbac.RoleViewer), h.ListPaises)
		api.GET("/paises/:codigo/", rbac.RequireTier(rbac.RoleViewer), h.GetPais)
		api.POST("/sync/", rbac.RequireTier(rbac.RoleAdmin), h.Sync)
	}
	return r
}
