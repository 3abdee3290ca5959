package webapp

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/guard"
	"riskwatch/internal/rbac"
	"riskwatch/pkg/logger"
)

// View is a guarded page backed by one upstream resource.
type View struct {
	Method   string
	Path     string
	Roles    []string
	Upstream string
}

// Views lists the protected pages and the groups allowed to open them.
// Roles nil means any authenticated user.
var Views = []View{
	{Method: http.MethodGet, Path: "/paises", Roles: rbac.AtLeast(rbac.RoleViewer), Upstream: "/paises/"},
	{Method: http.MethodGet, Path: "/paises/:codigo", Roles: rbac.AtLeast(rbac.RoleViewer), Upstream: "/paises/:codigo/"},
	{Method: http.MethodGet, Path: "/portafolios", Roles: rbac.AtLeast(rbac.RoleViewer), Upstream: "/portafolios/"},
	{Method: http.MethodPost, Path: "/portafolios", Roles: rbac.AtLeast(rbac.RoleAnalista), Upstream: "/portafolios/"},
	{Method: http.MethodGet, Path: "/alertas", Roles: rbac.AtLeast(rbac.RoleViewer), Upstream: "/alertas/"},
	{Method: http.MethodPost, Path: "/sync", Roles: []string{rbac.RoleAdmin}, Upstream: "/sync/"},
}

// NewRouter wires the browser-facing routes. Keep this free of business logic.
func NewRouter(h Handlers, log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET(LoginPath, h.LoginView)
	sess := r.Group("/session")
	{
		sess.GET("", h.Session)
		sess.POST("/login", h.Login)
		sess.POST("/logout", h.Logout)
	}

	r.GET(DefaultPath, guard.Middleware(h.Guard), h.Dashboard)
	r.GET("/admin/audit", guard.Middleware(h.Guard, rbac.RoleAdmin), h.AuditLog)

	app := r.Group("/app")
	for _, v := range Views {
		app.Handle(v.Method, v.Path, guard.Middleware(h.Guard, v.Roles...), h.Proxy(v.Upstream))
	}
	return r
}
