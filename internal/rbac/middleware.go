package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/auth"
)

// RequireAnyRole allows access if the caller belongs to any of the provided groups.
// Rules:
// - superusers bypass all checks
// - an empty allowed list admits any authenticated caller
// - missing identity is 401, a group mismatch is 403
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := auth.IdentityFrom(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
			return
		}
		if len(allowed) == 0 || HasAnyRole(id.Superuser, id.Groups, allowed...) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "You do not have permission to perform this action."})
	}
}

// RequireTier admits role and every role above it (VIEWER < ANALISTA < ADMIN).
func RequireTier(role string) gin.HandlerFunc {
	return RequireAnyRole(AtLeast(role)...)
}
