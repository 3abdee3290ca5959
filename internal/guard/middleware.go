package guard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/authapi"
)

const profileKey = "guard.profile"

// Resolver returns the guard for the browser session behind c.
type Resolver func(c *gin.Context) *Guard

// Middleware applies the guard to a gin route. Denied requests are answered with
// 303 See Other to the decision's redirect target.
func Middleware(resolve Resolver, allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		g := resolve(c)
		if g == nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		d := g.Check(c.Request.Context(), allowed)
		if !d.Allowed {
			if d.Redirect == "" {
				status := http.StatusUnauthorized
				if d.Forbidden() {
					status = http.StatusForbidden
				}
				c.AbortWithStatusJSON(status, gin.H{"error": d.Reason.Error()})
				return
			}
			c.Redirect(http.StatusSeeOther, d.Redirect)
			c.Abort()
			return
		}
		c.Set(profileKey, d.Profile)
		c.Next()
	}
}

// ProfileFrom returns the profile stored by Middleware, or nil.
func ProfileFrom(c *gin.Context) *authapi.Profile {
	v, ok := c.Get(profileKey)
	if !ok {
		return nil
	}
	p, _ := v.(*authapi.Profile)
	return p
}
