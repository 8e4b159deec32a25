package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"emodal_harvester/models"
)

const tenantKey = "tenant"

// adminAuth guards admin endpoints with the shared admin secret.
func (r *Router) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Admin-Key")
		if r.adminSecret == "" || subtle.ConstantTimeCompare([]byte(key), []byte(r.adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

// tenantAuth resolves the tenant from a bearer token. Download links can
// carry the token as a query parameter instead of a header.
func (r *Router) tenantAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if header := c.GetHeader("Authorization"); header != "" {
			token = strings.TrimPrefix(header, "Bearer ")
			if token == header {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
				return
			}
		} else {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		tenant, err := r.store.GetTenantByToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if tenant == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(tenantKey, tenant)
		c.Next()
	}
}

func currentTenant(c *gin.Context) *models.Tenant {
	return c.MustGet(tenantKey).(*models.Tenant)
}
