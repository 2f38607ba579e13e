package auth

import (
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"attendguard/internal/apperr"
)

const identityKey = "identity"

// Authenticate enforces bearer JWT tokens signed with HS256 and stores the
// resolved Identity on the context.
func Authenticate(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			abort(c, apperr.KindUnauthorized, "missing bearer token")
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		id, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			abort(c, apperr.KindUnauthorized, "invalid token")
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

// RequireRole lets through only callers holding one of roles.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := FromContext(c)
		if !ok {
			abort(c, apperr.KindUnauthorized, "missing identity")
			return
		}
		if !slices.Contains(roles, id.Role) {
			abort(c, apperr.KindForbidden, "role "+string(id.Role)+" may not perform this action")
			return
		}
		c.Next()
	}
}

// FromContext returns the identity set by Authenticate.
func FromContext(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok
}

// WithIdentity stores id on the context. Handler tests use it to skip token parsing.
func WithIdentity(c *gin.Context, id Identity) {
	c.Set(identityKey, id)
}

func abort(c *gin.Context, kind apperr.Kind, msg string) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(kind), gin.H{"error": gin.H{"code": kind, "message": msg}})
}
