package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pipeline-backend/internal/shared/auth"
	"pipeline-backend/internal/shared/server/respond"
)

const (
	userIDKey     = "userId"
	userEmailKey  = "userEmail"
	userNameKey   = "userName"
	userRoleKey   = "userRole"
	privilegedKey = "privileged"
	isGuestKey    = "isGuest"
)

// publicPrefixes are served without an identity. Intake routes authenticate
// with their own signature check; auth routes issue identities.
var publicPrefixes = []string{
	"/api/v1/health",
	"/api/v1/metrics",
	"/api/v1/intake/",
	"/api/v1/auth/",
}

// Auth validates JWTs or, outside production, guest headers and stores the
// caller identity in context.
func Auth(env string) gin.HandlerFunc {
	allowGuests := !isProduction(env)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		path := c.Request.URL.Path
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))

		if authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
				return
			}

			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
			if token == "" {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
				return
			}

			claims, err := auth.VerifyJWT(token)
			if err != nil {
				respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
				return
			}

			c.Set(userIDKey, claims.Subject)
			if claims.Email != "" {
				c.Set(userEmailKey, claims.Email)
			}
			if claims.Name != "" {
				c.Set(userNameKey, claims.Name)
			}
			if claims.Role != "" {
				c.Set(userRoleKey, claims.Role)
			}
			c.Set(privilegedKey, claims.Privileged())
			c.Set(isGuestKey, false)
			c.Next()
			return
		}

		guestID := strings.TrimSpace(c.GetHeader("X-Guest-Id"))
		if guestID == "" || !allowGuests {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
			return
		}

		c.Set(userIDKey, "guest:"+guestID)
		c.Set(privilegedKey, false)
		c.Set(isGuestKey, true)
		c.Next()
	}
}

func isProduction(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod":
		return true
	default:
		return false
	}
}

// UserIDFromContext fetches the user ID set by the auth middleware.
func UserIDFromContext(c *gin.Context) string {
	return contextString(c, userIDKey)
}

// UserEmailFromContext fetches the user email set by the auth middleware.
func UserEmailFromContext(c *gin.Context) string {
	return contextString(c, userEmailKey)
}

// UserNameFromContext fetches the user name set by the auth middleware.
func UserNameFromContext(c *gin.Context) string {
	return contextString(c, userNameKey)
}

// UserRoleFromContext fetches the role claim set by the auth middleware.
func UserRoleFromContext(c *gin.Context) string {
	return contextString(c, userRoleKey)
}

// PrivilegedFromContext reports whether the caller is admin or staff.
func PrivilegedFromContext(c *gin.Context) bool {
	if c == nil {
		return false
	}
	val, _ := c.Get(privilegedKey)
	privileged, _ := val.(bool)
	return privileged
}

func contextString(c *gin.Context, key string) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(key)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}
