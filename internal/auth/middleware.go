package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	subjectContextKey = "auth_subject"
	roleContextKey    = "auth_role"
)

// Middleware validates bearer tokens and stores the caller in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := s.extractToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "details": "authorization required"})
			return
		}
		claims, err := s.ValidateToken(raw)
		if err != nil {
			details := "invalid or expired token"
			if errors.Is(err, ErrNotConfigured) {
				details = err.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "details": details})
			return
		}
		c.Set(subjectContextKey, claims.Subject)
		c.Set(roleContextKey, claims.Role)
		c.Next()
	}
}

// RequireRole rejects callers whose token does not carry role. It must run
// after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if got, _ := RoleFromContext(c); got != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "details": role + " role required"})
			return
		}
		c.Next()
	}
}

// SubjectFromContext retrieves the authenticated subject from the gin context.
func SubjectFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(subjectContextKey)
	if !ok {
		return "", false
	}
	subject, ok := val.(string)
	return subject, ok
}

// RoleFromContext retrieves the authenticated role from the gin context.
func RoleFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(roleContextKey)
	if !ok {
		return "", false
	}
	role, ok := val.(string)
	return role, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
