package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/healthsphere/internal/auth"
	"github.com/suPer8Hu/healthsphere/internal/common"
)

// UserIDKey holds the authenticated user id (uint64) in the gin context.
const UserIDKey = "user_id"

func bearerToken(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, present := bearerToken(c)
		if !present {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			return
		}
		uid, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid or expired token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// OptionalAuth lets anonymous requests through as guests. A token that is
// present but invalid is still rejected.
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, present := bearerToken(c)
		if !present {
			c.Next()
			return
		}
		uid, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid or expired token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// UserID returns the authenticated user id, if any.
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}
