package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/custodia-io/custodia/pkg/logger"
)

// ContextKeyAdminSubject is the gin context key for the verified admin
// subject.
const ContextKeyAdminSubject = "custodia_admin_subject"

// RequireAdminJWT protects the administrative routes with an HS256 bearer
// token. The token must carry role=admin and a subject.
func RequireAdminJWT(secret string, log logger.Logger) gin.HandlerFunc {
	l := log.WithComponent("AdminAuth")
	return func(c *gin.Context) {
		tokenStr := extractBearer(c.GetHeader("Authorization"))
		if tokenStr == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			l.Warn(c.Request.Context(), "admin token rejected", logger.Err(err))
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			l.Warn(c.Request.Context(), "token lacks admin role")
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		subject, _ := claims["sub"].(string)
		if subject == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Set(ContextKeyAdminSubject, subject)
		c.Next()
	}
}

// extractBearer pulls the token from a bearer authorization header.
func extractBearer(authHeader string) string {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
