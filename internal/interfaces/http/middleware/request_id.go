// Package middleware holds the gin middleware chain: request IDs, API-key
// authentication and the admin JWT gate.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/custodia-io/custodia/pkg/constants"
)

// RequestID propagates the caller's request ID or assigns one, echoing it on
// the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(constants.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(constants.HeaderRequestID, id)
		c.Header(constants.HeaderRequestID, id)
		c.Next()
	}
}

// RequestIDFrom returns the request ID assigned by the middleware.
func RequestIDFrom(c *gin.Context) string {
	return c.GetString(constants.HeaderRequestID)
}
