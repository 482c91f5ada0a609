// Package dto defines the request and response shapes of the HTTP surface.
package dto

import (
	"time"

	"github.com/custodia-io/custodia/pkg/errors"
)

// APIResponse is the common envelope for administrative responses.
type APIResponse struct {
	Success   bool                  `json:"success"`
	Data      interface{}           `json:"data,omitempty"`
	Error     *errors.ErrorResponse `json:"error,omitempty"`
	RequestID string                `json:"request_id,omitempty"`
	Timestamp int64                 `json:"timestamp"`
}

// SuccessResponse wraps data in the envelope.
func SuccessResponse(data interface{}, requestID string) *APIResponse {
	return &APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}

// ErrorEnvelope wraps an error in the envelope. verbose includes error
// metadata, enabled outside production.
func ErrorEnvelope(err error, requestID string, verbose bool) *APIResponse {
	return &APIResponse{
		Success:   false,
		Error:     errors.ToErrorResponse(err, verbose),
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}
