package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/custodia-io/custodia/pkg/constants"
)

// AuditEvent is an append-only record of a security-relevant decision.
// Events are never mutated after being written.
type AuditEvent struct {
	EventID   uuid.UUID
	EventType constants.AuditEventType
	KeyID     string
	OwnerID   string

	IPAddress string
	Endpoint  string
	Method    string
	UserAgent string
	RequestID string

	Description string
	// Signature is the HMAC-SHA256 of the event body, set by the signing sink
	// when an audit signing key is configured.
	Signature string

	Timestamp time.Time
}

// NewAuditEvent creates an event stamped with a fresh ID and UTC timestamp.
func NewAuditEvent(eventType constants.AuditEventType, keyID, ownerID, description string) *AuditEvent {
	return &AuditEvent{
		EventID:     uuid.New(),
		EventType:   eventType,
		KeyID:       keyID,
		OwnerID:     ownerID,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}
}

// WithRequest attaches request context to the event.
func (e *AuditEvent) WithRequest(req RequestContext) *AuditEvent {
	e.IPAddress = req.IP
	e.Endpoint = req.Endpoint
	e.Method = req.Method
	e.UserAgent = req.UserAgent
	e.RequestID = req.RequestID
	return e
}

// AuditFilter narrows audit queries for the export interface.
type AuditFilter struct {
	KeyID     string
	OwnerID   string
	EventType constants.AuditEventType
	From      time.Time
	To        time.Time
	Limit     int
}
