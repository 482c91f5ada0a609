package dto

import (
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/pkg/constants"
)

// IssueKeyRequest asks for a new key. ExpiresInDays of zero issues a
// non-expiring key.
type IssueKeyRequest struct {
	OwnerID   string `json:"owner_id" binding:"required"`
	OwnerType string `json:"owner_type" binding:"required"`

	Permissions []string `json:"permissions" binding:"required,min=1"`
	Scope       string   `json:"scope" binding:"required"`
	ScopeID     string   `json:"scope_id"`

	SovereigntyLevel      string   `json:"sovereignty_level" binding:"required"`
	CulturalProtocols     []string `json:"cultural_protocols"`
	CommunityID           string   `json:"community_id"`
	DataResidencyRequired bool     `json:"data_residency_required"`

	IPAllowlist []string `json:"ip_allowlist"`

	RateLimitRequests int    `json:"rate_limit_requests"`
	RateLimitWindow   string `json:"rate_limit_window"`

	ExpiresInDays int `json:"expires_in_days"`
}

// IssuedKeyResponse carries the one and only exposure of the plaintext
// credential. The secret is not recoverable afterwards.
type IssuedKeyResponse struct {
	KeyID      string       `json:"key_id"`
	Credential string       `json:"credential"`
	Metadata   *KeyMetadata `json:"metadata"`
}

// KeyMetadata is the public view of a key record, with the credential and
// secret hash withheld.
type KeyMetadata struct {
	KeyID     string `json:"key_id"`
	MaskedKey string `json:"masked_key"`

	OwnerID   string `json:"owner_id"`
	OwnerType string `json:"owner_type"`

	Permissions []string `json:"permissions"`
	Scope       string   `json:"scope"`
	ScopeID     string   `json:"scope_id,omitempty"`

	SovereigntyLevel      string   `json:"sovereignty_level"`
	CulturalProtocols     []string `json:"cultural_protocols,omitempty"`
	CommunityID           string   `json:"community_id,omitempty"`
	DataResidencyRequired bool     `json:"data_residency_required"`

	IPAllowlist []string `json:"ip_allowlist,omitempty"`

	RateLimitRequests int    `json:"rate_limit_requests"`
	RateLimitWindow   string `json:"rate_limit_window"`

	Status      string `json:"status"`
	Compromised bool   `json:"compromised,omitempty"`
	RotatedTo   string `json:"rotated_to,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	FlaggedAt        *time.Time `json:"flagged_at,omitempty"`
	RotationDeadline *time.Time `json:"rotation_deadline,omitempty"`

	UsageCount int64 `json:"usage_count"`
}

// FromKey maps a key record to its public view.
func FromKey(key *models.APIKey) *KeyMetadata {
	return &KeyMetadata{
		KeyID:                 key.KeyID,
		MaskedKey:             constants.CredentialPrefix + "_" + key.KeyID + "_****",
		OwnerID:               key.OwnerID,
		OwnerType:             string(key.OwnerType),
		Permissions:           key.Permissions,
		Scope:                 string(key.Scope),
		ScopeID:               key.ScopeID,
		SovereigntyLevel:      string(key.SovereigntyLevel),
		CulturalProtocols:     key.CulturalProtocols,
		CommunityID:           key.CommunityID,
		DataResidencyRequired: key.DataResidencyRequired,
		IPAllowlist:           key.IPAllowlist,
		RateLimitRequests:     key.RateLimit.Requests,
		RateLimitWindow:       key.RateLimit.Window.String(),
		Status:                string(key.Status),
		Compromised:           key.Compromised,
		RotatedTo:             key.RotatedTo,
		CreatedAt:             key.CreatedAt,
		ExpiresAt:             key.ExpiresAt,
		RevokedAt:             key.RevokedAt,
		LastUsedAt:            key.LastUsedAt,
		FlaggedAt:             key.FlaggedAt,
		RotationDeadline:      key.RotationDeadline,
		UsageCount:            key.UsageCount,
	}
}

// RevokeKeyRequest revokes a key with an operator-supplied reason.
type RevokeKeyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CompromiseReportRequest reports a key as compromised.
type CompromiseReportRequest struct {
	Reason string `json:"reason" binding:"required"`
	// RevokeImmediately revokes the key in the same call instead of waiting
	// for the next rotation scan.
	RevokeImmediately bool `json:"revoke_immediately"`
}

// RotateKeyResponse returns the replacement credential alongside the retired
// key's ID.
type RotateKeyResponse struct {
	OldKeyID string             `json:"old_key_id"`
	NewKey   *IssuedKeyResponse `json:"new_key"`
}

// ValidateRequest is the optional body of the validate endpoint: requirements
// the caller's operation places on the key, evaluated after authentication.
// An absent or empty body authenticates only.
type ValidateRequest struct {
	Permission           string   `json:"permission,omitempty"`
	Scope                string   `json:"scope,omitempty"`
	ScopeID              string   `json:"scope_id,omitempty"`
	SovereigntyLevel     string   `json:"sovereignty_level,omitempty"`
	CulturalProtocols    []string `json:"cultural_protocols,omitempty"`
	RequireDataResidency bool     `json:"require_data_residency,omitempty"`
	OwnerID              string   `json:"owner_id,omitempty"`
}

// Empty reports whether the request carries no requirements.
func (r *ValidateRequest) Empty() bool {
	return r.Permission == "" && r.Scope == "" && r.ScopeID == "" &&
		r.SovereigntyLevel == "" && len(r.CulturalProtocols) == 0 &&
		!r.RequireDataResidency && r.OwnerID == ""
}

// ValidationResponse is the resolved key context returned by the validate
// endpoint.
type ValidationResponse struct {
	Valid bool `json:"valid"`

	KeyID             string   `json:"key_id"`
	OwnerID           string   `json:"owner_id"`
	OwnerType         string   `json:"owner_type"`
	Permissions       []string `json:"permissions"`
	Scope             string   `json:"scope"`
	ScopeID           string   `json:"scope_id,omitempty"`
	SovereigntyLevel  string   `json:"sovereignty_level"`
	CulturalProtocols []string `json:"cultural_protocols,omitempty"`
	CommunityID       string   `json:"community_id,omitempty"`
	DataResidency     bool     `json:"data_residency"`

	RateLimitCeiling   int       `json:"rate_limit_ceiling"`
	RateLimitRemaining int       `json:"rate_limit_remaining"`
	RateLimitResetAt   time.Time `json:"rate_limit_reset_at"`

	Warnings []string `json:"warnings,omitempty"`
}

// FromKeyContext maps a resolved key context to the wire shape.
func FromKeyContext(kc *models.KeyContext) *ValidationResponse {
	return &ValidationResponse{
		Valid:              true,
		KeyID:              kc.KeyID,
		OwnerID:            kc.OwnerID,
		OwnerType:          string(kc.OwnerType),
		Permissions:        kc.Permissions,
		Scope:              string(kc.Scope),
		ScopeID:            kc.ScopeID,
		SovereigntyLevel:   string(kc.SovereigntyLevel),
		CulturalProtocols:  kc.CulturalProtocols,
		CommunityID:        kc.CommunityID,
		DataResidency:      kc.DataResidency,
		RateLimitCeiling:   kc.RateLimitCeiling,
		RateLimitRemaining: kc.RateLimitRemaining,
		RateLimitResetAt:   kc.RateLimitResetAt,
		Warnings:           kc.Warnings,
	}
}

// UsageRecordResponse is one usage record in query results.
type UsageRecordResponse struct {
	KeyID                  string    `json:"key_id"`
	Timestamp              time.Time `json:"timestamp"`
	SourceIP               string    `json:"source_ip"`
	Endpoint               string    `json:"endpoint"`
	Method                 string    `json:"method"`
	StatusCode             int       `json:"status_code"`
	ResponseTimeMs         int64     `json:"response_time_ms"`
	BytesOut               int64     `json:"bytes_out"`
	SecurityFlags          []string  `json:"security_flags,omitempty"`
	SuspiciousActivity     bool      `json:"suspicious_activity"`
	DataAccessed           bool      `json:"data_accessed"`
	IndigenousDataAccessed bool      `json:"indigenous_data_accessed"`
	DataResidencyCompliant bool      `json:"data_residency_compliant"`
}

// FromUsage maps a usage record.
func FromUsage(u *models.APIKeyUsage) *UsageRecordResponse {
	return &UsageRecordResponse{
		KeyID:                  u.KeyID,
		Timestamp:              u.Timestamp,
		SourceIP:               u.SourceIP,
		Endpoint:               u.Endpoint,
		Method:                 u.Method,
		StatusCode:             u.StatusCode,
		ResponseTimeMs:         u.ResponseTime.Milliseconds(),
		BytesOut:               u.BytesOut,
		SecurityFlags:          u.SecurityFlags,
		SuspiciousActivity:     u.SuspiciousActivity,
		DataAccessed:           u.DataAccessed,
		IndigenousDataAccessed: u.IndigenousDataAccessed,
		DataResidencyCompliant: u.DataResidencyCompliant,
	}
}

// AuditEventResponse is one audit event in query results.
type AuditEventResponse struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	KeyID       string    `json:"key_id"`
	OwnerID     string    `json:"owner_id"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Method      string    `json:"method,omitempty"`
	Description string    `json:"description"`
	Signature   string    `json:"signature,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// FromAuditEvent maps an audit event.
func FromAuditEvent(e *models.AuditEvent) *AuditEventResponse {
	return &AuditEventResponse{
		EventID:     e.EventID.String(),
		EventType:   string(e.EventType),
		KeyID:       e.KeyID,
		OwnerID:     e.OwnerID,
		IPAddress:   e.IPAddress,
		Endpoint:    e.Endpoint,
		Method:      e.Method,
		Description: e.Description,
		Signature:   e.Signature,
		Timestamp:   e.Timestamp,
	}
}
