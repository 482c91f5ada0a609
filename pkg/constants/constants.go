// Package constants defines shared enumerations and defaults for the Custodia
// API key service: owner types, scopes, the sovereignty rank table, audit
// event types, error codes, and wire-level header names.
package constants

import "time"

// ================================================================================
// Owner Types
// ================================================================================

// OwnerType identifies the kind of principal a key is issued to.
type OwnerType string

const (
	OwnerTypeUser    OwnerType = "user"
	OwnerTypeService OwnerType = "service"
	OwnerTypeSystem  OwnerType = "system"
)

// Valid reports whether the owner type is one of the known values.
func (o OwnerType) Valid() bool {
	switch o {
	case OwnerTypeUser, OwnerTypeService, OwnerTypeSystem:
		return true
	}
	return false
}

// ================================================================================
// Scopes
// ================================================================================

// Scope is the breadth of resources a key may act on.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganisation Scope = "organisation"
	ScopeCommunity    Scope = "community"
	ScopeProject      Scope = "project"
	ScopePersonal     Scope = "personal"
)

// Valid reports whether the scope is one of the known values.
func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeOrganisation, ScopeCommunity, ScopeProject, ScopePersonal:
		return true
	}
	return false
}

// ================================================================================
// Sovereignty Levels
// ================================================================================

// SovereigntyLevel is an ordered tier gating access to culturally sensitive
// data categories. Levels are compared by rank, never by string equality.
type SovereigntyLevel string

const (
	SovereigntyGeneralRespect    SovereigntyLevel = "general-respect"
	SovereigntyCulturalProtocol  SovereigntyLevel = "cultural-protocol"
	SovereigntyCommunityDelegate SovereigntyLevel = "community-delegate"
	SovereigntyCulturalAuthority SovereigntyLevel = "cultural-authority"
	SovereigntyTraditionalOwner  SovereigntyLevel = "traditional-owner"
)

// sovereigntyRanks is the fixed ordering. Unknown levels rank 0 and therefore
// never satisfy any requirement.
var sovereigntyRanks = map[SovereigntyLevel]int{
	SovereigntyGeneralRespect:    1,
	SovereigntyCulturalProtocol:  2,
	SovereigntyCommunityDelegate: 3,
	SovereigntyCulturalAuthority: 4,
	SovereigntyTraditionalOwner:  5,
}

// Rank returns the numeric position of the level in the fixed ordering,
// or 0 for unknown levels.
func (l SovereigntyLevel) Rank() int {
	return sovereigntyRanks[l]
}

// Valid reports whether the level is part of the fixed ordering.
func (l SovereigntyLevel) Valid() bool {
	return l.Rank() > 0
}

// AtLeast reports whether the level meets or exceeds the required level.
func (l SovereigntyLevel) AtLeast(required SovereigntyLevel) bool {
	return l.Rank() >= required.Rank() && required.Rank() > 0
}

// ================================================================================
// Key Lifecycle
// ================================================================================

// KeyStatus is the stored lifecycle state of a key. "expired" is derived at
// read time from ExpiresAt and is never written.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusFlagged KeyStatus = "flagged"
	KeyStatusRotated KeyStatus = "rotated"
	KeyStatusRevoked KeyStatus = "revoked"
)

// ================================================================================
// Audit Event Types
// ================================================================================

// AuditEventType classifies security-relevant decisions.
type AuditEventType string

const (
	AuditEventPermissionDenied          AuditEventType = "permission_denied"
	AuditEventScopeViolation            AuditEventType = "scope_violation"
	AuditEventSovereigntyViolation      AuditEventType = "sovereignty_violation"
	AuditEventCulturalProtocolViolation AuditEventType = "cultural_protocol_violation"
	AuditEventOwnershipViolation        AuditEventType = "ownership_violation"
	AuditEventComplianceViolation       AuditEventType = "compliance_violation"
	AuditEventRateLimited               AuditEventType = "rate_limited"
	AuditEventAuthFailure               AuditEventType = "auth_failure"
	AuditEventRotation                  AuditEventType = "rotation"
	AuditEventRevocation                AuditEventType = "revocation"
	AuditEventKeyIssued                 AuditEventType = "key_issued"
	AuditEventKeyFlagged                AuditEventType = "key_flagged"
	AuditEventCompromiseReported        AuditEventType = "compromise_reported"
)

// ================================================================================
// Error Codes
// ================================================================================

// ErrorCode is the machine-readable code carried by every service error.
type ErrorCode string

const (
	ErrCodeMissingKey                ErrorCode = "missing_key"
	ErrCodeInvalidFormat             ErrorCode = "invalid_format"
	ErrCodeNotFound                  ErrorCode = "not_found"
	ErrCodeExpired                   ErrorCode = "expired"
	ErrCodeRevoked                   ErrorCode = "revoked"
	ErrCodeIPNotAllowed              ErrorCode = "ip_not_allowed"
	ErrCodeRateLimited               ErrorCode = "rate_limited"
	ErrCodePermissionDenied          ErrorCode = "permission_denied"
	ErrCodeScopeMismatch             ErrorCode = "scope_mismatch"
	ErrCodeSovereigntyViolation      ErrorCode = "sovereignty_violation"
	ErrCodeCulturalProtocolViolation ErrorCode = "cultural_protocol_violation"
	ErrCodeComplianceViolation       ErrorCode = "compliance_violation"
	ErrCodeOwnershipViolation        ErrorCode = "ownership_violation"
	ErrCodeCustomValidationFailed    ErrorCode = "custom_validation_failed"
	ErrCodeInvalidRequest            ErrorCode = "invalid_request"
	ErrCodeInternal                  ErrorCode = "internal_error"
)

// ================================================================================
// Log Levels
// ================================================================================

// LogLevel controls logger verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

// ================================================================================
// HTTP Headers and Context Keys
// ================================================================================

const (
	// HeaderAPIKey is the primary credential header.
	HeaderAPIKey = "X-API-Key"
	// HeaderAuthorization is the bearer-style fallback.
	HeaderAuthorization = "Authorization"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
	HeaderRequestID          = "X-Request-ID"
)

// ContextKeyKeyContext is the gin context key under which the validated key
// context is stored by the RequireAPIKey middleware.
const ContextKeyKeyContext = "custodia_key_context"

// ================================================================================
// Defaults
// ================================================================================

const (
	// CredentialPrefix leads every issued credential string.
	CredentialPrefix = "ck"

	// SecretBytes is the entropy of the generated secret (256 bits).
	SecretBytes = 32

	// DefaultRateLimitRequests and DefaultRateLimitWindow apply to keys
	// issued without an explicit rate-limit override.
	DefaultRateLimitRequests = 100
	DefaultRateLimitWindow   = time.Minute

	// DefaultKeyRecordTTL bounds cross-instance revocation staleness.
	DefaultKeyRecordTTL = 2 * time.Second

	// DefaultUsageBuffer is the usage recorder queue depth.
	DefaultUsageBuffer = 1024

	// DefaultRotationInterval is the period of the rotation engine scan.
	DefaultRotationInterval = time.Hour

	// DefaultRotationParallelism bounds concurrent per-key policy evaluation.
	DefaultRotationParallelism = 8
)
