package models

import (
	"time"

	"github.com/custodia-io/custodia/pkg/constants"
)

// RateLimit is the per-key request ceiling inside a fixed window.
type RateLimit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// DefaultRateLimit applies to keys issued without an explicit override.
func DefaultRateLimit() RateLimit {
	return RateLimit{
		Requests: constants.DefaultRateLimitRequests,
		Window:   constants.DefaultRateLimitWindow,
	}
}

// APIKey is the stored record of an issued credential. The secret itself is
// never stored; only its one-way hash. Records are never hard-deleted, they
// are retained for audit after revocation.
type APIKey struct {
	// KeyID is the public, stable identifier embedded in the credential.
	KeyID string
	// SecretHash is the argon2id hash of the credential's secret portion.
	SecretHash string

	OwnerID   string
	OwnerType constants.OwnerType

	// Permissions is the set of capability tags the key carries.
	Permissions []string
	Scope       constants.Scope
	// ScopeID narrows the scope to a specific organisation, community,
	// project, or person. Empty for global keys.
	ScopeID string

	SovereigntyLevel constants.SovereigntyLevel
	// CulturalProtocols is the set of protocol tags the owner has acknowledged.
	CulturalProtocols     []string
	CommunityID           string
	DataResidencyRequired bool

	// IPAllowlist, when non-empty, restricts the source addresses the key may
	// be presented from.
	IPAllowlist []string

	RateLimit RateLimit

	Status constants.KeyStatus
	// Compromised marks a key reported as compromised; the rotation engine
	// revokes it on the next scan regardless of policy thresholds.
	Compromised bool
	// RotatedTo is the KeyID of the replacement issued during rotation.
	RotatedTo string

	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	// FlaggedAt and RotationDeadline are set when a rotation policy flags the
	// key; absent remediation the key is revoked once the deadline passes.
	FlaggedAt        *time.Time
	RotationDeadline *time.Time

	// UsageCount is the cumulative number of recorded requests, maintained by
	// the usage recorder and read by the rotation engine.
	UsageCount int64
}

// IsRevoked reports whether RevokedAt is set.
func (k *APIKey) IsRevoked() bool {
	return k.RevokedAt != nil
}

// IsExpired reports whether the key's expiry has passed at the given instant.
// Expiry is a read-time derived state, not a stored transition.
func (k *APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Usable reports whether the key can authenticate a request at the given
// instant, before the secret comparison.
func (k *APIKey) Usable(now time.Time) bool {
	return !k.IsRevoked() && !k.IsExpired(now)
}

// HasPermission reports membership of a capability tag.
func (k *APIKey) HasPermission(permission string) bool {
	for _, p := range k.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// AcknowledgesProtocols reports whether the key carries every required
// cultural protocol tag, returning the missing ones otherwise.
func (k *APIKey) AcknowledgesProtocols(required []string) (bool, []string) {
	var missing []string
	for _, r := range required {
		found := false
		for _, p := range k.CulturalProtocols {
			if p == r {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, r)
		}
	}
	return len(missing) == 0, missing
}

// AllowsIP reports whether the request IP satisfies the allowlist. An empty
// allowlist allows any source.
func (k *APIKey) AllowsIP(ip string) bool {
	if len(k.IPAllowlist) == 0 {
		return true
	}
	for _, allowed := range k.IPAllowlist {
		if allowed == ip {
			return true
		}
	}
	return false
}

// Age returns the time elapsed since the key was created.
func (k *APIKey) Age(now time.Time) time.Duration {
	return now.Sub(k.CreatedAt)
}

// Inactivity returns the time elapsed since the key was last used, falling
// back to its age when it has never been used.
func (k *APIKey) Inactivity(now time.Time) time.Duration {
	if k.LastUsedAt == nil {
		return k.Age(now)
	}
	return now.Sub(*k.LastUsedAt)
}

// KeyContext is the resolved context attached to a request after successful
// validation, consumed by the permission evaluator and the caller's routing
// layer.
type KeyContext struct {
	KeyID             string
	OwnerID           string
	OwnerType         constants.OwnerType
	Permissions       []string
	Scope             constants.Scope
	ScopeID           string
	SovereigntyLevel  constants.SovereigntyLevel
	CulturalProtocols []string
	CommunityID       string
	DataResidency     bool

	RateLimitCeiling   int
	RateLimitRemaining int
	RateLimitResetAt   time.Time

	// Warnings are human-readable security notes (e.g. key flagged for
	// rotation) surfaced to the caller without failing the request.
	Warnings []string
}

// RequestContext describes the request a credential was presented with.
type RequestContext struct {
	IP       string
	Endpoint string
	Method   string
	// Secure is set when the request arrived over a TLS-terminated transport.
	Secure    bool
	UserAgent string
	RequestID string
}
