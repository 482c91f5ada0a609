// Package service holds the domain services (key validation, permission
// evaluation) and the contracts they depend on.
package service

import (
	"context"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
)

// RateLimitResult is returned by every limiter call, allow or deny, so the
// caller can always surface rate-limit headers.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimitService enforces a per-key request ceiling inside a fixed window.
// The check-and-increment must be atomic with respect to concurrent callers:
// no interleaving may admit more than the ceiling within one window.
type RateLimitService interface {
	Allow(ctx context.Context, keyID string, limit models.RateLimit) (*RateLimitResult, error)

	// Peek returns the current budget without consuming a request.
	Peek(ctx context.Context, keyID string, limit models.RateLimit) (*RateLimitResult, error)

	// Reset clears the counter for a key, used by administrative tooling.
	Reset(ctx context.Context, keyID string) error
}

// AuditSink receives security-relevant events. Implementations must be safe
// for concurrent use; a sink failure is logged by the caller but never fails
// the originating request.
type AuditSink interface {
	Record(ctx context.Context, event *models.AuditEvent) error
}

// SecretHasher is the one-way hashing contract for credential secrets.
type SecretHasher interface {
	// Hash derives a storable one-way hash from the secret.
	Hash(secret string) (string, error)
	// Compare checks a presented secret against a stored hash in constant
	// time with respect to the hash output.
	Compare(secret, encodedHash string) bool
}

// Notifier delivers rotation warnings to key owners and administrators.
// The default implementation logs; external delivery plugs in here.
type Notifier interface {
	NotifyRotationDue(ctx context.Context, key *models.APIKey, reasons []string, deadline time.Time)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
