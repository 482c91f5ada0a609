// Package repository defines the persistence contracts of the domain layer.
// Implementations live under internal/infrastructure/persistence.
package repository

import (
	"context"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
)

// KeyRepository is the persistence contract for API key records. Keys are
// never hard-deleted; revocation sets RevokedAt and records stay for audit.
type KeyRepository interface {
	Create(ctx context.Context, key *models.APIKey) error
	GetByKeyID(ctx context.Context, keyID string) (*models.APIKey, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.APIKey, error)
	// ListActive streams every non-revoked key, used by the rotation scan.
	ListActive(ctx context.Context) ([]*models.APIKey, error)

	// Revoke sets RevokedAt and status atomically, guarded on the key not
	// already being revoked. Returns the repository's not-found error when
	// the key is absent or already revoked.
	Revoke(ctx context.Context, keyID string, at time.Time, status string) error

	// Flag records a rotation-policy flag with its hard deadline. A no-op if
	// the key is already flagged or revoked.
	Flag(ctx context.Context, keyID string, at, deadline time.Time) error

	// MarkCompromised sets the compromise marker read by the rotation engine.
	MarkCompromised(ctx context.Context, keyID string) error

	// MarkRotated links the old key to its replacement and revokes it.
	MarkRotated(ctx context.Context, oldKeyID, newKeyID string, at time.Time) error

	// TouchUsage advances LastUsedAt and increments the cumulative usage
	// counter. Called by the usage recorder, never on the request path.
	TouchUsage(ctx context.Context, keyID string, at time.Time) error
}
