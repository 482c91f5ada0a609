package repository

import (
	"context"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
)

// UsageRepository is the persistence contract for usage records. Records are
// immutable once written.
type UsageRepository interface {
	Append(ctx context.Context, usage *models.APIKeyUsage) error
	Query(ctx context.Context, filter models.UsageFilter) ([]*models.APIKeyUsage, error)

	// CountSuspicious counts records flagged as suspicious for a key since
	// the given instant, used by suspicious-activity rotation triggers.
	CountSuspicious(ctx context.Context, keyID string, since time.Time) (int, error)
}
