// Package cache provides a read-through cache in front of the key
// repository.
//
// Staleness contract: lifecycle writes routed through this decorator
// invalidate the local entry, so revocations and rotations are visible to
// the very next validation on the same instance. Other instances observe
// them within the record TTL, which is the service's stated revocation
// staleness bound (cache.key_record_ttl, 2s by default).
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
)

// cachedKeyRepository decorates a KeyRepository with a bounded-TTL cache of
// key records keyed by key ID. Only successful lookups are cached; misses
// and errors always go to the store.
type cachedKeyRepository struct {
	inner repository.KeyRepository
	cache *gocache.Cache
}

// NewCachedKeyRepository wraps the given repository. ttl bounds
// cross-instance staleness of lifecycle writes.
func NewCachedKeyRepository(inner repository.KeyRepository, ttl time.Duration) repository.KeyRepository {
	return &cachedKeyRepository{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (r *cachedKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	if err := r.inner.Create(ctx, key); err != nil {
		return err
	}
	r.cache.SetDefault(key.KeyID, key)
	return nil
}

func (r *cachedKeyRepository) GetByKeyID(ctx context.Context, keyID string) (*models.APIKey, error) {
	if v, ok := r.cache.Get(keyID); ok {
		return v.(*models.APIKey), nil
	}
	key, err := r.inner.GetByKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(keyID, key)
	return key, nil
}

func (r *cachedKeyRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	return r.inner.ListByOwner(ctx, ownerID)
}

func (r *cachedKeyRepository) ListActive(ctx context.Context) ([]*models.APIKey, error) {
	return r.inner.ListActive(ctx)
}

func (r *cachedKeyRepository) Revoke(ctx context.Context, keyID string, at time.Time, status string) error {
	err := r.inner.Revoke(ctx, keyID, at, status)
	r.cache.Delete(keyID)
	return err
}

func (r *cachedKeyRepository) Flag(ctx context.Context, keyID string, at, deadline time.Time) error {
	err := r.inner.Flag(ctx, keyID, at, deadline)
	r.cache.Delete(keyID)
	return err
}

func (r *cachedKeyRepository) MarkCompromised(ctx context.Context, keyID string) error {
	err := r.inner.MarkCompromised(ctx, keyID)
	r.cache.Delete(keyID)
	return err
}

func (r *cachedKeyRepository) MarkRotated(ctx context.Context, oldKeyID, newKeyID string, at time.Time) error {
	err := r.inner.MarkRotated(ctx, oldKeyID, newKeyID, at)
	r.cache.Delete(oldKeyID)
	return err
}

func (r *cachedKeyRepository) TouchUsage(ctx context.Context, keyID string, at time.Time) error {
	err := r.inner.TouchUsage(ctx, keyID, at)
	// Drop rather than update so the next read reflects the stored counter.
	r.cache.Delete(keyID)
	return err
}
