package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
	"github.com/custodia-io/custodia/pkg/constants"
	apperrors "github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
)

// KeyRepositoryImpl implements repository.KeyRepository on PostgreSQL.
// Lifecycle writes (revoke, flag, rotate) are single conditional UPDATEs so
// they are atomic with respect to concurrent validations and the rotation
// scan.
type KeyRepositoryImpl struct {
	db  *DBConnection
	log logger.Logger
}

// NewKeyRepository creates a PostgreSQL key repository.
func NewKeyRepository(db *DBConnection, log logger.Logger) repository.KeyRepository {
	return &KeyRepositoryImpl{db: db, log: log.WithComponent("KeyRepository")}
}

const keyColumns = `
	key_id, secret_hash, owner_id, owner_type, permissions, scope, scope_id,
	sovereignty_level, cultural_protocols, community_id, data_residency_required,
	ip_allowlist, rate_limit_requests, rate_limit_window_ms, status, compromised,
	rotated_to, created_at, expires_at, revoked_at, last_used_at, flagged_at,
	rotation_deadline, usage_count`

// Create persists a new key record.
func (r *KeyRepositoryImpl) Create(ctx context.Context, key *models.APIKey) error {
	query := `
		INSERT INTO api_keys (` + keyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	_, err := r.db.Pool().Exec(ctx, query,
		key.KeyID, key.SecretHash, key.OwnerID, string(key.OwnerType),
		key.Permissions, string(key.Scope), key.ScopeID,
		string(key.SovereigntyLevel), key.CulturalProtocols, key.CommunityID,
		key.DataResidencyRequired, key.IPAllowlist,
		key.RateLimit.Requests, key.RateLimit.Window.Milliseconds(),
		string(key.Status), key.Compromised, key.RotatedTo,
		key.CreatedAt, key.ExpiresAt, key.RevokedAt, key.LastUsedAt,
		key.FlaggedAt, key.RotationDeadline, key.UsageCount,
	)
	if err != nil {
		return apperrors.ErrInternal("failed to persist key").WithCause(err)
	}
	return nil
}

// GetByKeyID looks up a key by its public identifier.
func (r *KeyRepositoryImpl) GetByKeyID(ctx context.Context, keyID string) (*models.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE key_id = $1`
	row := r.db.Pool().QueryRow(ctx, query, keyID)
	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrKeyNotFound()
		}
		return nil, apperrors.ErrInternal("key lookup failed").WithCause(err)
	}
	return key, nil
}

// ListByOwner returns every key issued to an owner, newest first.
func (r *KeyRepositoryImpl) ListByOwner(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Pool().Query(ctx, query, ownerID)
	if err != nil {
		return nil, apperrors.ErrInternal("key listing failed").WithCause(err)
	}
	defer rows.Close()
	return scanKeys(rows)
}

// ListActive returns every non-revoked key for the rotation scan.
func (r *KeyRepositoryImpl) ListActive(ctx context.Context) ([]*models.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE revoked_at IS NULL`
	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, apperrors.ErrInternal("active key listing failed").WithCause(err)
	}
	defer rows.Close()
	return scanKeys(rows)
}

// Revoke sets RevokedAt once; a second revocation or an unknown key reports
// not found.
func (r *KeyRepositoryImpl) Revoke(ctx context.Context, keyID string, at time.Time, status string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE api_keys SET revoked_at = $2, status = $3
		WHERE key_id = $1 AND revoked_at IS NULL`,
		keyID, at, status)
	if err != nil {
		return apperrors.ErrInternal("revocation failed").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrKeyNotFound()
	}
	return nil
}

// Flag records a rotation-policy flag; already flagged or revoked keys are
// left untouched.
func (r *KeyRepositoryImpl) Flag(ctx context.Context, keyID string, at, deadline time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE api_keys SET status = $2, flagged_at = $3, rotation_deadline = $4
		WHERE key_id = $1 AND revoked_at IS NULL AND flagged_at IS NULL`,
		keyID, string(constants.KeyStatusFlagged), at, deadline)
	if err != nil {
		return apperrors.ErrInternal("flagging failed").WithCause(err)
	}
	return nil
}

// MarkCompromised sets the compromise marker.
func (r *KeyRepositoryImpl) MarkCompromised(ctx context.Context, keyID string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE api_keys SET compromised = TRUE
		WHERE key_id = $1 AND revoked_at IS NULL`,
		keyID)
	if err != nil {
		return apperrors.ErrInternal("compromise marking failed").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrKeyNotFound()
	}
	return nil
}

// MarkRotated links the old key to its replacement and revokes it in one
// atomic update.
func (r *KeyRepositoryImpl) MarkRotated(ctx context.Context, oldKeyID, newKeyID string, at time.Time) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE api_keys SET status = $3, rotated_to = $2, revoked_at = $4
		WHERE key_id = $1 AND revoked_at IS NULL`,
		oldKeyID, newKeyID, string(constants.KeyStatusRotated), at)
	if err != nil {
		return apperrors.ErrInternal("rotation marking failed").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrKeyNotFound()
	}
	return nil
}

// TouchUsage advances LastUsedAt monotonically and bumps the usage counter.
func (r *KeyRepositoryImpl) TouchUsage(ctx context.Context, keyID string, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE api_keys
		SET last_used_at = GREATEST(COALESCE(last_used_at, 'epoch'::timestamptz), $2),
		    usage_count = usage_count + 1
		WHERE key_id = $1`,
		keyID, at)
	if err != nil {
		return apperrors.ErrInternal("usage touch failed").WithCause(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*models.APIKey, error) {
	var (
		key        models.APIKey
		ownerType  string
		scope      string
		sovereign  string
		status     string
		windowMs   int64
		rlRequests int
	)
	err := row.Scan(
		&key.KeyID, &key.SecretHash, &key.OwnerID, &ownerType,
		&key.Permissions, &scope, &key.ScopeID,
		&sovereign, &key.CulturalProtocols, &key.CommunityID,
		&key.DataResidencyRequired, &key.IPAllowlist,
		&rlRequests, &windowMs,
		&status, &key.Compromised, &key.RotatedTo,
		&key.CreatedAt, &key.ExpiresAt, &key.RevokedAt, &key.LastUsedAt,
		&key.FlaggedAt, &key.RotationDeadline, &key.UsageCount,
	)
	if err != nil {
		return nil, err
	}
	key.OwnerType = constants.OwnerType(ownerType)
	key.Scope = constants.Scope(scope)
	key.SovereigntyLevel = constants.SovereigntyLevel(sovereign)
	key.Status = constants.KeyStatus(status)
	key.RateLimit = models.RateLimit{
		Requests: rlRequests,
		Window:   time.Duration(windowMs) * time.Millisecond,
	}
	return &key, nil
}

func scanKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, apperrors.ErrInternal("key scan failed").WithCause(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.ErrInternal("key iteration failed").WithCause(err)
	}
	return keys, nil
}
