package postgres

import (
	"context"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
	apperrors "github.com/custodia-io/custodia/pkg/errors"
	"github.com/custodia-io/custodia/pkg/logger"
)

// UsageRepositoryImpl implements repository.UsageRepository on PostgreSQL.
// Records are append-only; there is no update path.
type UsageRepositoryImpl struct {
	db  *DBConnection
	log logger.Logger
}

// NewUsageRepository creates a PostgreSQL usage repository.
func NewUsageRepository(db *DBConnection, log logger.Logger) repository.UsageRepository {
	return &UsageRepositoryImpl{db: db, log: log.WithComponent("UsageRepository")}
}

// Append writes one usage record.
func (r *UsageRepositoryImpl) Append(ctx context.Context, usage *models.APIKeyUsage) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO api_key_usage (
			key_id, recorded_at, source_ip, endpoint, method, status_code,
			response_time_ms, bytes_out, security_flags, suspicious_activity,
			data_accessed, indigenous_data_accessed, data_residency_compliant
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		usage.KeyID, usage.Timestamp, usage.SourceIP, usage.Endpoint,
		usage.Method, usage.StatusCode, usage.ResponseTime.Milliseconds(),
		usage.BytesOut, usage.SecurityFlags, usage.SuspiciousActivity,
		usage.DataAccessed, usage.IndigenousDataAccessed, usage.DataResidencyCompliant,
	)
	if err != nil {
		return apperrors.ErrInternal("failed to append usage record").WithCause(err)
	}
	return nil
}

// Query returns usage records matching the filter, newest first.
func (r *UsageRepositoryImpl) Query(ctx context.Context, filter models.UsageFilter) ([]*models.APIKeyUsage, error) {
	query := `
		SELECT id, key_id, recorded_at, source_ip, endpoint, method, status_code,
		       response_time_ms, bytes_out, security_flags, suspicious_activity,
		       data_accessed, indigenous_data_accessed, data_residency_compliant
		FROM api_key_usage
		WHERE ($1 = '' OR key_id = $1)
		  AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		  AND ($3::timestamptz IS NULL OR recorded_at <= $3)
		ORDER BY recorded_at DESC
		LIMIT $4`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool().Query(ctx, query,
		filter.KeyID, nullableTime(filter.From), nullableTime(filter.To), limit)
	if err != nil {
		return nil, apperrors.ErrInternal("usage query failed").WithCause(err)
	}
	defer rows.Close()

	var records []*models.APIKeyUsage
	for rows.Next() {
		var (
			u      models.APIKeyUsage
			respMs int64
		)
		err := rows.Scan(&u.ID, &u.KeyID, &u.Timestamp, &u.SourceIP, &u.Endpoint,
			&u.Method, &u.StatusCode, &respMs, &u.BytesOut, &u.SecurityFlags,
			&u.SuspiciousActivity, &u.DataAccessed, &u.IndigenousDataAccessed,
			&u.DataResidencyCompliant)
		if err != nil {
			return nil, apperrors.ErrInternal("usage scan failed").WithCause(err)
		}
		u.ResponseTime = time.Duration(respMs) * time.Millisecond
		records = append(records, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.ErrInternal("usage iteration failed").WithCause(err)
	}
	return records, nil
}

// CountSuspicious counts suspicious records for a key since the given
// instant, used by suspicious-activity rotation triggers.
func (r *UsageRepositoryImpl) CountSuspicious(ctx context.Context, keyID string, since time.Time) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `
		SELECT COUNT(*) FROM api_key_usage
		WHERE key_id = $1 AND suspicious_activity AND recorded_at >= $2`,
		keyID, since).Scan(&count)
	if err != nil {
		return 0, apperrors.ErrInternal("suspicious count failed").WithCause(err)
	}
	return count, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
