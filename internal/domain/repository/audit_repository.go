package repository

import (
	"context"

	"github.com/custodia-io/custodia/internal/domain/models"
)

// AuditRepository is the queryable side of the audit log, backing the
// read-only export interface. Appending goes through service.AuditSink so
// that Kafka fan-out and event signing stay transparent to producers.
type AuditRepository interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error)
}
