// Package audit holds the audit trail implementations: a GORM-backed store,
// a Kafka producer, HMAC event signing and the fan-out sink that ties them
// together.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
	"github.com/custodia-io/custodia/pkg/constants"
	apperrors "github.com/custodia-io/custodia/pkg/errors"
)

// auditEventRecord is the persistence shape of an audit event.
type auditEventRecord struct {
	EventID     string    `gorm:"column:event_id;primaryKey;size:36"`
	EventType   string    `gorm:"column:event_type;size:64;index"`
	KeyID       string    `gorm:"column:key_id;size:64;index"`
	OwnerID     string    `gorm:"column:owner_id;size:128;index"`
	IPAddress   string    `gorm:"column:ip_address;size:64"`
	Endpoint    string    `gorm:"column:endpoint;size:256"`
	Method      string    `gorm:"column:method;size:16"`
	UserAgent   string    `gorm:"column:user_agent;size:256"`
	RequestID   string    `gorm:"column:request_id;size:64"`
	Description string    `gorm:"column:description"`
	Signature   string    `gorm:"column:signature;size:64"`
	Timestamp   time.Time `gorm:"column:recorded_at;index"`
}

func (auditEventRecord) TableName() string { return "audit_events" }

// GormAuditStore persists audit events in a relational database. It serves
// both the append path and the read-only query interface.
type GormAuditStore struct {
	db *gorm.DB
}

// NewGormAuditStore migrates the audit table and returns the store.
func NewGormAuditStore(db *gorm.DB) (*GormAuditStore, error) {
	if err := db.AutoMigrate(&auditEventRecord{}); err != nil {
		return nil, err
	}
	return &GormAuditStore{db: db}, nil
}

var _ repository.AuditRepository = (*GormAuditStore)(nil)

// Append writes one event. Events are append-only; there is no update path.
func (s *GormAuditStore) Append(ctx context.Context, event *models.AuditEvent) error {
	rec := toRecord(event)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return apperrors.ErrInternal("failed to persist audit event").WithCause(err)
	}
	return nil
}

// Query returns events matching the filter, newest first.
func (s *GormAuditStore) Query(ctx context.Context, filter models.AuditFilter) ([]*models.AuditEvent, error) {
	q := s.db.WithContext(ctx).Model(&auditEventRecord{})
	if filter.KeyID != "" {
		q = q.Where("key_id = ?", filter.KeyID)
	}
	if filter.OwnerID != "" {
		q = q.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.EventType != "" {
		q = q.Where("event_type = ?", string(filter.EventType))
	}
	if !filter.From.IsZero() {
		q = q.Where("recorded_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("recorded_at <= ?", filter.To)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var records []auditEventRecord
	if err := q.Order("recorded_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, apperrors.ErrInternal("audit query failed").WithCause(err)
	}

	events := make([]*models.AuditEvent, 0, len(records))
	for i := range records {
		events = append(events, fromRecord(&records[i]))
	}
	return events, nil
}

func toRecord(e *models.AuditEvent) *auditEventRecord {
	return &auditEventRecord{
		EventID:     e.EventID.String(),
		EventType:   string(e.EventType),
		KeyID:       e.KeyID,
		OwnerID:     e.OwnerID,
		IPAddress:   e.IPAddress,
		Endpoint:    e.Endpoint,
		Method:      e.Method,
		UserAgent:   e.UserAgent,
		RequestID:   e.RequestID,
		Description: e.Description,
		Signature:   e.Signature,
		Timestamp:   e.Timestamp,
	}
}

func fromRecord(r *auditEventRecord) *models.AuditEvent {
	id, _ := uuid.Parse(r.EventID)
	return &models.AuditEvent{
		EventID:     id,
		EventType:   constants.AuditEventType(r.EventType),
		KeyID:       r.KeyID,
		OwnerID:     r.OwnerID,
		IPAddress:   r.IPAddress,
		Endpoint:    r.Endpoint,
		Method:      r.Method,
		UserAgent:   r.UserAgent,
		RequestID:   r.RequestID,
		Description: r.Description,
		Signature:   r.Signature,
		Timestamp:   r.Timestamp,
	}
}
