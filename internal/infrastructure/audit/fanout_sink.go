package audit

import (
	"context"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/pkg/logger"
)

// FanoutSink signs each event, persists it in the primary store and then
// streams it to any secondary sinks. The primary write decides the returned
// error; secondary failures are logged and swallowed so a broker outage
// never blocks the audit trail.
type FanoutSink struct {
	signingKey string
	primary    service.AuditSink
	secondary  []service.AuditSink
	log        logger.Logger
}

// NewFanoutSink builds the sink chain. signingKey may be empty, in which
// case events are stored unsigned.
func NewFanoutSink(signingKey string, primary service.AuditSink, log logger.Logger, secondary ...service.AuditSink) *FanoutSink {
	return &FanoutSink{
		signingKey: signingKey,
		primary:    primary,
		secondary:  secondary,
		log:        log.WithComponent("AuditFanout"),
	}
}

var _ service.AuditSink = (*FanoutSink)(nil)

// Record signs and distributes one event.
func (s *FanoutSink) Record(ctx context.Context, event *models.AuditEvent) error {
	if s.signingKey != "" {
		sig, err := SignEvent(event, s.signingKey)
		if err != nil {
			s.log.Error(ctx, "audit event signing failed", err)
		} else {
			event.Signature = sig
		}
	}

	if err := s.primary.Record(ctx, event); err != nil {
		return err
	}

	for _, sink := range s.secondary {
		if err := sink.Record(ctx, event); err != nil {
			s.log.Warn(ctx, "secondary audit sink failed", logger.Err(err),
				logger.String("event_type", string(event.EventType)))
		}
	}
	return nil
}

// repositorySink adapts a store Append into the sink contract.
type repositorySink struct {
	append func(ctx context.Context, event *models.AuditEvent) error
}

// SinkFromStore wraps the GORM store's append path as a sink.
func SinkFromStore(store *GormAuditStore) service.AuditSink {
	return &repositorySink{append: store.Append}
}

func (s *repositorySink) Record(ctx context.Context, event *models.AuditEvent) error {
	return s.append(ctx, event)
}
