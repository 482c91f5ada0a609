package audit

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/custodia-io/custodia/internal/config"
	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/pkg/logger"
)

// KafkaProducer streams audit events to a Kafka topic for external SIEM
// consumption. Messages are keyed by key ID so events for one key stay
// ordered within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
	log    logger.Logger
}

// NewKafkaProducer creates a producer from the audit Kafka configuration.
func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &KafkaProducer{
		writer: writer,
		log:    log.WithComponent("KafkaProducer"),
	}
}

var _ service.AuditSink = (*KafkaProducer)(nil)

// Record publishes one event.
func (p *KafkaProducer) Record(ctx context.Context, event *models.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error(ctx, "failed to marshal audit event", err)
		return err
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.KeyID),
		Value: payload,
	})
	if err != nil {
		p.log.Error(ctx, "failed to publish audit event", err,
			logger.String("event_type", string(event.EventType)))
	}
	return err
}

// Close flushes and closes the underlying writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
