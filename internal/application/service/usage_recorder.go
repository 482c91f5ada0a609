package service

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/pkg/logger"
)

// UsageRecorder persists usage records off the request path. Record never
// blocks: when the buffer is full the record is dropped and counted, trading
// usage completeness for request latency.
type UsageRecorder struct {
	usage   repository.UsageRepository
	keys    repository.KeyRepository
	metrics *monitoring.Metrics
	log     logger.Logger

	buffer chan *models.APIKeyUsage
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewUsageRecorder creates the recorder with the given queue depth.
func NewUsageRecorder(
	usage repository.UsageRepository,
	keys repository.KeyRepository,
	bufferSize int,
	metrics *monitoring.Metrics,
	log logger.Logger,
) *UsageRecorder {
	return &UsageRecorder{
		usage:   usage,
		keys:    keys,
		metrics: metrics,
		log:     log.WithComponent("UsageRecorder"),
		buffer:  make(chan *models.APIKeyUsage, bufferSize),
		done:    make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (r *UsageRecorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Record enqueues one usage record. It returns false when the record was
// dropped because the buffer was full.
func (r *UsageRecorder) Record(usage *models.APIKeyUsage) bool {
	select {
	case r.buffer <- usage:
		r.metrics.UsageBufferDepth.Set(float64(len(r.buffer)))
		return true
	default:
		r.metrics.UsageDropped.Inc()
		r.log.Warn(context.Background(), "usage buffer full, dropping record",
			logger.String("key_id", usage.KeyID))
		return false
	}
}

// Close stops intake and drains the buffer before returning.
func (r *UsageRecorder) Close() {
	r.once.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *UsageRecorder) run() {
	defer r.wg.Done()
	for {
		select {
		case usage := <-r.buffer:
			r.write(usage)
		case <-r.done:
			// Drain whatever is already queued.
			for {
				select {
				case usage := <-r.buffer:
					r.write(usage)
				default:
					return
				}
			}
		}
	}
}

// write persists one record and advances the key's usage counters. Failures
// are logged and the record is lost, matching the non-blocking intake.
func (r *UsageRecorder) write(usage *models.APIKeyUsage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.usage.Append(ctx, usage); err != nil {
		r.log.Error(ctx, "failed to persist usage record", err,
			logger.String("key_id", usage.KeyID))
		return
	}
	if err := r.keys.TouchUsage(ctx, usage.KeyID, usage.Timestamp); err != nil {
		r.log.Error(ctx, "failed to advance key usage counters", err,
			logger.String("key_id", usage.KeyID))
	}
	r.metrics.UsageBufferDepth.Set(float64(len(r.buffer)))
}
