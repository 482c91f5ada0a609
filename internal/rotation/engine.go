// Package rotation implements the background policy scan that flags aging
// keys, revokes flagged keys past their deadline and retires compromised
// keys.
//
// Lifecycle enforced here: active keys are flagged when a policy threshold
// trips, flagged keys are revoked once the rotation deadline passes, and
// compromised keys are revoked on the next scan regardless of thresholds.
// Issuing replacements stays an administrative operation so plaintext
// credentials are only ever handed to a caller.
package rotation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/internal/domain/repository"
	"github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/logger"
)

// compiledPolicy pairs a policy with its compiled selector.
type compiledPolicy struct {
	policy  models.RotationPolicy
	matches models.KeyPredicate
}

// Engine is the rotation scan. Policies are swappable at runtime through
// SetPolicies, which the config watcher calls on file change.
type Engine struct {
	keys     repository.KeyRepository
	usage    repository.UsageRepository
	audit    service.AuditSink
	notifier service.Notifier
	clock    service.Clock
	metrics  *monitoring.Metrics
	log      logger.Logger

	interval    time.Duration
	parallelism int

	mu       sync.RWMutex
	policies []compiledPolicy

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewEngine builds the engine with its initial policy set.
func NewEngine(
	keys repository.KeyRepository,
	usage repository.UsageRepository,
	audit service.AuditSink,
	notifier service.Notifier,
	clock service.Clock,
	metrics *monitoring.Metrics,
	interval time.Duration,
	parallelism int,
	policies []models.RotationPolicy,
	log logger.Logger,
) *Engine {
	if interval <= 0 {
		interval = constants.DefaultRotationInterval
	}
	if parallelism <= 0 {
		parallelism = constants.DefaultRotationParallelism
	}
	e := &Engine{
		keys:        keys,
		usage:       usage,
		audit:       audit,
		notifier:    notifier,
		clock:       clock,
		metrics:     metrics,
		log:         log.WithComponent("RotationEngine"),
		interval:    interval,
		parallelism: parallelism,
		stop:        make(chan struct{}),
	}
	e.SetPolicies(policies)
	return e
}

// SetPolicies replaces the active policy set. Selectors are compiled once
// here, not on every scan.
func (e *Engine) SetPolicies(policies []models.RotationPolicy) {
	compiled := make([]compiledPolicy, 0, len(policies))
	for _, p := range policies {
		compiled = append(compiled, compiledPolicy{
			policy:  p,
			matches: p.AppliesTo.Compile(),
		})
	}
	e.mu.Lock()
	e.policies = compiled
	e.mu.Unlock()
	e.log.Info(context.Background(), "rotation policies loaded",
		logger.Int("count", len(compiled)))
}

// Policies returns a snapshot of the active policy set.
func (e *Engine) Policies() []models.RotationPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.RotationPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	return out
}

// UpsertPolicy validates and installs one policy, replacing any policy of
// the same name. Runtime upserts last until the next config reload or
// restart; configuration is the durable policy source.
func (e *Engine) UpsertPolicy(p models.RotationPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	compiled := compiledPolicy{policy: p, matches: p.AppliesTo.Compile()}

	e.mu.Lock()
	replaced := false
	for i := range e.policies {
		if e.policies[i].policy.Name == p.Name {
			e.policies[i] = compiled
			replaced = true
			break
		}
	}
	if !replaced {
		e.policies = append(e.policies, compiled)
	}
	e.mu.Unlock()

	e.log.Info(context.Background(), "rotation policy installed",
		logger.String("policy", p.Name))
	return nil
}

// RemovePolicy drops a policy by name, reporting whether it was present.
func (e *Engine) RemovePolicy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.policies {
		if e.policies[i].policy.Name == name {
			e.policies = append(e.policies[:i], e.policies[i+1:]...)
			return true
		}
	}
	return false
}

// Start launches the periodic scan.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.ScanOnce(context.Background()); err != nil {
					e.log.Error(context.Background(), "rotation scan failed", err)
				}
			case <-e.stop:
				return
			}
		}
	}()
}

// Stop halts the scan and waits for an in-flight pass to finish.
func (e *Engine) Stop() {
	e.once.Do(func() {
		close(e.stop)
	})
	e.wg.Wait()
}

// ScanOnce evaluates every active key against the policy set. Keys are
// processed concurrently with bounded parallelism; one key's failure does
// not abort the pass.
func (e *Engine) ScanOnce(ctx context.Context) error {
	keys, err := e.keys.ListActive(ctx)
	if err != nil {
		return err
	}

	e.mu.RLock()
	policies := e.policies
	e.mu.RUnlock()

	now := e.clock.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := e.evaluate(gctx, key, policies, now); err != nil {
				e.log.Error(gctx, "key evaluation failed", err,
					logger.String("key_id", key.KeyID))
			}
			return nil
		})
	}
	return g.Wait()
}

// evaluate applies the policy set to one key snapshot.
func (e *Engine) evaluate(ctx context.Context, key *models.APIKey, policies []compiledPolicy, now time.Time) error {
	// Compromise overrides every threshold.
	if key.Compromised {
		return e.revoke(ctx, key, now, "compromised key retired by rotation scan")
	}

	// Flagged keys past their deadline are revoked; inside the deadline they
	// only get reminders.
	if key.Status == constants.KeyStatusFlagged {
		if key.RotationDeadline != nil && !now.Before(*key.RotationDeadline) {
			return e.revoke(ctx, key, now, "rotation deadline passed without remediation")
		}
		return nil
	}

	for _, cp := range policies {
		if !cp.matches(key, now) {
			continue
		}

		if cp.policy.RotateOnSuspiciousActivity && cp.policy.SuspiciousActivityThreshold > 0 {
			count, err := e.usage.CountSuspicious(ctx, key.KeyID, now.Add(-24*time.Hour))
			if err != nil {
				return err
			}
			if count >= cp.policy.SuspiciousActivityThreshold {
				return e.flag(ctx, key, now, cp.policy,
					[]string{fmt.Sprintf("%d suspicious requests within 24h", count)})
			}
		}

		if reasons := cp.policy.ThresholdReasons(key, now); len(reasons) > 0 {
			return e.flag(ctx, key, now, cp.policy, reasons)
		}
	}
	return nil
}

// flag marks the key for rotation and notifies the owner. The deadline is
// the policy's notification lead time from now.
func (e *Engine) flag(ctx context.Context, key *models.APIKey, now time.Time, policy models.RotationPolicy, reasons []string) error {
	lead := time.Duration(policy.NotifyBeforeDays) * 24 * time.Hour
	if lead <= 0 {
		lead = 7 * 24 * time.Hour
	}
	deadline := now.Add(lead)

	if err := e.keys.Flag(ctx, key.KeyID, now, deadline); err != nil {
		return err
	}

	e.recordAudit(ctx, constants.AuditEventKeyFlagged, key,
		fmt.Sprintf("flagged by policy %q: %s", policy.Name, strings.Join(reasons, "; ")))
	e.metrics.RecordRotationAction("flag")
	e.notifier.NotifyRotationDue(ctx, key, reasons, deadline)

	e.log.Info(ctx, "key flagged for rotation",
		logger.String("key_id", key.KeyID),
		logger.String("policy", policy.Name),
		logger.Time("deadline", deadline))
	return nil
}

func (e *Engine) revoke(ctx context.Context, key *models.APIKey, now time.Time, reason string) error {
	if err := e.keys.Revoke(ctx, key.KeyID, now, string(constants.KeyStatusRevoked)); err != nil {
		return err
	}
	e.recordAudit(ctx, constants.AuditEventRevocation, key, reason)
	e.metrics.RecordRotationAction("revoke")
	e.log.Info(ctx, "key revoked by rotation scan",
		logger.String("key_id", key.KeyID),
		logger.String("reason", reason))
	return nil
}

func (e *Engine) recordAudit(ctx context.Context, eventType constants.AuditEventType, key *models.APIKey, description string) {
	event := models.NewAuditEvent(eventType, key.KeyID, key.OwnerID, description)
	if err := e.audit.Record(ctx, event); err != nil {
		e.log.Error(ctx, "failed to record audit event", err,
			logger.String("key_id", key.KeyID))
	}
}
