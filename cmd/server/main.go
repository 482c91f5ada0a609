// Command server runs the Custodia API key service.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/custodia-io/custodia/internal/application/service"
	"github.com/custodia-io/custodia/internal/config"
	"github.com/custodia-io/custodia/internal/domain/models"
	domainservice "github.com/custodia-io/custodia/internal/domain/service"
	"github.com/custodia-io/custodia/internal/infrastructure/audit"
	"github.com/custodia-io/custodia/internal/infrastructure/crypto"
	"github.com/custodia-io/custodia/internal/infrastructure/monitoring"
	"github.com/custodia-io/custodia/internal/infrastructure/persistence/cache"
	"github.com/custodia-io/custodia/internal/infrastructure/persistence/postgres"
	redisconn "github.com/custodia-io/custodia/internal/infrastructure/persistence/redis"
	"github.com/custodia-io/custodia/internal/infrastructure/ratelimit"
	"github.com/custodia-io/custodia/internal/infrastructure/vault"
	"github.com/custodia-io/custodia/internal/interfaces/http/handlers"
	"github.com/custodia-io/custodia/internal/interfaces/http/middleware"
	"github.com/custodia-io/custodia/internal/interfaces/http/router"
	"github.com/custodia-io/custodia/internal/rotation"
	"github.com/custodia-io/custodia/pkg/logger"
)

// policyRelay forwards live policy reloads to the rotation engine once it
// exists; the config watcher is wired before the engine is built.
type policyRelay struct {
	mu     sync.Mutex
	target func([]models.RotationPolicy)
}

func (r *policyRelay) attach(target func([]models.RotationPolicy)) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
}

func (r *policyRelay) push(policies []models.RotationPolicy) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target != nil {
		target(policies)
	}
}

func main() {
	ctx := context.Background()

	log, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info"})
	if err != nil {
		panic(err)
	}

	relay := &policyRelay{}
	cfg, err := config.Load(log, relay.push)
	if err != nil {
		log.Fatal(ctx, "failed to load configuration", err)
	}
	log, err = monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		log.Fatal(ctx, "failed to initialize logger", err)
	}

	if cfg.Vault.Enabled {
		provider, err := vault.NewSecretProvider(cfg.Vault, log)
		if err != nil {
			log.Fatal(ctx, "failed to create vault client", err)
		}
		if err := provider.LoadSecurityConfig(ctx, &cfg.Security); err != nil {
			log.Fatal(ctx, "failed to load security material from vault", err)
		}
	}

	tracing, err := monitoring.NewTracingManager(&cfg.Tracing, log)
	if err != nil {
		log.Fatal(ctx, "failed to initialize tracing", err)
	}
	metrics := monitoring.NewMetrics()
	clock := domainservice.SystemClock{}

	db, err := postgres.NewDBConnection(ctx, &cfg.Database, log)
	if err != nil {
		log.Fatal(ctx, "failed to connect to postgres", err)
	}
	defer db.Close()

	keyRepo := cache.NewCachedKeyRepository(
		postgres.NewKeyRepository(db, log), cfg.Cache.KeyRecordTTL)
	usageRepo := postgres.NewUsageRepository(db, log)

	gormDB, err := gorm.Open(gormpostgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		log.Fatal(ctx, "failed to open audit database", err)
	}
	auditStore, err := audit.NewGormAuditStore(gormDB)
	if err != nil {
		log.Fatal(ctx, "failed to migrate audit store", err)
	}

	var secondarySinks []domainservice.AuditSink
	var kafkaProducer *audit.KafkaProducer
	if cfg.Audit.Kafka.Enabled {
		kafkaProducer = audit.NewKafkaProducer(cfg.Audit.Kafka, log)
		secondarySinks = append(secondarySinks, kafkaProducer)
	}
	auditSink := audit.NewFanoutSink(cfg.Security.AuditSigningKey,
		audit.SinkFromStore(auditStore), log, secondarySinks...)

	rds, err := redisconn.NewConnection(ctx, &cfg.Redis, log)
	if err != nil {
		log.Fatal(ctx, "failed to connect to redis", err)
	}
	defer rds.Close()

	limiter, err := ratelimit.NewRedisRateLimiter(rds.Client(), ratelimit.Config{
		KeyPrefix:     cfg.RateLimit.KeyPrefix,
		LocalFallback: cfg.RateLimit.LocalFallback,
	}, clock, log)
	if err != nil {
		log.Fatal(ctx, "failed to create rate limiter", err)
	}

	hasher := crypto.NewArgon2Hasher(cfg.Security.SecretPepper)

	validator := domainservice.NewKeyValidator(keyRepo, hasher, limiter, auditSink, clock, log)
	evaluator := domainservice.NewPermissionEvaluator(auditSink, log)
	appService := service.NewKeyAppService(
		keyRepo, usageRepo, auditStore, hasher, limiter, auditSink, clock, metrics, log)

	recorder := service.NewUsageRecorder(usageRepo, keyRepo, cfg.Usage.BufferSize, metrics, log)
	recorder.Start()

	notifier := rotation.NewLogNotifier(log)
	engine := rotation.NewEngine(
		keyRepo, usageRepo, auditSink, notifier, clock, metrics,
		cfg.Rotation.Interval, cfg.Rotation.Parallelism, cfg.Rotation.Policies, log)
	relay.attach(engine.SetPolicies)
	engine.Start()

	verbose := !cfg.Server.Production && cfg.Server.DebugErrors
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"postgres": db,
		"redis":    rds,
	})
	keyHandler := handlers.NewKeyHandler(appService, log, verbose)
	policyHandler := handlers.NewPolicyHandler(engine, log, verbose)
	validateHandler := handlers.NewValidateHandler(validator, evaluator, metrics, verbose)
	apiKeyAuth := middleware.NewAPIKeyAuth(validator, evaluator, recorder, metrics, verbose)

	rt := router.NewRouter(cfg, log, healthHandler, keyHandler, policyHandler, validateHandler, apiKeyAuth)

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info(ctx, "shutting down", logger.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error(ctx, "http server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := rt.Stop(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "http shutdown failed", err)
	}
	engine.Stop()
	recorder.Close()
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error(shutdownCtx, "kafka producer close failed", err)
		}
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "tracing shutdown failed", err)
	}

	log.Info(ctx, "server stopped")
}
