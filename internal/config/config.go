// Package config defines the service configuration and its viper-based
// loader. The rotation.policies block is re-read on file change and pushed
// into the rotation engine at runtime.
package config

import (
	"fmt"
	"time"

	"github.com/custodia-io/custodia/internal/domain/models"
)

// Config holds the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Security  SecurityConfig  `mapstructure:"security"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Rotation  RotationConfig  `mapstructure:"rotation"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Production disables pprof and verbose error metadata.
	Production bool `mapstructure:"production"`
	// DebugErrors includes error metadata in responses. Ignored when
	// Production is set.
	DebugErrors bool `mapstructure:"debug_errors"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnTimeout     time.Duration `mapstructure:"conn_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// DSN renders the pgx connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addresses    []string `mapstructure:"addresses"`
	Password     string   `mapstructure:"password"`
	DB           int      `mapstructure:"db"`
	PoolSize     int      `mapstructure:"pool_size"`
	MinIdleConns int      `mapstructure:"min_idle_conns"`
}

type VaultConfig struct {
	// Enabled switches secret material (argon2 pepper, audit signing key,
	// admin JWT secret) from config values to Vault lookups.
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Token     string `mapstructure:"token"`
	MountPath string `mapstructure:"mount_path"`
	SecretKey string `mapstructure:"secret_key"`
}

type SecurityConfig struct {
	// SecretPepper is mixed into every stored secret hash. Sourced from
	// Vault when vault.enabled is set.
	SecretPepper string `mapstructure:"secret_pepper"`
	// AuditSigningKey enables HMAC signing of audit events when non-empty.
	AuditSigningKey string `mapstructure:"audit_signing_key"`
	// AdminJWTSecret verifies HS256 bearer tokens on administrative routes.
	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`
}

type RateLimitConfig struct {
	KeyPrefix string `mapstructure:"key_prefix"`
	// LocalFallback keeps serving from a per-instance counter during a Redis
	// outage; enforcement then becomes approximate across instances.
	LocalFallback   bool          `mapstructure:"local_fallback"`
	DefaultRequests int           `mapstructure:"default_requests"`
	DefaultWindow   time.Duration `mapstructure:"default_window"`
}

type CacheConfig struct {
	// KeyRecordTTL bounds how long a revoked key can still be served from
	// another instance's cache. Part of the service contract.
	KeyRecordTTL time.Duration `mapstructure:"key_record_ttl"`
}

type UsageConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type RotationConfig struct {
	Interval    time.Duration           `mapstructure:"interval"`
	Parallelism int                     `mapstructure:"parallelism"`
	Policies    []models.RotationPolicy `mapstructure:"policies"`
}

type AuditConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// Validate checks essential configuration values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis.addresses is required")
	}
	if c.Cache.KeyRecordTTL < 0 {
		return fmt.Errorf("cache.key_record_ttl must not be negative")
	}
	if !c.Vault.Enabled && c.Security.AdminJWTSecret == "" {
		return fmt.Errorf("security.admin_jwt_secret is required unless vault is enabled")
	}
	for _, p := range c.Rotation.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
