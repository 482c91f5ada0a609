package config

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/custodia-io/custodia/internal/domain/models"
	"github.com/custodia-io/custodia/pkg/constants"
	"github.com/custodia-io/custodia/pkg/logger"
)

// Load reads configuration from file and CUSTODIA_-prefixed environment
// variables. onPolicyChange, when non-nil, receives the re-parsed rotation
// policies every time the config file changes on disk.
func Load(log logger.Logger, onPolicyChange func([]models.RotationPolicy)) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/custodia/")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.SetEnvPrefix("CUSTODIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if onPolicyChange != nil {
		v.OnConfigChange(func(e fsnotify.Event) {
			var next Config
			if err := v.Unmarshal(&next); err != nil {
				log.Error(context.Background(), "config reload failed", err,
					logger.String("file", e.Name))
				return
			}
			for _, p := range next.Rotation.Policies {
				if err := p.Validate(); err != nil {
					log.Error(context.Background(), "rejecting reloaded rotation policies", err)
					return
				}
			}
			log.Info(context.Background(), "rotation policies reloaded",
				logger.Int("count", len(next.Rotation.Policies)))
			onPolicyChange(next.Rotation.Policies)
		})
		v.WatchConfig()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_timeout", 5*time.Second)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("rate_limit.key_prefix", "custodia:rl")
	v.SetDefault("rate_limit.default_requests", constants.DefaultRateLimitRequests)
	v.SetDefault("rate_limit.default_window", constants.DefaultRateLimitWindow)

	v.SetDefault("cache.key_record_ttl", constants.DefaultKeyRecordTTL)
	v.SetDefault("usage.buffer_size", constants.DefaultUsageBuffer)

	v.SetDefault("rotation.interval", constants.DefaultRotationInterval)
	v.SetDefault("rotation.parallelism", constants.DefaultRotationParallelism)

	v.SetDefault("audit.kafka.topic", "custodia.audit")
	v.SetDefault("audit.kafka.batch_size", 100)
	v.SetDefault("audit.kafka.batch_timeout", time.Second)
	v.SetDefault("audit.kafka.write_timeout", 10*time.Second)
	v.SetDefault("audit.kafka.required_acks", -1)

	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.service_name", "custodia")
}
