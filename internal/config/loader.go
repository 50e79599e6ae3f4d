package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load reads an optional YAML file at path and overlays GOVERN_ prefixed
// environment variables, with dots in keys replaced by underscores
// (GOVERN_REDIS_ADDR sets redis.addr).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	v.SetDefault("app.name", "governd")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.version", "")

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9102")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_timeout", "15s")
	v.SetDefault("server.forwarded_header", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.in_memory", false)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.query_timeout", "2s")

	v.SetDefault("kafka.enable", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "govern.audit")

	v.SetDefault("otel.enable", false)
	v.SetDefault("otel.service_name", "governd")
	v.SetDefault("otel.sample_ratio", 1.0)
	v.SetDefault("otel.otlp_endpoint", "localhost:4318")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("auth.signing_method", "ed25519")
	v.SetDefault("auth.private_key", "")
	v.SetDefault("auth.public_key", "")
	v.SetDefault("auth.key_id", "")
	v.SetDefault("auth.issuer", "govern")
	v.SetDefault("auth.audience", "govern-api")
	v.SetDefault("auth.access_ttl", "15m")
	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("auth.session_lifetime", "168h")
	v.SetDefault("auth.max_clock_skew", "30s")

	v.SetDefault("lockout.enable", true)
	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.window", "15m")
	v.SetDefault("lockout.duration", "15m")

	v.SetDefault("ratelimit.penalty_base", "30s")

	v.SetDefault("cache.default_ttl", "60s")
	v.SetDefault("cache.max_entry_bytes", 1<<20)

	v.SetDefault("store.operation_timeout", "150ms")

	v.SetEnvPrefix("govern")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Kafka.Enable && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return nil, ErrConfig("kafka: brokers and topic are required when enabled")
	}
	if !cfg.Redis.InMemory && cfg.Redis.Addr == "" {
		return nil, ErrConfig("redis: addr is required unless in_memory is set")
	}
	return &cfg, nil
}
