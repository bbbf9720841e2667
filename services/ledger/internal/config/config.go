package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	base "github.com/jibrelnetwork/jibrel-com-backend-sub001/libs/config"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int32
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PendingTTL time.Duration
	DoneTTL    time.Duration
}

type KafkaTopics struct {
	Confirmations      string
	OperationHeld      string
	OperationCommitted string
	OperationCancelled string
	OperationDeleted   string
	DeadLetter         string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ConsumerGroup string
	MaxAttempts   int
	Topics        KafkaTopics
}

type LedgerConfig struct {
	Storage         string
	MaxDigits       int32
	DecimalPlaces   int32
	LockTimeout     time.Duration
	FeeRefresh      time.Duration
	TransitionRetry uint64
	RetryBackoff    time.Duration
	EventBuffer     int
}

type Config struct {
	App    base.AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Ledger LedgerConfig
}

func Load() (*Config, error) {
	path := base.Path()
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v, err := base.ReadFile(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", v.GetString("db.host")),
			Port:     envInt("POSTGRES_PORT", v.GetInt("db.port")),
			Name:     envString("POSTGRES_DB", v.GetString("db.name")),
			User:     envString("POSTGRES_USER", v.GetString("db.user")),
			Password: envString("POSTGRES_PASSWORD", v.GetString("db.password")),
			SSLMode:  envString("POSTGRES_SSLMODE", v.GetString("db.sslmode")),
			MaxConns: v.GetInt32("db.max_conns"),
		},
		Redis: RedisConfig{
			Addr:       envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password:   envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:         envInt("REDIS_DB", v.GetInt("redis.db")),
			PendingTTL: v.GetDuration("redis.pending_ttl"),
			DoneTTL:    v.GetDuration("redis.done_ttl"),
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("kafka.enabled"),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			MaxAttempts:   v.GetInt("kafka.max_attempts"),
			Topics: KafkaTopics{
				Confirmations:      v.GetString("kafka.topics.confirmations"),
				OperationHeld:      v.GetString("kafka.topics.operation_held"),
				OperationCommitted: v.GetString("kafka.topics.operation_committed"),
				OperationCancelled: v.GetString("kafka.topics.operation_cancelled"),
				OperationDeleted:   v.GetString("kafka.topics.operation_deleted"),
				DeadLetter:         envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Ledger: LedgerConfig{
			Storage:         strings.ToLower(envString("LEDGER_STORAGE", v.GetString("ledger.storage"))),
			MaxDigits:       v.GetInt32("ledger.max_digits"),
			DecimalPlaces:   v.GetInt32("ledger.decimal_places"),
			LockTimeout:     envDuration("LEDGER_LOCK_TIMEOUT", v.GetDuration("ledger.lock_timeout")),
			FeeRefresh:      v.GetDuration("ledger.fee_refresh"),
			TransitionRetry: v.GetUint64("ledger.transition_retry"),
			RetryBackoff:    v.GetDuration("ledger.retry_backoff"),
			EventBuffer:     v.GetInt("ledger.event_buffer"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Ledger.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("ledger storage must be %s or %s", StorageMemory, StoragePostgres)
	}
	if c.Ledger.MaxDigits <= 0 || c.Ledger.DecimalPlaces < 0 || c.Ledger.DecimalPlaces >= c.Ledger.MaxDigits {
		return fmt.Errorf("ledger precision must satisfy 0 <= decimal_places < max_digits")
	}
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger lock timeout must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.Confirmations == "" {
			return fmt.Errorf("kafka confirmations topic required")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "ledger")
	v.SetDefault("db.user", "ledger")
	v.SetDefault("db.password", "ledger")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 10)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pending_ttl", "2m")
	v.SetDefault("redis.done_ttl", "168h")

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "ledger-service")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.topics.confirmations", "payments.confirmations")
	v.SetDefault("kafka.topics.operation_held", "ledger.operation.held")
	v.SetDefault("kafka.topics.operation_committed", "ledger.operation.committed")
	v.SetDefault("kafka.topics.operation_cancelled", "ledger.operation.cancelled")
	v.SetDefault("kafka.topics.operation_deleted", "ledger.operation.deleted")
	v.SetDefault("kafka.topics.dead_letter", "ledger.dead_letter")

	v.SetDefault("ledger.storage", StoragePostgres)
	v.SetDefault("ledger.max_digits", 40)
	v.SetDefault("ledger.decimal_places", 18)
	v.SetDefault("ledger.lock_timeout", "5s")
	v.SetDefault("ledger.fee_refresh", "30s")
	v.SetDefault("ledger.transition_retry", 3)
	v.SetDefault("ledger.retry_backoff", "100ms")
	v.SetDefault("ledger.event_buffer", 256)
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
