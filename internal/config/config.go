package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the call coordination
// process. Values are loaded from environment variables with defaults that
// let the binary run locally with only in-memory collaborators.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	KafkaBrokers     []string
	KafkaNotifyTopic string
	KafkaEventsTopic string

	PushEndpoint string
	PushKey      string

	NotifyWorkers int
	NotifyQueue   int

	WSMaxConnections int
	WSPingInterval   time.Duration
	WSWriteTimeout   time.Duration

	// CallRingTimeout marks unanswered calls missed; zero leaves them open.
	CallRingTimeout time.Duration

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		KafkaNotifyTopic: "call-notifications",
		KafkaEventsTopic: "call-events",
		NotifyWorkers:    4,
		NotifyQueue:      1024,
		WSMaxConnections: 10000,
		WSPingInterval:   30 * time.Second,
		WSWriteTimeout:   10 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaNotifyTopic, "KAFKA_NOTIFY_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)
	setIntFromEnv(&cfg.NotifyQueue, "NOTIFY_QUEUE", &errs)

	setIntFromEnv(&cfg.WSMaxConnections, "WS_MAX_CONNECTIONS", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.CallRingTimeout, "CALL_RING_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_WORKERS must be > 0"))
	}
	if cfg.NotifyQueue < 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE must be >= 0"))
	}
	if cfg.WSMaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_CONNECTIONS must be > 0"))
	}
	if cfg.WSPingInterval <= 0 {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be > 0"))
	}
	if cfg.CallRingTimeout < 0 {
		errs = append(errs, fmt.Errorf("CALL_RING_TIMEOUT must not be negative"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the push delivery worker.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	// DedupeTTL is how long a delivered notification id is remembered.
	DedupeTTL time.Duration

	PushEndpoint string
	PushKey      string

	DeliveryAttempts int
	RetryDelay       time.Duration

	LogLevel  string
	LogFormat string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:      ":2112",
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "call-notifications",
		KafkaGroup:       "ride-calls-push",
		RedisAddr:        "localhost:6379",
		DedupeTTL:        10 * time.Minute,
		DeliveryAttempts: 3,
		RetryDelay:       200 * time.Millisecond,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_NOTIFY_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.DedupeTTL, "PUSH_DEDUPE_TTL", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")
	setIntFromEnv(&cfg.DeliveryAttempts, "PUSH_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "PUSH_RETRY_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.PushEndpoint == "" {
		errs = append(errs, fmt.Errorf("PUSH_ENDPOINT is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.DeliveryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
