package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_POSTGRES_DSN.
const EnvPrefix = "RELAY_"

// Transport kinds.
const (
	TransportRedis = "redis"
	TransportKafka = "kafka"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Postgres  PostgresConfig  `yaml:"postgres" envPrefix:"POSTGRES_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	Kafka     KafkaConfig     `yaml:"kafka" envPrefix:"KAFKA_"`
	Transport string          `yaml:"transport" env:"TRANSPORT"`
	Publisher PublisherConfig `yaml:"publisher" envPrefix:"PUBLISHER_"`
	Replay    ReplayConfig    `yaml:"replay" envPrefix:"REPLAY_"`
	RateLimit RateLimitConfig `yaml:"ratelimit" envPrefix:"RATELIMIT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Tracing   TracingConfig   `yaml:"tracing" envPrefix:"TRACING_"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn" env:"DSN"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

type PublisherConfig struct {
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Workers         int           `yaml:"workers" env:"WORKERS"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	AuthToken       string        `yaml:"auth_token" env:"AUTH_TOKEN"`
	PublishRPS      float64       `yaml:"publish_rps" env:"PUBLISH_RPS"`
	ClaimLease      time.Duration `yaml:"claim_lease" env:"CLAIM_LEASE"`
	ValidateSchemas bool          `yaml:"validate_schemas" env:"VALIDATE_SCHEMAS"`
}

type ReplayConfig struct {
	Window    time.Duration `yaml:"window" env:"WINDOW"`
	MaxEvents int           `yaml:"max_events" env:"MAX_EVENTS"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps" env:"RPS"`
	Burst int `yaml:"burst" env:"BURST"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used for any field the file and
// environment leave unset.
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Kafka:     KafkaConfig{Topic: "realtime-events"},
		Transport: TransportRedis,
		Publisher: PublisherConfig{
			BatchSize:    100,
			Workers:      1,
			PollInterval: time.Second,
			ClaimLease:   30 * time.Second,
		},
		Replay:    ReplayConfig{Window: 7 * 24 * time.Hour, MaxEvents: 1000},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		Log:       LogConfig{Level: "info"},
		Tracing:   TracingConfig{ServiceName: "realtime-relay"},
	}
}

// Load reads the yaml file at path over the defaults, then applies RELAY_*
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	switch c.Transport {
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis transport"))
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka.brokers and kafka.topic are required for the kafka transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", TransportRedis, TransportKafka, c.Transport))
	}
	if c.Publisher.BatchSize < 1 || c.Publisher.BatchSize > 500 {
		errs = append(errs, fmt.Errorf("publisher.batch_size must be within [1, 500], got %d", c.Publisher.BatchSize))
	}
	if c.Publisher.Workers < 1 {
		errs = append(errs, fmt.Errorf("publisher.workers must be positive, got %d", c.Publisher.Workers))
	}
	if c.Publisher.PollInterval <= 0 {
		errs = append(errs, errors.New("publisher.poll_interval must be positive"))
	}
	if c.Publisher.ClaimLease <= 0 {
		errs = append(errs, errors.New("publisher.claim_lease must be positive"))
	}
	if c.Publisher.PublishRPS < 0 {
		errs = append(errs, errors.New("publisher.publish_rps must not be negative"))
	}
	if c.Replay.Window <= 0 || c.Replay.MaxEvents < 1 {
		errs = append(errs, errors.New("replay.window and replay.max_events must be positive"))
	}
	if c.RateLimit.RPS < 1 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("ratelimit.rps and ratelimit.burst must be positive"))
	}
	return errors.Join(errs...)
}
