// Package config loads and validates the indexer configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Elasticsearch, ingestion, Redis, Postgres, Kafka, logging,
// metrics).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Elastic  ElasticConfig  `yaml:"elastic"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ElasticConfig holds the search engine connection and bulk policy.
type ElasticConfig struct {
	Addresses      []string      `yaml:"addresses"`
	Index          string        `yaml:"index"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RetryBackoff   time.Duration `yaml:"retryBackoff"`
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
}

// IngestConfig controls dump reading and batching.
type IngestConfig struct {
	BatchSize int `yaml:"batchSize"`
	// Format forces the container kind of a single .json dump. Empty means
	// the kind is derived from the path.
	Format string `yaml:"format"`
	// IncrementalPrefixes are shard name prefixes marking line-delimited
	// incremental update files inside gzip and directory dumps.
	IncrementalPrefixes []string `yaml:"incrementalPrefixes"`
	SettingsPath        string   `yaml:"settingsPath"`
	MappingPath         string   `yaml:"mappingPath"`
	MaxRecordBytes      int      `yaml:"maxRecordBytes"`
}

// RedisConfig holds the checkpoint store connection.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"poolSize"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// PostgresConfig holds the run journal connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds the broker list and topic for ingestion events.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Elastic.Addresses) == 0 {
		return fmt.Errorf("config: elastic.addresses must not be empty")
	}
	if c.Elastic.Index == "" {
		return fmt.Errorf("config: elastic.index must not be empty")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("config: ingest.batchSize must be positive, got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.MaxRecordBytes <= 0 {
		return fmt.Errorf("config: ingest.maxRecordBytes must be positive, got %d", c.Ingest.MaxRecordBytes)
	}
	if c.Kafka.Enabled && c.Kafka.Topic == "" {
		return fmt.Errorf("config: kafka.topic is required when kafka is enabled")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Elastic: ElasticConfig{
			Addresses:      []string{"http://localhost:9200"},
			Index:          "crossref",
			RequestTimeout: 5 * time.Minute,
			RetryBackoff:   20 * time.Second,
			RefreshTimeout: 2 * time.Minute,
		},
		Ingest: IngestConfig{
			BatchSize:           5000,
			IncrementalPrefixes: []string{"D", "G"},
			SettingsPath:        "resources/settings.json",
			MappingPath:         "resources/mapping.json",
			MaxRecordBytes:      64 << 20,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  4,
			KeyPrefix: "biblio-indexer",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "biblio",
			User:            "biblio",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "biblio.ingest",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}

// applyEnvOverrides reads BG_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BG_ELASTIC_ADDRESSES"); v != "" {
		cfg.Elastic.Addresses = strings.Split(v, ",")
	}
	if v := os.Getenv("BG_ELASTIC_INDEX"); v != "" {
		cfg.Elastic.Index = v
	}
	if v := os.Getenv("BG_ELASTIC_USERNAME"); v != "" {
		cfg.Elastic.Username = v
	}
	if v := os.Getenv("BG_ELASTIC_PASSWORD"); v != "" {
		cfg.Elastic.Password = v
	}
	if v := os.Getenv("BG_ELASTIC_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Elastic.RetryBackoff = d
		}
	}
	if v := os.Getenv("BG_INGEST_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.BatchSize = n
		}
	}
	if v := os.Getenv("BG_INGEST_FORMAT"); v != "" {
		cfg.Ingest.Format = v
	}
	if v := os.Getenv("BG_REDIS_ADDR"); v != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BG_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BG_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Enabled = true
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("BG_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("BG_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("BG_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Enabled = true
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("BG_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BG_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BG_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Enabled = true
			cfg.Metrics.Port = port
		}
	}
}
