// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Kafka, Redis, Matching, Ingestion, Clustering,
// etc.).
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
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Registry   RegistryConfig   `yaml:"registry"`
	Matching   MatchingConfig   `yaml:"matching"`
	Confidence ConfidenceConfig `yaml:"confidence"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Clustering ClusteringConfig `yaml:"clustering"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig selects the persistence backend: "memory" or "postgres".
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// KafkaConfig holds Kafka broker and topic settings. An empty broker list
// disables the extraction consumer and event publishing.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Topics        KafkaTopics   `yaml:"topics"`
	BatchSize     int           `yaml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	ExtractionResults string `yaml:"extractionResults"`
	LifecycleEvents   string `yaml:"lifecycleEvents"`
	ReviewDecisions   string `yaml:"reviewDecisions"`
}

// RedisConfig holds Redis connection and match-cache parameters. An empty
// address disables the match cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// RegistryConfig points at the master-data seed file loaded at startup.
type RegistryConfig struct {
	SeedFile string `yaml:"seedFile"`
}

// MatchingConfig controls candidate scoring.
type MatchingConfig struct {
	TopK        int     `yaml:"topK"`
	TokenWeight float64 `yaml:"tokenWeight"`
	EditWeight  float64 `yaml:"editWeight"`
	DoseBonus   float64 `yaml:"doseBonus"`
	DosePenalty float64 `yaml:"dosePenalty"`
}

// ConfidenceConfig holds the tier boundaries and the auto-accept policy.
type ConfidenceConfig struct {
	HighThreshold       float64  `yaml:"highThreshold"`
	MediumThreshold     float64  `yaml:"mediumThreshold"`
	AutoAcceptThreshold float64  `yaml:"autoAcceptThreshold"`
	AutoAcceptKinds     []string `yaml:"autoAcceptKinds"`
}

// IngestionConfig controls the document lifecycle retry policy.
type IngestionConfig struct {
	MaxAttempts      int           `yaml:"maxAttempts"`
	InitialBackoff   time.Duration `yaml:"initialBackoff"`
	MaxBackoff       time.Duration `yaml:"maxBackoff"`
	Multiplier       float64       `yaml:"multiplier"`
	StepTimeout      time.Duration `yaml:"stepTimeout"`
	MatchConcurrency int           `yaml:"matchConcurrency"`

	// ExtractorURL switches extraction to pull mode: Queued documents are
	// posted to this endpoint every PollInterval.
	ExtractorURL string        `yaml:"extractorURL"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// ClusteringConfig controls the duplicate-retailer batch job.
type ClusteringConfig struct {
	Enabled        bool          `yaml:"enabled"`
	MergeThreshold float64       `yaml:"mergeThreshold"`
	Interval       time.Duration `yaml:"interval"`
	PassTimeout    time.Duration `yaml:"passTimeout"`
}

// RateLimitConfig limits review mutations per actor.
type RateLimitConfig struct {
	ReviewPerMinute int `yaml:"reviewPerMinute"`
	Burst           int `yaml:"burst"`
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

// TracingConfig controls OpenTelemetry tracing. SampleRatio outside (0,1]
// samples everything.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"serviceName"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
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

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	return defaultConfig()
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("storage.driver must be memory or postgres, got %q", c.Storage.Driver))
	}
	cc := c.Confidence
	if cc.MediumThreshold <= 0 || cc.MediumThreshold > cc.HighThreshold || cc.HighThreshold > 100 {
		problems = append(problems, "confidence thresholds must satisfy 0 < medium <= high <= 100")
	}
	if cc.AutoAcceptThreshold < cc.HighThreshold || cc.AutoAcceptThreshold > 100 {
		problems = append(problems, "confidence.autoAcceptThreshold must be between highThreshold and 100")
	}
	if c.Matching.TopK <= 0 {
		problems = append(problems, "matching.topK must be positive")
	}
	if c.Matching.TokenWeight < 0 || c.Matching.EditWeight < 0 || c.Matching.TokenWeight+c.Matching.EditWeight <= 0 {
		problems = append(problems, "matching weights must be non-negative and not both zero")
	}
	if c.Ingestion.MaxAttempts <= 0 {
		problems = append(problems, "ingestion.maxAttempts must be positive")
	}
	if c.Clustering.MergeThreshold <= 0 || c.Clustering.MergeThreshold > 100 {
		problems = append(problems, "clustering.mergeThreshold must be in (0, 100]")
	}
	if c.Tracing.Enabled && c.Tracing.ServiceName == "" {
		problems = append(problems, "tracing.serviceName is required when tracing is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  20 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "reconciliation",
			User:            "reconciliation",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			ConsumerGroup: "reconciler-group",
			Topics: KafkaTopics{
				ExtractionResults: "extraction-results",
				LifecycleEvents:   "document-lifecycle",
				ReviewDecisions:   "review-decisions",
			},
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Matching: MatchingConfig{
			TopK:        5,
			TokenWeight: 0.6,
			EditWeight:  0.4,
			DoseBonus:   12,
			DosePenalty: 15,
		},
		Confidence: ConfidenceConfig{
			HighThreshold:       90,
			MediumThreshold:     75,
			AutoAcceptThreshold: 98,
			AutoAcceptKinds:     []string{"sku"},
		},
		Ingestion: IngestionConfig{
			MaxAttempts:      3,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
			Multiplier:       2.0,
			StepTimeout:      time.Minute,
			MatchConcurrency: 8,
			PollInterval:     30 * time.Second,
		},
		Clustering: ClusteringConfig{
			Enabled:        true,
			MergeThreshold: 85,
			Interval:       10 * time.Minute,
			PassTimeout:    time.Minute,
		},
		RateLimit: RateLimitConfig{
			ReviewPerMinute: 120,
			Burst:           20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Tracing: TracingConfig{
			ServiceName: "reconciler",
			Exporter:    "stdout",
			SampleRatio: 0.1,
		},
	}
}

// applyEnvOverrides reads RECON_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RECON_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RECON_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("RECON_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("RECON_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("RECON_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("RECON_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("RECON_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("RECON_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("RECON_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("RECON_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RECON_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RECON_REGISTRY_SEED_FILE"); v != "" {
		cfg.Registry.SeedFile = v
	}
	if v := os.Getenv("RECON_INGESTION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingestion.MaxAttempts = n
		}
	}
	if v := os.Getenv("RECON_INGESTION_EXTRACTOR_URL"); v != "" {
		cfg.Ingestion.ExtractorURL = v
	}
	if v := os.Getenv("RECON_CLUSTERING_MERGE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Clustering.MergeThreshold = f
		}
	}
	if v := os.Getenv("RECON_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("RECON_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RECON_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
