package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Logging   LoggingConfig   `envconfig:"LOGGING"`
	Database  DatabaseConfig  `envconfig:"DATABASE"`
	Metrics   MetricsConfig   `envconfig:"METRICS"`
	Redis     RedisConfig     `envconfig:"REDIS"`
	Telemetry TelemetryConfig `envconfig:"TELEMETRY"`
	Producer  ProducerConfig  `envconfig:"PRODUCER"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LEVEL" default:"info"`
	File  string `envconfig:"FILE" default:""`
}

// DatabaseConfig is the backing store for metrics tables
type DatabaseConfig struct {
	Driver       string        `envconfig:"DRIVER" default:"mysql"` // mysql, postgres, clickhouse
	Host         string        `envconfig:"HOST" default:"localhost"`
	Port         int           `envconfig:"PORT" default:"3306"`
	User         string        `envconfig:"USER" default:"root"`
	Password     string        `envconfig:"PASSWORD" default:""`
	Schema       string        `envconfig:"SCHEMA" default:"pipeline_metrics"`
	SSLMode      string        `envconfig:"SSLMODE" default:"disable"`
	MaxBatchSize int           `envconfig:"MAX_BATCH_SIZE" default:"500"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" default:"10"`
	ConnLifetime time.Duration `envconfig:"CONN_LIFETIME" default:"5m"`
	Migrations   string        `envconfig:"MIGRATIONS_PATH" default:""`
}

// GetDSN returns a driver specific DSN. The schema is not selected so the
// writer can create it on first use.
func (c DatabaseConfig) GetDSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.SSLMode)
	case "clickhouse":
		return fmt.Sprintf("clickhouse://%s:%s@%s:%d/default", c.User, c.Password, c.Host, c.Port)
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/?parseTime=true&multiStatements=false", c.User, c.Password, c.Host, c.Port)
	}
}

// SchemaDSN is GetDSN with the metrics schema selected, used for migrations.
func (c DatabaseConfig) SchemaDSN() string {
	switch c.Driver {
	case "postgres":
		return c.GetDSN() + " search_path=" + c.Schema
	case "clickhouse":
		return fmt.Sprintf("clickhouse://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Schema)
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true", c.User, c.Password, c.Host, c.Port, c.Schema)
	}
}

// MetricsConfig controls the metrics writer. When Enabled is false the
// writer discards everything.
type MetricsConfig struct {
	Enabled       bool          `envconfig:"ENABLED" default:"true"`
	Tables        string        `envconfig:"TABLES" default:""` // Name:table,Name:table
	BufferLength  int           `envconfig:"BUFFER_LENGTH" default:"-1"`
	CreateTables  bool          `envconfig:"CREATE_TABLES" default:"true"`
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"0s"`
	LockTTL       time.Duration `envconfig:"PROVISION_LOCK_TTL" default:"30s"`
}

// TableMap parses Tables into metric name -> table name.
func (c MetricsConfig) TableMap() (map[string]string, error) {
	tables := make(map[string]string)
	if strings.TrimSpace(c.Tables) == "" {
		return tables, nil
	}

	for _, pair := range strings.Split(c.Tables, ",") {
		name, table, ok := strings.Cut(strings.TrimSpace(pair), ":")
		name, table = strings.TrimSpace(name), strings.TrimSpace(table)
		if !ok || name == "" || table == "" {
			return nil, fmt.Errorf("invalid metrics table mapping %q, want Name:table", pair)
		}
		tables[name] = table
	}
	return tables, nil
}

// Buffered reports whether a buffer capacity is configured. A negative
// length means unbuffered, zero means buffer-then-write-immediately.
func (c MetricsConfig) Buffered() bool {
	return c.BufferLength >= 0
}

// RedisConfig is used for the cross-process table provisioning lock
type RedisConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"false"`
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"6379"`
	Password string `envconfig:"PASSWORD" default:""`
	DB       int    `envconfig:"DB" default:"0"`
}

// TelemetryConfig selects the span/counter backend.
// Provider is otel, console or noop; Exporter (otel only) is stdout or prometheus.
type TelemetryConfig struct {
	Provider    string `envconfig:"PROVIDER" default:"console"`
	Exporter    string `envconfig:"EXPORTER" default:"prometheus"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"pipeline-metrics"`
	ListenAddr  string `envconfig:"LISTEN_ADDR" default:":9464"`
}

// ProducerConfig drives the synthetic producers of the metricsd binary
type ProducerConfig struct {
	Workers  int           `envconfig:"WORKERS" default:"4"`
	Interval time.Duration `envconfig:"INTERVAL" default:"1s"`
	Batch    int           `envconfig:"BATCH" default:"10"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "clickhouse":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Database.Schema == "" {
		return fmt.Errorf("database schema must be set")
	}

	if c.Database.MaxBatchSize <= 0 {
		return fmt.Errorf("database max batch size must be positive, got %d", c.Database.MaxBatchSize)
	}

	if _, err := c.Metrics.TableMap(); err != nil {
		return err
	}

	if c.Metrics.FlushInterval < 0 {
		return fmt.Errorf("metrics flush interval must not be negative")
	}

	switch c.Telemetry.Provider {
	case "otel", "console", "noop":
	default:
		return fmt.Errorf("unsupported telemetry provider %q", c.Telemetry.Provider)
	}

	switch c.Telemetry.Exporter {
	case "stdout", "prometheus":
	default:
		return fmt.Errorf("unsupported telemetry exporter %q", c.Telemetry.Exporter)
	}

	return nil
}

// RedisAddr returns host:port
func (c RedisConfig) RedisAddr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
