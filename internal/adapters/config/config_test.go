package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "pipeline_metrics", cfg.Database.Schema)
	assert.Equal(t, 500, cfg.Database.MaxBatchSize)
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Metrics.Buffered())
	assert.Equal(t, "console", cfg.Telemetry.Provider)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_PORT", "5432")
	t.Setenv("METRICS_TABLES", "PatientAccessError:errors, PatientAccessMetrics:runs")
	t.Setenv("METRICS_BUFFER_LENGTH", "100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Contains(t, cfg.Database.GetDSN(), "port=5432")
	assert.True(t, cfg.Metrics.Buffered())

	tables, err := cfg.Metrics.TableMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"PatientAccessError":   "errors",
		"PatientAccessMetrics": "runs",
	}, tables)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"schema", func(c *Config) { c.Database.Schema = "" }},
		{"batch", func(c *Config) { c.Database.MaxBatchSize = 0 }},
		{"tables", func(c *Config) { c.Metrics.Tables = "broken" }},
		{"provider", func(c *Config) { c.Telemetry.Provider = "statsd" }},
		{"exporter", func(c *Config) { c.Telemetry.Exporter = "otlp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{Driver: "mysql", Host: "h", Port: 3306, User: "u", Password: "p"}
	assert.Equal(t, "u:p@tcp(h:3306)/?parseTime=true&multiStatements=false", db.GetDSN())

	db.Driver = "clickhouse"
	db.Port = 9000
	assert.Equal(t, "clickhouse://u:p@h:9000/default", db.GetDSN())
}

func TestSchemaDSN(t *testing.T) {
	db := DatabaseConfig{Driver: "mysql", Host: "h", Port: 3306, User: "u", Password: "p", Schema: "pm"}
	assert.Equal(t, "u:p@tcp(h:3306)/pm?parseTime=true&multiStatements=true", db.SchemaDSN())

	db.Driver = "postgres"
	db.Port = 5432
	db.SSLMode = "disable"
	assert.Equal(t, "host=h port=5432 user=u password=p sslmode=disable search_path=pm", db.SchemaDSN())
}
