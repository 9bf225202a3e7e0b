package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/internal/adapters/config"
	"github.com/selivandex/pipeline-metrics/pkg/logger"
	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

const defaultMaxBatchSize = 500

// Store is the SQL backing store metric rows are written to
type Store struct {
	conn         *sqlx.DB
	dialect      metrics.Dialect
	schema       string
	maxBatchSize int
}

// OpenStore connects to the configured database
func OpenStore(cfg *config.DatabaseConfig) (*Store, error) {
	dialect, err := metrics.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Connect(driverName(dialect), cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(max(1, cfg.MaxOpenConns/2))
	conn.SetConnMaxLifetime(cfg.ConnLifetime)

	logger.Info("database connection established",
		zap.String("driver", string(dialect)),
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("schema", cfg.Schema),
	)

	return NewStore(conn, dialect, cfg.Schema, cfg.MaxBatchSize), nil
}

// NewStore wraps an existing connection
func NewStore(conn *sqlx.DB, dialect metrics.Dialect, schema string, maxBatchSize int) *Store {
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	return &Store{
		conn:         conn,
		dialect:      dialect,
		schema:       schema,
		maxBatchSize: maxBatchSize,
	}
}

func driverName(d metrics.Dialect) string {
	switch d {
	case metrics.DialectPostgres:
		return "postgres"
	case metrics.DialectClickHouse:
		return "clickhouse"
	default:
		return "mysql"
	}
}

// Dialect returns the SQL flavour of the connection
func (s *Store) Dialect() metrics.Dialect {
	return s.dialect
}

// Schema returns the schema (database) metric tables live in
func (s *Store) Schema() string {
	return s.schema
}

// CreateDatabase creates the metrics schema if it does not exist
func (s *Store) CreateDatabase(ctx context.Context) error {
	stmt := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.schema)
	if s.dialect == metrics.DialectClickHouse {
		stmt = fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.schema)
	}

	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", s.schema, err)
	}
	return nil
}

// RunDDL executes every statement of a ';' separated script
func (s *Store) RunDDL(ctx context.Context, script string) error {
	for _, stmt := range SplitStatements(script) {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute ddl %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// WriteRows inserts rows into schema.table in chunks of the configured batch
// size. ctx is checked between chunks. When a chunk fails because the table
// is missing and createDDL is set, the DDL is run and the chunk retried once.
func (s *Store) WriteRows(ctx context.Context, table string, columns []string, rows [][]any, createDDL string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("no columns for table %s", table)
	}

	var written int64
	for start := 0; start < len(rows); start += s.maxBatchSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		end := min(start+s.maxBatchSize, len(rows))
		n, err := s.insertChunk(ctx, table, columns, rows[start:end])
		if err != nil && createDDL != "" && isMissingTable(err) {
			logger.Warn("table missing on insert, creating",
				zap.String("table", s.qualify(table)),
			)
			if ddlErr := s.RunDDL(ctx, createDDL); ddlErr != nil {
				return written, ddlErr
			}
			n, err = s.insertChunk(ctx, table, columns, rows[start:end])
		}
		if err != nil {
			return written, fmt.Errorf("failed to insert into %s: %w", s.qualify(table), err)
		}
		written += n
	}

	return written, nil
}

func (s *Store) insertChunk(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", s.qualify(table), strings.Join(columns, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholder)
		args = append(args, row...)
	}

	res, err := s.conn.ExecContext(ctx, s.conn.Rebind(sb.String()), args...)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers do not report affected rows for batch inserts.
		return int64(len(rows)), nil
	}
	return n, nil
}

// ReadRows returns every row of schema.table restricted to columns
func (s *Store) ReadRows(ctx context.Context, table string, columns []string) ([]map[string]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), s.qualify(table))

	rows, err := s.conn.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.qualify(table), err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any, len(columns))
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.qualify(table), err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

func (s *Store) qualify(table string) string {
	if s.schema == "" || strings.Contains(table, ".") {
		return table
	}
	return s.schema + "." + table
}

// Close closes database connection
func (s *Store) Close() error {
	if s.conn != nil {
		logger.Info("closing database connection")
		return s.conn.Close()
	}
	return nil
}

// Health checks database health
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

func isMissingTable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "unknown_table")
}
