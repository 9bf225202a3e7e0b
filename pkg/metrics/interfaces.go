package metrics

import (
	"errors"
	"fmt"
)

var (
	ErrNilMetric = errors.New("metric is nil")
	ErrNoColumns = errors.New("metric has no columns")
	ErrNoName    = errors.New("metric name is empty")
)

// Metric is the capability every persisted record satisfies.
// Implementations are immutable once constructed.
type Metric interface {
	// Name returns the logical type key, used for buffering and table lookup
	Name() string
	// Columns returns column names in insert order
	Columns() []string
	// Schema describes the typed columns
	Schema() Table
	// ColumnMap returns the column-keyed representation of the record
	ColumnMap() map[string]any
	// CreateDDL returns the schema + table creation statements (MySQL)
	CreateDDL(schemaName, tableName string) string
}

// DialectAware is implemented by metrics that can render DDL for stores other than MySQL.
type DialectAware interface {
	CreateDDLFor(d Dialect, schemaName, tableName string) string
}

// DDLFor renders creation DDL for the given dialect, falling back to CreateDDL.
func DDLFor(m Metric, d Dialect, schemaName, tableName string) string {
	if da, ok := m.(DialectAware); ok && d != DialectMySQL {
		return da.CreateDDLFor(d, schemaName, tableName)
	}
	return m.CreateDDL(schemaName, tableName)
}

// Validate checks the invariants the writer relies on.
func Validate(m Metric) error {
	if m == nil {
		return ErrNilMetric
	}
	if m.Name() == "" {
		return ErrNoName
	}
	if len(m.Columns()) == 0 {
		return fmt.Errorf("%s: %w", m.Name(), ErrNoColumns)
	}
	return nil
}

// Row orders a metric's column map by its column list.
func Row(m Metric) []any {
	cols := m.Columns()
	values := m.ColumnMap()
	row := make([]any, len(cols))
	for i, c := range cols {
		row[i] = values[c]
	}
	return row
}
