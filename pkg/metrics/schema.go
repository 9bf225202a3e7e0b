package metrics

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavour a table definition is rendered for.
type Dialect string

const (
	DialectMySQL      Dialect = "mysql"
	DialectPostgres   Dialect = "postgres"
	DialectClickHouse Dialect = "clickhouse"
)

// ParseDialect maps a driver/config name to a Dialect.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql":
		return DialectMySQL, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "clickhouse":
		return DialectClickHouse, nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", name)
	}
}

// ColumnType is the logical type of a metric column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeText
	TypeMediumText
	TypeLongText
	TypeInt
	TypeBigInt
	TypeFloat
	TypeBool
	TypeTimestamp
	TypeDecimal
)

// Column describes one persisted field of a metric.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	Comment  string
}

// Table is the schema description of a metric variant: its ordered columns.
type Table struct {
	Columns []Column
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// With returns a new table with extra columns appended.
func (t Table) With(cols ...Column) Table {
	merged := make([]Column, 0, len(t.Columns)+len(cols))
	merged = append(merged, t.Columns...)
	merged = append(merged, cols...)
	return Table{Columns: merged}
}

// CreateDDL renders schema and table creation statements separated by ';'.
func (t Table) CreateDDL(d Dialect, schemaName, tableName string) string {
	var sb strings.Builder
	qualified := schemaName + "." + tableName

	fmt.Fprintf(&sb, "-- %s definition\n", qualified)

	switch d {
	case DialectPostgres:
		fmt.Fprintf(&sb, "CREATE SCHEMA IF NOT EXISTS %s;\n", schemaName)
		fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", qualified)
		sb.WriteString("    id BIGSERIAL PRIMARY KEY")
		for _, c := range t.Columns {
			fmt.Fprintf(&sb, ",\n    %s %s %s", c.Name, columnSQLType(d, c.Type), nullability(c.Nullable))
		}
		sb.WriteString("\n);\n")

	case DialectClickHouse:
		fmt.Fprintf(&sb, "CREATE DATABASE IF NOT EXISTS %s;\n", schemaName)
		fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", qualified)
		for i, c := range t.Columns {
			if i > 0 {
				sb.WriteString(",\n")
			}
			typ := columnSQLType(d, c.Type)
			if c.Nullable {
				typ = "Nullable(" + typ + ")"
			}
			fmt.Fprintf(&sb, "    %s %s", c.Name, typ)
			if c.Comment != "" {
				fmt.Fprintf(&sb, " COMMENT '%s'", escapeComment(c.Comment))
			}
		}
		sb.WriteString("\n)\nENGINE = MergeTree\nORDER BY tuple();\n")

	default:
		fmt.Fprintf(&sb, "CREATE SCHEMA IF NOT EXISTS %s;\n", schemaName)
		fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", qualified)
		sb.WriteString("    ID BIGINT NOT NULL AUTO_INCREMENT COMMENT 'Primary key'")
		for _, c := range t.Columns {
			fmt.Fprintf(&sb, ",\n    %s %s %s", c.Name, columnSQLType(d, c.Type), nullability(c.Nullable))
			if c.Comment != "" {
				fmt.Fprintf(&sb, " COMMENT '%s'", escapeComment(c.Comment))
			}
		}
		sb.WriteString(",\n    PRIMARY KEY (ID)\n)\nENGINE=InnoDB\nDEFAULT CHARSET=utf8mb4\nCOLLATE=utf8mb4_general_ci;\n")
	}

	return sb.String()
}

func nullability(nullable bool) string {
	if nullable {
		return "NULL"
	}
	return "NOT NULL"
}

func escapeComment(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func columnSQLType(d Dialect, t ColumnType) string {
	switch d {
	case DialectPostgres:
		switch t {
		case TypeString:
			return "VARCHAR(255)"
		case TypeText, TypeMediumText, TypeLongText:
			return "TEXT"
		case TypeInt:
			return "INTEGER"
		case TypeBigInt:
			return "BIGINT"
		case TypeFloat:
			return "DOUBLE PRECISION"
		case TypeBool:
			return "BOOLEAN"
		case TypeTimestamp:
			return "TIMESTAMP"
		case TypeDecimal:
			return "NUMERIC(10,4)"
		}
	case DialectClickHouse:
		switch t {
		case TypeString, TypeText, TypeMediumText, TypeLongText:
			return "String"
		case TypeInt:
			return "Int32"
		case TypeBigInt:
			return "Int64"
		case TypeFloat:
			return "Float64"
		case TypeBool:
			return "Bool"
		case TypeTimestamp:
			return "DateTime"
		case TypeDecimal:
			return "Decimal(10,4)"
		}
	default:
		switch t {
		case TypeString:
			return "VARCHAR(255)"
		case TypeText:
			return "TEXT"
		case TypeMediumText:
			return "MEDIUMTEXT"
		case TypeLongText:
			return "LONGTEXT"
		case TypeInt:
			return "INT"
		case TypeBigInt:
			return "BIGINT"
		case TypeFloat:
			return "FLOAT"
		case TypeBool:
			return "BOOLEAN"
		case TypeTimestamp:
			return "DATETIME"
		case TypeDecimal:
			return "DECIMAL(10,4)"
		}
	}
	return "TEXT"
}
