package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleTable = Table{Columns: []Column{
	{Name: "run_id", Type: TypeString, Comment: "Run's id"},
	{Name: "payload", Type: TypeLongText, Nullable: true},
	{Name: "score", Type: TypeDecimal, Nullable: true},
}}

func TestTable_CreateDDL_MySQL(t *testing.T) {
	ddl := sampleTable.CreateDDL(DialectMySQL, "s", "t")

	assert.Contains(t, ddl, "CREATE SCHEMA IF NOT EXISTS s;")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS s.t (")
	assert.Contains(t, ddl, "ID BIGINT NOT NULL AUTO_INCREMENT")
	assert.Contains(t, ddl, "run_id VARCHAR(255) NOT NULL COMMENT 'Run''s id'")
	assert.Contains(t, ddl, "payload LONGTEXT NULL")
	assert.Contains(t, ddl, "score DECIMAL(10,4) NULL")
	assert.True(t, strings.HasSuffix(ddl, "COLLATE=utf8mb4_general_ci;\n"))
}

func TestTable_CreateDDL_Postgres(t *testing.T) {
	ddl := sampleTable.CreateDDL(DialectPostgres, "s", "t")

	assert.Contains(t, ddl, "CREATE SCHEMA IF NOT EXISTS s;")
	assert.Contains(t, ddl, "payload TEXT NULL")
	assert.Contains(t, ddl, "score NUMERIC(10,4) NULL")
	assert.NotContains(t, ddl, "COMMENT")
}

func TestTable_CreateDDL_ClickHouse(t *testing.T) {
	ddl := sampleTable.CreateDDL(DialectClickHouse, "s", "t")

	assert.Contains(t, ddl, "CREATE DATABASE IF NOT EXISTS s;")
	assert.Contains(t, ddl, "run_id String COMMENT")
	assert.Contains(t, ddl, "payload Nullable(String)")
	assert.Contains(t, ddl, "ENGINE = MergeTree")
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"":           DialectMySQL,
		"MySQL":      DialectMySQL,
		"postgresql": DialectPostgres,
		"clickhouse": DialectClickHouse,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestTable_With(t *testing.T) {
	extended := sampleTable.With(Column{Name: "extra"})
	assert.Equal(t, []string{"run_id", "payload", "score", "extra"}, extended.ColumnNames())
	assert.Len(t, sampleTable.Columns, 3)
}
