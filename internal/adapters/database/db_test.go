package database

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

func newMockStore(t *testing.T, dialect metrics.Dialect, batch int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewStore(sqlx.NewDb(db, driverName(dialect)), dialect, "pm", batch), mock
}

func TestWriteRows_ChunksByBatchSize(t *testing.T) {
	store, mock := newMockStore(t, metrics.DialectMySQL, 2)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pm.errors (a, b) VALUES (?, ?), (?, ?)")).
		WithArgs(1, "x", 2, "y").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pm.errors (a, b) VALUES (?, ?)")).
		WithArgs(3, "z").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.WriteRows(context.Background(), "errors", []string{"a", "b"},
		[][]any{{1, "x"}, {2, "y"}, {3, "z"}}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRows_PostgresPlaceholders(t *testing.T) {
	store, mock := newMockStore(t, metrics.DialectPostgres, 10)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pm.runs (a) VALUES ($1), ($2)")).
		WithArgs("x", "y").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.WriteRows(context.Background(), "runs", []string{"a"}, [][]any{{"x"}, {"y"}}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRows_CreatesMissingTableAndRetries(t *testing.T) {
	store, mock := newMockStore(t, metrics.DialectMySQL, 10)
	ddl := "-- pm.errors definition\nCREATE SCHEMA IF NOT EXISTS pm;\nCREATE TABLE IF NOT EXISTS pm.errors (a INT);\n"

	insert := regexp.QuoteMeta("INSERT INTO pm.errors (a) VALUES (?)")
	mock.ExpectExec(insert).WillReturnError(errors.New("Error 1146 (42S02): Table 'pm.errors' doesn't exist"))
	mock.ExpectExec(regexp.QuoteMeta("CREATE SCHEMA IF NOT EXISTS pm")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS pm.errors (a INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insert).WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := store.WriteRows(context.Background(), "errors", []string{"a"}, [][]any{{7}}, ddl)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRows_OtherErrorsAreNotRetried(t *testing.T) {
	store, mock := newMockStore(t, metrics.DialectMySQL, 10)

	mock.ExpectExec("INSERT INTO pm.errors").WillReturnError(errors.New("connection reset"))

	n, err := store.WriteRows(context.Background(), "errors", []string{"a"}, [][]any{{1}}, "CREATE TABLE x (a INT)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRows_CancelledContext(t *testing.T) {
	store, mock := newMockStore(t, metrics.DialectMySQL, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := store.WriteRows(ctx, "errors", []string{"a"}, [][]any{{1}, {2}}, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRows_RowWidthMismatch(t *testing.T) {
	store, _ := newMockStore(t, metrics.DialectMySQL, 10)

	_, err := store.WriteRows(context.Background(), "errors", []string{"a", "b"}, [][]any{{1}}, "")
	assert.Error(t, err)
}

func TestCreateDatabase(t *testing.T) {
	store, mock := newMockStore(t, metrics.DialectMySQL, 10)
	mock.ExpectExec(regexp.QuoteMeta("CREATE SCHEMA IF NOT EXISTS pm")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.CreateDatabase(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	ch, chMock := newMockStore(t, metrics.DialectClickHouse, 10)
	assert.Equal(t, metrics.DialectClickHouse, ch.Dialect())
	assert.Equal(t, "pm", ch.Schema())
	chMock.ExpectExec(regexp.QuoteMeta("CREATE DATABASE IF NOT EXISTS pm")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, ch.CreateDatabase(context.Background()))
	assert.NoError(t, chMock.ExpectationsWereMet())
}

func TestReadRows(t *testing.T) {
	store, mock := newMockStore(t, metrics.DialectMySQL, 10)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT run_id, status FROM pm.errors")).
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "status"}).
			AddRow([]byte("r1"), int64(401)).
			AddRow([]byte("r2"), nil))

	rows, err := store.ReadRows(context.Background(), "errors", []string{"run_id", "status"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"run_id": "r1", "status": int64(401)},
		{"run_id": "r2", "status": nil},
	}, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	script := "-- pm.t definition\n" +
		"CREATE SCHEMA IF NOT EXISTS pm;\n" +
		"CREATE TABLE IF NOT EXISTS pm.t (\n    a INT COMMENT 'one; two',\n    b TEXT COMMENT 'it''s'\n);\n" +
		"\n;\n"

	stmts := SplitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE SCHEMA IF NOT EXISTS pm", stmts[0])
	assert.Equal(t, "CREATE TABLE IF NOT EXISTS pm.t (\n    a INT COMMENT 'one; two',\n    b TEXT COMMENT 'it''s'\n)", stmts[1])
}

func TestSplitStatements_GeneratedDDL(t *testing.T) {
	table := metrics.Table{Columns: []metrics.Column{{Name: "a", Type: metrics.TypeInt}}}

	for _, d := range []metrics.Dialect{metrics.DialectMySQL, metrics.DialectPostgres, metrics.DialectClickHouse} {
		stmts := SplitStatements(table.CreateDDL(d, "pm", "t"))
		assert.Len(t, stmts, 2, string(d))
	}
}
