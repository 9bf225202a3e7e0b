package metricswriter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

type sample struct {
	name  string
	value int
}

var sampleTable = metrics.Table{Columns: []metrics.Column{
	{Name: "value", Type: metrics.TypeInt, Comment: "sample value"},
}}

func (s sample) Name() string              { return s.name }
func (s sample) Schema() metrics.Table     { return sampleTable }
func (s sample) Columns() []string         { return sampleTable.ColumnNames() }
func (s sample) ColumnMap() map[string]any { return map[string]any{"value": s.value} }

func (s sample) CreateDDL(schemaName, tableName string) string {
	return sampleTable.CreateDDL(metrics.DialectMySQL, schemaName, tableName)
}

func samples(name string, n int) []metrics.Metric {
	out := make([]metrics.Metric, n)
	for i := range out {
		out[i] = sample{name: name, value: i}
	}
	return out
}

// fakeStore records calls and keeps rows in memory
type fakeStore struct {
	mu        sync.Mutex
	dbCreated int
	ddl       []string
	rows      map[string][][]any
	failures  map[string]error
	closed    bool
	ddlDelay  time.Duration
	ddlCalls  atomic.Int32
	opened    atomic.Int32
	writeCall atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     make(map[string][][]any),
		failures: make(map[string]error),
	}
}

func (s *fakeStore) opener() StoreOpener {
	return func(context.Context) (Store, error) {
		s.opened.Add(1)
		return s, nil
	}
}

func (s *fakeStore) CreateDatabase(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbCreated++
	return nil
}

func (s *fakeStore) RunDDL(ctx context.Context, stmt string) error {
	s.ddlCalls.Add(1)
	if s.ddlDelay > 0 {
		select {
		case <-time.After(s.ddlDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ddl = append(s.ddl, stmt)
	return nil
}

func (s *fakeStore) WriteRows(_ context.Context, table string, _ []string, rows [][]any, _ string) (int64, error) {
	s.writeCall.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[table]; err != nil {
		return 0, err
	}
	s.rows[table] = append(s.rows[table], rows...)
	return int64(len(rows)), nil
}

func (s *fakeStore) ReadRows(_ context.Context, table string, columns []string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]any
	for _, row := range s.rows[table] {
		m := make(map[string]any, len(columns))
		for i, c := range columns {
			m[c] = row[i]
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) fail(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, table)
		return
	}
	s.failures[table] = err
}

func (s *fakeStore) rowCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows[table])
}

func (s *fakeStore) ddlCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, stmt := range s.ddl {
		if strings.Contains(stmt, fmt.Sprintf("CREATE TABLE IF NOT EXISTS pm.%s ", table)) {
			n++
		}
	}
	return n
}

func (s *fakeStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testParams(bufferLength *int) Parameters {
	return Parameters{
		TableMap:     map[string]string{"A": "metrics_a", "B": "metrics_b"},
		SchemaName:   "pm",
		BufferLength: bufferLength,
		CreateTables: true,
		Dialect:      metrics.DialectMySQL,
	}
}

func intPtr(n int) *int { return &n }
