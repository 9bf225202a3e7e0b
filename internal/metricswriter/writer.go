// Package metricswriter persists metrics to the backing store, either
// immediately (UnbufferedWriter) or through an in-memory buffer that is written
// back in batches (BufferedWriter). Writers are built by Factory.
package metricswriter

import (
	"context"
	"errors"
	"time"

	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

var (
	// ErrClosed is returned by operations on a closed writer
	ErrClosed = errors.New("metrics writer is closed")
	// ErrBufferNotEmpty is returned when a flush reported success but entries
	// added before it started are still buffered
	ErrBufferNotEmpty = errors.New("buffer not empty after flush")
)

// Result of a write. Buffered is true when metrics were queued and nothing
// has been written yet; Rows is then zero.
type Result struct {
	Rows     int64
	Buffered bool
}

// Writer is the surface shared by all writer variants.
type Writer interface {
	// Open connects to the backing store. Writers also connect lazily on first use.
	Open(ctx context.Context) error
	// Close flushes (buffered variant) and always closes the store.
	Close(ctx context.Context) error

	WriteOne(ctx context.Context, m metrics.Metric) (Result, error)
	WriteMany(ctx context.Context, ms []metrics.Metric) (Result, error)

	// CreateTableIfMissing provisions the table mapped to m's type. Unmapped
	// types are a no-op; DDL runs at most once per type per writer.
	CreateTableIfMissing(ctx context.Context, m metrics.Metric) error
	// ReadBack returns the rows of the table mapped to m's type, or nothing
	// when the type is unmapped.
	ReadBack(ctx context.Context, m metrics.Metric) ([]map[string]any, error)

	Flush(ctx context.Context) error
}

// Store is the backing store call contract the writers depend on.
type Store interface {
	CreateDatabase(ctx context.Context) error
	RunDDL(ctx context.Context, stmt string) error
	WriteRows(ctx context.Context, table string, columns []string, rows [][]any, createDDL string) (int64, error)
	ReadRows(ctx context.Context, table string, columns []string) ([]map[string]any, error)
	Close() error
}

// StoreOpener connects to a Store. It is called at most once per writer.
type StoreOpener func(ctx context.Context) (Store, error)

// Locker serializes provisioning of one table across processes.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Parameters configure a writer. A nil *Parameters yields a NoopWriter.
type Parameters struct {
	// TableMap maps metric names to destination tables. Unmapped metrics are dropped.
	TableMap   map[string]string
	SchemaName string
	// BufferLength nil selects the unbuffered writer. For the buffered writer
	// it is the entry count that triggers a background flush; 0 writes on every call.
	BufferLength  *int
	CreateTables  bool
	FlushInterval time.Duration
	Dialect       metrics.Dialect
	// Lock is optional
	Lock Locker
}

// TableFor returns the table mapped to a metric name.
func (p *Parameters) TableFor(name string) (string, bool) {
	table, ok := p.TableMap[name]
	return table, ok && table != ""
}
