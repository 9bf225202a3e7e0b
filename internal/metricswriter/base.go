package metricswriter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/selivandex/pipeline-metrics/internal/adapters/telemetry"
	"github.com/selivandex/pipeline-metrics/pkg/logger"
	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

const provisionTimeout = time.Minute

// base holds the store connection, provisioning state and telemetry shared by
// the unbuffered and buffered writers.
type base struct {
	name    string
	params  Parameters
	opener  StoreOpener
	spans   telemetry.SpanCreator
	written telemetry.Counter
	log     *zap.Logger

	storeMu sync.Mutex
	store   Store
	closed  bool

	dbMu      sync.Mutex
	dbCreated bool

	provMu      sync.RWMutex
	provisioned map[string]bool
	provGroup   singleflight.Group
}

func newBase(name string, params Parameters, opener StoreOpener, spans telemetry.SpanCreator) *base {
	if spans == nil {
		spans = telemetry.Noop{}
	}
	if params.Dialect == "" {
		params.Dialect = metrics.DialectMySQL
	}
	return &base{
		name:   name,
		params: params,
		opener: opener,
		spans:  spans,
		written: spans.Counter(
			telemetry.MetricsWrittenCount,
			"1",
			"Number of metrics written",
			telemetry.Attributes{telemetry.AttrSource: name},
		),
		log:         logger.Named("metricswriter").With(zap.String("writer", name)),
		provisioned: make(map[string]bool),
	}
}

func (b *base) spanName(op string) string {
	return "metricswriter." + b.name + "." + op
}

// Open connects to the backing store once
func (b *base) Open(ctx context.Context) error {
	_, err := b.storeFor(ctx)
	return err
}

func (b *base) storeFor(ctx context.Context) (Store, error) {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.store != nil {
		return b.store, nil
	}
	if b.opener == nil {
		return nil, fmt.Errorf("no store opener configured")
	}

	store, err := b.opener(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics store: %w", err)
	}
	b.store = store
	return store, nil
}

// closeStore marks the writer closed and closes the store if it was opened
func (b *base) closeStore() error {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.store == nil {
		return nil
	}
	if err := b.store.Close(); err != nil {
		return fmt.Errorf("failed to close metrics store: %w", err)
	}
	return nil
}

func (b *base) isProvisioned(name string) bool {
	b.provMu.RLock()
	defer b.provMu.RUnlock()
	return b.provisioned[name]
}

// CreateTableIfMissing runs the table DDL for m's type the first time it is
// seen. Concurrent callers for the same type share one execution.
func (b *base) CreateTableIfMissing(ctx context.Context, m metrics.Metric) error {
	if err := metrics.Validate(m); err != nil {
		return err
	}

	name := m.Name()
	table, ok := b.params.TableFor(name)
	if !ok || b.isProvisioned(name) {
		return nil
	}

	// the shared run is detached from the caller that started it
	ch := b.provGroup.DoChan(name, func() (any, error) {
		if b.isProvisioned(name) {
			return nil, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
		defer cancel()
		return nil, b.provision(pctx, m, table)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (b *base) provision(ctx context.Context, m metrics.Metric, table string) (err error) {
	name := m.Name()
	ctx, span := b.spans.StartSpan(ctx, b.spanName("CreateTableIfMissing"), telemetry.Attributes{
		telemetry.AttrMetricType: name,
		telemetry.AttrTable:      table,
	})
	defer func() {
		span.RecordError(err)
		span.End()
	}()

	ddl := metrics.DDLFor(m, b.params.Dialect, b.params.SchemaName, table)
	if ddl == "" {
		return fmt.Errorf("%s: empty create ddl", name)
	}

	store, err := b.storeFor(ctx)
	if err != nil {
		return err
	}

	if err := b.ensureDatabase(ctx, store); err != nil {
		return err
	}

	if b.params.Lock != nil {
		release, err := b.params.Lock.Acquire(ctx, b.params.SchemaName+"."+table)
		if err != nil {
			return fmt.Errorf("failed to lock %s for provisioning: %w", table, err)
		}
		defer release()
	}

	if err := store.RunDDL(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table for %s: %w", name, err)
	}

	b.provMu.Lock()
	b.provisioned[name] = true
	b.provMu.Unlock()

	b.log.Info("metric table provisioned",
		zap.String("metric", name),
		zap.String("table", b.params.SchemaName+"."+table),
	)
	return nil
}

func (b *base) ensureDatabase(ctx context.Context, store Store) error {
	b.dbMu.Lock()
	defer b.dbMu.Unlock()

	if b.dbCreated {
		return nil
	}
	if err := store.CreateDatabase(ctx); err != nil {
		return err
	}
	b.dbCreated = true
	return nil
}

// writeGroup writes same-type metrics. Unmapped types are skipped and
// report zero rows.
func (b *base) writeGroup(ctx context.Context, name string, ms []metrics.Metric) (int64, error) {
	if len(ms) == 0 {
		return 0, nil
	}
	table, ok := b.params.TableFor(name)
	if !ok {
		return 0, nil
	}

	first := ms[0]
	columns := first.Columns()

	var createDDL string
	if b.params.CreateTables {
		if err := b.CreateTableIfMissing(ctx, first); err != nil {
			return 0, err
		}
		createDDL = metrics.DDLFor(first, b.params.Dialect, b.params.SchemaName, table)
	}

	store, err := b.storeFor(ctx)
	if err != nil {
		return 0, err
	}

	rows := make([][]any, len(ms))
	for i, m := range ms {
		rows[i] = metrics.Row(m)
	}

	n, err := store.WriteRows(ctx, table, columns, rows, createDDL)
	if err != nil {
		return n, fmt.Errorf("failed to write %d %s metrics: %w", len(ms), name, err)
	}

	b.written.Add(ctx, int64(len(ms)), telemetry.Attributes{
		telemetry.AttrMetricType:   name,
		telemetry.AttrMetricWriter: b.name,
	})

	if logger.DebugEnabled() {
		b.log.Debug("wrote metrics",
			zap.String("metric", name),
			zap.Int("count", len(ms)),
			zap.Int64("rows", n),
		)
	}
	return n, nil
}

// ReadBack reads every row of the table mapped to m's type
func (b *base) ReadBack(ctx context.Context, m metrics.Metric) (rows []map[string]any, err error) {
	if err := metrics.Validate(m); err != nil {
		return nil, err
	}

	ctx, span := b.spans.StartSpan(ctx, b.spanName("ReadBack"), telemetry.Attributes{
		telemetry.AttrMetricType: m.Name(),
	})
	defer func() {
		span.RecordError(err)
		span.End()
	}()

	table, ok := b.params.TableFor(m.Name())
	if !ok {
		return nil, nil
	}

	store, err := b.storeFor(ctx)
	if err != nil {
		return nil, err
	}
	return store.ReadRows(ctx, table, m.Columns())
}

type typeGroup struct {
	name    string
	metrics []metrics.Metric
}

// groupByName validates ms and groups them by metric name in first-seen order.
func groupByName(ms []metrics.Metric) ([]typeGroup, error) {
	var groups []typeGroup
	index := make(map[string]int)
	for _, m := range ms {
		if err := metrics.Validate(m); err != nil {
			return nil, err
		}
		name := m.Name()
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, typeGroup{name: name})
		}
		groups[i].metrics = append(groups[i].metrics, m)
	}
	return groups, nil
}
