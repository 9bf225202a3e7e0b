package metricswriter

import (
	"context"

	"github.com/selivandex/pipeline-metrics/internal/adapters/telemetry"
	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

// UnbufferedWriter writes every call straight to the store.
type UnbufferedWriter struct {
	*base
}

// NewUnbufferedWriter creates a writer that performs no buffering.
func NewUnbufferedWriter(params Parameters, opener StoreOpener, spans telemetry.SpanCreator) *UnbufferedWriter {
	return &UnbufferedWriter{base: newBase("UnbufferedWriter", params, opener, spans)}
}

func (w *UnbufferedWriter) WriteOne(ctx context.Context, m metrics.Metric) (Result, error) {
	return w.WriteMany(ctx, []metrics.Metric{m})
}

// WriteMany groups ms by type in arrival order and writes each group. It
// stops at the first failing group; rows of earlier groups stay written.
func (w *UnbufferedWriter) WriteMany(ctx context.Context, ms []metrics.Metric) (res Result, err error) {
	if len(ms) == 0 {
		return Result{}, nil
	}

	groups, err := groupByName(ms)
	if err != nil {
		return Result{}, err
	}

	ctx, span := w.spans.StartSpan(ctx, w.spanName("WriteMany"), telemetry.Attributes{
		telemetry.AttrMetricCount: len(ms),
	})
	defer func() {
		span.SetAttributes(telemetry.Attributes{"rows": res.Rows})
		span.RecordError(err)
		span.End()
	}()

	for _, g := range groups {
		n, err := w.writeGroup(ctx, g.name, g.metrics)
		res.Rows += n
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// Flush is a no-op; nothing is ever buffered.
func (w *UnbufferedWriter) Flush(context.Context) error {
	return nil
}

func (w *UnbufferedWriter) Close(context.Context) error {
	return w.closeStore()
}
