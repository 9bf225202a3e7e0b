package metricswriter

import (
	"context"

	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

// NoopWriter discards every write. Used when no metrics sink is configured.
type NoopWriter struct{}

func (NoopWriter) Open(context.Context) error  { return nil }
func (NoopWriter) Close(context.Context) error { return nil }
func (NoopWriter) Flush(context.Context) error { return nil }

func (NoopWriter) WriteOne(context.Context, metrics.Metric) (Result, error) {
	return Result{}, nil
}

func (NoopWriter) WriteMany(context.Context, []metrics.Metric) (Result, error) {
	return Result{}, nil
}

func (NoopWriter) CreateTableIfMissing(context.Context, metrics.Metric) error {
	return nil
}

func (NoopWriter) ReadBack(context.Context, metrics.Metric) ([]map[string]any, error) {
	return nil, nil
}
