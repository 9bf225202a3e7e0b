// Package telemetry is the span and counter surface the metrics writer reports
// through. Backends are chosen explicitly with New; nothing registers itself.
package telemetry

import (
	"context"
	"fmt"

	"github.com/selivandex/pipeline-metrics/internal/adapters/config"
	"github.com/selivandex/pipeline-metrics/pkg/logger"
)

// Attributes are key/values attached to spans and counter increments.
type Attributes map[string]any

// Merge returns a copy of a overlaid with b.
func (a Attributes) Merge(b Attributes) Attributes {
	out := make(Attributes, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Span is a started unit of traced work. End must be called once.
type Span interface {
	SetAttributes(attrs Attributes)
	RecordError(err error)
	End()
}

// Counter is a monotonically increasing instrument.
type Counter interface {
	Add(ctx context.Context, n int64, attrs Attributes)
}

// SpanCreator creates spans and counters. The parent span travels in ctx.
type SpanCreator interface {
	StartSpan(ctx context.Context, name string, attrs Attributes) (context.Context, Span)
	Counter(name, unit, description string, attrs Attributes) Counter
	Flush(ctx context.Context) error
}

// New picks a SpanCreator for cfg.Provider. providers is required for "otel".
func New(cfg config.TelemetryConfig, providers *Providers) (SpanCreator, error) {
	switch cfg.Provider {
	case "otel":
		if providers == nil {
			return nil, fmt.Errorf("otel telemetry requires initialized providers")
		}
		return NewOTel(providers.Tracer, providers.Meter, cfg.ServiceName), nil
	case "console":
		return NewConsole(logger.Named("telemetry")), nil
	case "noop", "":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown telemetry provider %q", cfg.Provider)
	}
}
