package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/pkg/logger"
)

// OTel reports spans and counters through OpenTelemetry providers.
type OTel struct {
	tracer   trace.Tracer
	meter    metric.Meter
	flushers []flusher

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

type flusher interface {
	ForceFlush(ctx context.Context) error
}

// NewOTel creates a SpanCreator on top of the given providers.
func NewOTel(tp trace.TracerProvider, mp metric.MeterProvider, scope string) *OTel {
	o := &OTel{
		tracer:   tp.Tracer(scope),
		meter:    mp.Meter(scope),
		counters: make(map[string]metric.Int64Counter),
	}
	for _, p := range []any{tp, mp} {
		if f, ok := p.(flusher); ok {
			o.flushers = append(o.flushers, f)
		}
	}
	return o
}

func (o *OTel) StartSpan(ctx context.Context, name string, attrs Attributes) (context.Context, Span) {
	ctx, span := o.tracer.Start(ctx, name, trace.WithAttributes(toKeyValues(attrs)...))
	return ctx, otelSpan{span: span}
}

// Counter returns the named Int64Counter. Instruments are created once per name;
// attrs are added to every increment.
func (o *OTel) Counter(name, unit, description string, attrs Attributes) Counter {
	o.mu.Lock()
	defer o.mu.Unlock()

	c, ok := o.counters[name]
	if !ok {
		var err error
		c, err = o.meter.Int64Counter(name, metric.WithUnit(unit), metric.WithDescription(description))
		if err != nil {
			logger.Warn("failed to create otel counter, using noop",
				zap.String("counter", name),
				zap.Error(err),
			)
			return noopCounter{}
		}
		o.counters[name] = c
	}

	return otelCounter{counter: c, base: attrs}
}

// Flush forces providers that support it to export pending data.
func (o *OTel) Flush(ctx context.Context) error {
	var errs []error
	for _, f := range o.flushers {
		if err := f.ForceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("telemetry flush: %v", errs)
	}
	return nil
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) SetAttributes(attrs Attributes) {
	s.span.SetAttributes(toKeyValues(attrs)...)
}

func (s otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) End() {
	s.span.End()
}

type otelCounter struct {
	counter metric.Int64Counter
	base    Attributes
}

func (c otelCounter) Add(ctx context.Context, n int64, attrs Attributes) {
	c.counter.Add(ctx, n, metric.WithAttributes(toKeyValues(c.base.Merge(attrs))...))
}

func toKeyValues(attrs Attributes) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case int64:
			kvs = append(kvs, attribute.Int64(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		case []string:
			kvs = append(kvs, attribute.StringSlice(k, val))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return kvs
}
