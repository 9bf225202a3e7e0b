package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/internal/adapters/config"
)

func TestNew_Providers(t *testing.T) {
	sc, err := New(config.TelemetryConfig{Provider: "noop"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, sc)

	sc, err = New(config.TelemetryConfig{Provider: "console"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Console{}, sc)

	_, err = New(config.TelemetryConfig{Provider: "otel"}, nil)
	assert.Error(t, err)

	_, err = New(config.TelemetryConfig{Provider: "zipkin"}, nil)
	assert.Error(t, err)
}

func TestAttributes_Merge(t *testing.T) {
	a := Attributes{"a": 1, "b": "x"}
	merged := a.Merge(Attributes{"b": "y", "c": true})

	assert.Equal(t, Attributes{"a": 1, "b": "y", "c": true}, merged)
	assert.Equal(t, "x", a["b"], "receiver must not change")
}

func TestConsole_CounterTotals(t *testing.T) {
	c := NewConsole(zap.NewNop())
	ctx := context.Background()

	counter := c.Counter(MetricsWrittenCount, "1", "", Attributes{AttrMetricWriter: "BufferedWriter"})
	counter.Add(ctx, 3, Attributes{AttrMetricType: "A"})
	counter.Add(ctx, 2, Attributes{AttrMetricType: "B"})
	counter.Add(ctx, 1, Attributes{AttrMetricType: "A"})

	assert.Equal(t, int64(4), c.Total(MetricsWrittenCount, Attributes{AttrMetricType: "A"}))
	assert.Equal(t, int64(2), c.Total(MetricsWrittenCount, Attributes{AttrMetricType: "B"}))
	assert.Equal(t, int64(6), c.Total(MetricsWrittenCount, Attributes{AttrMetricWriter: "BufferedWriter"}))
	assert.Equal(t, int64(0), c.Total("unknown", nil))
}

func TestConsole_Spans(t *testing.T) {
	c := NewConsole(nil)

	_, span := c.StartSpan(context.Background(), "flush", Attributes{AttrSource: "test"})
	span.SetAttributes(Attributes{AttrMetricCount: 5})
	span.RecordError(errors.New("boom"))
	span.End()
	span.End()

	spans := c.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "flush", spans[0].Name)
	assert.Equal(t, 5, spans[0].Attributes[AttrMetricCount])
	assert.EqualError(t, spans[0].Err, "boom")
}

func TestOTel_SpansAndCounters(t *testing.T) {
	ctx := context.Background()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
	})

	o := NewOTel(tp, mp, "pipeline-metrics-test")

	_, span := o.StartSpan(ctx, "metricswriter.Flush", Attributes{AttrMetricWriter: "BufferedWriter"})
	span.RecordError(errors.New("write failed"))
	span.End()

	counter := o.Counter(MetricsWrittenCount, "1", "metrics written", nil)
	counter.Add(ctx, 3, Attributes{AttrMetricType: "A"})
	counter.Add(ctx, 2, Attributes{AttrMetricType: "B"})
	// second lookup reuses the instrument
	o.Counter(MetricsWrittenCount, "1", "metrics written", nil).Add(ctx, 1, Attributes{AttrMetricType: "A"})

	require.NoError(t, o.Flush(ctx))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "metricswriter.Flush", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != MetricsWrittenCount {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(AttrMetricType))
				totals[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"A": 4, "B": 2}, totals)
}

func TestSetup_NonOTelProvider(t *testing.T) {
	p, err := Setup(context.Background(), config.TelemetryConfig{Provider: "console"})
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Nil(t, p.Handler())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetup_Prometheus(t *testing.T) {
	ctx := context.Background()
	p, err := Setup(ctx, config.TelemetryConfig{
		Provider:    "otel",
		Exporter:    "prometheus",
		ServiceName: "pipeline-metrics-test",
	})
	require.NoError(t, err)
	require.NotNil(t, p)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	assert.NotNil(t, p.Registry)
	assert.NotNil(t, p.Handler())

	_, err = Setup(ctx, config.TelemetryConfig{Provider: "otel", Exporter: "jaeger"})
	assert.Error(t, err)
}
