package metricswriter

import (
	"github.com/selivandex/pipeline-metrics/internal/adapters/config"
	"github.com/selivandex/pipeline-metrics/internal/adapters/telemetry"
	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

// Factory picks the writer variant for a set of parameters.
type Factory struct {
	params *Parameters
	opener StoreOpener
}

// NewFactory creates a factory. params may be nil.
func NewFactory(params *Parameters, opener StoreOpener) *Factory {
	return &Factory{params: params, opener: opener}
}

// Create builds a writer without doing any I/O:
// nil parameters give a NoopWriter, no buffer length an UnbufferedWriter,
// otherwise a BufferedWriter.
func (f *Factory) Create(spans telemetry.SpanCreator) Writer {
	switch {
	case f.params == nil:
		return NoopWriter{}
	case f.params.BufferLength == nil:
		return NewUnbufferedWriter(*f.params, f.opener, spans)
	default:
		return NewBufferedWriter(*f.params, *f.params.BufferLength, f.opener, spans)
	}
}

// ParametersFromConfig converts writer configuration. It returns nil when
// metrics are disabled.
func ParametersFromConfig(cfg *config.Config, lock Locker) (*Parameters, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}

	tables, err := cfg.Metrics.TableMap()
	if err != nil {
		return nil, err
	}

	dialect, err := metrics.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}

	params := &Parameters{
		TableMap:      tables,
		SchemaName:    cfg.Database.Schema,
		CreateTables:  cfg.Metrics.CreateTables,
		FlushInterval: cfg.Metrics.FlushInterval,
		Dialect:       dialect,
		Lock:          lock,
	}
	if cfg.Metrics.Buffered() {
		length := cfg.Metrics.BufferLength
		params.BufferLength = &length
	}
	return params, nil
}
