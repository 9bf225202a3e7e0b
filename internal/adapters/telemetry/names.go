package telemetry

// Instrument names
const (
	MetricsWrittenCount = "pipeline.metrics.written.count"
)

// Attribute keys
const (
	AttrMetricType   = "metric.type"
	AttrMetricWriter = "metric.writer"
	AttrMetricCount  = "metric.count"
	AttrTable        = "db.table"
	AttrSource       = "source"
)
