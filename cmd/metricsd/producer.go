package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/selivandex/pipeline-metrics/internal/metricswriter"
	"github.com/selivandex/pipeline-metrics/pkg/bridge"
	"github.com/selivandex/pipeline-metrics/pkg/logger"
	"github.com/selivandex/pipeline-metrics/pkg/metrics"
)

// producer emits a batch of synthetic patient access metrics per run, the way
// a pipeline partition would.
type producer struct {
	id     int
	batch  int
	writer metricswriter.Writer
	pool   *bridge.Pool
}

func newProducer(id, batch int, writer metricswriter.Writer, pool *bridge.Pool) *producer {
	return &producer{id: id, batch: max(batch, 1), writer: writer, pool: pool}
}

func (p *producer) Name() string {
	return fmt.Sprintf("producer-%d", p.id)
}

func (p *producer) Run(ctx context.Context) error {
	start := time.Now()
	rc := metrics.RowContext{
		RunID:            uuid.NewString(),
		RunDateTime:      start,
		ConnectionType:   "proa",
		FHIRVersion:      "R4",
		PipelineCategory: "patient_access",
		PipelineVersion:  "1",
		MasterPersonID:   uuid.NewString(),
		ClientPersonID:   uuid.NewString(),
		Slug:             fmt.Sprintf("source-%d", p.id),
		SourceSystemType: "ehr",
		Scope:            "patient/*.read",
		Status:           "active",
	}

	batch := make([]metrics.Metric, 0, p.batch+1)
	for i := 0; i < p.batch; i++ {
		batch = append(batch, p.sample(rc, i))
	}

	batch = append(batch, metrics.NewPatientAccessMetrics(rc, start, time.Now(), metrics.DownloadStats{
		NumberOfResources: p.batch,
	}))

	res, err := bridge.RunInPool(ctx, p.pool, func(ctx context.Context) (metricswriter.Result, error) {
		return p.writer.WriteMany(ctx, batch)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	logger.Debug("producer batch written",
		zap.String("producer", p.Name()),
		zap.Int("metrics", len(batch)),
		zap.Int64("rows", res.Rows),
		zap.Bool("buffered", res.Buffered),
	)
	return nil
}

func (p *producer) sample(rc metrics.RowContext, i int) metrics.Metric {
	url := fmt.Sprintf("https://fhir.example.org/%s/Observation?_count=%d", rc.Slug, i)

	switch rand.IntN(4) {
	case 0:
		status := []int{401, 403, 404, 500}[rand.IntN(4)]
		return metrics.NewPatientAccessError(rc, metrics.ErrorDetails{
			RequestID:    uuid.NewString(),
			ResourceType: "Observation",
			URL:          url,
			StatusCode:   status,
			Step:         "get_resources",
			Severity:     metrics.ClientSideSeverity(rc, status, "Observation", url, metrics.SeverityError),
		}, fmt.Errorf("http %d", status))
	case 1:
		ids := []string{uuid.NewString(), uuid.NewString()}
		return metrics.NewPatientAccessResourceMetric(rc, url, "Observation", ids, `{"resourceType":"Bundle"}`)
	case 2:
		return metrics.NewPatientAccessRawResourceMetric(rc, url, "Observation",
			[]string{url}, []string{`{"resourceType":"Observation"}`})
	default:
		score := decimal.NewFromFloat(rand.Float64())
		return metrics.NewDemographicsMismatchEntry(rc, metrics.MatchResult{
			Match:  "possible",
			Source: "client",
			Target: "master",
			Score:  &score,
		})
	}
}
