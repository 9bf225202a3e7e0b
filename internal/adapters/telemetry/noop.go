package telemetry

import "context"

// Noop discards all spans and counter increments.
type Noop struct{}

type noopSpan struct{}

func (noopSpan) SetAttributes(Attributes) {}
func (noopSpan) RecordError(error)        {}
func (noopSpan) End()                     {}

type noopCounter struct{}

func (noopCounter) Add(context.Context, int64, Attributes) {}

func (Noop) StartSpan(ctx context.Context, _ string, _ Attributes) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (Noop) Counter(string, string, string, Attributes) Counter {
	return noopCounter{}
}

func (Noop) Flush(context.Context) error {
	return nil
}
