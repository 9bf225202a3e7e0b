package metricswriter

import (
	"context"
	"time"

	"github.com/selivandex/pipeline-metrics/pkg/bridge"
)

// FlushBlocking flushes w through bridge.Run, so it is safe to call from code
// already running on a bridge loop. A busy loop is waited on for up to wait
// before the flush moves to an isolated goroutine.
func FlushBlocking(ctx context.Context, w Writer, wait time.Duration) error {
	_, err := bridge.Run(ctx, "metricswriter.Flush", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.Flush(ctx)
	}, bridge.WithTimeout(wait))
	return err
}

// CloseBlocking is FlushBlocking for Close.
func CloseBlocking(ctx context.Context, w Writer, wait time.Duration) error {
	_, err := bridge.Run(ctx, "metricswriter.Close", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.Close(ctx)
	}, bridge.WithTimeout(wait))
	return err
}
