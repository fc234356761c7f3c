package diag

import (
	"context"
	"log/slog"
	"time"
)

// Timed runs fn, logging when it starts and how long it took. Failures are
// logged at error level with the error attached and returned unchanged.
func Timed(ctx context.Context, logger *slog.Logger, label string, fn func(context.Context) error) error {
	_, err := TimedValue(ctx, logger, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// TimedValue is Timed for functions that produce a value.
func TimedValue[T any](ctx context.Context, logger *slog.Logger, label string, fn func(context.Context) (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, label+": start")
	start := time.Now()
	v, err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		logger.ErrorContext(ctx, label+": failed",
			"duration", elapsed.Round(time.Millisecond),
			"error", err)
		return v, err
	}
	logger.InfoContext(ctx, label+": done", "duration", elapsed.Round(time.Millisecond))
	return v, nil
}
