package testutil

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/annosync/internal/retry"
)

// NoSleep is a retry sleep that returns at once unless ctx is done.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// FastPolicy is the default retry policy with attempts bounded to max and
// no wall-clock waits between them.
func FastPolicy(max int) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = max
	p.Sleep = NoSleep
	return p
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
