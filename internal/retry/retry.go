// Package retry wraps a single remote call with classification-aware retry
// and exponential backoff.
//
// Retryability is decided on remote.Kind, never on error text. The primitive
// has no side effect beyond invoking the operation, sleeping between
// attempts and reporting each attempt to the policy's OnAttempt hook. It
// never swallows a terminal failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/roach88/annosync/internal/remote"
)

// DefaultMaxAttempts is the attempt limit when a policy leaves it unset.
const DefaultMaxAttempts = 3

// Backoff is an exponential delay with a ceiling.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retry number n (1 = first retry):
// Initial * Multiplier^(n-1), capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 || b.Initial <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// Attempt describes one invocation of a retried operation.
type Attempt struct {
	Name   string
	Number int           // 1-based
	Err    error         // nil on success
	Kind   remote.Kind   // classification of Err
	Delay  time.Duration // wait before the next attempt; 0 when none follows
	Final  bool          // no further attempt will be made
}

// Policy configures Do.
type Policy struct {
	// MaxAttempts bounds the number of calls, first call included.
	MaxAttempts int

	// RetryOn lists the error kinds worth another attempt.
	RetryOn []remote.Kind

	Backoff Backoff

	// Sleep waits between attempts. Defaults to a context-aware timer;
	// tests replace it to avoid wall-clock waits.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnAttempt is called after every attempt. It may be called from any
	// goroutine the operation runs on.
	OnAttempt func(Attempt)
}

// DefaultPolicy retries network and timeout failures three times with
// 200ms..5s exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		RetryOn:     []remote.Kind{remote.KindNetwork, remote.KindTimeout},
		Backoff: Backoff{
			Initial:    200 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
		},
	}
}

// Retryable reports whether err is in the policy's retryable set.
func (p Policy) Retryable(err error) bool {
	return err != nil && slices.Contains(p.RetryOn, remote.KindOf(err))
}

// WithObserver returns a copy of p whose OnAttempt also calls fn.
func (p Policy) WithObserver(fn func(Attempt)) Policy {
	prev := p.OnAttempt
	p.OnAttempt = func(a Attempt) {
		if prev != nil {
			prev(a)
		}
		fn(a)
	}
	return p
}

// ExhaustedError is returned when a retryable failure persisted through
// every attempt. It unwraps to the last attempt's error.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Do invokes op until it succeeds, fails with a non-retryable error, or the
// attempt limit is reached.
//
// Non-retryable errors are returned unchanged after the failing call.
// Retryable errors are returned as *ExhaustedError after the last attempt.
// If ctx is cancelled while waiting, the context error is returned joined
// with the last failure.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	for n := 1; ; n++ {
		v, err := op(ctx)
		if err == nil {
			report(p, Attempt{Name: name, Number: n, Final: true})
			return v, nil
		}

		a := Attempt{Name: name, Number: n, Err: err, Kind: remote.KindOf(err)}
		if !p.Retryable(err) {
			a.Final = true
			report(p, a)
			return zero, err
		}
		if n >= maxAttempts {
			a.Final = true
			report(p, a)
			return zero, &ExhaustedError{Name: name, Attempts: n, Err: err}
		}

		a.Delay = p.Backoff.Delay(n)
		report(p, a)

		if serr := sleep(ctx, a.Delay); serr != nil {
			return zero, errors.Join(serr, err)
		}
	}
}

func report(p Policy, a Attempt) {
	if p.OnAttempt != nil {
		p.OnAttempt(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
