// Package dispatch fans records out to a work queue: one message per
// record, or one per consecutive pair of records in a chosen order.
//
// Every message carries a deterministic dedupe key, so dispatching the same
// set twice enqueues nothing new. Sends run with bounded concurrency and
// are retried with the configured policy; the first send that still fails
// cancels the rest.
package dispatch

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/retry"
)

// DefaultConcurrency is the number of sends in flight when none is set.
const DefaultConcurrency = 8

// Sender enqueues a message. It reports whether the message was newly
// accepted; a duplicate dedupe key is not an error.
type Sender interface {
	Send(ctx context.Context, queue, dedupeKey string, body []byte) (bool, error)
}

// Progress is reported after every completed send or skip.
type Progress struct {
	Completed int
	Total     int
}

// Report summarises one dispatch.
type Report struct {
	Queue      string `json:"queue"`
	Total      int    `json:"total"`
	Sent       int    `json:"sent"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
}

// Dispatcher sends record messages to one queue.
type Dispatcher struct {
	sender      Sender
	queue       string
	concurrency int
	policy      retry.Policy
	extra       record.Fields
	skip        func(record.Record) bool
	onProgress  func(Progress)
	orderBy     string
	maxGap      float64
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConcurrency bounds the number of sends in flight.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithRetryPolicy sets the retry policy for each send.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithExtra merges fields into every message body, for example the
// annotation set the work belongs to.
func WithExtra(fields record.Fields) Option {
	return func(d *Dispatcher) {
		d.extra = fields.Clone()
	}
}

// WithSkip excludes records for which fn returns true. Skipped records
// still count towards progress.
func WithSkip(fn func(record.Record) bool) Option {
	return func(d *Dispatcher) {
		d.skip = fn
	}
}

// WithProgress sets a callback invoked after every send or skip. Calls are
// serialised.
func WithProgress(fn func(Progress)) Option {
	return func(d *Dispatcher) {
		d.onProgress = fn
	}
}

// WithOrderBy sorts records by field before pairing. Numbers sort
// numerically, anything else by its string form; ties keep input order.
func WithOrderBy(field string) Option {
	return func(d *Dispatcher) {
		d.orderBy = field
	}
}

// WithMaxGap pairs two neighbours only when their order field differs by
// less than gap. Requires WithOrderBy on a numeric field.
func WithMaxGap(gap float64) Option {
	return func(d *Dispatcher) {
		d.maxGap = gap
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates a dispatcher sending to queue.
func New(s Sender, queue string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:      s,
		queue:       queue,
		concurrency: DefaultConcurrency,
		policy:      retry.DefaultPolicy(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// message is one unit of work.
type message struct {
	key  string
	body []byte
}

// Records sends one message per record. The body is the record with the
// extra fields merged in; the dedupe key is the digest of that body.
func (d *Dispatcher) Records(ctx context.Context, recs []record.Record) (Report, error) {
	return d.run(ctx, len(recs), func(yield func(*message) bool) error {
		for _, r := range recs {
			if d.skip != nil && d.skip(r) {
				if !yield(nil) {
					return nil
				}
				continue
			}
			m, err := d.recordMessage(r)
			if err != nil {
				return err
			}
			if !yield(m) {
				return nil
			}
		}
		return nil
	})
}

// PairBody is the message body of a pair dispatch.
type PairBody struct {
	First  record.Record `json:"first"`
	Second record.Record `json:"second"`
	Extra  record.Fields `json:"extra,omitempty"`
}

// Pairs sends one message per consecutive pair after ordering. A pair is
// skipped when either record matches the skip predicate or the pair is
// farther apart than the max gap.
func (d *Dispatcher) Pairs(ctx context.Context, recs []record.Record) (Report, error) {
	ordered := slices.Clone(recs)
	if d.orderBy != "" {
		slices.SortStableFunc(ordered, func(a, b record.Record) int {
			return compareField(a.Fields[d.orderBy], b.Fields[d.orderBy])
		})
	}

	total := max(len(ordered)-1, 0)
	return d.run(ctx, total, func(yield func(*message) bool) error {
		for i := 0; i+1 < len(ordered); i++ {
			a, b := ordered[i], ordered[i+1]
			if d.skipPair(a, b) {
				if !yield(nil) {
					return nil
				}
				continue
			}
			body, err := json.Marshal(PairBody{First: a, Second: b, Extra: d.extra})
			if err != nil {
				return fmt.Errorf("encode pair %s/%s: %w", a.ID, b.ID, err)
			}
			if !yield(&message{key: "pair:" + a.ID + ":" + b.ID, body: body}) {
				return nil
			}
		}
		return nil
	})
}

func (d *Dispatcher) skipPair(a, b record.Record) bool {
	if d.skip != nil && (d.skip(a) || d.skip(b)) {
		return true
	}
	if d.maxGap <= 0 || d.orderBy == "" {
		return false
	}
	fa, okA := toFloat(a.Fields[d.orderBy])
	fb, okB := toFloat(b.Fields[d.orderBy])
	if !okA || !okB {
		return true
	}
	return fb-fa >= d.maxGap
}

func (d *Dispatcher) recordMessage(r record.Record) (*message, error) {
	merged := r.Merge(d.extra)
	key, err := record.Digest(merged)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return &message{key: key, body: body}, nil
}

// run drains produce into the sender with bounded concurrency. A nil
// message marks a skipped unit.
func (d *Dispatcher) run(ctx context.Context, total int, produce func(yield func(*message) bool) error) (Report, error) {
	rep := Report{Queue: d.queue, Total: total}

	var mu sync.Mutex
	completed := 0
	done := func(update func(*Report)) {
		mu.Lock()
		defer mu.Unlock()
		update(&rep)
		completed++
		if d.onProgress != nil {
			d.onProgress(Progress{Completed: completed, Total: total})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	err := produce(func(m *message) bool {
		if gctx.Err() != nil {
			return false
		}
		if m == nil {
			done(func(r *Report) { r.Skipped++ })
			return true
		}
		g.Go(func() error {
			accepted, err := retry.Do(gctx, d.policy, "send", func(ctx context.Context) (bool, error) {
				return d.sender.Send(ctx, d.queue, m.key, m.body)
			})
			if err != nil {
				return fmt.Errorf("send %s: %w", m.key, err)
			}
			done(func(r *Report) {
				if accepted {
					r.Sent++
				} else {
					r.Duplicates++
				}
			})
			return nil
		})
		return true
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err == nil {
		err = ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		d.logger.Warn("dispatch stopped", "queue", d.queue, "completed", completed, "total", total, "error", err)
		return rep, err
	}
	d.logger.Info("dispatch complete",
		"queue", d.queue,
		"sent", rep.Sent,
		"duplicates", rep.Duplicates,
		"skipped", rep.Skipped,
	)
	return rep, nil
}

func compareField(a, b any) int {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	switch {
	case okA && okB:
		return cmp.Compare(fa, fb)
	case okA:
		return -1
	case okB:
		return 1
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
