// Package fetch drives a paginated list operation until the collection is
// fully materialised.
//
// Each page goes through the retry primitive. A failure on any page aborts
// the cycle and leaves the pages already emitted in place; the caller may
// retry the whole cycle later. Two guards bound a cycle: a continuation
// token that repeats aborts with CursorLoopError, and an optional page
// quota aborts with PagesExceededError.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/annosync/internal/cache"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/retry"
)

// Cursor tracks pagination progress for one filter.
type Cursor struct {
	Token     string `json:"token,omitempty"`
	Exhausted bool   `json:"exhausted"`
	Pages     int    `json:"pages"`
}

// ErrAborted is returned when the emit callback refused a page.
var ErrAborted = errors.New("fetch aborted by consumer")

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithRetryPolicy sets the policy each page request runs under.
func WithRetryPolicy(p retry.Policy) Option {
	return func(f *Fetcher) {
		f.policy = p
	}
}

// WithMaxPages bounds the number of pages per cycle. Zero means unbounded.
func WithMaxPages(n int) Option {
	return func(f *Fetcher) {
		f.maxPages = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// Fetcher pages through a Lister.
type Fetcher struct {
	list     remote.Lister
	policy   retry.Policy
	maxPages int
	logger   *slog.Logger
}

// New creates a Fetcher over list.
func New(list remote.Lister, opts ...Option) *Fetcher {
	f := &Fetcher{
		list:   list,
		policy: retry.DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run fetches every page for filter, calling emit with each page and the
// cursor after it. emit returning false aborts the cycle with ErrAborted.
// The returned cursor reflects the last page emitted.
func (f *Fetcher) Run(ctx context.Context, filter record.Filter, emit func(remote.Page, Cursor) bool) (Cursor, error) {
	var cur Cursor
	seen := make(map[string]struct{})

	for {
		if f.maxPages > 0 && cur.Pages >= f.maxPages {
			return cur, &PagesExceededError{Filter: filter.Key(), Pages: cur.Pages, Limit: f.maxPages}
		}

		token := cur.Token
		page, err := retry.Do(ctx, f.policy, "list", func(ctx context.Context) (remote.Page, error) {
			return f.list.List(ctx, filter, token)
		})
		if err != nil {
			f.logger.Warn("fetch page failed",
				"filter", filter.String(),
				"page", cur.Pages+1,
				"error", err,
			)
			return cur, fmt.Errorf("fetch page %d: %w", cur.Pages+1, err)
		}

		cur.Pages++
		cur.Token = page.NextToken
		cur.Exhausted = page.NextToken == ""

		if !emit(page, cur) {
			return cur, ErrAborted
		}

		f.logger.Debug("fetched page",
			"filter", filter.String(),
			"page", cur.Pages,
			"items", len(page.Items),
			"exhausted", cur.Exhausted,
		)

		if cur.Exhausted {
			return cur, nil
		}
		if _, dup := seen[page.NextToken]; dup {
			return cur, &CursorLoopError{Filter: filter.Key(), Token: page.NextToken}
		}
		seen[page.NextToken] = struct{}{}
	}
}

// Collect materialises the whole collection selected by filter. Records are
// merged by id: a repeated id overwrites the earlier one in place, unseen
// ids are appended.
func Collect(ctx context.Context, list remote.Lister, filter record.Filter, opts ...Option) ([]record.Record, Cursor, error) {
	c := cache.New()
	cur, err := New(list, opts...).Run(ctx, filter, func(p remote.Page, _ Cursor) bool {
		for _, r := range p.Items {
			c.Upsert(r)
		}
		return true
	})
	return c.Records(), cur, err
}

// CursorLoopError is returned when the store hands back a continuation
// token it already returned in the same cycle.
type CursorLoopError struct {
	Filter string
	Token  string
}

// Error implements the error interface.
func (e *CursorLoopError) Error() string {
	return fmt.Sprintf("fetch %q: continuation token %q repeated", e.Filter, e.Token)
}

// PagesExceededError is returned when a cycle hits the page quota.
type PagesExceededError struct {
	Filter string
	Pages  int
	Limit  int
}

// Error implements the error interface.
func (e *PagesExceededError) Error() string {
	return fmt.Sprintf("fetch %q exceeded page quota: %d pages >= %d limit", e.Filter, e.Pages, e.Limit)
}

// IsCursorLoop reports whether err is a CursorLoopError.
func IsCursorLoop(err error) bool {
	var ce *CursorLoopError
	return errors.As(err, &ce)
}

// IsPagesExceeded reports whether err is a PagesExceededError.
func IsPagesExceeded(err error) bool {
	var pe *PagesExceededError
	return errors.As(err, &pe)
}
