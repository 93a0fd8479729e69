package store

import (
	"log/slog"
	"sync"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
)

// subscriberBuffer bounds how far a subscriber may lag before it is cut off.
const subscriberBuffer = 1024

// Change is one committed write as recorded in the change feed. Prev is
// the record an update replaced.
type Change struct {
	Seq   int64          `json:"seq"`
	Event live.Event     `json:"event"`
	Prev  *record.Record `json:"prev,omitempty"`
}

// Scoped returns c as seen by a subscriber selecting filter. An update
// that moves a record out of the filter is seen as a delete of the
// previous record.
func (c Change) Scoped(filter record.Filter) (Change, bool) {
	if filter.Matches(c.Event.Record) {
		return c, true
	}
	if c.Event.Op == live.Updated && c.Prev != nil && filter.Matches(*c.Prev) {
		return Change{Seq: c.Seq, Event: live.Event{Op: live.Deleted, Record: *c.Prev}}, true
	}
	return Change{}, false
}

type subscriber struct {
	filter record.Filter
	ch     chan Change
}

// feed fans committed changes out to live subscribers. A subscriber whose
// buffer is full is dropped and its channel closed; it can resume from the
// last seq it saw.
type feed struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	logger *slog.Logger
}

func newFeed(logger *slog.Logger) *feed {
	return &feed{subs: make(map[*subscriber]struct{}), logger: logger}
}

func (f *feed) subscribe(filter record.Filter) (*subscriber, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	s := &subscriber{filter: filter, ch: make(chan Change, subscriberBuffer)}
	f.subs[s] = struct{}{}
	return s, true
}

func (f *feed) unsubscribe(s *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(s)
}

func (f *feed) removeLocked(s *subscriber) {
	if _, ok := f.subs[s]; !ok {
		return
	}
	delete(f.subs, s)
	close(s.ch)
}

func (f *feed) publish(changes ...Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range changes {
		for s := range f.subs {
			sc, ok := c.Scoped(s.filter)
			if !ok {
				continue
			}
			select {
			case s.ch <- sc:
			default:
				f.logger.Warn("dropping slow subscriber", "filter", s.filter.String(), "seq", c.Seq)
				f.removeLocked(s)
			}
		}
	}
}

func (f *feed) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for s := range f.subs {
		f.removeLocked(s)
	}
}
