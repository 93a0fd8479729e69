package store

import (
	"context"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

// replayLimit bounds one backlog query when resuming a subscription.
const replayLimit = 10000

// Subscribe implements remote.Subscriber: changes to records selected by
// filter, from now on. The channel closes when ctx is done, when the store
// closes, or when the subscriber falls too far behind.
func (s *Store) Subscribe(ctx context.Context, filter record.Filter) (<-chan live.Event, error) {
	changes, err := s.Watch(ctx, filter, -1)
	if err != nil {
		return nil, err
	}
	out := make(chan live.Event)
	go func() {
		defer close(out)
		for c := range changes {
			select {
			case out <- c.Event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Watch streams changes selected by filter. With since >= 0 it first
// replays the recorded changes after since, then continues live without
// gaps or duplicates; with since < 0 it starts live.
func (s *Store) Watch(ctx context.Context, filter record.Filter, since int64) (<-chan Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, ok := s.feed.subscribe(filter)
	if !ok {
		return nil, remote.NewError(remote.KindNetwork, "subscribe", "store closed")
	}

	var backlog []Change
	if since >= 0 {
		all, err := s.Changes(ctx, since, replayLimit)
		if err != nil {
			s.feed.unsubscribe(sub)
			return nil, err
		}
		for _, c := range all {
			if sc, ok := c.Scoped(filter); ok {
				backlog = append(backlog, sc)
			}
		}
		if n := len(all); n > 0 {
			since = all[n-1].Seq
		}
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer s.feed.unsubscribe(sub)

		send := func(c Change) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, c := range backlog {
			if !send(c) {
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-sub.ch:
				if !ok {
					return
				}
				// Already delivered from the backlog.
				if c.Seq <= since {
					continue
				}
				if !send(c) {
					return
				}
			}
		}
	}()

	s.logger.Debug("subscriber attached", "filter", filter.String(), "since", since, "backlog", len(backlog))
	return out, nil
}
