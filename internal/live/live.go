// Package live implements the live-update sink as a pure reducer over the
// cache, so push handling can be tested without a network channel.
package live

import (
	"fmt"

	"github.com/roach88/annosync/internal/cache"
	"github.com/roach88/annosync/internal/record"
)

// Op is the kind of change a push event reports.
type Op string

const (
	Created Op = "Created"
	Updated Op = "Updated"
	Deleted Op = "Deleted"
)

// Valid reports whether op is a known change kind.
func (op Op) Valid() bool {
	switch op {
	case Created, Updated, Deleted:
		return true
	}
	return false
}

// Event is one change notification from the push channel.
type Event struct {
	Op     Op            `json:"op"`
	Record record.Record `json:"record"`
}

// String implements fmt.Stringer.
func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Op, e.Record.ID)
}

// Reduce applies ev to c and reports whether the cache changed.
//
// Created and Updated upsert by id; an Updated for an unknown id is treated
// as Created. Deleted removes the id when present and is otherwise a no-op.
// A redelivered event identical to the cached record changes nothing.
func Reduce(c *cache.Cache, ev Event) bool {
	switch ev.Op {
	case Created, Updated:
		if cur, ok := c.Get(ev.Record.ID); ok && record.Equal(cur, ev.Record) {
			return false
		}
		c.Upsert(ev.Record)
		return true
	case Deleted:
		_, ok := c.Remove(ev.Record.ID)
		return ok
	default:
		return false
	}
}
