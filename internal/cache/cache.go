// Package cache implements the ordered, id-keyed mirror of a remote
// collection.
//
// INVARIANTS:
//   - At most one entry per id.
//   - Entries are replaced whole; a record is never partially written.
//   - Order is insertion order; Replace keeps the replaced entry's position,
//     including when the id itself changes.
//
// Cache is not safe for concurrent use. The engine's loop goroutine is its
// only writer.
package cache

import (
	"slices"

	"github.com/roach88/annosync/internal/record"
)

// Cache is an ordered map from id to record.
type Cache struct {
	order   []string
	entries map[string]record.Record
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]record.Record)}
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.order)
}

// Has reports whether id is present.
func (c *Cache) Has(id string) bool {
	_, ok := c.entries[id]
	return ok
}

// Get returns the record for id.
func (c *Cache) Get(id string) (record.Record, bool) {
	r, ok := c.entries[id]
	return r, ok
}

// Index returns the position of id, or -1.
func (c *Cache) Index(id string) int {
	if !c.Has(id) {
		return -1
	}
	return slices.Index(c.order, id)
}

// Upsert overwrites the entry with the same id in place, or appends the
// record when the id is unseen. Returns true when the record was appended.
func (c *Cache) Upsert(r record.Record) bool {
	if _, ok := c.entries[r.ID]; ok {
		c.entries[r.ID] = r
		return false
	}
	c.order = append(c.order, r.ID)
	c.entries[r.ID] = r
	return true
}

// Replace swaps the entry for oldID with r at the same position. r.ID may
// differ from oldID (temporary id to server id); when r.ID is already
// present elsewhere that other entry is dropped, so exactly one entry for
// r.ID remains. Returns false when oldID is absent.
func (c *Cache) Replace(oldID string, r record.Record) bool {
	if _, ok := c.entries[oldID]; !ok {
		return false
	}
	if oldID == r.ID {
		c.entries[oldID] = r
		return true
	}

	if _, dup := c.entries[r.ID]; dup {
		c.order = slices.DeleteFunc(c.order, func(id string) bool { return id == r.ID })
		delete(c.entries, r.ID)
	}

	i := slices.Index(c.order, oldID)
	c.order[i] = r.ID
	delete(c.entries, oldID)
	c.entries[r.ID] = r
	return true
}

// Removed describes where an entry was before Remove took it out.
type Removed struct {
	Record record.Record
	Index  int
	PrevID string // id of the preceding entry, "" when first
}

// Remove deletes id and reports its former position.
func (c *Cache) Remove(id string) (Removed, bool) {
	r, ok := c.entries[id]
	if !ok {
		return Removed{}, false
	}
	i := slices.Index(c.order, id)
	prev := ""
	if i > 0 {
		prev = c.order[i-1]
	}
	c.order = slices.Delete(c.order, i, i+1)
	delete(c.entries, id)
	return Removed{Record: r, Index: i, PrevID: prev}, true
}

// Restore reinserts a removed record at its former position: directly
// after PrevID when that entry still exists, otherwise at the old index
// clamped to the current length. It is a no-op when the id is present.
func (c *Cache) Restore(rm Removed) bool {
	id := rm.Record.ID
	if c.Has(id) {
		return false
	}

	at := min(rm.Index, len(c.order))
	if rm.PrevID == "" {
		at = 0
	} else if p := slices.Index(c.order, rm.PrevID); p >= 0 {
		at = p + 1
	}

	c.order = slices.Insert(c.order, at, id)
	c.entries[id] = rm.Record
	return true
}

// Records returns the entries in order. The slice is a copy; the records
// share field maps with the cache and must not be modified.
func (c *Cache) Records() []record.Record {
	out := make([]record.Record, len(c.order))
	for i, id := range c.order {
		out[i] = c.entries[id]
	}
	return out
}

// IDs returns the ids in order.
func (c *Cache) IDs() []string {
	return slices.Clone(c.order)
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.order = nil
	c.entries = make(map[string]record.Record)
}
