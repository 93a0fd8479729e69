package engine

import (
	"github.com/roach88/annosync/internal/cache"
	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
)

// batch is one remote call: a create, a coalesced update, or a delete.
// Every op in a batch settles with the batch's outcome.
type batch struct {
	kind    OpKind
	id      string // target id; rewritten from temp to server id after create
	patch   record.Fields
	removed cache.Removed // delete only: where the record stood
	ops     []*Op
}

// lane serialises remote work for one record id. At most one batch is in
// flight; later batches wait in queue. Remote input for the id that
// arrives while the lane is busy is buffered and applied in arrival order
// once the lane drains.
type lane struct {
	id           string
	confirmed    record.Record // last server-confirmed value
	hasConfirmed bool
	left         *cache.Removed // where the record stood before it left the filter
	inflight     *batch
	queue        []*batch
	buffered     []live.Event
}

func (l *lane) idle() bool {
	return l.inflight == nil && len(l.queue) == 0
}

func (l *lane) push(b *batch) {
	l.queue = append(l.queue, b)
}

// pushUpdate queues op's patch, merging it into a queued update at the
// tail so consecutive updates become one remote call.
func (l *lane) pushUpdate(id string, op *Op) {
	if n := len(l.queue); n > 0 && l.queue[n-1].kind == OpUpdate {
		tail := l.queue[n-1]
		for k, v := range op.payload {
			tail.patch[k] = v
		}
		tail.ops = append(tail.ops, op)
		return
	}
	l.push(&batch{kind: OpUpdate, id: id, patch: op.payload.Clone(), ops: []*Op{op}})
}

// next moves the head of the queue in flight.
func (l *lane) next() *batch {
	if l.inflight != nil || len(l.queue) == 0 {
		return nil
	}
	b := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.inflight = b
	return b
}

// view returns rec with every queued update patch applied, which is what
// the cache should show while those updates are outstanding.
func (l *lane) view(rec record.Record) record.Record {
	for _, b := range l.queue {
		if b.kind == OpUpdate {
			rec = rec.Merge(b.patch)
		}
	}
	return rec
}

// queuedOps returns every op waiting in the queue (not the in-flight batch).
func (l *lane) queuedOps() []*Op {
	var out []*Op
	for _, b := range l.queue {
		out = append(out, b.ops...)
	}
	return out
}
