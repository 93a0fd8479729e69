package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/annosync/internal/record"
)

// OpKind is the mutation an Op performs.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpUpdate
	OpDelete
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of an Op.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Op is the handle for one local mutation. It is created by Create, Update
// or Delete and settles exactly once, as confirmed or failed.
//
// Applied is closed once the optimistic write is visible in the cache (or
// the op failed before it could be applied). Done is closed when the op
// settles.
type Op struct {
	Kind    OpKind
	LocalID string // id the caller used; a temporary id for creates
	Seq     int64  // acceptance order

	payload record.Fields

	attempts atomic.Int32

	applied     chan struct{}
	appliedOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once

	mu       sync.Mutex
	status   Status
	remoteID string
	result   record.Record
	err      error
}

func newOp(kind OpKind, localID string, payload record.Fields) *Op {
	return &Op{
		Kind:    kind,
		LocalID: localID,
		payload: payload,
		applied: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Applied is closed once the optimistic write is visible.
func (o *Op) Applied() <-chan struct{} { return o.applied }

// Done is closed once the op settled.
func (o *Op) Done() <-chan struct{} { return o.done }

// Wait blocks until the op settles or ctx is done. It returns the
// server-confirmed record (for deletes, the record as it was removed).
func (o *Op) Wait(ctx context.Context) (record.Record, error) {
	select {
	case <-ctx.Done():
		return record.Record{}, ctx.Err()
	case <-o.done:
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result, o.err
}

// Status returns the current state.
func (o *Op) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Err returns the failure, or nil while pending or once confirmed.
func (o *Op) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// RemoteID returns the server-assigned id once confirmed.
func (o *Op) RemoteID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.remoteID
}

// Attempts returns the number of remote attempts made so far.
func (o *Op) Attempts() int { return int(o.attempts.Load()) }

// Payload returns a copy of the fields or patch the op was created with.
func (o *Op) Payload() record.Fields { return o.payload.Clone() }

func (o *Op) markApplied() {
	o.appliedOnce.Do(func() { close(o.applied) })
}

func (o *Op) confirm(rec record.Record) {
	o.doneOnce.Do(func() {
		o.mu.Lock()
		o.status = StatusConfirmed
		o.remoteID = rec.ID
		o.result = rec
		o.mu.Unlock()
		o.markApplied()
		close(o.done)
	})
}

func (o *Op) fail(err error) {
	o.doneOnce.Do(func() {
		o.mu.Lock()
		o.status = StatusFailed
		o.err = err
		o.mu.Unlock()
		o.markApplied()
		close(o.done)
	})
}
