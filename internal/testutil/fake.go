package testutil

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

// Call is one recorded invocation of the fake.
type Call struct {
	Op     string // list, create, update, delete, subscribe
	ID     string
	Fields record.Fields
	Filter record.Filter
	Token  string
}

// Gate holds calls of one operation until released.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered receives once per call that reached the gate.
func (g *Gate) Entered() <-chan struct{} { return g.entered }

// Release lets every held and future call through.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// FakeCollection is an in-memory remote.Collection with scripted failures,
// gates and call recording. Server ids are "srv-1", "srv-2", ...
//
// Writes are not echoed to subscribers unless Echo is set; tests push
// events explicitly with Emit.
type FakeCollection struct {
	mu       sync.Mutex
	records  []record.Record
	nextID   int
	pageSize int
	echo     bool
	calls    []Call
	failures map[string][]error
	gates    map[string]*Gate
	subs     map[int]*fakeSub
	subSeq   int
}

type fakeSub struct {
	filter record.Filter
	ch     chan live.Event
	once   sync.Once
}

func (s *fakeSub) close() { s.once.Do(func() { close(s.ch) }) }

// NewFakeCollection creates a fake holding seed, in order.
func NewFakeCollection(seed ...record.Record) *FakeCollection {
	f := &FakeCollection{
		pageSize: 100,
		failures: make(map[string][]error),
		gates:    make(map[string]*Gate),
		subs:     make(map[int]*fakeSub),
	}
	for _, r := range seed {
		f.records = append(f.records, r.Clone())
	}
	return f
}

// SetPageSize sets the number of items per List page.
func (f *FakeCollection) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

// SetEcho makes every successful write emit the matching push event.
func (f *FakeCollection) SetEcho(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.echo = on
}

// FailNext makes the next len(errs) calls of op fail with errs, in order.
func (f *FakeCollection) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Gate holds every call of op until the returned gate is released.
func (f *FakeCollection) Gate(op string) *Gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &Gate{entered: make(chan struct{}, 64), release: make(chan struct{})}
	f.gates[op] = g
	return g
}

// Calls returns the recorded calls.
func (f *FakeCollection) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallCount returns how many times op was called.
func (f *FakeCollection) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Records returns the server-side state.
func (f *FakeCollection) Records() []record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]record.Record, len(f.records))
	for i, r := range f.records {
		out[i] = r.Clone()
	}
	return out
}

// Subscribers returns the number of open subscriptions.
func (f *FakeCollection) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Opened returns how many subscriptions were opened in total.
func (f *FakeCollection) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subSeq
}

// Emit delivers ev to every subscription whose filter matches the record.
// Deliveries to a full subscription buffer are dropped.
func (f *FakeCollection) Emit(ev live.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(ev)
}

func (f *FakeCollection) emitLocked(ev live.Event) {
	f.emitUpdateLocked(ev, nil)
}

// emitUpdateLocked delivers ev, and a delete of prev to subscribers whose
// filter prev matched but ev.Record no longer does.
func (f *FakeCollection) emitUpdateLocked(ev live.Event, prev *record.Record) {
	for _, s := range f.subs {
		out := ev
		if ev.Op != live.Deleted && !s.filter.Matches(ev.Record) {
			if prev == nil || !s.filter.Matches(*prev) {
				continue
			}
			out = live.Event{Op: live.Deleted, Record: prev.Clone()}
		}
		select {
		case s.ch <- out:
		default:
		}
	}
}

// CloseSubscriptions ends every open change stream, as a server dropping
// its clients would.
func (f *FakeCollection) CloseSubscriptions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.subs {
		delete(f.subs, key)
		s.close()
	}
}

// enter records the call, waits at the op's gate and pops a scripted
// failure.
func (f *FakeCollection) enter(ctx context.Context, c Call) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	g := f.gates[c.Op]
	f.mu.Unlock()

	if g != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.release:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.failures[c.Op]; len(errs) > 0 {
		f.failures[c.Op] = errs[1:]
		return errs[0]
	}
	return nil
}

// List implements remote.Lister. Tokens are offsets into the filtered
// records.
func (f *FakeCollection) List(ctx context.Context, filter record.Filter, token string) (remote.Page, error) {
	if err := f.enter(ctx, Call{Op: "list", Filter: filter, Token: token}); err != nil {
		return remote.Page{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	offset := 0
	if token != "" {
		n, err := strconv.Atoi(token)
		if err != nil || n < 0 {
			return remote.Page{}, remote.NewError(remote.KindValidation, "list", "bad token "+token)
		}
		offset = n
	}

	var matched []record.Record
	for _, r := range f.records {
		if filter.Matches(r) {
			matched = append(matched, r.Clone())
		}
	}
	end := min(offset+f.pageSize, len(matched))
	if offset > end {
		offset = end
	}
	page := remote.Page{Items: matched[offset:end]}
	if end < len(matched) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

// Create implements remote.Mutator.
func (f *FakeCollection) Create(ctx context.Context, fields record.Fields) (record.Record, error) {
	if err := f.enter(ctx, Call{Op: "create", Fields: fields.Clone()}); err != nil {
		return record.Record{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	r := record.New(fmt.Sprintf("srv-%d", f.nextID), fields)
	f.records = append(f.records, r)
	if f.echo {
		f.emitLocked(live.Event{Op: live.Created, Record: r.Clone()})
	}
	return r.Clone(), nil
}

// Update implements remote.Mutator.
func (f *FakeCollection) Update(ctx context.Context, id string, patch record.Fields) (record.Record, error) {
	if err := f.enter(ctx, Call{Op: "update", ID: id, Fields: patch.Clone()}); err != nil {
		return record.Record{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(id)
	if i < 0 {
		return record.Record{}, remote.NewError(remote.KindNotFound, "update", "no record "+id)
	}
	prev := f.records[i]
	f.records[i] = prev.Merge(patch)
	if f.echo {
		f.emitUpdateLocked(live.Event{Op: live.Updated, Record: f.records[i].Clone()}, &prev)
	}
	return f.records[i].Clone(), nil
}

// Delete implements remote.Mutator.
func (f *FakeCollection) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, Call{Op: "delete", ID: id}); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.index(id)
	if i < 0 {
		return remote.NewError(remote.KindNotFound, "delete", "no record "+id)
	}
	r := f.records[i]
	f.records = slices.Delete(f.records, i, i+1)
	if f.echo {
		f.emitLocked(live.Event{Op: live.Deleted, Record: r})
	}
	return nil
}

// Subscribe implements remote.Subscriber. The channel closes when ctx is
// done.
func (f *FakeCollection) Subscribe(ctx context.Context, filter record.Filter) (<-chan live.Event, error) {
	if err := f.enter(ctx, Call{Op: "subscribe", Filter: filter}); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.subSeq++
	key := f.subSeq
	s := &fakeSub{filter: filter, ch: make(chan live.Event, 256)}
	f.subs[key] = s
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, key)
		s.close()
		f.mu.Unlock()
	}()

	return s.ch, nil
}

func (f *FakeCollection) index(id string) int {
	return slices.IndexFunc(f.records, func(r record.Record) bool { return r.ID == id })
}

var _ remote.Collection = (*FakeCollection)(nil)
