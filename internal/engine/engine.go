package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/annosync/internal/cache"
	"github.com/roach88/annosync/internal/fetch"
	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/retry"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("engine already running")

// Engine mirrors one filtered remote collection into a local cache and
// applies local mutations to it optimistically.
//
// All cache mutations happen in the single-writer Run loop goroutine.
// Create, Update, Delete, Bind and Refresh enqueue a command and return
// immediately; remote calls run on their own goroutines and re-enqueue
// their outcome.
//
// Thread-safety model:
//   - Create/Update/Delete/Bind/Refresh/Stop: safe from any goroutine
//   - Snapshot/Get/Cursor/Filter/Version/FetchErr: safe from any goroutine
//   - Run: must be called from exactly one goroutine, once
type Engine struct {
	coll     remote.Collection
	ids      IDGenerator
	observer Observer
	logger   *slog.Logger
	maxPages int
	clock    *Clock
	queue    *eventQueue
	running  atomic.Bool

	policyMu sync.RWMutex
	policy   retry.Policy

	// remote goroutines
	wg sync.WaitGroup

	// mu guards everything below. The Run loop holds it for writing while
	// it processes an event; readers take it for reading.
	mu          sync.RWMutex
	cache       *cache.Cache
	filter      record.Filter
	bound       bool
	gen         uint64
	cursor      fetch.Cursor
	fetchErr    error
	version     uint64
	notified    uint64
	lanes       map[string]*lane
	aliases     map[string]string // temp id -> server id
	tombstones  map[string]struct{}
	dirty       []string
	dirtySet    map[string]struct{}
	notices     []Notice
	runCtx      context.Context
	cancelCycle context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets the policy remote calls run under.
// Default: retry.DefaultPolicy().
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithIDGenerator sets the temporary id source. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithObserver sets the notice observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMaxPages bounds each fetch cycle. Zero means unbounded.
func WithMaxPages(n int) Option {
	return func(e *Engine) {
		e.maxPages = n
	}
}

// WithClock sets the clock that stamps accepted commands.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates an Engine over coll. The engine is unbound until Bind is
// called; local writes are accepted either way.
func New(coll remote.Collection, opts ...Option) *Engine {
	e := &Engine{
		coll:       coll,
		ids:        UUIDv7Generator{},
		observer:   nopObserver{},
		logger:     slog.Default(),
		clock:      NewClock(),
		queue:      newEventQueue(),
		policy:     retry.DefaultPolicy(),
		cache:      cache.New(),
		lanes:      make(map[string]*lane),
		aliases:    make(map[string]string),
		tombstones: make(map[string]struct{}),
		dirtySet:   make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Create inserts fields under a temporary id and sends them to the remote
// store. The returned op's LocalID is the temporary id; once confirmed,
// RemoteID is the server id and the cache entry carries it.
func (e *Engine) Create(fields record.Fields) *Op {
	payload := fields.Clone()
	delete(payload, record.IDField)
	op := newOp(OpCreate, e.ids.Generate(), payload)
	e.submit(event{typ: evCreate, op: op})
	return op
}

// Update merges r.Fields into the cached record r.ID and sends the patch.
// A temporary id is accepted and resolves to the server id once known.
func (e *Engine) Update(r record.Record) *Op {
	op := newOp(OpUpdate, r.ID, r.Fields.Clone())
	e.submit(event{typ: evUpdate, op: op})
	return op
}

// Delete removes the cached record id and sends the delete.
func (e *Engine) Delete(id string) *Op {
	op := newOp(OpDelete, id, nil)
	e.submit(event{typ: evDelete, op: op})
	return op
}

func (e *Engine) submit(ev event) {
	ev.op.Seq = e.clock.Next()
	if !e.queue.Enqueue(ev) {
		ev.op.fail(newError(ErrCodeStopped, ev.op.LocalID, "engine stopped", nil))
	}
}

// Bind activates filter. Binding the active filter again is a no-op; a new
// filter discards the cache and starts a fresh subscribe and fetch cycle.
// Returns false if the engine has been stopped.
func (e *Engine) Bind(filter record.Filter) bool {
	return e.queue.Enqueue(event{typ: evBind, filter: maps.Clone(filter)})
}

// Refresh restarts the cycle for the active filter, as a rebind would.
// It does nothing while unbound.
func (e *Engine) Refresh() bool {
	return e.queue.Enqueue(event{typ: evRefresh})
}

// Sync waits until the Run loop has processed every event enqueued before
// the call and delivered their notices to the observer. Outcomes of remote
// calls still in flight are not waited for.
func (e *Engine) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(event{typ: evSync, done: done}) {
		return newError(ErrCodeStopped, "", "engine stopped", nil)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRetryPolicy replaces the policy for remote calls started from now on.
func (e *Engine) SetRetryPolicy(p retry.Policy) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	e.policy = p
}

func (e *Engine) retryPolicy() retry.Policy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy
}

// Run starts the single-writer event loop. It blocks until ctx is
// cancelled or Stop is called, then fails every unsettled op with STOPPED
// (or the cancellation error of its in-flight call) and waits for remote
// goroutines to exit.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	e.logger.Info("engine starting")

	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.runCtx = loopCtx
	e.mu.Unlock()

	defer func() {
		cancel()
		e.shutdown()
	}()

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			e.step(ev)
			continue
		}

		// Queue drained: end of turn.
		e.endTurn()

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop shuts the engine down. Run returns once queued events are drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) shutdown() {
	e.queue.Close()

	e.mu.Lock()
	if e.cancelCycle != nil {
		e.cancelCycle()
	}
	for _, l := range e.lanes {
		failAll(l.queuedOps(), newError(ErrCodeStopped, l.id, "engine stopped before dispatch", nil))
	}
	e.mu.Unlock()

	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		switch ev.typ {
		case evCreate, evUpdate, evDelete:
			ev.op.fail(newError(ErrCodeStopped, ev.op.LocalID, "engine stopped", nil))
		case evSettled:
			settleDetached(ev.batch, ev.result, ev.err)
		case evSync:
			close(ev.done)
		}
	}

	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// step processes one event under the write lock and emits its notices.
func (e *Engine) step(ev event) {
	e.mu.Lock()
	e.process(ev)
	notices := e.takeNotices()
	e.mu.Unlock()
	e.emit(notices)
}

// endTurn dispatches the mutations queued during the turn and reports the
// turn's net change.
func (e *Engine) endTurn() {
	e.mu.Lock()
	e.dispatch()
	if e.version != e.notified {
		e.notified = e.version
		e.note(Notice{Type: NoticeChanged, Gen: e.gen, Version: e.version, Size: e.cache.Len()})
	}
	notices := e.takeNotices()
	e.mu.Unlock()
	e.emit(notices)
}

func (e *Engine) process(ev event) {
	switch ev.typ {
	case evCreate:
		e.applyCreate(ev.op)
	case evUpdate:
		e.applyUpdate(ev.op)
	case evDelete:
		e.applyDelete(ev.op)
	case evBind:
		e.bind(ev.filter, false)
	case evRefresh:
		if e.bound {
			e.bind(e.filter, true)
		}
	case evSettled:
		e.settle(ev)
	case evAttempt:
		e.note(Notice{
			Type:    NoticeAttempt,
			Gen:     ev.gen,
			Kind:    ev.kind,
			Name:    ev.attempt.Name,
			ID:      ev.id,
			Attempt: ev.attempt.Number,
			Err:     ev.attempt.Err,
		})
	case evPush:
		if e.isStale(ev) {
			return
		}
		e.ingest(ev.push)
	case evPage:
		if e.isStale(ev) {
			return
		}
		for _, item := range ev.page.Items {
			e.ingest(live.Event{Op: live.Updated, Record: item})
		}
		e.cursor = ev.cursor
		e.note(Notice{Type: NoticePage, Gen: ev.gen, Items: len(ev.page.Items), Pages: ev.cursor.Pages})
	case evFetchDone:
		if e.isStale(ev) {
			return
		}
		e.cursor = ev.cursor
		e.fetchErr = ev.err
		if ev.err != nil {
			e.logger.Warn("fetch cycle failed", "filter", e.filter.String(), "pages", ev.cursor.Pages, "error", ev.err)
			e.note(Notice{Type: NoticeFetchFailed, Gen: ev.gen, Pages: ev.cursor.Pages, Err: ev.err})
			return
		}
		e.logger.Debug("fetch cycle complete", "filter", e.filter.String(), "pages", ev.cursor.Pages, "size", e.cache.Len())
		e.note(Notice{Type: NoticeFetched, Gen: ev.gen, Pages: ev.cursor.Pages, Size: e.cache.Len()})
	case evSync:
		close(ev.done)
	case evSubscribeFailed:
		if e.isStale(ev) {
			return
		}
		e.logger.Warn("subscribe failed", "filter", e.filter.String(), "error", ev.err)
		e.note(Notice{Type: NoticeSubscribeFailed, Gen: ev.gen, Err: ev.err})
	default:
		e.logger.Error("unknown event type", "type", ev.typ)
	}
}

func (e *Engine) isStale(ev event) bool {
	if ev.gen == e.gen {
		return false
	}
	e.logger.Debug("discarding stale event", "type", ev.typ, "gen", ev.gen, "current", e.gen)
	e.note(Notice{Type: NoticeStale, Gen: ev.gen})
	return true
}

// --- local writes ---

func (e *Engine) applyCreate(op *Op) {
	id := op.LocalID
	e.cache.Upsert(record.New(id, op.payload))
	e.touch()

	l := &lane{id: id}
	e.lanes[id] = l
	l.push(&batch{kind: OpCreate, id: id, patch: op.payload.Clone(), ops: []*Op{op}})
	e.markDirty(id)
	op.markApplied()

	e.logger.Debug("create applied", "id", id, "seq", op.Seq)
}

func (e *Engine) applyUpdate(op *Op) {
	id := e.resolve(op.LocalID)
	cur, ok := e.cache.Get(id)
	if !ok {
		e.reject(op, newError(ErrCodeNotFound, op.LocalID, "record not in cache", nil))
		return
	}

	l := e.laneFor(id, cur)
	if next := cur.Merge(op.payload); e.filter.Matches(next) {
		e.cache.Replace(id, next)
	} else {
		// The record no longer belongs to the bound collection. Keep its
		// position so a failed update can put it back.
		rm, _ := e.cache.Remove(id)
		l.left = &rm
		e.logger.Debug("update moved record out of filter", "id", id, "filter", e.filter.String())
	}
	e.touch()
	l.pushUpdate(id, op)
	e.markDirty(id)
	op.markApplied()

	e.logger.Debug("update applied", "id", id, "seq", op.Seq)
}

func (e *Engine) applyDelete(op *Op) {
	id := e.resolve(op.LocalID)
	cur, ok := e.cache.Get(id)
	if !ok {
		e.reject(op, newError(ErrCodeNotFound, op.LocalID, "record not in cache", nil))
		return
	}

	l := e.laneFor(id, cur)
	rm, _ := e.cache.Remove(id)
	e.touch()
	l.push(&batch{kind: OpDelete, id: id, removed: rm, ops: []*Op{op}})
	e.markDirty(id)
	op.markApplied()

	e.logger.Debug("delete applied", "id", id, "seq", op.Seq)
}

func (e *Engine) reject(op *Op, err error) {
	op.fail(err)
	e.note(Notice{Type: NoticeRejected, Kind: op.Kind, ID: op.LocalID, Err: err})
}

// laneFor returns the lane for id, creating one whose confirmed value is
// cur. Without a lane there is no outstanding work on id, so the cached
// value is the server's.
func (e *Engine) laneFor(id string, cur record.Record) *lane {
	if l, ok := e.lanes[id]; ok {
		return l
	}
	l := &lane{id: id, confirmed: cur, hasConfirmed: true}
	e.lanes[id] = l
	return l
}

func (e *Engine) resolve(id string) string {
	if srv, ok := e.aliases[id]; ok {
		return srv
	}
	return id
}

func (e *Engine) markDirty(id string) {
	if _, ok := e.dirtySet[id]; ok {
		return
	}
	e.dirtySet[id] = struct{}{}
	e.dirty = append(e.dirty, id)
}

// --- remote calls ---

// dispatch starts the head batch of every lane touched this turn that has
// nothing in flight.
func (e *Engine) dispatch() {
	for _, id := range e.dirty {
		l := e.lanes[id]
		if l == nil {
			continue
		}
		if b := l.next(); b != nil {
			e.launch(b)
		}
	}
	e.dirty = e.dirty[:0]
	clear(e.dirtySet)
}

func (e *Engine) launch(b *batch) {
	gen := e.gen
	ctx := e.runCtx
	kind, id, patch, removed := b.kind, b.id, b.patch, b.removed.Record
	ops := slices.Clone(b.ops)

	policy := e.retryPolicy().WithObserver(func(a retry.Attempt) {
		for _, op := range ops {
			op.attempts.Store(int32(a.Number))
		}
		if a.Err != nil {
			e.queue.Enqueue(event{typ: evAttempt, gen: gen, kind: kind, id: id, attempt: a})
		}
	})

	e.logger.Debug("dispatching", "kind", kind, "id", id, "ops", len(ops))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		var rec record.Record
		var err error
		switch kind {
		case OpCreate:
			rec, err = retry.Do(ctx, policy, "create", func(ctx context.Context) (record.Record, error) {
				return e.coll.Create(ctx, patch)
			})
		case OpUpdate:
			rec, err = retry.Do(ctx, policy, "update", func(ctx context.Context) (record.Record, error) {
				return e.coll.Update(ctx, id, patch)
			})
		case OpDelete:
			_, err = retry.Do(ctx, policy, "delete", func(ctx context.Context) (struct{}, error) {
				return struct{}{}, e.coll.Delete(ctx, id)
			})
			// Already gone remotely: the delete's intent holds.
			if remote.IsKind(err, remote.KindNotFound) {
				err = nil
			}
			rec = removed
		}

		if !e.queue.Enqueue(event{typ: evSettled, gen: gen, batch: b, result: rec, err: err}) {
			settleDetached(b, rec, err)
		}
	}()
}

// settleDetached resolves a batch whose outcome no longer applies to the
// cache: the filter changed or the engine stopped while it was in flight.
func settleDetached(b *batch, rec record.Record, err error) {
	if err != nil {
		failAll(b.ops, err)
		return
	}
	confirmAll(b.ops, rec)
}

func failAll(ops []*Op, err error) {
	for _, op := range ops {
		op.fail(err)
	}
}

func confirmAll(ops []*Op, rec record.Record) {
	for _, op := range ops {
		op.confirm(rec)
	}
}

// --- reconciliation ---

func (e *Engine) settle(ev event) {
	b := ev.batch
	l := e.lanes[b.id]
	if ev.gen != e.gen || l == nil || l.inflight != b {
		settleDetached(b, ev.result, ev.err)
		e.logger.Debug("settled after filter change", "kind", b.kind, "id", b.id, "gen", ev.gen)
		e.note(Notice{Type: NoticeStale, Gen: ev.gen, Kind: b.kind, ID: b.id})
		return
	}
	l.inflight = nil

	if ev.err != nil {
		e.logger.Warn("remote write failed", "kind", b.kind, "id", b.id, "error", ev.err)
	}

	switch b.kind {
	case OpCreate:
		l = e.settleCreate(l, b, ev.result, ev.err)
	case OpUpdate:
		e.settleUpdate(l, b, ev.result, ev.err)
	case OpDelete:
		e.settleDelete(l, b, ev.err)
	}
	e.afterSettle(l)
}

// settleCreate swaps the temporary entry for the server record. It returns
// the lane now responsible for the record, or nil when the lane is gone.
func (e *Engine) settleCreate(l *lane, b *batch, srv record.Record, err error) *lane {
	tmp := b.id
	if err == nil && srv.ID == "" {
		err = remote.NewError(remote.KindUnknown, "create", "server returned a record without id")
	}

	if err != nil {
		if _, ok := e.cache.Remove(tmp); ok {
			e.touch()
		}
		failAll(b.ops, err)
		for _, q := range l.queue {
			switch q.kind {
			case OpUpdate:
				failAll(q.ops, newError(ErrCodeCreateFailed, tmp, "record was never created", err))
			case OpDelete:
				// Nothing exists remotely, so there is nothing to delete.
				confirmAll(q.ops, q.removed.Record)
			}
		}
		l.queue = nil
		delete(e.lanes, tmp)
		e.note(Notice{Type: NoticeFailed, Kind: OpCreate, ID: tmp, Err: err})
		return nil
	}

	if e.cache.Replace(tmp, l.view(srv)) {
		e.touch()
	}
	e.aliases[tmp] = srv.ID
	delete(e.lanes, tmp)

	l.id = srv.ID
	l.confirmed = srv
	l.hasConfirmed = true
	for _, q := range l.queue {
		q.id = srv.ID
	}

	if other, ok := e.lanes[srv.ID]; ok {
		// The record was already known under its server id, through a push
		// that beat the create response, and has work of its own.
		other.queue = append(other.queue, l.queue...)
		other.buffered = append(other.buffered, l.buffered...)
		l = other
	} else {
		e.lanes[srv.ID] = l
	}
	e.refreshRemoved(l)

	confirmAll(b.ops, srv)
	e.logger.Debug("create confirmed", "tmp", tmp, "id", srv.ID)
	e.note(Notice{Type: NoticeConfirmed, Kind: OpCreate, ID: srv.ID, LocalID: tmp})
	return l
}

func (e *Engine) settleUpdate(l *lane, b *batch, srv record.Record, err error) {
	if err != nil {
		failAll(b.ops, err)
		kept := l.queue[:0]
		for _, q := range l.queue {
			if q.kind == OpUpdate {
				failAll(q.ops, newError(ErrCodeSuperseded, b.id, "earlier update failed", err))
				continue
			}
			kept = append(kept, q)
		}
		l.queue = kept
		if l.hasConfirmed {
			e.place(l, b.id, l.confirmed)
		}
		e.refreshRemoved(l)
		e.note(Notice{Type: NoticeFailed, Kind: OpUpdate, ID: b.id, Err: err})
		return
	}

	srv.ID = b.id
	l.confirmed = srv
	l.hasConfirmed = true
	e.place(l, b.id, l.view(srv))
	e.refreshRemoved(l)

	confirmAll(b.ops, srv)
	e.note(Notice{Type: NoticeConfirmed, Kind: OpUpdate, ID: b.id, LocalID: firstLocalID(b.ops)})
}

func (e *Engine) settleDelete(l *lane, b *batch, err error) {
	if err != nil {
		rm := b.removed
		rm.PrevID = e.resolve(rm.PrevID)
		if e.cache.Restore(rm) {
			e.touch()
		}
		failAll(b.ops, err)
		e.note(Notice{Type: NoticeFailed, Kind: OpDelete, ID: b.id, Err: err})
		return
	}

	e.tombstones[b.id] = struct{}{}
	if _, ok := e.cache.Remove(b.id); ok {
		e.touch()
	}
	l.hasConfirmed = false

	confirmAll(b.ops, b.removed.Record)
	e.note(Notice{Type: NoticeConfirmed, Kind: OpDelete, ID: b.id, LocalID: firstLocalID(b.ops)})
}

// place shows v as the cached value of id. A value outside the bound
// filter takes the entry out; a value back inside it restores an entry a
// local update moved out.
func (e *Engine) place(l *lane, id string, v record.Record) {
	cur, ok := e.cache.Get(id)
	switch {
	case ok && !e.filter.Matches(v):
		rm, _ := e.cache.Remove(id)
		l.left = &rm
		e.touch()
	case ok:
		if !record.Equal(cur, v) {
			e.cache.Replace(id, v)
			e.touch()
		}
	case l.left != nil && e.filter.Matches(v):
		rm := *l.left
		rm.Record = v
		rm.PrevID = e.resolve(rm.PrevID)
		l.left = nil
		if e.cache.Restore(rm) {
			e.touch()
		}
	}
}

// refreshRemoved points queued deletes at the value a rollback should
// restore: the confirmed record plus any updates queued ahead of them.
func (e *Engine) refreshRemoved(l *lane) {
	if !l.hasConfirmed {
		return
	}
	v := l.confirmed
	for _, q := range l.queue {
		switch q.kind {
		case OpUpdate:
			v = v.Merge(q.patch)
		case OpDelete:
			q.removed.Record = v
		}
	}
}

// afterSettle schedules the lane's next batch, or retires the lane and
// replays what was buffered while it was busy.
func (e *Engine) afterSettle(l *lane) {
	if l == nil || e.lanes[l.id] != l {
		return
	}
	if len(l.queue) > 0 {
		e.markDirty(l.id)
		return
	}
	if !l.idle() {
		return
	}
	delete(e.lanes, l.id)
	for _, ev := range l.buffered {
		e.ingest(ev)
	}
}

// ingest applies one remote change (push event or fetched item).
func (e *Engine) ingest(ev live.Event) {
	id := ev.Record.ID
	if id == "" || !ev.Op.Valid() {
		e.logger.Warn("dropping malformed remote event", "event", ev.String())
		return
	}
	if _, dead := e.tombstones[id]; dead && ev.Op != live.Deleted {
		e.note(Notice{Type: NoticeIgnored, ID: id, Event: ev.String()})
		return
	}
	if ev.Op != live.Deleted && !e.filter.Matches(ev.Record) {
		ev.Op = live.Deleted
	}
	if l, busy := e.lanes[id]; busy {
		l.buffered = append(l.buffered, ev)
		e.note(Notice{Type: NoticeBuffered, ID: id, Event: ev.String()})
		return
	}
	if live.Reduce(e.cache, ev) {
		e.touch()
	}
}

// --- binder ---

func (e *Engine) bind(filter record.Filter, force bool) {
	if e.bound && !force && filter.Key() == e.filter.Key() {
		e.logger.Debug("bind: filter unchanged", "filter", filter.String())
		return
	}

	if e.cancelCycle != nil {
		e.cancelCycle()
	}
	e.gen++

	// Mutations still waiting for their turn target the discarded cache.
	// Those already in flight resolve through the stale path.
	for _, l := range e.lanes {
		failAll(l.queuedOps(), newError(ErrCodeFilterChanged, l.id, "filter changed before dispatch", nil))
	}
	e.lanes = make(map[string]*lane)
	e.aliases = make(map[string]string)
	e.tombstones = make(map[string]struct{})
	e.dirty = e.dirty[:0]
	clear(e.dirtySet)

	if e.cache.Len() > 0 {
		e.cache.Clear()
		e.touch()
	}
	e.cursor = fetch.Cursor{}
	e.fetchErr = nil
	e.filter = filter
	e.bound = true

	ctx, cancel := context.WithCancel(e.runCtx)
	e.cancelCycle = cancel
	e.startCycle(ctx, e.gen, filter)

	e.logger.Info("filter bound", "filter", filter.String(), "gen", e.gen)
	e.note(Notice{Type: NoticeBound, Gen: e.gen, Filter: filter.String()})
}

func (e *Engine) startCycle(ctx context.Context, gen uint64, filter record.Filter) {
	policy := e.retryPolicy().WithObserver(func(a retry.Attempt) {
		if a.Err != nil {
			e.queue.Enqueue(event{typ: evAttempt, gen: gen, attempt: a})
		}
	})

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.subscribe(ctx, gen, filter, policy)
	}()
	go func() {
		defer e.wg.Done()
		e.fetchAll(ctx, gen, filter, policy)
	}()
}

func (e *Engine) subscribe(ctx context.Context, gen uint64, filter record.Filter, policy retry.Policy) {
	ch, err := retry.Do(ctx, policy, "subscribe", func(ctx context.Context) (<-chan live.Event, error) {
		return e.coll.Subscribe(ctx, filter)
	})
	if err != nil {
		if ctx.Err() == nil {
			e.queue.Enqueue(event{typ: evSubscribeFailed, gen: gen, err: err})
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					e.queue.Enqueue(event{typ: evSubscribeFailed, gen: gen,
						err: remote.NewError(remote.KindNetwork, "subscribe", "change stream closed")})
				}
				return
			}
			if !e.queue.Enqueue(event{typ: evPush, gen: gen, push: ev}) {
				return
			}
		}
	}
}

func (e *Engine) fetchAll(ctx context.Context, gen uint64, filter record.Filter, policy retry.Policy) {
	f := fetch.New(e.coll,
		fetch.WithRetryPolicy(policy),
		fetch.WithMaxPages(e.maxPages),
		fetch.WithLogger(e.logger),
	)
	cur, err := f.Run(ctx, filter, func(p remote.Page, c fetch.Cursor) bool {
		return ctx.Err() == nil && e.queue.Enqueue(event{typ: evPage, gen: gen, page: p, cursor: c})
	})
	if errors.Is(err, fetch.ErrAborted) || ctx.Err() != nil {
		return
	}
	e.queue.Enqueue(event{typ: evFetchDone, gen: gen, cursor: cur, err: err})
}

// --- notices ---

func (e *Engine) touch() {
	e.version++
}

func (e *Engine) note(n Notice) {
	e.notices = append(e.notices, n)
}

func (e *Engine) takeNotices() []Notice {
	n := e.notices
	e.notices = nil
	return n
}

func (e *Engine) emit(notices []Notice) {
	for _, n := range notices {
		e.observer.Observe(n)
	}
}

func firstLocalID(ops []*Op) string {
	if len(ops) == 0 {
		return ""
	}
	return ops[0].LocalID
}

// --- reads ---

// Snapshot returns the cached records in order. The records share field
// maps with the cache and must not be modified.
func (e *Engine) Snapshot() []record.Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache.Records()
}

// Get returns the cached record for id. A temporary id of a confirmed
// create resolves to the server record.
func (e *Engine) Get(id string) (record.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache.Get(e.resolve(id))
}

// Len returns the number of cached records.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cache.Len()
}

// Cursor returns the pagination progress of the active filter.
func (e *Engine) Cursor() fetch.Cursor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cursor
}

// Filter returns the active filter and whether one is bound.
func (e *Engine) Filter() (record.Filter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.filter), e.bound
}

// Generation returns the binder's guard token. It increases on every
// filter switch or refresh.
func (e *Engine) Generation() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gen
}

// Version returns a counter that increases whenever the cache changes.
func (e *Engine) Version() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// FetchErr returns the failure of the last completed fetch cycle, if any.
func (e *Engine) FetchErr() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fetchErr
}

// Pending returns the number of ops accepted into lanes that have not
// settled yet.
func (e *Engine) Pending() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, l := range e.lanes {
		if l.inflight != nil {
			n += len(l.inflight.ops)
		}
		n += len(l.queuedOps())
	}
	return n
}
