// Package harness runs conformance scenarios against the sync engine.
//
// A scenario scripts a remote collection (seed records, failures, gates,
// live pushes) and drives a real engine through binds and mutations. Each
// step waits until the engine has settled the step's work before the next
// one starts, so the notice trace is deterministic and can be compared
// against a golden file.
//
// The remote collection is testutil.FakeCollection: server ids are
// "srv-1", "srv-2", ... and temporary ids are "tmp-1", "tmp-2", ...
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/annosync/internal/engine"
	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/testutil"
)

// DefaultStepTimeout bounds how long one step may take to settle.
const DefaultStepTimeout = 5 * time.Second

// Options configures Run.
type Options struct {
	// StepTimeout bounds each step. Default DefaultStepTimeout.
	StepTimeout time.Duration

	// Logger receives engine logs. Default: discarded.
	Logger *slog.Logger
}

// Harness executes one scenario. It is not reusable.
type Harness struct {
	coll    *testutil.FakeCollection
	eng     *engine.Engine
	timeout time.Duration

	mu     sync.Mutex
	trace  []TraceEvent
	step   atomic.Int64
	notify chan struct{}

	ops   map[string]*engine.Op
	open  []*engine.Op
	gates map[string]*testutil.Gate
}

// Run executes a scenario with default options.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithOptions(scenario, Options{})
}

// RunWithOptions executes a scenario and returns the result.
//
// Each scenario runs against a fresh fake collection and engine.
// Execution flow:
// 1. Seed the fake collection
// 2. Start the engine
// 3. Execute steps, waiting for each to settle
// 4. Capture cache, remote state and op outcomes, then stop the engine
// 5. Evaluate assertions
//
// An error is returned when a step cannot run or does not settle in time;
// failed assertions are reported in the result.
func RunWithOptions(scenario *Scenario, opts Options) (*Result, error) {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	}

	seed := make([]record.Record, 0, len(scenario.Seed))
	for _, m := range scenario.Seed {
		seed = append(seed, flatRecord(m))
	}
	coll := testutil.NewFakeCollection(seed...)
	if scenario.PageSize > 0 {
		coll.SetPageSize(scenario.PageSize)
	}
	attempts := scenario.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}

	h := &Harness{
		coll:    coll,
		timeout: opts.StepTimeout,
		notify:  make(chan struct{}, 1),
		ops:     make(map[string]*engine.Op),
		gates:   make(map[string]*testutil.Gate),
	}
	h.eng = engine.New(coll,
		engine.WithIDGenerator(testutil.NewSequentialIDs("")),
		engine.WithRetryPolicy(testutil.FastPolicy(attempts)),
		engine.WithObserver(engine.ObserverFunc(h.observe)),
		engine.WithLogger(opts.Logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx) }()

	stop := func() {
		// Gates left closed would hold remote goroutines past shutdown.
		for _, g := range h.gates {
			g.Release()
		}
		cancel()
		<-done
	}

	for i := range scenario.Steps {
		h.step.Store(int64(i + 1))
		if err := h.runStep(i, &scenario.Steps[i]); err != nil {
			stop()
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	result := NewResult()
	result.Snapshot = cloneRecords(h.eng.Snapshot())
	result.Remote = coll.Records()
	for ref, op := range h.ops {
		result.Ops[ref] = OpResult{
			Status:   op.Status().String(),
			Code:     errCode(op.Err()),
			RemoteID: op.RemoteID(),
		}
	}

	stop()

	h.mu.Lock()
	result.Trace = append(result.Trace, h.trace...)
	h.mu.Unlock()

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, h.resolveRef) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) observe(n engine.Notice) {
	ev, ok := traceEvent(int(h.step.Load()), n)
	if !ok {
		return
	}
	h.mu.Lock()
	h.trace = append(h.trace, ev)
	h.mu.Unlock()
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

func (h *Harness) runStep(i int, st *Step) error {
	switch {
	case st.Bind != nil:
		return h.bind(func() { h.eng.Bind(*st.Bind) })
	case st.Refresh:
		return h.bind(func() { h.eng.Refresh() })
	case st.Create != nil:
		op := h.eng.Create(record.Fields(st.Create.Fields))
		return h.track(st.Create.Ref, op, st.Wait)
	case st.Update != nil:
		id, err := h.localID(st.Update.ID)
		if err != nil {
			return err
		}
		op := h.eng.Update(record.New(id, record.Fields(st.Update.Fields)))
		return h.track(st.Update.Ref, op, st.Wait)
	case st.Delete != nil:
		id, err := h.localID(st.Delete.ID)
		if err != nil {
			return err
		}
		return h.track(st.Delete.Ref, h.eng.Delete(id), st.Wait)
	case st.Fail != nil:
		errs := make([]error, len(st.Fail.Kinds))
		for j, k := range st.Fail.Kinds {
			kind, _ := remote.ParseKind(k)
			errs[j] = remote.NewError(kind, st.Fail.Op, "scripted failure")
		}
		h.coll.FailNext(st.Fail.Op, errs...)
		return nil
	case st.Gate != "":
		h.gates[st.Gate] = h.coll.Gate(st.Gate)
		return nil
	case st.Release != "":
		g, ok := h.gates[st.Release]
		if !ok {
			return fmt.Errorf("release of unknown gate %q", st.Release)
		}
		g.Release()
		return h.settleOpen()
	case st.Push != nil:
		return h.push(live.Event{Op: st.Push.Op, Record: flatRecord(st.Push.Record)})
	}
	return fmt.Errorf("steps[%d]: no action", i)
}

// bind runs a filter switch and waits for the new cycle's first fetch and
// its subscription.
func (h *Harness) bind(submit func()) error {
	opened := h.coll.Opened()
	before := h.traceLen()
	submit()

	var gen uint64
	if err := h.waitFor("bound notice", func() bool {
		for _, ev := range h.traceSince(before) {
			if ev.Type == string(engine.NoticeBound) {
				gen = ev.Gen
				return true
			}
		}
		return false
	}); err != nil {
		return err
	}

	seen := func(types ...engine.NoticeType) bool {
		for _, ev := range h.traceSince(before) {
			for _, t := range types {
				if ev.Type == string(t) && (ev.Gen == gen || ev.Gen == 0) {
					return true
				}
			}
		}
		return false
	}
	if err := h.waitFor("fetch", func() bool {
		return seen(engine.NoticeFetched, engine.NoticeFetchFailed)
	}); err != nil {
		return err
	}
	return h.waitFor("subscription", func() bool {
		if seen(engine.NoticeSubscribeFailed) {
			return true
		}
		return h.coll.Opened() > opened && h.coll.Subscribers() == 1
	})
}

// track records op under ref and waits as the step asks.
func (h *Harness) track(ref string, op *engine.Op, wait string) error {
	if ref != "" {
		h.ops[ref] = op
	}
	h.open = append(h.open, op)

	switch wait {
	case WaitApplied:
		if err := h.waitChan("op applied", op.Applied(), op.Done()); err != nil {
			return err
		}
		return h.sync()
	case WaitEntered:
		g, ok := h.gates[op.Kind.String()]
		if !ok {
			return fmt.Errorf("wait entered: no gate on %s", op.Kind)
		}
		return h.waitChan("gate entered", g.Entered(), op.Done())
	default:
		return h.settleOpen()
	}
}

// settleOpen waits for every submitted op to settle.
func (h *Harness) settleOpen() error {
	for _, op := range h.open {
		if err := h.waitChan("op settled", op.Done()); err != nil {
			return err
		}
	}
	h.open = h.open[:0]
	return h.sync()
}

// sync waits until the notices of everything the engine has processed so
// far are in the trace.
func (h *Harness) sync() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.eng.Sync(ctx); err != nil {
		return fmt.Errorf("sync engine: %w", err)
	}
	return nil
}

// push emits ev and waits until the engine reacted to it: the cache
// changed or a notice was recorded.
func (h *Harness) push(ev live.Event) error {
	version := h.eng.Version()
	before := h.traceLen()
	h.coll.Emit(ev)
	if err := h.waitFor("push "+ev.String(), func() bool {
		return h.eng.Version() != version || h.traceLen() > before
	}); err != nil {
		return err
	}
	return h.sync()
}

func (h *Harness) waitChan(what string, chans ...<-chan struct{}) error {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	// At most two channels are waited on.
	var a, b <-chan struct{}
	a = chans[0]
	if len(chans) > 1 {
		b = chans[1]
	}
	select {
	case <-a:
		return nil
	case <-b:
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out waiting for %s", what)
	}
}

func (h *Harness) waitFor(what string, cond func() bool) error {
	deadline := time.Now().Add(h.timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		select {
		case <-h.notify:
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func (h *Harness) traceLen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.trace)
}

func (h *Harness) traceSince(n int) []TraceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TraceEvent(nil), h.trace[n:]...)
}

// localID resolves a "$ref" in a step to the op's local id.
func (h *Harness) localID(id string) (string, error) {
	ref, ok := strings.CutPrefix(id, "$")
	if !ok {
		return id, nil
	}
	op, found := h.ops[ref]
	if !found {
		return "", fmt.Errorf("unknown ref %q", ref)
	}
	return op.LocalID, nil
}

// resolveRef resolves a "$ref" in an assertion to the id the record ends
// up under: the server id once confirmed, the local id otherwise.
func (h *Harness) resolveRef(id string) string {
	ref, ok := strings.CutPrefix(id, "$")
	if !ok {
		return id
	}
	op, found := h.ops[ref]
	if !found {
		return id
	}
	if rid := op.RemoteID(); rid != "" {
		return rid
	}
	return op.LocalID
}

func flatRecord(m map[string]any) record.Record {
	fields := record.Fields{}
	for k, v := range m {
		fields[k] = v
	}
	id, _ := fields[record.IDField].(string)
	delete(fields, record.IDField)
	return record.Record{ID: id, Fields: fields}
}

func cloneRecords(recs []record.Record) []record.Record {
	out := make([]record.Record, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out
}
