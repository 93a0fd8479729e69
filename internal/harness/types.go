package harness

import (
	"github.com/roach88/annosync/internal/engine"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

// TraceEvent is one engine notice as recorded in a scenario trace. Only
// deterministic fields are kept; "changed" notices are left out because
// how many turns a step takes depends on scheduling.
type TraceEvent struct {
	Step    int    `json:"step"`
	Type    string `json:"type"`
	Kind    string `json:"kind,omitempty"`
	Name    string `json:"name,omitempty"`
	ID      string `json:"id,omitempty"`
	LocalID string `json:"local_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Err     string `json:"err,omitempty"`
	Gen     uint64 `json:"gen,omitempty"`
	Items   int    `json:"items,omitempty"`
	Pages   int    `json:"pages,omitempty"`
	Size    int    `json:"size,omitempty"`
	Event   string `json:"event,omitempty"`
}

// Label is the event's name in notice assertions: the notice type, or
// "type:kind" when it concerns an op.
func (e TraceEvent) Label() string {
	if e.Kind == "" {
		return e.Type
	}
	return e.Type + ":" + e.Kind
}

// OpResult is how a named op ended.
type OpResult struct {
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
	RemoteID string `json:"remote_id,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step ran and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace contains the engine's notices in emission order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Snapshot is the engine cache after the last step.
	Snapshot []record.Record `json:"snapshot"`

	// Remote is the remote collection after the last step.
	Remote []record.Record `json:"remote"`

	// Ops maps each step ref to its op's outcome.
	Ops map[string]OpResult `json:"ops,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Ops:    make(map[string]OpResult),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// traceEvent converts a notice; ok is false for notices left out of traces.
func traceEvent(step int, n engine.Notice) (TraceEvent, bool) {
	if n.Type == engine.NoticeChanged {
		return TraceEvent{}, false
	}
	ev := TraceEvent{
		Step:    step,
		Type:    string(n.Type),
		ID:      n.ID,
		LocalID: n.LocalID,
		Attempt: n.Attempt,
		Err:     errCode(n.Err),
		Items:   n.Items,
		Pages:   n.Pages,
		Event:   n.Event,
	}
	if n.Kind != 0 {
		ev.Kind = n.Kind.String()
	}
	if n.Type == engine.NoticeAttempt {
		ev.Name = n.Name
	}
	switch n.Type {
	case engine.NoticeBound, engine.NoticeStale, engine.NoticePage, engine.NoticeFetched, engine.NoticeFetchFailed:
		ev.Gen = n.Gen
	}
	if n.Type == engine.NoticeFetched {
		ev.Size = n.Size
	}
	return ev, true
}

// errCode renders an error as its engine code or remote kind.
func errCode(err error) string {
	if err == nil {
		return ""
	}
	if code := engine.CodeOf(err); code != "" {
		return string(code)
	}
	return string(remote.KindOf(err))
}
