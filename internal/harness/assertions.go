package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/annosync/internal/record"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s\n", i+1, ev.Step, ev.Label(), ev.ID)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and
// returns one message per failure. resolve maps "$ref" ids to record ids.
func EvaluateAssertions(result *Result, assertions []Assertion, resolve func(string) string) []string {
	if resolve == nil {
		resolve = func(id string) string { return id }
	}
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertNoticeCount:
			err = assertNoticeCount(result.Trace, a)
		case AssertNoticeOrder:
			err = assertNoticeOrder(result.Trace, a)
		case AssertSnapshot:
			err = assertSnapshot(result.Snapshot, a, resolve)
		case AssertRecord:
			err = assertRecord("record", result.Snapshot, a, resolve)
		case AssertRemoteRecord:
			err = assertRecord("remote_record", result.Remote, a, resolve)
		case AssertOp:
			err = assertOp(result.Ops, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertNoticeCount checks that a notice (optionally of one op kind)
// occurs exactly Count times.
func assertNoticeCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Type == a.Notice && (a.Kind == "" || ev.Kind == a.Kind) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	label := a.Notice
	if a.Kind != "" {
		label += ":" + a.Kind
	}
	return &AssertionError{
		Type:     AssertNoticeCount,
		Expected: fmt.Sprintf("%s %d times", label, a.Count),
		Actual:   fmt.Sprintf("%d times", n),
		Trace:    trace,
	}
}

// assertNoticeOrder checks that the labels appear in order. Other notices
// may appear in between. A label is "type" or "type:kind".
func assertNoticeOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next == len(a.Notices) {
			break
		}
		want := a.Notices[next]
		if ev.Label() == want || (!strings.Contains(want, ":") && ev.Type == want) {
			next++
		}
	}
	if next == len(a.Notices) {
		return nil
	}
	return &AssertionError{
		Type:     AssertNoticeOrder,
		Expected: strings.Join(a.Notices, " -> "),
		Actual:   fmt.Sprintf("matched up to %q", strings.Join(a.Notices[:next], " -> ")),
		Trace:    trace,
	}
}

func assertSnapshot(snapshot []record.Record, a Assertion, resolve func(string) string) error {
	want := make([]string, len(a.IDs))
	for i, id := range a.IDs {
		want[i] = resolve(id)
	}
	got := record.IDs(snapshot)
	if slices.Equal(want, got) {
		return nil
	}
	return &AssertionError{
		Type:     AssertSnapshot,
		Expected: fmt.Sprintf("%v", want),
		Actual:   fmt.Sprintf("%v", got),
	}
}

// assertRecord checks a record's fields (subset match) or its absence.
func assertRecord(kind string, recs []record.Record, a Assertion, resolve func(string) string) error {
	id := resolve(a.ID)
	idx := slices.IndexFunc(recs, func(r record.Record) bool { return r.ID == id })

	if a.Absent {
		if idx < 0 {
			return nil
		}
		return &AssertionError{Type: kind, Expected: id + " absent", Actual: "present"}
	}
	if idx < 0 {
		return &AssertionError{Type: kind, Expected: id + " present", Actual: "absent"}
	}

	rec := recs[idx]
	for k, want := range a.Expect {
		got, ok := rec.Fields[k]
		if !ok {
			return &AssertionError{Type: kind, Expected: fmt.Sprintf("%s.%s = %v", id, k, want), Actual: "field missing"}
		}
		if !sameValue(got, want) {
			return &AssertionError{Type: kind, Expected: fmt.Sprintf("%s.%s = %v", id, k, want), Actual: fmt.Sprintf("%v", got)}
		}
	}
	return nil
}

func assertOp(ops map[string]OpResult, a Assertion) error {
	op, ok := ops[a.Ref]
	if !ok {
		return &AssertionError{Type: AssertOp, Expected: "op " + a.Ref, Actual: "not recorded"}
	}
	if op.Status != a.Status || (a.Code != "" && op.Code != a.Code) {
		return &AssertionError{
			Type:     AssertOp,
			Expected: fmt.Sprintf("%s %s %s", a.Ref, a.Status, a.Code),
			Actual:   fmt.Sprintf("%s %s", op.Status, op.Code),
		}
	}
	return nil
}

// sameValue compares field values by canonical JSON so YAML ints match
// decoded numbers.
func sameValue(a, b any) bool {
	ca, err := record.MarshalCanonical(a)
	if err != nil {
		return false
	}
	cb, err := record.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}
