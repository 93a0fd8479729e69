package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

// Scenario defines a conformance scenario: a scripted remote collection,
// a sequence of engine commands and remote behaviours, and assertions on
// the resulting notice trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// PageSize is the fake collection's list page size. Default 100.
	PageSize int `yaml:"page_size,omitempty"`

	// MaxAttempts bounds retries of every remote call. Default 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Seed lists the records the remote collection starts with, as flat
	// objects carrying an "id".
	Seed []map[string]any `yaml:"seed,omitempty"`

	// Steps run in order; each waits for the engine to settle before the
	// next starts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	// Bind switches the engine to a filter and waits for the first fetch.
	Bind *record.Filter `yaml:"bind,omitempty"`

	// Refresh rebinds the current filter and waits for the fetch.
	Refresh bool `yaml:"refresh,omitempty"`

	Create *CreateStep `yaml:"create,omitempty"`
	Update *UpdateStep `yaml:"update,omitempty"`
	Delete *DeleteStep `yaml:"delete,omitempty"`

	// Fail scripts failures of the next calls of a remote operation.
	Fail *FailStep `yaml:"fail,omitempty"`

	// Gate holds every call of a remote operation ("create", "update",
	// "delete", "list") until a Release step names it.
	Gate string `yaml:"gate,omitempty"`

	// Release opens a gate and waits for every outstanding op to settle.
	Release string `yaml:"release,omitempty"`

	// Push delivers a change on the live channel.
	Push *PushStep `yaml:"push,omitempty"`

	// Wait overrides what a mutation step waits for: "done" (default),
	// "applied", or "entered" (the op reached its remote gate).
	Wait string `yaml:"wait,omitempty"`
}

// CreateStep submits a create. Ref names the op for later steps and
// assertions ("$ref").
type CreateStep struct {
	Ref    string         `yaml:"ref,omitempty"`
	Fields map[string]any `yaml:"fields"`
}

// UpdateStep submits an update of ID, which may be a "$ref".
type UpdateStep struct {
	Ref    string         `yaml:"ref,omitempty"`
	ID     string         `yaml:"id"`
	Fields map[string]any `yaml:"fields"`
}

// DeleteStep submits a delete of ID, which may be a "$ref".
type DeleteStep struct {
	Ref string `yaml:"ref,omitempty"`
	ID  string `yaml:"id"`
}

// FailStep makes the next len(Kinds) calls of Op fail with the given error
// kinds, in order.
type FailStep struct {
	Op    string   `yaml:"op"`
	Kinds []string `yaml:"kinds"`
}

// PushStep is one live change. Record is a flat object carrying an "id".
type PushStep struct {
	Op     live.Op        `yaml:"op"`
	Record map[string]any `yaml:"record"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type selects the assertion:
	//   - "notice_count": Notice (and optionally Kind) occurs exactly Count times
	//   - "notice_order": Notices occur in this order, gaps allowed
	//   - "snapshot": the cached record ids are exactly IDs, in order
	//   - "record": the cached record ID has the Expect fields, or is Absent
	//   - "remote_record": same, against the remote collection
	//   - "op": the op named Ref ended in Status, with error Code
	Type string `yaml:"type"`

	Notice  string         `yaml:"notice,omitempty"`
	Kind    string         `yaml:"kind,omitempty"`
	Count   int            `yaml:"count,omitempty"`
	Notices []string       `yaml:"notices,omitempty"`
	IDs     []string       `yaml:"ids,omitempty"`
	ID      string         `yaml:"id,omitempty"`
	Expect  map[string]any `yaml:"expect,omitempty"`
	Absent  bool           `yaml:"absent,omitempty"`
	Ref     string         `yaml:"ref,omitempty"`
	Status  string         `yaml:"status,omitempty"`
	Code    string         `yaml:"code,omitempty"`
}

// Assertion type constants.
const (
	AssertNoticeCount  = "notice_count"
	AssertNoticeOrder  = "notice_order"
	AssertSnapshot     = "snapshot"
	AssertRecord       = "record"
	AssertRemoteRecord = "remote_record"
	AssertOp           = "op"
)

// Wait modes of a mutation step.
const (
	WaitDone    = "done"
	WaitApplied = "applied"
	WaitEntered = "entered"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find scenarios in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	if s.PageSize < 0 || s.MaxAttempts < 0 {
		return errors.New("page_size and max_attempts must not be negative")
	}
	for i, r := range s.Seed {
		if id, _ := r[record.IDField].(string); id == "" {
			return fmt.Errorf("seed[%d]: id is required", i)
		}
	}

	refs := map[string]bool{}
	for i := range s.Steps {
		if err := validateStep(&s.Steps[i], i, refs); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(&s.Assertions[i], i, refs); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(st *Step, i int, refs map[string]bool) error {
	set := 0
	for _, on := range []bool{
		st.Bind != nil, st.Refresh, st.Create != nil, st.Update != nil, st.Delete != nil,
		st.Fail != nil, st.Gate != "", st.Release != "", st.Push != nil,
	} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, set)
	}

	addRef := func(ref string) error {
		if ref == "" {
			return nil
		}
		if refs[ref] {
			return fmt.Errorf("steps[%d]: duplicate ref %q", i, ref)
		}
		refs[ref] = true
		return nil
	}

	switch {
	case st.Create != nil:
		if err := addRef(st.Create.Ref); err != nil {
			return err
		}
	case st.Update != nil:
		if st.Update.ID == "" {
			return fmt.Errorf("steps[%d]: update.id is required", i)
		}
		if err := addRef(st.Update.Ref); err != nil {
			return err
		}
	case st.Delete != nil:
		if st.Delete.ID == "" {
			return fmt.Errorf("steps[%d]: delete.id is required", i)
		}
		if err := addRef(st.Delete.Ref); err != nil {
			return err
		}
	case st.Fail != nil:
		if st.Fail.Op == "" || len(st.Fail.Kinds) == 0 {
			return fmt.Errorf("steps[%d]: fail needs op and kinds", i)
		}
		for _, k := range st.Fail.Kinds {
			if _, err := remote.ParseKind(k); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	case st.Push != nil:
		if !st.Push.Op.Valid() {
			return fmt.Errorf("steps[%d]: unknown push op %q", i, st.Push.Op)
		}
		if id, _ := st.Push.Record[record.IDField].(string); id == "" {
			return fmt.Errorf("steps[%d]: push.record.id is required", i)
		}
	}

	switch st.Wait {
	case "", WaitDone, WaitApplied, WaitEntered:
	default:
		return fmt.Errorf("steps[%d]: unknown wait mode %q", i, st.Wait)
	}
	if st.Wait != "" && st.Create == nil && st.Update == nil && st.Delete == nil {
		return fmt.Errorf("steps[%d]: wait applies to create, update and delete only", i)
	}
	return nil
}

func validateAssertion(a *Assertion, index int, refs map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertNoticeCount:
		if a.Notice == "" {
			return fmt.Errorf("assertions[%d]: notice is required for notice_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for notice_count", index)
		}
	case AssertNoticeOrder:
		if len(a.Notices) == 0 {
			return fmt.Errorf("assertions[%d]: notices list is required for notice_order", index)
		}
	case AssertSnapshot:
	case AssertRecord, AssertRemoteRecord:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertOp:
		if !refs[a.Ref] {
			return fmt.Errorf("assertions[%d]: unknown op ref %q", index, a.Ref)
		}
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for op", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
