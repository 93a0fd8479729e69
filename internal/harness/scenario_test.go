package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annosync/internal/live"
	"github.com/roach88/annosync/internal/record"
)

func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, `
name: valid
description: A valid scenario
page_size: 2
max_attempts: 4
seed:
  - id: a
    title: first
steps:
  - bind:
      status: open
  - create:
      ref: c1
      fields:
        title: new
  - update:
      id: $c1
      fields:
        title: newer
  - push:
      op: Deleted
      record:
        id: a
assertions:
  - type: snapshot
    ids: [$c1]
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "valid", scenario.Name)
	assert.Equal(t, 2, scenario.PageSize)
	assert.Equal(t, 4, scenario.MaxAttempts)
	require.Len(t, scenario.Seed, 1)
	assert.Equal(t, "first", scenario.Seed[0]["title"])

	require.Len(t, scenario.Steps, 4)
	require.NotNil(t, scenario.Steps[0].Bind)
	assert.Equal(t, record.Filter{"status": "open"}, *scenario.Steps[0].Bind)
	assert.Equal(t, "c1", scenario.Steps[1].Create.Ref)
	assert.Equal(t, "$c1", scenario.Steps[2].Update.ID)
	assert.Equal(t, live.Deleted, scenario.Steps[3].Push.Op)

	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, []string{"$c1"}, scenario.Assertions[0].IDs)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_MalformedYAML(t *testing.T) {
	_, err := ParseScenario([]byte("name: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadScenario_UnknownFieldsRejected(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
steps:
  - bind: {}
    wiat: done
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wiat")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "steps:\n  - refresh: true\n",
			wantErr: "name is required",
		},
		{
			name:    "missing steps",
			yaml:    "name: x\n",
			wantErr: "at least one step",
		},
		{
			name:    "negative page size",
			yaml:    "name: x\npage_size: -1\nsteps:\n  - refresh: true\n",
			wantErr: "must not be negative",
		},
		{
			name:    "seed without id",
			yaml:    "name: x\nseed:\n  - title: a\nsteps:\n  - refresh: true\n",
			wantErr: "seed[0]: id is required",
		},
		{
			name:    "two actions in one step",
			yaml:    "name: x\nsteps:\n  - refresh: true\n    gate: create\n",
			wantErr: "exactly one action",
		},
		{
			name:    "empty step",
			yaml:    "name: x\nsteps:\n  - {}\n",
			wantErr: "exactly one action",
		},
		{
			name:    "update without id",
			yaml:    "name: x\nsteps:\n  - update:\n      fields: {n: 1}\n",
			wantErr: "update.id is required",
		},
		{
			name:    "unknown failure kind",
			yaml:    "name: x\nsteps:\n  - fail:\n      op: create\n      kinds: [EXPLODED]\n",
			wantErr: "steps[0]",
		},
		{
			name:    "unknown push op",
			yaml:    "name: x\nsteps:\n  - push:\n      op: Moved\n      record: {id: a}\n",
			wantErr: "unknown push op",
		},
		{
			name:    "push without record id",
			yaml:    "name: x\nsteps:\n  - push:\n      op: Created\n      record: {title: a}\n",
			wantErr: "push.record.id is required",
		},
		{
			name:    "unknown wait mode",
			yaml:    "name: x\nsteps:\n  - create:\n      fields: {}\n    wait: forever\n",
			wantErr: "unknown wait mode",
		},
		{
			name:    "wait on a non-mutation",
			yaml:    "name: x\nsteps:\n  - refresh: true\n    wait: done\n",
			wantErr: "wait applies to",
		},
		{
			name:    "duplicate ref",
			yaml:    "name: x\nsteps:\n  - create: {ref: c, fields: {}}\n  - create: {ref: c, fields: {}}\n",
			wantErr: "duplicate ref",
		},
		{
			name:    "op assertion on unknown ref",
			yaml:    "name: x\nsteps:\n  - refresh: true\nassertions:\n  - type: op\n    ref: c\n    status: confirmed\n",
			wantErr: "unknown op ref",
		},
		{
			name:    "record assertion without expectation",
			yaml:    "name: x\nsteps:\n  - refresh: true\nassertions:\n  - type: record\n    id: a\n",
			wantErr: "expect or absent is required",
		},
		{
			name:    "negative count",
			yaml:    "name: x\nsteps:\n  - refresh: true\nassertions:\n  - type: notice_count\n    notice: bound\n    count: -1\n",
			wantErr: "count must be non-negative",
		},
		{
			name:    "unknown assertion type",
			yaml:    "name: x\nsteps:\n  - refresh: true\nassertions:\n  - type: vibes\n",
			wantErr: "unknown assertion type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseScenario_NoticeCountZeroAllowed(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: zero
steps:
  - refresh: true
assertions:
  - type: notice_count
    notice: failed
    count: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 0, scenario.Assertions[0].Count)
}

func TestFindScenarios_Sorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "c.yaml"), nil, 0644))

	paths, err := FindScenarios(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "nested", "c.yaml"),
	}, paths)
}

func TestAssertionConstants(t *testing.T) {
	assert.Equal(t, "notice_count", AssertNoticeCount)
	assert.Equal(t, "notice_order", AssertNoticeOrder)
	assert.Equal(t, "snapshot", AssertSnapshot)
	assert.Equal(t, "record", AssertRecord)
	assert.Equal(t, "remote_record", AssertRemoteRecord)
	assert.Equal(t, "op", AssertOp)
}

// TestLoadExampleScenarios validates the scenario files in testdata/scenarios.
// These serve as documentation and regression tests.
func TestLoadExampleScenarios(t *testing.T) {
	tests := []struct {
		name           string
		wantSteps      int
		wantAssertions int
	}{
		{name: "create_update_delete", wantSteps: 6, wantAssertions: 8},
		{name: "push_while_busy", wantSteps: 5, wantAssertions: 4},
		{name: "paged_refresh", wantSteps: 2, wantAssertions: 3},
		{name: "filter_switch", wantSteps: 3, wantAssertions: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := loadTestScenario(t, tt.name)
			assert.Equal(t, tt.name, scenario.Name)
			assert.NotEmpty(t, scenario.Description)
			assert.Len(t, scenario.Steps, tt.wantSteps)
			assert.Len(t, scenario.Assertions, tt.wantAssertions)
		})
	}
}
