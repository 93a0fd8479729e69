package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	scenarioDir = "../harness/testdata/scenarios"
	goldenDir   = "../harness/testdata/golden"
)

func TestTestCommand_Passes(t *testing.T) {
	out, _, err := execute(t, "test", scenarioDir, "--golden-dir", goldenDir)
	require.NoError(t, err, out)

	assert.Contains(t, out, "✓ create_update_delete")
	assert.Contains(t, out, "✓ filter_switch")
	assert.Contains(t, out, "Test Summary: 4 passed, 0 failed, 4 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_FilterJSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "test", scenarioDir, "--golden-dir", goldenDir, "--filter", "push_*")
	require.NoError(t, err, out)

	resp := decode[TestResult](t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, ScenarioResult{Name: "push_while_busy", Pass: true}, resp.Data.Scenarios[0])
}

func TestTestCommand_UpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()

	out, _, err := execute(t, "test", scenarioDir, "--golden-dir", dir, "--update", "--filter", "paged_refresh")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ paged_refresh (golden updated)")

	got, err := os.ReadFile(filepath.Join(dir, "paged_refresh.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(goldenDir, "paged_refresh.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "paged_refresh.golden"), []byte(`{"scenario_name":"paged_refresh","trace":[]}`), 0o644))

	out, _, err := execute(t, "test", scenarioDir, "--golden-dir", dir, "--filter", "paged_refresh")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ paged_refresh")
	assert.Contains(t, out, "does not match golden file")
}

func TestTestCommand_FailingAssertion(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`
name: wrong
description: expects a record the filter excludes
seed:
  - id: a
    status: open
  - id: b
    status: done
steps:
  - bind:
      status: open
assertions:
  - type: snapshot
    ids: [a, b]
`), 0o644))

	out, _, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode[TestResult](t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SCENARIO_FAILED", resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.NotEmpty(t, resp.Data.Scenarios[0].Errors)
}

func TestTestCommand_InvalidScenario(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [\n"), 0o644))

	out, _, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_NoScenarios(t *testing.T) {
	out, _, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "No scenarios found.\n", out)
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, _, err := execute(t, "test", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_BadFilter(t *testing.T) {
	_, _, err := execute(t, "test", scenarioDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
