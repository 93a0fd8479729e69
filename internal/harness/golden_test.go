package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Golden traces live in testdata/golden. After an intended change to the
// engine's notices, regenerate them with:
//
//	go test ./internal/harness -run Golden -update
func TestRunWithGolden_Scenarios(t *testing.T) {
	for _, name := range []string{"create_update_delete", "push_while_busy", "paged_refresh"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestAssertGolden_FromResult(t *testing.T) {
	scenario := loadTestScenario(t, "paged_refresh")
	result, err := Run(scenario)
	require.NoError(t, err)

	// Comparing an existing result must not re-run the scenario.
	require.NoError(t, AssertGolden(t, scenario.Name, result))
}

func TestMarshalTrace_Canonical(t *testing.T) {
	trace := []TraceEvent{
		{Step: 1, Type: "bound", Gen: 1},
		{Step: 2, Type: "attempt", Kind: "create", Name: "create", ID: "tmp-1", Attempt: 1, Err: "NETWORK"},
		{Step: 3, Type: "buffered", ID: "a", Event: "Updated(a)"},
	}

	got, err := MarshalTrace("sample", trace)
	require.NoError(t, err)

	want := `{"scenario_name":"sample","trace":[` +
		`{"gen":1,"step":1,"type":"bound"},` +
		`{"attempt":1,"err":"NETWORK","id":"tmp-1","kind":"create","name":"create","step":2,"type":"attempt"},` +
		`{"event":"Updated(a)","id":"a","step":3,"type":"buffered"}]}`
	assert.Equal(t, want, string(got))
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	trace := []TraceEvent{
		{Step: 1, Type: "fetched", Gen: 2, Pages: 3, Size: 7},
		{Step: 1, Type: "confirmed", Kind: "delete", ID: "a", LocalID: "a"},
	}

	first, err := MarshalTrace("det", trace)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalTrace("det", trace)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again), "iteration %d", i)
	}
}

func TestMarshalTrace_Empty(t *testing.T) {
	got, err := MarshalTrace("empty", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"scenario_name":"empty","trace":[]}`, string(got))
}
