package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annosync/internal/engine"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/testutil"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"engine not found", &engine.Error{Code: engine.ErrCodeNotFound, ID: "a"}, "NOT_FOUND"},
		{"engine filter changed", &engine.Error{Code: engine.ErrCodeFilterChanged}, "FILTER_CHANGED"},
		{"wrapped engine", fmt.Errorf("mutate: %w", &engine.Error{Code: engine.ErrCodeStopped}), "STOPPED"},
		{"engine wrapping remote", &engine.Error{Code: engine.ErrCodeSuperseded, Err: remote.NewError(remote.KindValidation, "update", "bad")}, "SUPERSEDED"},
		{"remote conflict", remote.NewError(remote.KindConflict, "update", "version mismatch"), "CONFLICT"},
		{"remote not found", remote.NewError(remote.KindNotFound, "delete", "no record"), "NOT_FOUND"},
		{"wrapped remote", fmt.Errorf("fetch: %w", remote.NewError(remote.KindNetwork, "list", "refused")), "NETWORK"},
		{"deadline", context.DeadlineExceeded, "TIMEOUT"},
		{"exit error keeps cause", WrapExitError(ExitFailure, "update failed", remote.NewError(remote.KindValidation, "update", "bad")), "VALIDATION"},
		{"plain", errors.New("boom"), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

// Ops settled by a running engine report the code of whichever side
// decided the failure.
func TestErrorCode_SettledOps(t *testing.T) {
	fake := testutil.NewFakeCollection(record.New("a", record.Fields{"n": 0}))
	gate := fake.Gate("update")
	fake.FailNext("update", remote.NewError(remote.KindValidation, "update", "n must be even"))
	e := engine.New(fake,
		engine.WithRetryPolicy(testutil.FastPolicy(3)),
		engine.WithLogger(testutil.DiscardLogger()),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	defer func() {
		e.Stop()
		<-done
	}()

	e.Bind(nil)
	require.Eventually(t, func() bool { return e.Len() == 1 }, time.Second, 5*time.Millisecond)

	first := e.Update(record.New("a", record.Fields{"n": 1}))
	<-gate.Entered()
	second := e.Update(record.New("a", record.Fields{"n": 2}))
	missing := e.Delete("nope")
	gate.Release()

	_, err := first.Wait(ctx)
	assert.Equal(t, "VALIDATION", ErrorCode(err))
	_, err = second.Wait(ctx)
	assert.Equal(t, "SUPERSEDED", ErrorCode(err))
	_, err = missing.Wait(ctx)
	assert.Equal(t, "NOT_FOUND", ErrorCode(err))
}

func TestOutputFormatter_ErrorReportsCode(t *testing.T) {
	err := &engine.Error{
		Code:    engine.ErrCodeCreateFailed,
		Message: "record was never created",
		ID:      "tmp-1",
		Err:     remote.NewError(remote.KindValidation, "create", "title required"),
	}

	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		out := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, out.Error(ErrorCode(err), err.Error(), map[string]any{"op": "update", "id": "tmp-1"}))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "CREATE_FAILED", resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "title required")
		assert.Equal(t, map[string]any{"op": "update", "id": "tmp-1"}, resp.Error.Details)
	})

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		out := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, out.Error(ErrorCode(err), err.Error(), map[string]any{"id": "tmp-1"}))
		assert.True(t, strings.HasPrefix(buf.String(), "Error [CREATE_FAILED]: "), buf.String())
		assert.NotContains(t, buf.String(), "Details:", "details are verbose only")

		buf.Reset()
		out.Verbose = true
		require.NoError(t, out.Error(ErrorCode(err), err.Error(), map[string]any{"id": "tmp-1"}))
		assert.Contains(t, buf.String(), "Details: map[id:tmp-1]")
	})
}

func TestOutputFormatter_SuccessEnvelope(t *testing.T) {
	buf := &bytes.Buffer{}
	out := &OutputFormatter{Format: "json", Writer: buf}

	result := MutationResult{Op: "create", LocalID: "tmp-1", Record: record.New("srv-1", record.Fields{"title": "x"}), Attempts: 2}
	require.NoError(t, out.Success(result))

	got := decode[MutationResult](t, buf.String())
	assert.Equal(t, "ok", got.Status)
	assert.Nil(t, got.Error)
	assert.Equal(t, "srv-1", got.Data.Record.ID)
	assert.Equal(t, "tmp-1", got.Data.LocalID)
	assert.Equal(t, 2, got.Data.Attempts)
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag}

	f.VerboseLog("attempt %d of %s failed", 1, "update")
	assert.Empty(t, diag.String(), "quiet unless verbose")

	f.Verbose = true
	f.VerboseLog("attempt %d of %s failed", 2, "update")
	assert.Empty(t, out.String(), "diagnostics never mix with JSON results")
	assert.Equal(t, "attempt 2 of update failed\n", diag.String())
	assert.Same(t, diag, f.GetErrWriter())

	f.ErrWriter = nil
	assert.Same(t, out, f.GetErrWriter())
}

func TestWriteNotice(t *testing.T) {
	failed := engine.Notice{
		Type: engine.NoticeSubscribeFailed,
		Gen:  3,
		Err:  remote.NewError(remote.KindNetwork, "subscribe", "change stream closed"),
	}

	buf := &bytes.Buffer{}
	writeNotice(buf, "json", failed)
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "subscribe_failed", m["type"])
	assert.Equal(t, "NETWORK", m["code"])
	assert.EqualValues(t, 3, m["gen"])

	buf.Reset()
	writeNotice(buf, "text", engine.Notice{Type: engine.NoticeConfirmed, Kind: engine.OpCreate, ID: "srv-1", LocalID: "tmp-1"})
	assert.Equal(t, "confirmed id=srv-1 kind=create local_id=tmp-1\n", buf.String())
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(WrapExitError(ExitFailure, "fetch failed", errors.New("down"))))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("run: %w", NewExitError(ExitCommandError, "x"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("other")))

	err := WrapExitError(ExitFailure, "fetch failed", errors.New("down"))
	assert.Equal(t, "fetch failed: down", err.Error())
	assert.Equal(t, "down", errors.Unwrap(err).Error())
}
