package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"typed", NewError(KindConflict, "update", "version mismatch"), KindConflict},
		{"wrapped typed", fmt.Errorf("call: %w", NewError(KindValidation, "create", "name required")), KindValidation},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutErr{}, KindTimeout},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindNetwork},
		{"legacy network", errors.New("Network error"), KindNetwork},
		{"legacy timeout", errors.New("request failed: Connection timeout"), KindTimeout},
		{"other", errors.New("boom"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := WrapError(KindNetwork, "list", cause)

	assert.Equal(t, "NETWORK list: remote call failed: socket closed", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(NewError(KindNotFound, "delete", "gone")))
	assert.True(t, IsKind(NewError(KindNotFound, "delete", "gone"), KindNotFound))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" network ")
	require.NoError(t, err)
	assert.Equal(t, KindNetwork, k)

	_, err = ParseKind("flaky")
	assert.Error(t, err)
}
