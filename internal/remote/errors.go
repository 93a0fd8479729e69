// Package remote defines the boundary between the sync engine and the
// authoritative record store: the collection interfaces and the structured
// error taxonomy that retry decisions are made on.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a remote failure.
type Kind string

const (
	// KindNetwork is a transport failure; retryable.
	KindNetwork Kind = "NETWORK"

	// KindTimeout is a call that did not complete in time; retryable.
	KindTimeout Kind = "TIMEOUT"

	// KindValidation is a request the store rejected as malformed.
	KindValidation Kind = "VALIDATION"

	// KindConflict is a write the store rejected because of concurrent state.
	KindConflict Kind = "CONFLICT"

	// KindNotFound is a write or read against an id the store does not have.
	KindNotFound Kind = "NOT_FOUND"

	// KindUnknown is any failure that could not be classified.
	KindUnknown Kind = "UNKNOWN"
)

// Legacy messages observed from the hosted data API before errors carried
// a kind. They are only matched when no structured kind is available.
const (
	legacyNetworkMessage = "Network error"
	legacyTimeoutMessage = "Connection timeout"
)

// Error is a classified remote failure.
type Error struct {
	Kind    Kind
	Op      string // "list", "create", "update", "delete", "subscribe", "send"
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError classifies an existing error.
func WrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: "remote call failed", Err: err}
}

// KindOf classifies err. Structured kinds win; context deadlines and
// net.Error timeouts are TIMEOUT, other net errors are NETWORK; the legacy
// messages are matched last.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, legacyTimeoutMessage):
		return KindTimeout
	case strings.Contains(msg, legacyNetworkMessage):
		return KindNetwork
	}
	return KindUnknown
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err is a network or timeout failure.
func IsTransient(err error) bool {
	k := KindOf(err)
	return k == KindNetwork || k == KindTimeout
}

// ParseKind converts a configuration string ("network", "TIMEOUT") into a
// Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindNetwork, KindTimeout, KindValidation, KindConflict, KindNotFound, KindUnknown:
		return k, nil
	}
	return "", fmt.Errorf("unknown error kind %q", s)
}
