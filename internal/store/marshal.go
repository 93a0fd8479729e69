package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
)

// marshalFields converts fields to canonical JSON TEXT for storage, so an
// unchanged record always serialises to the same bytes.
func marshalFields(f record.Fields) (string, error) {
	data, err := record.MarshalCanonical(map[string]any(f))
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses fields stored as JSON TEXT.
func unmarshalFields(s string) (record.Fields, error) {
	f, err := record.DecodeFields([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return f, nil
}

// classify wraps a database error with a remote.Kind so callers can retry
// lock contention like any other transient failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *remote.Error
	if errors.As(err, &re) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return remote.WrapError(remote.KindTimeout, op, err)
		case sqlite3.ErrConstraint:
			return remote.WrapError(remote.KindConflict, op, err)
		}
	}
	return remote.WrapError(remote.KindUnknown, op, err)
}
