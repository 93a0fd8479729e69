package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/annosync/internal/api"
	"github.com/roach88/annosync/internal/dispatch"
	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/store"
)

// Backend is the collection a command works against: a running server
// when a remote is configured, the SQLite database otherwise.
type Backend interface {
	remote.Collection
	dispatch.Sender
	Depth(ctx context.Context, queue string) (int, error)
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*api.Client)(nil)
)

// openBackend returns the configured backend and a function releasing it.
func (o *RootOptions) openBackend() (Backend, func(), error) {
	if o.Config.Remote != "" {
		c := api.NewClient(o.Config.Remote, api.WithClientLogger(o.Logger))
		return c, func() {}, nil
	}
	st, err := store.Open(o.Config.Database,
		store.WithPageSize(o.Config.PageSize),
		store.WithLogger(o.Logger),
	)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, func() {
		if err := st.Close(); err != nil {
			o.Logger.Warn("closing database", "error", err)
		}
	}, nil
}

// filterFor merges key=value flag pairs over the configured filter.
func (o *RootOptions) filterFor(pairs []string) (record.Filter, error) {
	return mergeFilter(o.Config.Filter, pairs)
}

func mergeFilter(base record.Filter, pairs []string) (record.Filter, error) {
	f := maps.Clone(base)
	if f == nil {
		f = record.Filter{}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid filter %q: want key=value", p))
		}
		f[k] = v
	}
	return f, nil
}

// parseAssignments turns key=value pairs into fields. Values that parse as
// JSON keep their type ("n=3", "done=true", "tags=[\"a\"]"); anything else
// is a string.
func parseAssignments(pairs []string) (record.Fields, error) {
	fields := record.Fields{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("invalid assignment %q: want key=value", p))
		}
		fields[k] = parseValue(v)
	}
	return fields, nil
}

func parseValue(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
