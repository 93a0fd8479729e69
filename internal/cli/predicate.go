package cli

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/roach88/annosync/internal/record"
)

// Predicate reports whether a record is selected.
type Predicate func(record.Record) (bool, error)

// CompilePredicate compiles an expr-lang boolean expression over a
// record's fields, e.g. `status == "open" && priority > 2`. The record id
// is available as "id". Fields a record lacks evaluate to nil.
// An empty source selects everything.
func CompilePredicate(src string) (Predicate, error) {
	if src == "" {
		return func(record.Record) (bool, error) { return true, nil }, nil
	}
	program, err := expr.Compile(src,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	return func(r record.Record) (bool, error) {
		return runPredicate(program, r)
	}, nil
}

func runPredicate(program *vm.Program, r record.Record) (bool, error) {
	env := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		env[k] = exprValue(v)
	}
	env[record.IDField] = r.ID

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate for %s: %w", r.ID, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

// exprValue converts decoded JSON numbers to Go numbers so expressions can
// compare them with literals.
func exprValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = exprValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = exprValue(e)
		}
		return out
	default:
		return v
	}
}
