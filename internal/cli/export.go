package cli

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/annosync/internal/fetch"
	"github.com/roach88/annosync/internal/record"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Filters []string
	Where   string // expr predicate applied after the fetch
	As      string // "json" | "csv"
	Out     string // output file; stdout when empty
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Fetch every record selected by a filter",
		Long: `Fetch every page of the records selected by a filter and write them out.

--where narrows the result with an expression over the record fields,
for example 'priority > 2 && status != "done"'.

Exit codes:
  0 - Export written
  1 - The remote fetch failed
  2 - Command error (bad flags, invalid expression)

Examples:
  annosync export --filter status=open
  annosync export --as csv --out open.csv --where 'priority >= 3'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Filters, "filter", nil, "filter field as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Where, "where", "", "expression selecting records to keep")
	cmd.Flags().StringVar(&opts.As, "as", "json", "export format (json|csv)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default stdout)")

	return cmd
}

func runExport(ctx context.Context, opts *ExportOptions, cmd *cobra.Command) error {
	if err := opts.prepare(cmd); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.As != "json" && opts.As != "csv" {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid export format %q: must be json or csv", opts.As))
	}
	keep, err := CompilePredicate(opts.Where)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --where expression", err)
	}
	filter, err := opts.filterFor(opts.Filters)
	if err != nil {
		return err
	}

	b, release, err := opts.openBackend()
	if err != nil {
		return err
	}
	defer release()

	out := opts.formatter(cmd)
	recs, cursor, err := fetch.Collect(ctx, b, filter,
		fetch.WithRetryPolicy(opts.Config.RetryPolicy()),
		fetch.WithMaxPages(opts.Config.MaxPages),
		fetch.WithLogger(opts.Logger),
	)
	if err != nil {
		_ = out.Error(ErrorCode(err), err.Error(), map[string]any{"pages": cursor.Pages})
		return WrapExitError(ExitFailure, "fetch failed", err)
	}

	selected := recs[:0:0]
	for _, r := range recs {
		ok, err := keep(r)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("evaluate --where on %s", r.ID), err)
		}
		if ok {
			selected = append(selected, r)
		}
	}
	out.VerboseLog("fetched %d records in %d pages, exporting %d", len(recs), cursor.Pages, len(selected))

	w := out.Writer
	if opts.Out != "" {
		f, err := os.Create(opts.Out)
		if err != nil {
			return WrapExitError(ExitCommandError, "cannot create output file", err)
		}
		defer f.Close()
		w = f
	}

	if opts.As == "csv" {
		return writeCSV(w, selected)
	}
	if opts.Out == "" {
		return writeRecords(&OutputFormatter{Format: "json", Writer: w}, selected)
	}
	return writeJSONArray(w, selected)
}

// writeJSONArray writes records as one canonical JSON array.
func writeJSONArray(w io.Writer, recs []record.Record) error {
	items := make([]any, len(recs))
	for i, r := range recs {
		m := map[string]any(r.Fields.Clone())
		m[record.IDField] = r.ID
		items[i] = m
	}
	data, err := record.MarshalCanonical(items)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// writeCSV writes one row per record. Columns are id followed by the union
// of field names in sorted order; strings are written as is and every other
// value as canonical JSON.
func writeCSV(w io.Writer, recs []record.Record) error {
	cols := map[string]struct{}{}
	for _, r := range recs {
		for k := range r.Fields {
			cols[k] = struct{}{}
		}
	}
	delete(cols, record.IDField)
	names := sortedKeys(cols)

	cw := csv.NewWriter(w)
	if err := cw.Write(slices.Concat([]string{record.IDField}, names)); err != nil {
		return err
	}
	row := make([]string, len(names)+1)
	for _, r := range recs {
		row[0] = r.ID
		for i, k := range names {
			cell, err := csvCell(r.Fields, k)
			if err != nil {
				return fmt.Errorf("record %s: %w", r.ID, err)
			}
			row[i+1] = cell
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvCell(fields record.Fields, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := record.MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
