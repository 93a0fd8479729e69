package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/annosync/internal/dispatch"
	"github.com/roach88/annosync/internal/fetch"
	"github.com/roach88/annosync/internal/record"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Filters     []string
	Queue       string
	Pairs       bool
	OrderBy     string
	MaxGap      float64
	SkipWhere   string
	Extra       []string
	Concurrency int
}

// DispatchResult is the JSON payload of the dispatch command.
type DispatchResult struct {
	dispatch.Report
	Depth int `json:"depth"`
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Fan records out to a work queue",
		Long: `Fetch the records selected by a filter and send one message per record,
or one per neighbouring pair with --pairs, to a work queue.

Messages carry a dedupe key, so running the same dispatch twice sends
nothing new.

Exit codes:
  0 - Every message was accepted or was already queued
  1 - The fetch or a send failed
  2 - Command error (bad flags, invalid expression)

Examples:
  annosync dispatch --filter status=open --queue review
  annosync dispatch --pairs --order-by frame --max-gap 5 --extra set=batch-7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Filters, "filter", nil, "filter field as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Queue, "queue", "", "target queue (default from config)")
	cmd.Flags().BoolVar(&opts.Pairs, "pairs", false, "send neighbouring pairs instead of single records")
	cmd.Flags().StringVar(&opts.OrderBy, "order-by", "", "field to order records by before pairing")
	cmd.Flags().Float64Var(&opts.MaxGap, "max-gap", 0, "pair only neighbours whose order field differs by less than this")
	cmd.Flags().StringVar(&opts.SkipWhere, "skip-where", "", "expression selecting records to leave out")
	cmd.Flags().StringArrayVar(&opts.Extra, "extra", nil, "field merged into every message as key=value (repeatable)")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "sends in flight (default from config)")

	return cmd
}

func runDispatch(ctx context.Context, opts *DispatchOptions, cmd *cobra.Command) error {
	if err := opts.prepare(cmd); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Queue == "" {
		opts.Queue = opts.Config.Dispatch.Queue
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = opts.Config.Dispatch.Concurrency
	}
	if opts.MaxGap > 0 && opts.OrderBy == "" {
		return NewExitError(ExitCommandError, "--max-gap requires --order-by")
	}
	skip, err := CompilePredicate(opts.SkipWhere)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --skip-where expression", err)
	}
	extra, err := parseAssignments(opts.Extra)
	if err != nil {
		return err
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
	recs, _, err := fetch.Collect(ctx, b, filter,
		fetch.WithRetryPolicy(opts.Config.RetryPolicy()),
		fetch.WithMaxPages(opts.Config.MaxPages),
		fetch.WithLogger(opts.Logger),
	)
	if err != nil {
		_ = out.Error(ErrorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "fetch failed", err)
	}

	dopts := []dispatch.Option{
		dispatch.WithConcurrency(opts.Concurrency),
		dispatch.WithRetryPolicy(opts.Config.RetryPolicy()),
		dispatch.WithLogger(opts.Logger),
		dispatch.WithProgress(func(p dispatch.Progress) {
			out.VerboseLog("%d/%d", p.Completed, p.Total)
		}),
	}
	if len(extra) > 0 {
		dopts = append(dopts, dispatch.WithExtra(extra))
	}
	if opts.SkipWhere != "" {
		dopts = append(dopts, dispatch.WithSkip(func(r record.Record) bool {
			ok, err := skip(r)
			if err != nil {
				opts.Logger.Warn("skip expression failed", "id", r.ID, "error", err)
				return false
			}
			return ok
		}))
	}
	if opts.OrderBy != "" {
		dopts = append(dopts, dispatch.WithOrderBy(opts.OrderBy), dispatch.WithMaxGap(opts.MaxGap))
	}
	d := dispatch.New(b, opts.Queue, dopts...)

	var report dispatch.Report
	if opts.Pairs {
		report, err = d.Pairs(ctx, recs)
	} else {
		report, err = d.Records(ctx, recs)
	}
	if err != nil {
		_ = out.Error(ErrorCode(err), err.Error(), report)
		return WrapExitError(ExitFailure, "dispatch failed", err)
	}

	depth, err := b.Depth(ctx, opts.Queue)
	if err != nil {
		return WrapExitError(ExitFailure, "read queue depth", err)
	}

	if opts.Format == "json" {
		return out.Success(DispatchResult{Report: report, Depth: depth})
	}
	fmt.Fprintf(out.Writer, "queue %s: %d total, %d sent, %d duplicates, %d skipped (depth %d)\n",
		report.Queue, report.Total, report.Sent, report.Duplicates, report.Skipped, depth)
	return nil
}
