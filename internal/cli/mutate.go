package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/annosync/internal/engine"
	"github.com/roach88/annosync/internal/record"
)

// MutateOptions holds flags for the mutate commands.
type MutateOptions struct {
	*RootOptions
	Set     []string      // key=value fields
	Filters []string      // filter to load before update/delete
	Timeout time.Duration // bound on waiting for the write to settle
}

// MutationResult is the outcome of one mutate command.
type MutationResult struct {
	Op       string        `json:"op"`
	LocalID  string        `json:"local_id"`
	Record   record.Record `json:"record"`
	Attempts int           `json:"attempts"`
}

// NewMutateCommand creates the mutate command and its create, update and
// delete subcommands.
func NewMutateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mutate",
		Short: "Apply a write through the sync engine",
		Long: `Apply one create, update or delete through the sync engine and wait for
the remote store to confirm it. Update and delete first load the records
selected by the filter; the target must be among them.

Exit codes:
  0 - The write was confirmed
  1 - The write was rejected or failed
  2 - Command error (bad flags, invalid config)

Examples:
  annosync mutate create --set title=hello --set priority=2
  annosync mutate update 0190... --set status=done
  annosync mutate delete 0190... --filter status=done`,
	}

	cmd.PersistentFlags().StringArrayVar(&opts.Set, "set", nil, "field as key=value; JSON values keep their type (repeatable)")
	cmd.PersistentFlags().StringArrayVar(&opts.Filters, "filter", nil, "filter field as key=value (repeatable)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for confirmation")

	cmd.AddCommand(&cobra.Command{
		Use:           "create",
		Short:         "Create a record",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(cmd.Context(), opts, engine.OpCreate, "", cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "update <id>",
		Short:         "Merge fields into a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(cmd.Context(), opts, engine.OpUpdate, args[0], cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutate(cmd.Context(), opts, engine.OpDelete, args[0], cmd)
		},
	})

	return cmd
}

func runMutate(ctx context.Context, opts *MutateOptions, kind engine.OpKind, id string, cmd *cobra.Command) error {
	if err := opts.prepare(cmd); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fields, err := parseAssignments(opts.Set)
	if err != nil {
		return err
	}
	if kind != engine.OpDelete && len(fields) == 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s needs at least one --set", kind))
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

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	out := opts.formatter(cmd)
	s := opts.startSession(ctx, b, func(n engine.Notice) {
		if n.Type == engine.NoticeAttempt {
			out.VerboseLog("attempt %d of %s failed: %v", n.Attempt, n.Name, n.Err)
		}
	})
	defer s.close()

	if kind != engine.OpCreate {
		if err := s.load(ctx, filter); err != nil {
			_ = out.Error(ErrorCode(err), err.Error(), nil)
			return WrapExitError(ExitFailure, "fetch failed", err)
		}
	}

	var op *engine.Op
	switch kind {
	case engine.OpCreate:
		op = s.eng.Create(fields)
	case engine.OpUpdate:
		op = s.eng.Update(record.New(id, fields))
	case engine.OpDelete:
		op = s.eng.Delete(id)
	}

	rec, err := op.Wait(ctx)
	if err != nil {
		_ = out.Error(ErrorCode(err), err.Error(), map[string]any{"op": kind.String(), "id": op.LocalID})
		return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", kind), err)
	}

	if rec.ID == "" {
		rec.ID = op.LocalID
	}
	result := MutationResult{Op: kind.String(), LocalID: op.LocalID, Record: rec, Attempts: op.Attempts()}
	if opts.Format == "json" {
		return out.Success(result)
	}
	body, err := record.MarshalCanonical(rec.Fields)
	if err != nil {
		return err
	}
	fmt.Fprintf(out.Writer, "%sd %s\t%s\n", kind, rec.ID, body)
	return nil
}
