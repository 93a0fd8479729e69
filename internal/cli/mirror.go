package cli

import (
	"context"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/annosync/internal/config"
	"github.com/roach88/annosync/internal/engine"
)

// MirrorOptions holds flags for the mirror command.
type MirrorOptions struct {
	*RootOptions
	Filters []string // key=value pairs over the configured filter
	Once    bool     // load once, print the snapshot and exit
	NoWatch bool     // ignore config file changes
}

// NewMirrorCommand creates the mirror command.
func NewMirrorCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MirrorOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror a filtered collection live",
		Long: `Mirror the records selected by the filter into a local cache and keep
it current from the change stream, printing every engine notice.

With --config, edits to the file's filter or retry settings are applied
without a restart: a new filter rebinds the mirror.

Exit codes:
  0 - Interrupted, or --once completed
  1 - The fetch failed (--once)
  2 - Command error (bad flags, invalid config)

Examples:
  annosync mirror --remote http://127.0.0.1:8080 --filter status=open
  annosync mirror --config annosync.yaml --format json
  annosync mirror --db records.db --once`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirror(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Filters, "filter", nil, "filter field as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "fetch once, print the snapshot and exit")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload the config file on change")

	return cmd
}

func runMirror(ctx context.Context, opts *MirrorOptions, cmd *cobra.Command) error {
	if err := opts.prepare(cmd); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
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

	if opts.Once {
		s := opts.startSession(ctx, b, nil)
		defer s.close()
		if err := s.load(ctx, filter); err != nil {
			_ = out.Error(ErrorCode(err), err.Error(), nil)
			return WrapExitError(ExitFailure, "fetch failed", err)
		}
		return writeRecords(out, s.eng.Snapshot())
	}

	w := cmd.OutOrStdout()
	s := opts.startSession(ctx, b, func(n engine.Notice) {
		writeNotice(w, opts.Format, n)
	})
	defer s.close()
	s.eng.Bind(filter)

	var wg sync.WaitGroup
	defer wg.Wait()
	if opts.ConfigPath != "" && !opts.NoWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, opts.ConfigPath, opts.Config, opts.Logger, func(c config.Config) {
				s.eng.SetRetryPolicy(c.RetryPolicy())
				next, err := mergeFilter(c.Filter, opts.Filters)
				if err != nil {
					opts.Logger.Warn("ignoring reloaded filter", "error", err)
					return
				}
				s.eng.Bind(next)
			})
			if err != nil {
				opts.Logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	return nil
}
