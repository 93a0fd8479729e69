package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/annosync/internal/api"
	"github.com/roach88/annosync/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// onListen is called with the bound address once the server accepts
	// connections.
	onListen func(net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the record collection over HTTP",
		Long: `Serve the SQLite record collection, its change stream and work queues
over HTTP until interrupted.

Examples:
  annosync serve --db records.db
  annosync serve --listen 0.0.0.0:8080 -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	if err := opts.prepare(cmd); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	addr := opts.Config.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}

	st, err := store.Open(opts.Config.Database,
		store.WithPageSize(opts.Config.PageSize),
		store.WithLogger(opts.Logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	srv := &http.Server{
		Handler:           api.NewServer(st, opts.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	opts.Logger.Info("serving", "addr", ln.Addr().String(), "database", opts.Config.Database)
	opts.formatter(cmd).VerboseLog("listening on %s", ln.Addr())
	if opts.onListen != nil {
		opts.onListen(ln.Addr())
	}

	select {
	case err := <-errCh:
		return WrapExitError(ExitFailure, "server failed", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Open change streams only end with the store; close it first so
	// Shutdown does not wait on them.
	if err := st.Close(); err != nil {
		opts.Logger.Warn("closing database", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server failed", err)
	}
	opts.Logger.Info("server stopped")
	return nil
}
