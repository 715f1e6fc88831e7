package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/roach88/questflow/internal/config"
	"github.com/roach88/questflow/internal/sessionserver"
	"github.com/roach88/questflow/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference session service",
		Long: `Run the reference session service over a SQLite database.

Serves the session API under /v1, /healthz and Prometheus /metrics. Bearer
tokens are taken as account ids without verification; this server is a
development double.

Example:
  questflow serve --addr :8080 --server-db ./sessions.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default listen_addr from config)")
	cmd.Flags().StringVar(&opts.Database, "server-db", "", "server SQLite database (default sessions.db in the config dir)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	addr := opts.Addr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	dbPath := opts.Database
	if dbPath == "" {
		dbPath = serverDBPath(cfg)
	}

	slog.Info("opening database", "path", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	if !opts.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := sessionserver.NewRouter(sessionserver.NewHandlers(st))

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Session service listening on %s\n", addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := sessionserver.Serve(ctx, addr, router); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	slog.Info("session service stopped gracefully")
	return nil
}

// serverDBPath keeps server tables apart from the client's local draft.
func serverDBPath(cfg *config.Config) string {
	return filepath.Join(cfg.Dir, "sessions.db")
}
