package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bleepstore/objectstore/internal/metrics"
	"github.com/bleepstore/objectstore/internal/server"
	"github.com/bleepstore/objectstore/internal/storage"
)

type serveFlags struct {
	host string
	port int
}

func newServeCmd(a *app) *cobra.Command {
	f := serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Serves the configured bucket over HTTP until SIGINT or SIGTERM. In-flight
requests get server.shutdown_timeout seconds to complete.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.host != "" {
				a.cfg.Server.Host = f.host
			}
			if f.port != 0 {
				a.cfg.Server.Port = f.port
			}
			if a.cfg.Metrics.Enabled {
				metrics.Register()
			}
			return a.withClient(cmd.Context(), func(c storage.Client) error {
				return serve(a, server.New(a.cfg, c))
			})
		},
	}
	cmd.Flags().StringVar(&f.host, "host", "", "override listening host (default: from config or 0.0.0.0)")
	cmd.Flags().IntVar(&f.port, "port", 0, "override listening port (default: from config or 9000)")
	return cmd
}

func serve(a *app, srv *server.Server) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("objstore gateway listening", "addr", addr, "provider", a.cfg.Storage.Provider)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		slog.Info("Server stopped")
		return nil
	case err, ok := <-errCh:
		if ok && err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
