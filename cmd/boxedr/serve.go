package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bpowers/boxedr"
	"github.com/bpowers/boxedr/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session over HTTP",
		Long: `serve keeps one interpreter alive and exposes it over HTTP:

  POST   /v1/initialize      bring the session up
  POST   /v1/run             {"script": "...", "input": <json>}
  POST   /v1/restart         replace a crashed interpreter
  GET    /v1/state           lifecycle state
  GET    /v1/logs            diagnostic log
  GET    /v1/logs/stream     diagnostic log as server-sent events
  GET    /v1/cache           cached library manifest
  DELETE /v1/cache           wipe the cache
  POST   /v1/cache/persist   request durable storage
  GET    /metrics            Prometheus metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return a.serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

// serve runs the HTTP server on ln until ctx ends.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	pmc := boxedr.NewPrometheusMetricsCollector("")
	sess, cleanup, err := a.session(ctx, pmc)
	if err != nil {
		ln.Close()
		return err
	}
	defer cleanup()
	logger := sess.Diagnostics().Logger()

	if a.cfg.Server.InitOnStartup {
		go func() {
			ictx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
			defer cancel()
			if err := sess.Initialize(ictx); err != nil {
				logger.Error("initialization on startup failed; POST /v1/initialize to retry", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Handler:           server.New(sess, server.Options{Metrics: pmc.Handler(), RunTimeout: a.cfg.Timeout}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	logger.Info("serving", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(sctx)
}
