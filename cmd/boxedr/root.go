package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bpowers/boxedr"
	"github.com/bpowers/boxedr/diag"
	"github.com/bpowers/boxedr/internal/config"
	"github.com/bpowers/boxedr/interp"
)

// deps are the seams tests replace.
type deps struct {
	launcher func(cfg *config.Config, logger *slog.Logger) interp.Launcher
	stderr   io.Writer
}

func defaultDeps() *deps {
	return &deps{
		launcher: func(cfg *config.Config, logger *slog.Logger) interp.Launcher {
			return cfg.Launcher(logger)
		},
		stderr: os.Stderr,
	}
}

type app struct {
	deps       *deps
	configPath string
	cfg        *config.Config
}

func newRootCmd(d *deps) *cobra.Command {
	a := &app{deps: d}

	root := &cobra.Command{
		Use:   "boxedr",
		Short: "Run R analysis scripts in a managed interpreter",
		Long: `boxedr manages a long-lived R interpreter whose package library is
restored from a persistent cache, and runs untrusted analysis scripts in it.

Configuration is read from boxedr.yaml (or --config) and BOXEDR_* environment
variables, e.g. BOXEDR_STORE_BACKEND=redis.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}
	root.Version = "0.1.0"
	root.SetErr(d.stderr)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default boxedr.yaml)")

	root.AddCommand(
		a.initCmd(),
		a.runCmd(),
		a.cacheCmd(),
		a.configCmd(),
		a.serveCmd(),
	)
	return root
}

// session opens the store and builds a session with logs on stderr. The
// returned cleanup closes both.
func (a *app) session(ctx context.Context, metrics boxedr.MetricsCollector) (*boxedr.Session, func(), error) {
	level, err := a.cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	sink := diag.NewSink(slog.NewTextHandler(a.deps.stderr, &slog.HandlerOptions{Level: level}))
	logger := sink.Logger()

	st, closer, err := a.cfg.OpenStore(ctx, logger)
	if err != nil {
		logger.Warn("persistent store unavailable; continuing without cache", "backend", a.cfg.Store.Backend, "error", err)
		st = nil
	}

	sc := a.cfg.Session(a.deps.launcher(a.cfg, logger), st)
	sc.Diagnostics = sink
	sc.Metrics = metrics
	sess, err := boxedr.New(sc)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	cleanup := func() {
		if err := sess.Close(context.Background()); err != nil {
			logger.Warn("closing session", "error", err)
		}
		if err := closer.Close(); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}
	return sess, cleanup, nil
}

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Start the interpreter and populate the package cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Timeout)
			defer cancel()

			sess, cleanup, err := a.session(ctx, nil)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := sess.Initialize(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ready (channel %s, generation %s)\n", sess.Channel(), sess.GenerationTag())
			return nil
		},
	}
}
