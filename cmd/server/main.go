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
	"github.com/spf13/viper"

	"vampire-server/internal/config"
	"vampire-server/internal/history"
	"vampire-server/internal/logging"
	"vampire-server/internal/proof"
	"vampire-server/internal/prover"
	"vampire-server/internal/realtime"
	"vampire-server/internal/session"
	"vampire-server/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vampire-server",
		Short: "HTTP and WebSocket front end for the Vampire prover",
		Long: `vampire-server runs the Vampire theorem prover on submitted problems,
either to completion or step by step with manual clause selection, and
returns the prover output as structured lines.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(viper.New(), file, cmd.Flags())
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Verbose, cfg.LogFormat)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}

	f := cmd.Flags()
	f.StringP("vampire", "p", "", "path to the Vampire executable (required)")
	f.BoolP("verbose", "v", false, "log debug output")
	f.String("host", "", "interface to listen on")
	f.Int("port", 8000, "port to listen on")
	f.StringP("config", "c", "", "config file (yaml, json or toml)")
	f.Duration("timeout", 60*time.Second, "limit for one prover run or resumption")
	f.String("staging-dir", "", "directory for staged problem files (default is the system temp dir)")
	f.String("history", "", "sqlite file for the run history (disabled when empty)")
	f.String("log-format", "text", "log format: text or json")
	f.String("static-dir", "", "directory of static files served at /")
	return cmd
}

// run wires the server together and blocks until ctx is cancelled or the
// listener fails.
func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	adapter := prover.NewExecAdapter(prover.Config{
		Executable:      cfg.Vampire,
		StagingDir:      cfg.StagingDir,
		Timeout:         cfg.Timeout,
		InteractiveArgs: cfg.InteractiveArgs,
		PromptMarkers:   cfg.PromptMarkers,
		FailureMarkers:  cfg.FailureMarkers,
		LaunchRate:      cfg.LaunchRate,
		LaunchBurst:     cfg.LaunchBurst,
		Logger:          log,
	})

	mgrCfg := session.Config{
		MaxSessions: cfg.MaxSessions,
		EventBuffer: cfg.EventBuffer,
		Parser:      proof.NewParser(cfg.PromptMarkers...),
		Logger:      log,
	}
	opts := realtime.Options{
		StaticDir:  cfg.StaticDir,
		Executable: adapter.Executable(),
		Logger:     log,
	}

	if cfg.History != "" {
		store, err := history.Open(cfg.History)
		if err != nil {
			return err
		}
		defer store.Close()
		mgrCfg.Recorder = store
		opts.History = store
		log.Info("run history enabled", "path", cfg.History)
	}

	sessMgr := session.NewManager(adapter, mgrCfg)
	rtServer := realtime.New(sessMgr, opts)

	exeWatch := watcher.New(cfg.Vampire, adapter.Check, rtServer.OnProverStatus, log)
	if err := exeWatch.Start(); err != nil {
		log.Warn("not watching prover executable", "error", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("vampire server listening", "addr", httpServer.Addr, "vampire", cfg.Vampire)
		errCh <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	exeWatch.Shutdown()
	rtServer.Close()
	sessMgr.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		httpServer.Close()
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
