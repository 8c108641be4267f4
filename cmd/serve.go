package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/renderq/renderq/internal/api"
	"github.com/renderq/renderq/internal/artifact"
	"github.com/renderq/renderq/internal/clock/system"
	"github.com/renderq/renderq/internal/config"
	"github.com/renderq/renderq/internal/executor"
	"github.com/renderq/renderq/internal/logging"
	"github.com/renderq/renderq/internal/queue"
	"github.com/renderq/renderq/internal/store/memory"
	"github.com/renderq/renderq/internal/store/postgres"
	"github.com/renderq/renderq/internal/store/sqlite"
	"github.com/renderq/renderq/internal/worker"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and
// the sequential render worker in one process.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the render queue service",
		Long: `Starts the HTTP API and the sequential render worker. Jobs accepted
over HTTP are stored durably and rendered one at a time in a headless
browser.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		// Schema provisioning failures land here and abort startup.
		return fmt.Errorf("open job store: %w", err)
	}
	defer closeStore()

	artifacts, err := openArtifacts(cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	if cfg.Browser.DownloadDir != "" {
		if err := os.MkdirAll(cfg.Browser.DownloadDir, 0o755); err != nil {
			return fmt.Errorf("create download dir: %w", err)
		}
	}

	exec, err := executor.New(executor.Config{
		ExecPath:          cfg.Browser.ExecPath,
		DownloadDir:       cfg.Browser.DownloadDir,
		NavTimeout:        cfg.Executor.NavTimeout,
		NetworkIdleWindow: cfg.Executor.NetworkIdleWindow,
		GracePeriod:       cfg.Executor.GracePeriod,
		FallbackWait:      cfg.Executor.FallbackWait,
		MaxViewportWidth:  cfg.Executor.MaxViewportWidth,
		MaxViewportHeight: cfg.Executor.MaxViewportHeight,
	}, logger.Named("executor"))
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	defer exec.Close()

	w := worker.New(store, exec, artifacts, system.New(), worker.Config{
		PollInterval: cfg.Worker.PollInterval,
		DownloadDir:  cfg.Browser.DownloadDir,
	}, logger.Named("worker"))

	server := api.NewServer(store, w, system.New(), logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	<-workerDone

	logger.Info("service stopped")
	return nil
}

// openStore picks the job store backend. The returned closer is always safe
// to call.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Store, func(), error) {
	switch cfg.DB.Driver {
	case "postgres":
		st, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.DB.DSN); cfg.DB.DSN != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		st, err := sqlite.Open(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			if cerr := st.Close(); cerr != nil {
				logger.Warn("close sqlite store failed", zap.Error(cerr))
			}
		}, nil
	case "memory":
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", cfg.DB.Driver)
	}
}

func openArtifacts(cfg config.Config) (artifact.Store, error) {
	switch cfg.Artifacts.Provider {
	case "local":
		if err := os.MkdirAll(cfg.Artifacts.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
		return artifact.NewLocal(artifact.LocalConfig{BaseDir: cfg.Artifacts.BaseDir})
	case "memory":
		return artifact.NewMemory(), nil
	case "noop":
		return artifact.Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown artifacts provider %q", cfg.Artifacts.Provider)
	}
}
