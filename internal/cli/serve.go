package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/engine"
	"github.com/lazypower/memgraph/internal/scheduler"
	"github.com/lazypower/memgraph/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the maintenance scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := engine.New(*cfg, engine.WithLogger(log))
	if err != nil {
		return err
	}
	if err := g.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize graph: %w", err)
	}
	defer g.Close()

	sched, err := scheduler.New(g, cfg.Maintenance.Schedule, log)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()
	if next := sched.Status().NextRun; next != nil {
		log.Info("maintenance scheduled",
			zap.String("schedule", cfg.Maintenance.Schedule), zap.String("next", humanize.Time(*next)))
	}

	if flagConfig != "" {
		watcher, err := config.NewWatcher(flagConfig, log)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		watcher.OnChange(sched.OnConfigChange)
		if err := watcher.Start(); err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	srv := server.New(g, VersionString(), server.WithScheduler(sched), server.WithLogger(log))
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("memgraph serving", zap.String("addr", addr), zap.String("db", cfg.Database.Path))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
