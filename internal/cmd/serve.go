package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mlattimore/gearqueue/internal/config"
	"github.com/mlattimore/gearqueue/internal/observability"
	"github.com/mlattimore/gearqueue/internal/server"
	"github.com/mlattimore/gearqueue/pkg/batch"
	"github.com/mlattimore/gearqueue/pkg/core"
	"github.com/mlattimore/gearqueue/pkg/gears"
	"github.com/mlattimore/gearqueue/pkg/queue"
	"github.com/mlattimore/gearqueue/pkg/reaper"
	"github.com/mlattimore/gearqueue/pkg/resolver"
	"github.com/mlattimore/gearqueue/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue service",
	Long: `Start the HTTP API, the heartbeat reaper and the metrics endpoint.
The process drains on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	q, orch, err := buildEngine(cfg, store, log)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(observability.NewQueueCollector(q.Stats))
	metrics := observability.NewMetrics(registry)
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = registry
	}

	rpr, err := buildReaper(cfg, q, metrics, log)
	if err != nil {
		return err
	}
	go func() {
		if err := rpr.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reaper stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(q, orch, metrics, gatherer, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStorage opens the sqlite-backed store and runs migrations.
func openStorage(ctx context.Context, cfg *config.Config) (core.Storage, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", cfg.Database.Path, err)
	}
	store := storage.NewGormStorage(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return store, nil
}

// buildEngine wires the queue and batch orchestrator from configuration.
func buildEngine(cfg *config.Config, store core.Storage, log *zap.Logger) (*queue.Queue, *batch.Orchestrator, error) {
	var res core.Resolver
	if cfg.Resolver.BaseURL != "" {
		client, err := resolver.New(cfg.Resolver.BaseURL, resolver.WithTimeout(cfg.Resolver.Timeout))
		if err != nil {
			return nil, nil, err
		}
		res = client
	}

	q := queue.New(store, gears.NewRegistry(store), res,
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithRetryOnFail(cfg.Queue.RetryOnFail),
		queue.WithLogger(log.Named("queue")),
	)
	return q, batch.NewOrchestrator(q, log.Named("batch")), nil
}

// buildReaper configures the heartbeat reaper schedule.
func buildReaper(cfg *config.Config, q *queue.Queue, metrics *observability.Metrics, log *zap.Logger) (*reaper.Reaper, error) {
	opts := []reaper.Option{
		reaper.WithTimeout(cfg.Reaper.HeartbeatTimeout),
		reaper.WithLogger(log.Named("reaper")),
	}
	if metrics != nil {
		opts = append(opts, reaper.WithCounter(metrics.Reaped))
	}
	if cfg.Reaper.Cron != "" {
		sched, err := reaper.Cron(cfg.Reaper.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing reaper.cron: %w", err)
		}
		opts = append(opts, reaper.WithSchedule(sched))
	} else {
		opts = append(opts, reaper.WithSchedule(reaper.Every(cfg.Reaper.Interval)))
	}
	return reaper.New(q, opts...), nil
}
