package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"video-pipeline/internal/config"
	"video-pipeline/internal/enhance"
	"video-pipeline/internal/events"
	"video-pipeline/internal/logging"
	"video-pipeline/internal/media"
	"video-pipeline/internal/objectstore"
	"video-pipeline/internal/store"
	"video-pipeline/internal/telemetry"
	workerproc "video-pipeline/internal/worker"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var count int
	run := &cobra.Command{
		Use:   "run",
		Short: "Poll the job table and process media jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkers(cmd.Context(), count)
		},
	}
	run.Flags().IntVar(&count, "count", 0, "number of worker loops in this process (default WORKER_COUNT)")

	reap := &cobra.Command{
		Use:   "reap",
		Short: "Sweep expired job leases once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return reapOnce(cmd.Context())
		},
	}

	root := &cobra.Command{
		Use:          "worker",
		Short:        "Media pipeline worker",
		SilenceUsage: true,
		RunE:         run.RunE,
	}
	root.Flags().AddFlagSet(run.Flags())
	root.AddCommand(run, reap)
	return root
}

type deps struct {
	cfg    config.Config
	logger *zap.Logger
	store  *store.Store
}

func bootstrap(ctx context.Context) (deps, func(), error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return deps{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return deps{}, nil, err
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		_ = logger.Sync()
		return deps{}, nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		_ = logger.Sync()
		return deps{}, nil, fmt.Errorf("migrations: %w", err)
	}
	cleanup := func() {
		st.Close()
		_ = logger.Sync()
	}
	return deps{cfg: cfg, logger: logger, store: st}, cleanup, nil
}

func runWorkers(parent context.Context, count int) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	cfg, logger := d.cfg, d.logger

	if count <= 0 {
		count = cfg.WorkerCount
	}
	if count <= 0 {
		count = 1
	}

	var rdb *redis.Client
	if cfg.EventsBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
	}
	publisher, err := events.New(cfg, rdb)
	if err != nil {
		return err
	}
	defer publisher.Close()

	uploader, err := objectstore.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	enhancer, err := enhance.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init enhancer: %w", err)
	}
	engine := media.NewEngine(media.ExecRunner{}, media.OptionsFromConfig(cfg), logger.Named("media"))
	handlers := workerproc.NewMediaHandlers(cfg,
		objectstore.NewDownloader(cfg.DownloadTimeout, cfg.DownloadMaxBytes),
		engine, enhancer, uploader, logger.Named("handlers"))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	base := cfg.WorkerID
	if base == "" {
		base = workerproc.DefaultWorkerID()
	}

	var wg sync.WaitGroup
	for i := 1; i <= count; i++ {
		id := base
		if count > 1 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		p := workerproc.NewProcessorWithID(cfg, d.store, publisher, logger, id)
		handlers.Register(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker loop stopped", zap.String("worker_id", p.WorkerID()), zap.Error(err))
			}
		}()
	}

	reaper := workerproc.NewReaper(d.store, cfg.ReapInterval, cfg.MaxAttempts, logger.Named("reaper"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reaper.Run(ctx)
	}()

	logger.Info("workers started",
		zap.Int("count", count),
		zap.String("storage", cfg.StorageBackend),
		zap.String("enhancer", cfg.EnhancerMode),
		zap.String("events", cfg.EventsBackend),
		zap.Duration("lease", cfg.LeaseTimeout),
	)
	wg.Wait()
	logger.Info("all workers stopped")
	return nil
}

func reapOnce(parent context.Context) error {
	d, cleanup, err := bootstrap(parent)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := workerproc.NewReaper(d.store, d.cfg.ReapInterval, d.cfg.MaxAttempts, d.logger).Sweep(parent)
	if err != nil {
		return fmt.Errorf("reap: %w", err)
	}
	d.logger.Info("reap finished", zap.Int("requeued", len(report.Requeued)), zap.Int("failed", len(report.Failed)))
	return nil
}
