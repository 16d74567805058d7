package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/okian/touchpoint/internal/adapters/http/api"
	"github.com/okian/touchpoint/internal/adapters/http/site"
	"github.com/okian/touchpoint/internal/adapters/http/swagger"
	"github.com/okian/touchpoint/internal/adapters/warehouse"
	service "github.com/okian/touchpoint/internal/app"
	"github.com/okian/touchpoint/internal/config"
	"github.com/okian/touchpoint/internal/domain/dedupe"
	"github.com/okian/touchpoint/internal/domain/model"
	"github.com/okian/touchpoint/pkg/logger"
	"github.com/okian/touchpoint/pkg/metrics"
)

// HTTP server timeout constants.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 60 * time.Second // a manual refresh blocks until the cycle ends
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	connectTimeout         = 10 * time.Second
	systemMetricsInterval  = 10 * time.Second
	serviceMetricsInterval = 5 * time.Second
)

// Dedupe backends.
const (
	dedupeMemory = "memory"
	dedupeRedis  = "redis"
)

func main() {
	// Default Go collectors live on the global registry; ours is custom.
	prometheus.Unregister(collectors.NewGoCollector())
	prometheus.Unregister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// The logger isn't available yet.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.InitWithFormat(cfg.LogFormat); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			os.Stderr.WriteString("failed to sync logger: " + err.Error() + "\n")
		}
	}()

	log := logger.Get()
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "touchpoint exited", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run wires the service and serves HTTP until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	store, err := buildStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	deduper, err := buildDeduper(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open dedupe: %w", err)
	}

	opts, err := serviceOptions(cfg, log)
	if err != nil {
		_ = store.Close()
		return err
	}
	svc := service.New(append(opts, service.WithStore(store), service.WithDeduper(deduper))...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	defer svc.Stop(context.WithoutCancel(ctx))

	go startSystemMetricsUpdater(ctx)
	go startServiceMetricsUpdater(ctx, svc)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newMux(ctx, svc, log),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info(ctx, "shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "server shutdown failed", logger.Error(err))
	}
	log.Info(ctx, "server stopped")
	return nil
}

// newMux registers the API, the API reference and the dashboard.
func newMux(ctx context.Context, svc *service.Service, log logger.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(svc, svc, api.WithLogger(log.Named("http"))).Register(ctx, mux)
	swagger.Register(ctx, mux)
	site.Register(ctx, mux)
	return mux
}

func buildStore(ctx context.Context, cfg *config.Config, log logger.Logger) (warehouse.Store, error) {
	return warehouse.Open(ctx, warehouse.Config{
		Driver:         cfg.WarehouseDriver,
		DSN:            cfg.WarehouseDSN,
		StagingTable:   cfg.StagingTable,
		MartFirstTable: cfg.MartFirstTable,
		MartLastTable:  cfg.MartLastTable,
		InitSchema:     cfg.InitSchema,
		MaxOpenConns:   cfg.WarehouseMaxConns,
		ConnectTimeout: connectTimeout,
	}, log.Named("warehouse"))
}

func buildDeduper(ctx context.Context, cfg *config.Config) (dedupe.Deduper, error) {
	switch strings.ToLower(cfg.DedupeBackend) {
	case "", dedupeMemory:
		return dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize), dedupe.WithTTL(cfg.DedupeTTL)), nil
	case dedupeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		d := dedupe.NewRedisDeduper(client, dedupe.DefaultRedisKeyPrefix, cfg.DedupeTTL)
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := d.Ping(pingCtx); err != nil {
			_ = d.Close()
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: dedupe_backend %q", config.ErrInvalidConfig, cfg.DedupeBackend)
	}
}

// serviceOptions maps the configuration onto service options.
func serviceOptions(cfg *config.Config, log logger.Logger) ([]service.Option, error) {
	minInterval, maxInterval := cfg.RefreshBounds()
	opts := []service.Option{
		service.WithLogger(log.Named("service")),
		service.WithWindow(cfg.WindowDays, cfg.WindowOptions),
		service.WithTopN(cfg.TopN, cfg.TopNMax),
		service.WithLiveLimit(cfg.LiveLimit, cfg.LiveLimitMin, cfg.LiveLimitMax),
		service.WithTTLs(cfg.TotalsTTL, cfg.LiveTTL),
		service.WithAutoRefresh(cfg.AutoRefresh, cfg.RefreshInterval(), minInterval, maxInterval),
		service.WithQueryTimeout(cfg.QueryTimeout),
		service.WithMaterializeMarts(cfg.MaterializeMarts),
		service.WithWorkerCount(cfg.WorkerCount),
		service.WithQueueSize(cfg.EventQueueSize),
		service.WithBatching(cfg.BatchSize, cfg.FlushInterval),
	}
	if cfg.WindowAnchor != "" {
		anchor, err := model.ParseDay(cfg.WindowAnchor)
		if err != nil {
			return nil, fmt.Errorf("%w: window_anchor: %w", config.ErrInvalidConfig, err)
		}
		opts = append(opts, service.WithWindowAnchor(anchor))
	}
	return opts, nil
}

// startSystemMetricsUpdater starts a background goroutine that updates system metrics.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

// startServiceMetricsUpdater refreshes the gauges GetStats maintains.
func startServiceMetricsUpdater(ctx context.Context, svc *service.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.GetStats()
		}
	}
}

// updateSystemMetrics updates system-level metrics.
func updateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	metrics.UpdateSystemMemoryUsage(m.Alloc)
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
}
