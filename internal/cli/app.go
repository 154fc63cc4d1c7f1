package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/digest-scheduler/internal/config"
	"github.com/ChuLiYu/digest-scheduler/internal/discovery"
	"github.com/ChuLiYu/digest-scheduler/internal/logging"
	"github.com/ChuLiYu/digest-scheduler/internal/metrics"
	"github.com/ChuLiYu/digest-scheduler/internal/queue"
	"github.com/ChuLiYu/digest-scheduler/internal/scheduler"
	"github.com/ChuLiYu/digest-scheduler/internal/server"
	"github.com/ChuLiYu/digest-scheduler/internal/snapshot"
	"github.com/ChuLiYu/digest-scheduler/internal/store"
)

// App is the composition root: every component is built here and nowhere
// else.
type App struct {
	cfg        *config.Config
	configPath string
	log        zerolog.Logger

	Store     store.Store
	Scheduler *scheduler.Scheduler
	Registry  *prometheus.Registry
	Metrics   *metrics.Collector
	Health    *server.Health
	Status    *snapshot.Manager
}

// NewApp opens the store and wires the scheduler. Servers are started by Run.
func NewApp(ctx context.Context, cfg *config.Config, configPath string, log zerolog.Logger) (*App, error) {
	st, err := store.Open(ctx, storeConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	app := &App{
		cfg:        cfg,
		configPath: configPath,
		log:        log,
		Store:      st,
		Registry:   reg,
		Metrics:    collector,
		Status:     snapshot.NewManager(cfg.Status.Path),
	}
	if cfg.GRPC.Enabled {
		app.Health = server.NewHealth(log)
	}

	sched, err := scheduler.New(scheduler.Config{
		Interval:      cfg.Scheduler.Interval,
		BatchSize:     cfg.Scheduler.BatchSize,
		PageSize:      cfg.Scheduler.PageSize,
		Retry:         scheduler.RetryPolicy{MaxConsecutiveFailures: cfg.Scheduler.MaxConsecutiveFailures},
		OnStateChange: app.onStateChange,
	}, scheduler.Dependencies{
		Store: st,
		Discovery: discovery.NewHTTPClient(discovery.HTTPConfig{
			BaseURL:    cfg.Discovery.BaseURL,
			Timeout:    cfg.Discovery.Timeout,
			MixedLimit: cfg.Discovery.MixedLimit,
		}, log),
		Observer: collector,
		Queue:    queue.New(cfg.Queue.MaxSize),
		Logger:   log,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	app.Scheduler = sched
	return app, nil
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:        cfg.Store.Driver,
		Path:          cfg.Store.Path,
		BusyTimeout:   cfg.Store.BusyTimeout,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisDB:       cfg.Store.RedisDB,
		RedisPassword: cfg.Store.RedisPassword,
	}
}

func (a *App) onStateChange(running bool) {
	if a.Health != nil {
		a.Health.SetServing(running)
	}
}

// ApplyConfig applies the settings that can change without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	lvl := logging.SetLevel(cfg.Log.Level)
	if _, err := a.Scheduler.ConfigureQueue(cfg.Queue.MaxSize); err != nil {
		a.log.Warn().Err(err).Msg("failed to apply queue size")
	}
	a.log.Info().Str("level", lvl.String()).Int("queue_max_size", cfg.Queue.MaxSize).Msg("config applied")
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Run starts every enabled surface and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	// Bind before any goroutine starts so a taken port leaves nothing behind.
	var grpcLis net.Listener
	if a.Health != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
		}
		grpcLis = lis
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 4)
	)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	var metricsSrv *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", a.cfg.Metrics.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		spawn("metrics", func() error {
			a.log.Info().Str("addr", metricsSrv.Addr).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	var admin *server.Admin
	if a.cfg.Admin.Enabled {
		admin = server.NewAdmin(a.Scheduler, server.AdminOptions{
			Metrics: promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
			Logger:  a.log,
		})
		spawn("admin", func() error { return admin.Start(a.cfg.Admin.Addr) })
	}

	if grpcLis != nil {
		spawn("grpc", func() error { return a.Health.Serve(grpcLis) })
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	if a.configPath != "" {
		if _, err := os.Stat(a.configPath); err == nil {
			w := config.NewWatcher(a.configPath, a.log, a.ApplyConfig)
			spawn("config watcher", func() error { return w.Run(bgCtx) })
		}
	}
	if a.cfg.Status.Path != "" && a.cfg.Status.Interval > 0 {
		spawn("status", func() error {
			a.Status.Run(bgCtx, a.cfg.Status.Interval, a.snapshot, a.log)
			return nil
		})
	}

	if a.cfg.Scheduler.Autostart {
		a.Scheduler.Start(a.cfg.Scheduler.Interval)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("shutdown requested")
	case runErr = <-errs:
		a.log.Error().Err(runErr).Msg("component failed; shutting down")
	}

	a.Scheduler.Stop()
	a.Scheduler.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if a.Health != nil {
		a.Health.Stop()
	}
	cancelBg()
	wg.Wait()
	return runErr
}

// snapshot builds the status document written to disk.
func (a *App) snapshot() snapshot.Status {
	return snapshot.Status{
		Worker:      a.Scheduler.Status(),
		Quarantined: a.Scheduler.Quarantined(),
	}
}
