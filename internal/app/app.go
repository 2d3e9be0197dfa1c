// Package app provides the top-level application lifecycle management for
// rangewatch. It wires together all dependencies (stores, caches, pool
// queries, notifications, the scheduler and its tasks) and starts the
// appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/rangewatch/internal/config"
	"github.com/alanyoungcy/rangewatch/internal/monitor"
	"github.com/alanyoungcy/rangewatch/internal/pipeline"
	"github.com/alanyoungcy/rangewatch/internal/scheduler"
	"github.com/alanyoungcy/rangewatch/internal/service"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	startedAt time.Time
	closers   []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// components are the long-lived objects built on top of Dependencies.
type components struct {
	sched     *scheduler.Scheduler
	engine    *monitor.Engine
	positions *service.PositionService
	exporter  *pipeline.Exporter
	relay     *eventRelay
}

func (a *App) build(deps *Dependencies) *components {
	c := &components{}
	c.sched = scheduler.New(scheduler.Options{
		PollInterval: a.cfg.Monitor.PollInterval.Duration,
		Registry:     deps.TaskRegistry,
	}, a.logger)

	c.relay = newEventRelay(deps.SignalBus, deps.Notifier, a.cfg.Notify.OpsChatID, a.logger)
	c.sched.Subscribe(c.relay.Listen)

	var checker service.FirstChecker
	if a.cfg.RunsMonitor() {
		c.engine = monitor.New(monitor.Deps{
			Positions: deps.PositionStore,
			History:   deps.HistoryStore,
			Pools:     deps.Pools,
			Notifier:  deps.Notifier,
			Wallets:   deps.Wallets,
			Bus:       deps.SignalBus,
			Scheduler: c.sched,
		}, monitor.Config{
			MaxRetries:     a.cfg.Monitor.MaxRetries,
			RetryDelay:     a.cfg.Monitor.RetryDelay.Duration,
			Timeout:        a.cfg.Monitor.Timeout.Duration,
			RangeStep:      a.cfg.Monitor.RangeStep,
			Concurrency:    a.cfg.Monitor.Concurrency,
			DriftThreshold: a.cfg.Monitor.DriftThreshold,
		}, a.logger)
		checker = c.engine

		if deps.Archive != nil {
			c.exporter = pipeline.NewExporter(
				deps.HistoryStore, deps.Archive, deps.LockManager, deps.Watermarks,
				pipeline.ExporterConfig{
					Interval:   a.cfg.Export.Interval.Duration,
					Timeout:    a.cfg.Export.Timeout.Duration,
					MaxRetries: a.cfg.Export.MaxRetries,
					RetryDelay: a.cfg.Export.RetryDelay.Duration,
					LockTTL:    a.cfg.Export.LockTTL.Duration,
				}, a.logger)
		}
	}

	c.positions = service.NewPositionService(
		deps.PositionStore, deps.HistoryStore, deps.Wallets, deps.SignalBus, checker, a.logger,
	)
	return c
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.startedAt = time.Now().UTC()
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("storage", a.cfg.Storage.Driver),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	c := a.build(deps)
	a.closers = append(a.closers, func() { a.shutdownScheduler(c) })

	switch strings.ToLower(a.cfg.Mode) {
	case "monitor":
		return a.MonitorMode(ctx, deps, c)
	case "server":
		return a.ServerMode(ctx, deps, c)
	case "full":
		return a.FullMode(ctx, deps, c)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// shutdownScheduler stops the polling loop and waits up to the grace period
// for in-flight executions and background first checks.
func (a *App) shutdownScheduler(c *components) {
	grace := a.cfg.Monitor.ShutdownGrace.Duration
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if c.engine != nil {
		c.engine.StopMonitoring()
	}
	if err := c.sched.Shutdown(ctx); err != nil {
		a.logger.Warn("scheduler did not drain before the grace period",
			slog.String("error", err.Error()),
		)
	}

	done := make(chan struct{})
	go func() {
		c.positions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("background position checks still running at shutdown")
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
