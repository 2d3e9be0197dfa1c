package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rangewatch/internal/server"
	"github.com/alanyoungcy/rangewatch/internal/server/handler"
	"github.com/alanyoungcy/rangewatch/internal/server/ws"
)

// MonitorMode runs the scheduler with the reconciliation task, plus the
// history exporter when enabled.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startMonitoring(ctx, g, c); err != nil {
		return err
	}
	return g.Wait()
}

// ServerMode serves the HTTP API only. Immediate checks are unavailable and
// new positions get their first check from a monitoring process.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c)
	return g.Wait()
}

// FullMode runs monitoring and the HTTP API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, c *components) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startMonitoring(ctx, g, c); err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, c)
	return g.Wait()
}

func (a *App) startMonitoring(ctx context.Context, g *errgroup.Group, c *components) error {
	g.Go(func() error {
		return c.relay.Run(ctx)
	})

	if c.exporter != nil {
		id, err := c.exporter.Register(c.sched)
		if err != nil {
			return fmt.Errorf("app: register exporter: %w", err)
		}
		a.logger.InfoContext(ctx, "history exporter scheduled",
			slog.String("task_id", id),
			slog.Duration("interval", a.cfg.Export.Interval.Duration),
		)
	}

	if err := c.engine.StartMonitoring(ctx, a.cfg.Monitor.Interval.Duration); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
		TaskCount: func() int { return len(c.sched.Tasks()) },
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// A nil *monitor.Engine must not become a non-nil interface.
	var checker handler.StatusChecker
	if c.engine != nil {
		checker = c.engine
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		CORSMaxAge:  a.cfg.Server.CORSMaxAge.Duration,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Positions: handler.NewPositionHandler(c.positions, checker, a.logger),
		Tasks:     handler.NewTaskHandler(c.sched, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
}
