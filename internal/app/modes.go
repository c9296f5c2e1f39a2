package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
	"github.com/tdeu/blc-hedera-sub002/internal/server"
	"github.com/tdeu/blc-hedera-sub002/internal/server/handler"
	"github.com/tdeu/blc-hedera-sub002/internal/server/ws"
)

const shutdownTimeout = 10 * time.Second

// EngineMode runs the background resolution tasks without the HTTP API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	sched, err := a.buildScheduler(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	return g.Wait()
}

// APIMode serves the HTTP and WebSocket API only. Resolution commands issued
// through it still run, but nothing is swept or retried in the background.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAPI(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode runs the engine and the API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	sched, err := a.buildScheduler(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	a.startAPI(ctx, g, deps, sched)
	return g.Wait()
}

type task struct {
	name  string
	every time.Duration
	fn    scheduler.TaskFunc
}

// buildScheduler registers the periodic resolution tasks.
func (a *App) buildScheduler(deps *Dependencies) (*scheduler.Scheduler, error) {
	rc := a.cfg.Resolution
	sched := scheduler.New(scheduler.SystemClock{}, 5*time.Second, a.logger)

	tasks := []task{
		{"sweep", rc.SweepInterval.Duration, func(ctx context.Context) error {
			rep, err := deps.Sweeper.Sweep(ctx)
			if rep.Preliminary+rep.ReadyForFinal+rep.Failed > 0 {
				a.logger.InfoContext(ctx, "sweep finished",
					slog.Int("scanned", rep.Scanned),
					slog.Int("preliminary", rep.Preliminary),
					slog.Int("ready_for_final", rep.ReadyForFinal),
					slog.Int("failed", rep.Failed),
				)
			}
			return err
		}},
		{"retries", rc.RetryTick.Duration, deps.Orchestrator.ProcessRetries},
		{"finalize", rc.FinalizeInterval.Duration, deps.Orchestrator.PlanFinalizations},
		{"expire_disputes", a.cfg.Dispute.ExpireInterval.Duration, func(ctx context.Context) error {
			n, err := deps.DisputeMgr.ExpireDisputes(ctx)
			if n > 0 {
				a.logger.InfoContext(ctx, "disputes expired", slog.Int("count", n))
			}
			return err
		}},
	}
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		tasks = append(tasks, task{"archive", a.cfg.Archive.Interval.Duration, func(ctx context.Context) error {
			now := time.Now().UTC()
			n, err := deps.Archiver.ArchiveResolutions(ctx, monthStart(now), now)
			if err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "resolutions archived", slog.Int64("records", n))
			return nil
		}})
	}

	for _, t := range tasks {
		if err := sched.Register(t.name, t.every, t.fn); err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
	}
	return sched, nil
}

// startAPI adds the HTTP server and WebSocket hub to g. tasks may be nil.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies, tasks handler.TaskLister) {
	sc := a.cfg.Server

	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		AllowedOrigins: sc.CORSOrigins,
	})
	g.Go(func() error { return hub.Run(ctx) })

	srvCfg := server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		AdminKey:    sc.AdminKey,
	}
	if deps.RateLimiter != nil {
		srvCfg.Limiter = deps.RateLimiter
		srvCfg.RateLimit = sc.RateLimit
		srvCfg.RateWindow = sc.RateWindow.Duration
	}

	disputes := handler.NewDisputeHandler(deps.DisputeMgr, handler.SubmissionLimit{
		Limiter: deps.RateLimiter,
		Limit:   a.cfg.Dispute.RateLimit,
		Window:  a.cfg.Dispute.RateWindow.Duration,
	}, a.logger)

	srv := server.NewServer(srvCfg, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Health, a.logger),
		Status:   handler.NewStatusHandler(a.cfg.Mode, deps.Orchestrator.Retries(), tasks),
		Markets:  handler.NewMarketHandler(deps.Markets, deps.Disputes, deps.Orchestrator, a.logger),
		Disputes: disputes,
		Reviews:  handler.NewReviewHandler(deps.Reviews, deps.Orchestrator, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
