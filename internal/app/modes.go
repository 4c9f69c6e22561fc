package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/seqvault/internal/server"
	"github.com/alanyoungcy/seqvault/internal/server/handler"
	"github.com/alanyoungcy/seqvault/internal/server/ws"
	"github.com/alanyoungcy/seqvault/internal/trigger"
)

// shutdownTimeout bounds graceful HTTP shutdown after the context is done.
const shutdownTimeout = 5 * time.Second

// ServerMode runs the HTTP + WebSocket API without the automation trigger.
// Owners can provision, arm, and drive their vaults; advances only happen when
// an external caller hits the trigger endpoints.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return deps.Relay.Run(ctx) })

	a.startHTTPServer(ctx, g, deps, hub)

	return waitGroup(g)
}

// TriggerMode runs only the automation worker: it polls active vaults and
// advances any whose settlement precondition is satisfied. No API surface.
func (a *App) TriggerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	worker := trigger.New(deps.VaultStore, deps.Machine, a.cfg.Trigger.PollInterval.Duration, a.logger)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return deps.Relay.Run(ctx) })

	return waitGroup(g)
}

// FullMode runs everything: API server, WebSocket hub, automation trigger,
// notification relay, and the archive loop when S3 is configured.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Relay.Run(ctx) })

	if a.cfg.Server.Enabled {
		hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
		a.startHTTPServer(ctx, g, deps, hub)
	}

	if a.cfg.Trigger.Enabled {
		worker := trigger.New(deps.VaultStore, deps.Machine, a.cfg.Trigger.PollInterval.Duration, a.logger)
		g.Go(func() error { return worker.Run(ctx) })
	}

	a.startArchiver(ctx, g, deps)

	return waitGroup(g)
}

// startHTTPServer registers the API handlers and adds the listen and shutdown
// goroutines to the group.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub) {
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Postgres, deps.Redis, a.logger),
		Vaults:  handler.NewVaultHandler(deps.Factory, deps.Machine, deps.VaultStore, deps.TradeStore, a.logger),
		Trigger: handler.NewTriggerHandler(deps.Machine, a.logger),
		Audit:   handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startArchiver adds a daily archive loop when S3 archiving is wired. Records
// older than the configured retention window are moved to object storage.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour

	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				if err := deps.Archiver.Archive(ctx, cutoff); err != nil {
					a.logger.ErrorContext(ctx, "archive run failed",
						slog.Time("cutoff", cutoff),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})
}

// waitGroup waits for the group and treats context cancellation as a clean
// shutdown rather than an error.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
