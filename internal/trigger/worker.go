// Package trigger runs the automation loop: it polls active vaults, checks
// the settlement precondition, and advances the ones that are ready. Anyone
// could run this loop; holding no keys, it has no more power than any other
// caller of the permissionless advance.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// Advancer is the state-machine surface the worker drives.
type Advancer interface {
	CheckReadiness(ctx context.Context, id common.Address) (bool, error)
	AdvanceStep(ctx context.Context, id common.Address, orderData []byte) error
}

// Worker polls active vaults on a fixed interval and advances ready ones.
type Worker struct {
	vaults   domain.VaultStore
	machine  Advancer
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Worker polling at the given interval.
func New(vaults domain.VaultStore, machine Advancer, interval time.Duration, logger *slog.Logger) *Worker {
	return &Worker{
		vaults:   vaults,
		machine:  machine,
		interval: interval,
		logger:   logger.With(slog.String("component", "trigger_worker")),
	}
}

// Run executes the polling loop until the context is cancelled. One sweep
// failure never stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "trigger worker started",
		slog.Duration("interval", w.interval),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "trigger worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.ErrorContext(ctx, "sweep failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sweep pages through active vaults and attempts one advance per ready vault.
func (w *Worker) sweep(ctx context.Context) error {
	const page = 200
	for offset := 0; ; offset += page {
		vaults, err := w.vaults.ListActive(ctx, domain.ListOpts{Limit: page, Offset: offset})
		if err != nil {
			return fmt.Errorf("trigger: list active vaults: %w", err)
		}

		for _, v := range vaults {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.tryAdvance(ctx, v)
		}

		if len(vaults) < page {
			return nil
		}
	}
}

func (w *Worker) tryAdvance(ctx context.Context, v domain.Vault) {
	// Armed-but-unstarted vaults wait for the owner's first step.
	if v.Cursor == 0 {
		return
	}

	ready, err := w.machine.CheckReadiness(ctx, v.ID)
	if err != nil {
		w.logger.WarnContext(ctx, "readiness check failed",
			slog.String("vault", v.ID.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ready {
		return
	}

	err = w.machine.AdvanceStep(ctx, v.ID, nil)
	switch {
	case err == nil:
		w.logger.InfoContext(ctx, "vault advanced",
			slog.String("vault", v.ID.Hex()),
			slog.Uint64("step", v.Cursor),
		)
	case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrRateLimited):
		// Another caller got there first; the next sweep retries.
		w.logger.DebugContext(ctx, "advance contended",
			slog.String("vault", v.ID.Hex()),
			slog.String("error", err.Error()),
		)
	case errors.Is(err, domain.ErrSequenceComplete), errors.Is(err, domain.ErrInvalidStep):
		w.logger.DebugContext(ctx, "vault no longer advanceable",
			slog.String("vault", v.ID.Hex()),
			slog.String("error", err.Error()),
		)
	default:
		w.logger.WarnContext(ctx, "advance failed",
			slog.String("vault", v.ID.Hex()),
			slog.String("error", err.Error()),
		)
	}
}
