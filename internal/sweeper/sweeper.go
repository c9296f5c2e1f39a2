// Package sweeper advances markets whose time-based transitions are due.
package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

// Resolver performs the status changes the sweeper finds due.
// resolution.Orchestrator satisfies it.
type Resolver interface {
	PreliminaryResolve(ctx context.Context, marketID string, override *domain.Outcome) (domain.Market, error)
	MarkReadyForFinal(ctx context.Context, marketID string) (domain.Market, bool, error)
	Queued(marketID string) bool
}

// Expirer closes disputes left open on finished markets.
type Expirer interface {
	ExpireDisputes(ctx context.Context) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned       int
	Preliminary   int
	ReadyForFinal int
	Expired       int
	Failed        int
}

// Sweeper scans Active and Disputable markets. It only delegates: every
// status change goes through the orchestrator under its market lock.
type Sweeper struct {
	markets  domain.MarketStore
	resolver Resolver
	expirer  Expirer
	bus      domain.SignalBus
	clock    scheduler.Clock
	batch    int
	logger   *slog.Logger
}

// New creates a Sweeper. expirer and bus may be nil.
func New(markets domain.MarketStore, resolver Resolver, expirer Expirer, bus domain.SignalBus, clock scheduler.Clock, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &Sweeper{
		markets:  markets,
		resolver: resolver,
		expirer:  expirer,
		bus:      bus,
		clock:    clock,
		batch:    500,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	now := s.clock.Now()

	// Collect first: transitions below change which rows match the filter.
	var due []domain.Market
	for offset := 0; ; offset += s.batch {
		page, err := s.markets.ListByStatus(ctx,
			[]domain.MarketStatus{domain.MarketStatusActive, domain.MarketStatusDisputable},
			domain.ListOpts{Limit: s.batch, Offset: offset})
		if err != nil {
			return rep, fmt.Errorf("sweeper: list markets: %w", err)
		}
		due = append(due, page...)
		if len(page) < s.batch {
			break
		}
	}

	for _, m := range due {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Scanned++
		switch m.Status {
		case domain.MarketStatusActive:
			s.sweepActive(ctx, m, now, &rep)
		case domain.MarketStatusDisputable:
			s.sweepDisputable(ctx, m, now, &rep)
		}
	}

	if s.expirer != nil {
		n, err := s.expirer.ExpireDisputes(ctx)
		rep.Expired = n
		if err != nil {
			s.logger.WarnContext(ctx, "expire disputes", slog.String("error", err.Error()))
		}
	}

	if rep.Preliminary > 0 || rep.ReadyForFinal > 0 || rep.Expired > 0 || rep.Failed > 0 {
		s.logger.InfoContext(ctx, "sweep complete",
			slog.Int("scanned", rep.Scanned),
			slog.Int("preliminary", rep.Preliminary),
			slog.Int("ready_for_final", rep.ReadyForFinal),
			slog.Int("expired", rep.Expired),
			slog.Int("failed", rep.Failed),
		)
	}
	return rep, nil
}

func (s *Sweeper) sweepActive(ctx context.Context, m domain.Market, now time.Time, rep *Report) {
	if now.Before(m.ClaimCloseTime) || !m.HasContract() || m.RequiresManualResolution {
		return
	}
	if s.resolver.Queued(m.ID) {
		return
	}
	if _, err := s.resolver.PreliminaryResolve(ctx, m.ID, nil); err != nil {
		rep.Failed++
		if !errors.Is(err, domain.ErrClaimWindowOpen) {
			s.logger.WarnContext(ctx, "preliminary resolution failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	rep.Preliminary++
}

func (s *Sweeper) sweepDisputable(ctx context.Context, m domain.Market, now time.Time, rep *Report) {
	if m.DisputePeriodEnd == nil || !now.After(*m.DisputePeriodEnd) {
		return
	}
	_, moved, err := s.resolver.MarkReadyForFinal(ctx, m.ID)
	if err != nil {
		// A market busy with a resolution step is picked up by a later sweep.
		if !errors.Is(err, domain.ErrLockHeld) {
			rep.Failed++
			s.logger.WarnContext(ctx, "advance to pending final",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if !moved {
		return
	}
	rep.ReadyForFinal++
	s.publish(ctx, domain.LifecycleEvent{
		Type:     domain.EventMarketReady,
		MarketID: m.ID,
		Status:   string(domain.MarketStatusPendingFinal),
		At:       now,
	})
}

func (s *Sweeper) publish(ctx context.Context, ev domain.LifecycleEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelLifecycle, payload); err != nil {
		s.logger.WarnContext(ctx, "publish lifecycle event", slog.String("error", err.Error()))
	}
}
