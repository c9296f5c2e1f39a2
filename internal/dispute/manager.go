// Package dispute validates, opens and adjudicates bonded disputes against
// preliminary market outcomes.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/keylock"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

// Config holds the bond sizing policy.
type Config struct {
	BaseBond          decimal.Decimal
	MinHistory        int     // resolved disputes needed before accuracy counts
	MinReputation     float64 // accuracy below this pays the penalty
	PenaltyMultiplier float64
}

// DefaultConfig returns the standard bond policy.
func DefaultConfig() Config {
	return Config{
		BaseBond:          decimal.NewFromInt(100),
		MinHistory:        3,
		MinReputation:     0.3,
		PenaltyMultiplier: 1.5,
	}
}

// Deps are the collaborators a Manager needs. Reputations, Audit and Bus are optional.
type Deps struct {
	Markets     domain.MarketStore
	Disputes    domain.DisputeStore
	Bonds       domain.BondHolder
	Reputations domain.ReputationStore
	Audit       domain.AuditStore
	Bus         domain.SignalBus
	Clock       scheduler.Clock
}

// OpenRequest files a dispute.
type OpenRequest struct {
	UserID      string
	MarketID    string
	EvidenceRef string
	Reason      string
}

// ResolveRequest adjudicates a dispute.
type ResolveRequest struct {
	DisputeID  string
	Outcome    domain.DisputeOutcome
	Quality    domain.EvidenceQuality
	Notes      string
	ResolvedBy string
}

// Manager runs the dispute lifecycle.
type Manager struct {
	markets     domain.MarketStore
	disputes    domain.DisputeStore
	bonds       domain.BondHolder
	reputations domain.ReputationStore
	audit       domain.AuditStore
	bus         domain.SignalBus
	clock       scheduler.Clock
	locks       *keylock.Map
	cfg         Config
	logger      *slog.Logger
}

// NewManager creates a dispute Manager.
func NewManager(deps Deps, cfg Config, logger *slog.Logger) *Manager {
	if cfg.BaseBond.IsZero() {
		cfg.BaseBond = DefaultConfig().BaseBond
	}
	if cfg.PenaltyMultiplier <= 0 {
		cfg.PenaltyMultiplier = DefaultConfig().PenaltyMultiplier
	}
	clock := deps.Clock
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &Manager{
		markets:     deps.Markets,
		disputes:    deps.Disputes,
		bonds:       deps.Bonds,
		reputations: deps.Reputations,
		audit:       deps.Audit,
		bus:         deps.Bus,
		clock:       clock,
		locks:       keylock.New(),
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "dispute")),
	}
}

// RequiredBond returns the bond userID must lock to open a dispute.
func (m *Manager) RequiredBond(ctx context.Context, userID string) (decimal.Decimal, error) {
	mult := 1.0
	if m.reputations != nil {
		rep, err := m.reputations.Get(ctx, userID)
		switch {
		case err == nil:
			mult = m.multiplier(rep)
		case !errors.Is(err, domain.ErrNotFound):
			return decimal.Zero, fmt.Errorf("dispute: reputation %s: %w", userID, err)
		}
	}
	return m.cfg.BaseBond.Mul(decimal.NewFromFloat(mult)), nil
}

func (m *Manager) multiplier(rep domain.Reputation) float64 {
	if rep.DisputesResolved < m.cfg.MinHistory {
		return 1.0
	}
	acc := rep.Accuracy()
	switch {
	case acc >= 0.8:
		return 0.5
	case acc >= 0.6:
		return 0.75
	case acc < m.cfg.MinReputation:
		return m.cfg.PenaltyMultiplier
	}
	return 1.0
}

// ValidateDisputeEligibility checks, in order, the market status, the
// dispute window, an existing active dispute by the same user and the user's
// balance. A returned error means the check itself could not run.
func (m *Manager) ValidateDisputeEligibility(ctx context.Context, userID, marketID string) (domain.Eligibility, error) {
	market, err := m.markets.GetByID(ctx, marketID)
	if err != nil {
		return domain.Eligibility{}, fmt.Errorf("dispute: get market %s: %w", marketID, err)
	}
	required, err := m.RequiredBond(ctx, userID)
	if err != nil {
		return domain.Eligibility{}, err
	}
	el := domain.Eligibility{RequiredBond: required}

	if market.Status != domain.MarketStatusDisputable && market.Status != domain.MarketStatusPendingFinal {
		el.Reason = domain.RejectMarketNotDisputable
		return el, nil
	}
	if !market.DisputeWindowOpen(m.clock.Now()) {
		el.Reason = domain.RejectWindowClosed
		return el, nil
	}
	_, err = m.disputes.FindActive(ctx, marketID, userID)
	switch {
	case err == nil:
		el.Reason = domain.RejectDuplicateActive
		return el, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Eligibility{}, fmt.Errorf("dispute: find active: %w", err)
	}
	available, err := m.bonds.Available(ctx, userID)
	if err != nil {
		return domain.Eligibility{}, fmt.Errorf("dispute: balance %s: %w", userID, err)
	}
	el.Available = available
	if available.LessThan(required) {
		el.Reason = domain.RejectInsufficientBond
		return el, nil
	}
	el.Eligible = true
	return el, nil
}

// OpenDispute validates eligibility, locks the bond and records the dispute.
// The bond is locked first; if the dispute cannot be recorded the bond is
// released again, so no dispute ever exists without its bond.
func (m *Manager) OpenDispute(ctx context.Context, req OpenRequest) (domain.Dispute, error) {
	if req.UserID == "" || req.MarketID == "" {
		return domain.Dispute{}, fmt.Errorf("dispute: open: user and market are required")
	}
	unlock := m.locks.Lock(req.MarketID + "/" + req.UserID)
	defer unlock()

	el, err := m.ValidateDisputeEligibility(ctx, req.UserID, req.MarketID)
	if err != nil {
		return domain.Dispute{}, err
	}
	if !el.Eligible {
		m.logger.InfoContext(ctx, "dispute rejected",
			slog.String("market_id", req.MarketID),
			slog.String("user_id", req.UserID),
			slog.String("reason", string(el.Reason)),
		)
		return domain.Dispute{}, &domain.RejectionError{Reason: el.Reason}
	}

	d := domain.Dispute{
		ID:          uuid.NewString(),
		MarketID:    req.MarketID,
		DisputerID:  req.UserID,
		BondAmount:  el.RequiredBond,
		EvidenceRef: req.EvidenceRef,
		Reason:      req.Reason,
		Status:      domain.DisputeActive,
		CreatedAt:   m.clock.Now(),
	}
	if _, err := m.bonds.Lock(ctx, d.ID, req.UserID, el.RequiredBond); err != nil {
		if errors.Is(err, domain.ErrBondInsufficientFunds) {
			return domain.Dispute{}, &domain.RejectionError{Reason: domain.RejectInsufficientBond}
		}
		return domain.Dispute{}, fmt.Errorf("dispute: lock bond: %w", err)
	}
	if err := m.disputes.Create(ctx, d); err != nil {
		if _, rerr := m.bonds.Release(ctx, d.ID); rerr != nil {
			m.logger.ErrorContext(ctx, "release bond after failed dispute insert",
				slog.String("dispute_id", d.ID),
				slog.String("error", rerr.Error()),
			)
		}
		if errors.Is(err, domain.ErrDuplicateActiveDispute) {
			return domain.Dispute{}, &domain.RejectionError{Reason: domain.RejectDuplicateActive}
		}
		return domain.Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}

	m.auditLog(ctx, "dispute.opened", map[string]any{
		"dispute_id":  d.ID,
		"market_id":   d.MarketID,
		"disputer_id": d.DisputerID,
		"bond":        d.BondAmount.String(),
	})
	m.publish(ctx, domain.LifecycleEvent{
		Type:      domain.EventDisputeOpened,
		MarketID:  d.MarketID,
		DisputeID: d.ID,
		Status:    string(d.Status),
		Data:      map[string]any{"bond": d.BondAmount.String()},
	})
	m.logger.InfoContext(ctx, "dispute opened",
		slog.String("dispute_id", d.ID),
		slog.String("market_id", d.MarketID),
		slog.String("bond", d.BondAmount.String()),
	)
	return d, nil
}

// ResolveDispute applies a verdict. The bond is settled before the dispute
// leaves Active, and settlement is idempotent per dispute, so a retry after a
// partial failure finishes the job without moving funds twice. An upheld
// dispute flags the market for re-evaluation; it never flips the outcome.
func (m *Manager) ResolveDispute(ctx context.Context, req ResolveRequest) (domain.Dispute, error) {
	pct, err := domain.RefundPercent(req.Outcome, req.Quality)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("dispute: resolve %s: %w", req.DisputeID, err)
	}
	if req.ResolvedBy == "" {
		return domain.Dispute{}, fmt.Errorf("dispute: resolve %s: resolver is required", req.DisputeID)
	}
	unlock := m.locks.Lock(req.DisputeID)
	defer unlock()

	d, err := m.disputes.GetByID(ctx, req.DisputeID)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("dispute: get %s: %w", req.DisputeID, err)
	}
	if d.Status != domain.DisputeActive {
		return d, fmt.Errorf("dispute: resolve %s: %w", d.ID, domain.ErrDisputeAlreadyResolved)
	}

	bond, err := m.bonds.Settle(ctx, d.ID, pct)
	if err != nil {
		return d, fmt.Errorf("dispute: resolve %s: %w", d.ID, err)
	}

	resolved, err := m.disputes.Resolve(ctx, domain.DisputeResolution{
		DisputeID:     d.ID,
		Status:        req.Outcome.Status(),
		Outcome:       req.Outcome,
		Quality:       req.Quality,
		RefundPercent: pct,
		ResolverNotes: req.Notes,
		ResolvedBy:    req.ResolvedBy,
		ResolvedAt:    m.clock.Now(),
	})
	if err != nil {
		return d, fmt.Errorf("dispute: resolve %s: %w", d.ID, err)
	}

	if req.Outcome == domain.VerdictUpheld {
		if _, err := m.markets.UpdateFlags(ctx, d.MarketID, domain.FlagUpdate{NeedsReevaluation: domain.BoolPtr(true)}); err != nil {
			m.logger.ErrorContext(ctx, "flag market for re-evaluation",
				slog.String("market_id", d.MarketID),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.reputations != nil {
		if err := m.reputations.Record(ctx, d.DisputerID, req.Outcome == domain.VerdictUpheld); err != nil {
			m.logger.WarnContext(ctx, "record reputation",
				slog.String("user_id", d.DisputerID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.auditLog(ctx, "dispute.resolved", map[string]any{
		"dispute_id":  d.ID,
		"market_id":   d.MarketID,
		"outcome":     string(req.Outcome),
		"quality":     string(req.Quality),
		"refund_pct":  pct,
		"refund":      bond.RefundAmount.String(),
		"slash":       bond.SlashAmount.String(),
		"resolved_by": req.ResolvedBy,
	})
	m.publish(ctx, domain.LifecycleEvent{
		Type:      domain.EventDisputeResolved,
		MarketID:  d.MarketID,
		DisputeID: d.ID,
		Status:    string(resolved.Status),
		Data:      map[string]any{"refund_pct": pct},
	})
	m.logger.InfoContext(ctx, "dispute resolved",
		slog.String("dispute_id", d.ID),
		slog.String("outcome", string(req.Outcome)),
		slog.Int("refund_pct", pct),
	)
	return resolved, nil
}

// ExpireDisputes closes Active disputes whose market has already been
// resolved or canceled, refunding their bonds in full.
func (m *Manager) ExpireDisputes(ctx context.Context) (int, error) {
	active, err := m.disputes.ListActive(ctx, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("dispute: list active: %w", err)
	}
	statuses := map[string]domain.MarketStatus{}
	expired := 0
	for _, d := range active {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		st, ok := statuses[d.MarketID]
		if !ok {
			market, err := m.markets.GetByID(ctx, d.MarketID)
			if err != nil {
				m.logger.WarnContext(ctx, "expire: get market", slog.String("market_id", d.MarketID), slog.String("error", err.Error()))
				continue
			}
			st = market.Status
			statuses[d.MarketID] = st
		}
		if !st.Terminal() {
			continue
		}
		if err := m.expire(ctx, d); err != nil {
			m.logger.ErrorContext(ctx, "expire dispute",
				slog.String("dispute_id", d.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, d domain.Dispute) error {
	unlock := m.locks.Lock(d.ID)
	defer unlock()

	if _, err := m.bonds.Settle(ctx, d.ID, 100); err != nil {
		return err
	}
	_, err := m.disputes.Resolve(ctx, domain.DisputeResolution{
		DisputeID:     d.ID,
		Status:        domain.DisputeExpired,
		RefundPercent: 100,
		ResolverNotes: "market closed before adjudication",
		ResolvedBy:    "system",
		ResolvedAt:    m.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrDisputeAlreadyResolved) {
			return nil
		}
		return err
	}
	m.auditLog(ctx, "dispute.expired", map[string]any{"dispute_id": d.ID, "market_id": d.MarketID})
	m.publish(ctx, domain.LifecycleEvent{
		Type:      domain.EventDisputeExpired,
		MarketID:  d.MarketID,
		DisputeID: d.ID,
		Status:    string(domain.DisputeExpired),
	})
	return nil
}

func (m *Manager) auditLog(ctx context.Context, event string, detail map[string]any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Log(ctx, event, detail); err != nil {
		m.logger.WarnContext(ctx, "audit log write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (m *Manager) publish(ctx context.Context, ev domain.LifecycleEvent) {
	if m.bus == nil {
		return
	}
	ev.At = m.clock.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, domain.ChannelLifecycle, payload); err != nil {
		m.logger.WarnContext(ctx, "publish lifecycle event", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}
