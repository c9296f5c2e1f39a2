// Package bond tracks dispute bonds against the token balance service.
package bond

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/keylock"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

// Ledger locks, settles and releases bonds. Every operation on a dispute id
// runs under that id's lock, and each balance movement carries an
// idempotency key derived from the dispute id, so a bond settles exactly once
// even when callers retry.
type Ledger struct {
	bonds    domain.BondStore
	balances domain.TokenBalances
	audit    domain.AuditStore
	clock    scheduler.Clock
	locks    *keylock.Map
	logger   *slog.Logger
}

// NewLedger creates a bond Ledger. audit may be nil.
func NewLedger(
	bonds domain.BondStore,
	balances domain.TokenBalances,
	audit domain.AuditStore,
	clock scheduler.Clock,
	logger *slog.Logger,
) *Ledger {
	if clock == nil {
		clock = scheduler.SystemClock{}
	}
	return &Ledger{
		bonds:    bonds,
		balances: balances,
		audit:    audit,
		clock:    clock,
		locks:    keylock.New(),
		logger:   logger.With(slog.String("component", "bond_ledger")),
	}
}

// Lock holds amount from holderID's balance as the bond for disputeID.
// Locking the same dispute again with the same holder and amount returns the
// existing bond.
func (l *Ledger) Lock(ctx context.Context, disputeID, holderID string, amount decimal.Decimal) (domain.Bond, error) {
	if !amount.IsPositive() {
		return domain.Bond{}, fmt.Errorf("bond: lock %s: amount must be positive", disputeID)
	}
	unlock := l.locks.Lock(disputeID)
	defer unlock()

	existing, err := l.bonds.GetByDispute(ctx, disputeID)
	switch {
	case err == nil:
		if existing.HolderID != holderID || !existing.Amount.Equal(amount) {
			return domain.Bond{}, fmt.Errorf("bond: lock %s: %w", disputeID, domain.ErrAlreadyExists)
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Bond{}, fmt.Errorf("bond: lock %s: %w", disputeID, err)
	}

	if err := l.balances.Hold(ctx, holderID, amount, "hold:"+disputeID); err != nil {
		return domain.Bond{}, fmt.Errorf("bond: lock %s: %w", disputeID, err)
	}

	b := domain.Bond{
		ID:        uuid.NewString(),
		DisputeID: disputeID,
		HolderID:  holderID,
		Amount:    amount,
		State:     domain.BondLocked,
		LockedAt:  l.clock.Now(),
	}
	if err := l.bonds.Create(ctx, b); err != nil {
		if rerr := l.balances.Release(ctx, holderID, amount, "hold-rollback:"+disputeID); rerr != nil {
			l.logger.ErrorContext(ctx, "bond hold rollback failed",
				slog.String("dispute_id", disputeID),
				slog.String("holder_id", holderID),
				slog.String("error", rerr.Error()),
			)
		}
		return domain.Bond{}, fmt.Errorf("bond: lock %s: persist: %w", disputeID, err)
	}

	l.logAudit(ctx, "bond.locked", b)
	l.logger.InfoContext(ctx, "bond locked",
		slog.String("dispute_id", disputeID),
		slog.String("holder_id", holderID),
		slog.String("amount", amount.String()),
	)
	return b, nil
}

// Settle refunds refundPct percent of the bond and slashes the rest. A bond
// already settled with the same percentage is returned unchanged; any other
// second settlement fails with ErrBondAlreadySettled.
func (l *Ledger) Settle(ctx context.Context, disputeID string, refundPct int) (domain.Bond, error) {
	if refundPct < 0 || refundPct > 100 {
		return domain.Bond{}, fmt.Errorf("bond: settle %s: refund percent %d out of range", disputeID, refundPct)
	}
	unlock := l.locks.Lock(disputeID)
	defer unlock()

	b, err := l.bonds.GetByDispute(ctx, disputeID)
	if err != nil {
		return domain.Bond{}, fmt.Errorf("bond: settle %s: %w", disputeID, err)
	}
	if b.State.Settled() {
		if b.State != domain.BondReleased && b.RefundPercent == refundPct {
			return b, nil
		}
		return b, fmt.Errorf("bond: settle %s: %w", disputeID, domain.ErrBondAlreadySettled)
	}

	st := domain.SettlementFor(disputeID, b.Amount, refundPct, l.clock.Now())
	if st.RefundAmount.IsPositive() {
		if err := l.balances.Release(ctx, b.HolderID, st.RefundAmount, "refund:"+disputeID); err != nil {
			return domain.Bond{}, fmt.Errorf("bond: settle %s: refund: %w", disputeID, err)
		}
	}
	if st.SlashAmount.IsPositive() {
		if err := l.balances.Slash(ctx, b.HolderID, st.SlashAmount, "slash:"+disputeID); err != nil {
			return domain.Bond{}, fmt.Errorf("bond: settle %s: slash: %w", disputeID, err)
		}
	}

	settled, err := l.bonds.Settle(ctx, st)
	if err != nil {
		if errors.Is(err, domain.ErrBondAlreadySettled) && settled.RefundPercent == refundPct {
			return settled, nil
		}
		return domain.Bond{}, fmt.Errorf("bond: settle %s: persist: %w", disputeID, err)
	}

	l.logAudit(ctx, "bond.settled", settled)
	l.logger.InfoContext(ctx, "bond settled",
		slog.String("dispute_id", disputeID),
		slog.Int("refund_pct", settled.RefundPercent),
		slog.String("refund", settled.RefundAmount.String()),
		slog.String("slash", settled.SlashAmount.String()),
	)
	return settled, nil
}

// Release returns the whole bond to its holder without adjudication. It is
// the compensating step when a dispute could not be recorded after its bond
// was locked.
func (l *Ledger) Release(ctx context.Context, disputeID string) (domain.Bond, error) {
	unlock := l.locks.Lock(disputeID)
	defer unlock()

	b, err := l.bonds.GetByDispute(ctx, disputeID)
	if err != nil {
		return domain.Bond{}, fmt.Errorf("bond: release %s: %w", disputeID, err)
	}
	if b.State == domain.BondReleased {
		return b, nil
	}
	if b.State.Settled() {
		return b, fmt.Errorf("bond: release %s: %w", disputeID, domain.ErrBondAlreadySettled)
	}
	if err := l.balances.Release(ctx, b.HolderID, b.Amount, "release:"+disputeID); err != nil {
		return domain.Bond{}, fmt.Errorf("bond: release %s: %w", disputeID, err)
	}
	st := domain.BondSettlement{
		DisputeID:     disputeID,
		State:         domain.BondReleased,
		RefundPercent: 100,
		RefundAmount:  b.Amount,
		SlashAmount:   decimal.Zero,
		SettledAt:     l.clock.Now(),
	}
	released, err := l.bonds.Settle(ctx, st)
	if err != nil {
		return domain.Bond{}, fmt.Errorf("bond: release %s: persist: %w", disputeID, err)
	}
	l.logAudit(ctx, "bond.released", released)
	return released, nil
}

// Available returns the holder's unlocked balance.
func (l *Ledger) Available(ctx context.Context, holderID string) (decimal.Decimal, error) {
	amt, err := l.balances.Available(ctx, holderID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bond: available %s: %w", holderID, err)
	}
	return amt, nil
}

func (l *Ledger) logAudit(ctx context.Context, event string, b domain.Bond) {
	if l.audit == nil {
		return
	}
	detail := map[string]any{
		"bond_id":    b.ID,
		"dispute_id": b.DisputeID,
		"holder_id":  b.HolderID,
		"amount":     b.Amount.String(),
		"state":      string(b.State),
	}
	if b.State.Settled() {
		detail["refund_pct"] = b.RefundPercent
		detail["slash_pct"] = b.SlashPercent
		detail["refund"] = b.RefundAmount.String()
		detail["slash"] = b.SlashAmount.String()
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.WarnContext(ctx, "bond audit failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

var _ domain.BondHolder = (*Ledger)(nil)
