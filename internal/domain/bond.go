package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BondState is the state of a dispute bond.
type BondState string

const (
	BondLocked   BondState = "locked"
	BondRefunded BondState = "refunded"
	BondSlashed  BondState = "slashed"
	BondReleased BondState = "released"
)

// Settled reports whether the bond has left the Locked state.
func (s BondState) Settled() bool {
	return s != BondLocked
}

// Bond is the stake a disputer locks behind a dispute.
type Bond struct {
	ID            string
	DisputeID     string
	HolderID      string
	Amount        decimal.Decimal
	State         BondState
	RefundPercent int
	SlashPercent  int
	RefundAmount  decimal.Decimal
	SlashAmount   decimal.Decimal
	LockedAt      time.Time
	SettledAt     *time.Time
}

// BondSettlement is the terminal update applied to a Locked bond.
type BondSettlement struct {
	DisputeID     string
	State         BondState
	RefundPercent int
	SlashPercent  int
	RefundAmount  decimal.Decimal
	SlashAmount   decimal.Decimal
	SettledAt     time.Time
}

// SettlementFor splits amount by refundPct. The refund is rounded down to
// six places and the slash takes the remainder so the two always sum to amount.
func SettlementFor(disputeID string, amount decimal.Decimal, refundPct int, at time.Time) BondSettlement {
	refund := amount.Mul(decimal.NewFromInt(int64(refundPct))).Div(decimal.NewFromInt(100)).RoundDown(6)
	slash := amount.Sub(refund)
	state := BondRefunded
	if refundPct == 0 {
		state = BondSlashed
	}
	return BondSettlement{
		DisputeID:     disputeID,
		State:         state,
		RefundPercent: refundPct,
		SlashPercent:  100 - refundPct,
		RefundAmount:  refund,
		SlashAmount:   slash,
		SettledAt:     at,
	}
}

// Balance is a user's fungible-token balance as seen by the bond ledger.
type Balance struct {
	UserID    string
	Available decimal.Decimal
	Held      decimal.Decimal
	UpdatedAt time.Time
}
