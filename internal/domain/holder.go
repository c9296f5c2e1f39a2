package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// BondHolder locks and settles dispute bonds.
type BondHolder interface {
	Lock(ctx context.Context, disputeID, holderID string, amount decimal.Decimal) (Bond, error)
	Settle(ctx context.Context, disputeID string, refundPct int) (Bond, error)
	Release(ctx context.Context, disputeID string) (Bond, error)
	Available(ctx context.Context, holderID string) (decimal.Decimal, error)
}

// TokenBalances moves fungible tokens between a user's available and held
// balances. key makes each movement idempotent.
type TokenBalances interface {
	Available(ctx context.Context, userID string) (decimal.Decimal, error)
	Hold(ctx context.Context, userID string, amount decimal.Decimal, key string) error
	Release(ctx context.Context, userID string, amount decimal.Decimal, key string) error
	Slash(ctx context.Context, userID string, amount decimal.Decimal, key string) error
}
