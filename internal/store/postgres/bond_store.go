package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// BondStore implements domain.BondStore using PostgreSQL.
type BondStore struct {
	pool *pgxpool.Pool
}

// NewBondStore creates a new BondStore.
func NewBondStore(pool *pgxpool.Pool) *BondStore {
	return &BondStore{pool: pool}
}

const bondCols = `id, dispute_id, holder_id, amount::text, state, refund_percent, slash_percent,
	refund_amount::text, slash_amount::text, locked_at, settled_at`

func scanBond(row pgx.Row) (domain.Bond, error) {
	var (
		b                     domain.Bond
		amount, refund, slash string
		state                 string
		refundPct, slashPct   int16
	)
	err := row.Scan(&b.ID, &b.DisputeID, &b.HolderID, &amount, &state, &refundPct, &slashPct,
		&refund, &slash, &b.LockedAt, &b.SettledAt)
	if err != nil {
		return domain.Bond{}, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&b.Amount, amount}, {&b.RefundAmount, refund}, {&b.SlashAmount, slash}} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Bond{}, fmt.Errorf("parse bond amount %q: %w", f.src, err)
		}
		*f.dst = v
	}
	b.State = domain.BondState(state)
	b.RefundPercent = int(refundPct)
	b.SlashPercent = int(slashPct)
	return b, nil
}

// Create inserts a locked bond. dispute_id is unique.
func (s *BondStore) Create(ctx context.Context, b domain.Bond) error {
	if b.State == "" {
		b.State = domain.BondLocked
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bonds (id, dispute_id, holder_id, amount, state, locked_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		b.ID, b.DisputeID, b.HolderID, b.Amount.String(), string(b.State), b.LockedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create bond for %s: %w", b.DisputeID, err)
	}
	return nil
}

// GetByDispute returns the bond behind a dispute.
func (s *BondStore) GetByDispute(ctx context.Context, disputeID string) (domain.Bond, error) {
	b, err := scanBond(s.pool.QueryRow(ctx, `SELECT `+bondCols+` FROM bonds WHERE dispute_id = $1`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bond{}, domain.ErrNotFound
		}
		return domain.Bond{}, fmt.Errorf("postgres: get bond %s: %w", disputeID, err)
	}
	return b, nil
}

// Settle applies st to a locked bond. A bond that is no longer locked is
// returned together with ErrBondAlreadySettled.
func (s *BondStore) Settle(ctx context.Context, st domain.BondSettlement) (domain.Bond, error) {
	const query = `
		UPDATE bonds SET
			state          = $2,
			refund_percent = $3,
			slash_percent  = $4,
			refund_amount  = $5::numeric,
			slash_amount   = $6::numeric,
			settled_at     = $7
		WHERE dispute_id = $1 AND state = 'locked'
		RETURNING ` + bondCols
	b, err := scanBond(s.pool.QueryRow(ctx, query,
		st.DisputeID, string(st.State), int16(st.RefundPercent), int16(st.SlashPercent),
		st.RefundAmount.String(), st.SlashAmount.String(), st.SettledAt))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Bond{}, fmt.Errorf("postgres: settle bond %s: %w", st.DisputeID, err)
	}
	existing, gerr := s.GetByDispute(ctx, st.DisputeID)
	if gerr != nil {
		return domain.Bond{}, gerr
	}
	return existing, domain.ErrBondAlreadySettled
}

var _ domain.BondStore = (*BondStore)(nil)

// BalanceStore implements domain.TokenBalances on the token_balances table.
// Every movement first claims its key in balance_movements; a key that is
// already present means the movement was applied before and is skipped.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Available returns a user's unlocked balance. Unknown users have zero.
func (s *BalanceStore) Available(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT available::text FROM token_balances WHERE user_id = $1`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("postgres: balance %s: %w", userID, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse balance %q: %w", raw, err)
	}
	return v, nil
}

// Credit adds amount to a user's available balance.
func (s *BalanceStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, key string) error {
	return s.move(ctx, userID, amount, key, "credit", `
		INSERT INTO token_balances (user_id, available) VALUES ($1, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE SET
			available  = token_balances.available + EXCLUDED.available,
			updated_at = NOW()`)
}

func (s *BalanceStore) Hold(ctx context.Context, userID string, amount decimal.Decimal, key string) error {
	return s.move(ctx, userID, amount, key, "hold", `
		UPDATE token_balances SET available = available - $2::numeric, held = held + $2::numeric, updated_at = NOW()
		WHERE user_id = $1 AND available >= $2::numeric`)
}

func (s *BalanceStore) Release(ctx context.Context, userID string, amount decimal.Decimal, key string) error {
	return s.move(ctx, userID, amount, key, "release", `
		UPDATE token_balances SET held = held - $2::numeric, available = available + $2::numeric, updated_at = NOW()
		WHERE user_id = $1 AND held >= $2::numeric`)
}

func (s *BalanceStore) Slash(ctx context.Context, userID string, amount decimal.Decimal, key string) error {
	return s.move(ctx, userID, amount, key, "slash", `
		UPDATE token_balances SET held = held - $2::numeric, updated_at = NOW()
		WHERE user_id = $1 AND held >= $2::numeric`)
}

func (s *BalanceStore) move(ctx context.Context, userID string, amount decimal.Decimal, key, kind, update string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin %s %s: %w", kind, key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO balance_movements (key, user_id, kind, amount) VALUES ($1, $2, $3, $4::numeric)
		ON CONFLICT (key) DO NOTHING`, key, userID, kind, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: claim movement %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	tag, err = tx.Exec(ctx, update, userID, amount.String())
	if err != nil {
		return fmt.Errorf("postgres: %s %s: %w", kind, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBondInsufficientFunds
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit %s %s: %w", kind, key, err)
	}
	return nil
}

var _ domain.TokenBalances = (*BalanceStore)(nil)
