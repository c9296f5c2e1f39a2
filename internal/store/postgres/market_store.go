package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, claim_text, region_hint, claim_close_time, contract_ref, status,
	dispute_period_end,
	preliminary_outcome, preliminary_tx_ref, preliminary_time, preliminary_source,
	preliminary_confidence, rationale,
	final_outcome, final_confidence, final_tx_ref, final_time, resolved_by,
	requires_manual_resolution, manual_reason, ready_for_final, needs_reevaluation,
	created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                 domain.Market
		r                 domain.ResolutionRecord
		status            string
		prelimOut, final  int16
		prelimConf, fConf int16
	)
	err := row.Scan(
		&m.ID, &m.ClaimText, &m.RegionHint, &m.ClaimCloseTime, &m.ContractRef, &status,
		&m.DisputePeriodEnd,
		&prelimOut, &r.PreliminaryTxRef, &r.PreliminaryTime, &r.PreliminarySource,
		&prelimConf, &r.Rationale,
		&final, &fConf, &r.FinalTxRef, &r.FinalTime, &r.ResolvedBy,
		&m.RequiresManualResolution, &m.ManualReason, &m.ReadyForFinal, &m.NeedsReevaluation,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	r.PreliminaryOutcome = domain.Outcome(prelimOut)
	r.PreliminaryConfidence = int(prelimConf)
	r.FinalOutcome = domain.Outcome(final)
	r.FinalConfidence = int(fConf)
	if r.PreliminaryTime != nil || r.FinalTime != nil {
		m.Resolution = &r
	}
	return m, nil
}

func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()
	out := make([]domain.Market, 0)
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: market rows: %w", err)
	}
	return out, nil
}

// Create inserts a new market. Status defaults to active.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	if m.Status == "" {
		m.Status = domain.MarketStatusActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO markets (
			id, claim_text, region_hint, claim_close_time, contract_ref, status,
			dispute_period_end, requires_manual_resolution, manual_reason,
			ready_for_final, needs_reevaluation, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`
	_, err := s.pool.Exec(ctx, query,
		m.ID, m.ClaimText, m.RegionHint, m.ClaimCloseTime, m.ContractRef, string(m.Status),
		m.DisputePeriodEnd, m.RequiresManualResolution, m.ManualReason,
		m.ReadyForFinal, m.NeedsReevaluation, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// ListByStatus returns markets in any of statuses, oldest close time first.
// An empty statuses slice lists every market.
func (s *MarketStore) ListByStatus(ctx context.Context, statuses []domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		args = append(args, names)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query, args = pageClause(query, args, "claim_close_time", opts)
	query, args = limitClause(query+" ORDER BY claim_close_time, id", args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets by status: %w", err)
	}
	return collectMarkets(rows)
}

// ListResolved returns markets whose final resolution falls in [since, until).
func (s *MarketStore) ListResolved(ctx context.Context, since, until time.Time) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets
		 WHERE status = 'resolved' AND final_time >= $1 AND final_time < $2
		 ORDER BY id`, since, until)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved markets: %w", err)
	}
	return collectMarkets(rows)
}

// Transition moves a market from t.From to t.To and records the change in
// market_events, both in one transaction. It fails with ErrStatusConflict
// when the market is no longer in t.From.
func (s *MarketStore) Transition(ctx context.Context, t domain.StatusTransition) (domain.Market, error) {
	if !t.From.CanAdvanceTo(t.To) {
		return domain.Market{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.From, t.To)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: begin transition %s: %w", t.MarketID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	args := []any{t.MarketID, string(t.From), string(t.To), t.DisputePeriodEnd}
	query := `
		UPDATE markets SET
			status             = $3,
			dispute_period_end = COALESCE($4, dispute_period_end),
			updated_at         = NOW()`
	if r := t.Resolution; r != nil {
		args = append(args,
			int16(r.PreliminaryOutcome), r.PreliminaryTxRef, r.PreliminaryTime, r.PreliminarySource,
			int16(r.PreliminaryConfidence), r.Rationale,
			int16(r.FinalOutcome), int16(r.FinalConfidence), r.FinalTxRef, r.FinalTime, r.ResolvedBy,
		)
		query += `,
			preliminary_outcome    = $5,
			preliminary_tx_ref     = $6,
			preliminary_time       = $7,
			preliminary_source     = $8,
			preliminary_confidence = $9,
			rationale              = $10,
			final_outcome          = $11,
			final_confidence       = $12,
			final_tx_ref           = $13,
			final_time             = $14,
			resolved_by            = $15`
	}
	query += ` WHERE id = $1 AND status = $2 RETURNING ` + marketCols

	m, err := scanMarket(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, s.transitionMiss(ctx, t)
		}
		return domain.Market{}, fmt.Errorf("postgres: transition market %s: %w", t.MarketID, err)
	}
	if err := insertEvent(ctx, tx, t.MarketID, t.From, t.To, t.Actor, t.Reason, false); err != nil {
		return domain.Market{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: commit transition %s: %w", t.MarketID, err)
	}
	return m, nil
}

// transitionMiss explains why a guarded update touched no row.
func (s *MarketStore) transitionMiss(ctx context.Context, t domain.StatusTransition) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM markets WHERE id = $1`, t.MarketID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: transition market %s: %w", t.MarketID, err)
	}
	return fmt.Errorf("%w: market %s is %s, expected %s", domain.ErrStatusConflict, t.MarketID, current, t.From)
}

// UpdateFlags patches the informational flags. Nil fields are left unchanged.
func (s *MarketStore) UpdateFlags(ctx context.Context, id string, f domain.FlagUpdate) (domain.Market, error) {
	const query = `
		UPDATE markets SET
			requires_manual_resolution = COALESCE($2, requires_manual_resolution),
			manual_reason              = COALESCE($3, manual_reason),
			ready_for_final            = COALESCE($4, ready_for_final),
			needs_reevaluation         = COALESCE($5, needs_reevaluation),
			updated_at                 = NOW()
		WHERE id = $1
		RETURNING ` + marketCols
	m, err := scanMarket(s.pool.QueryRow(ctx, query,
		id, f.RequiresManualResolution, f.ManualReason, f.ReadyForFinal, f.NeedsReevaluation))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: update flags %s: %w", id, err)
	}
	return m, nil
}

// AdminOverride sets status unconditionally and records an override event.
func (s *MarketStore) AdminOverride(ctx context.Context, id string, to domain.MarketStatus, actor, reason string) (domain.Market, error) {
	if !to.Valid() {
		return domain.Market{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, to)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: begin override %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var from string
	err = tx.QueryRow(ctx, `SELECT status FROM markets WHERE id = $1 FOR UPDATE`, id).Scan(&from)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: lock market %s: %w", id, err)
	}
	m, err := scanMarket(tx.QueryRow(ctx,
		`UPDATE markets SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING `+marketCols,
		id, string(to)))
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: override market %s: %w", id, err)
	}
	if err := insertEvent(ctx, tx, id, domain.MarketStatus(from), to, actor, reason, true); err != nil {
		return domain.Market{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: commit override %s: %w", id, err)
	}
	return m, nil
}

// Events returns a market's status history, oldest first.
func (s *MarketStore) Events(ctx context.Context, id string) ([]domain.MarketEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: check market %s: %w", id, err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, from_status, to_status, actor, reason, override, created_at
		FROM market_events WHERE market_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: list market events %s: %w", id, err)
	}
	defer rows.Close()

	events := make([]domain.MarketEvent, 0)
	for rows.Next() {
		var e domain.MarketEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.MarketID, &from, &to, &e.Actor, &e.Reason, &e.Override, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan market event: %w", err)
		}
		e.From, e.To = domain.MarketStatus(from), domain.MarketStatus(to)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: market events rows: %w", err)
	}
	return events, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, marketID string, from, to domain.MarketStatus, actor, reason string, override bool) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO market_events (id, market_id, from_status, to_status, actor, reason, override)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), marketID, string(from), string(to), actor, reason, override)
	if err != nil {
		return fmt.Errorf("postgres: record market event %s: %w", marketID, err)
	}
	return nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
