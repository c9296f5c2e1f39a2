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

// DisputeStore implements domain.DisputeStore using PostgreSQL. The partial
// unique index uq_disputes_active enforces one active dispute per user and market.
type DisputeStore struct {
	pool *pgxpool.Pool
}

// NewDisputeStore creates a new DisputeStore.
func NewDisputeStore(pool *pgxpool.Pool) *DisputeStore {
	return &DisputeStore{pool: pool}
}

const disputeCols = `id, market_id, disputer_id, bond_amount::text, evidence_ref, reason, status,
	outcome, quality, refund_percent, resolver_notes, resolved_by, created_at, resolved_at`

func scanDispute(row pgx.Row) (domain.Dispute, error) {
	var (
		d                domain.Dispute
		bond, status     string
		outcome, quality string
		refund           int16
	)
	err := row.Scan(&d.ID, &d.MarketID, &d.DisputerID, &bond, &d.EvidenceRef, &d.Reason, &status,
		&outcome, &quality, &refund, &d.ResolverNotes, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return domain.Dispute{}, err
	}
	amt, err := decimal.NewFromString(bond)
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("parse bond amount %q: %w", bond, err)
	}
	d.BondAmount = amt
	d.Status = domain.DisputeStatus(status)
	d.Outcome = domain.DisputeOutcome(outcome)
	d.Quality = domain.EvidenceQuality(quality)
	d.RefundPercent = int(refund)
	return d, nil
}

func (s *DisputeStore) queryDisputes(ctx context.Context, query string, args ...any) ([]domain.Dispute, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query disputes: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Dispute, 0)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan dispute: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: dispute rows: %w", err)
	}
	return out, nil
}

// Create inserts a dispute.
func (s *DisputeStore) Create(ctx context.Context, d domain.Dispute) error {
	if d.Status == "" {
		d.Status = domain.DisputeActive
	}
	const query = `
		INSERT INTO disputes (id, market_id, disputer_id, bond_amount, evidence_ref, reason, status, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.MarketID, d.DisputerID, d.BondAmount.String(), d.EvidenceRef, d.Reason, string(d.Status), d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateActiveDispute
		}
		return fmt.Errorf("postgres: create dispute %s: %w", d.ID, err)
	}
	return nil
}

// GetByID returns a dispute by id.
func (s *DisputeStore) GetByID(ctx context.Context, id string) (domain.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeCols+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrNotFound
		}
		return domain.Dispute{}, fmt.Errorf("postgres: get dispute %s: %w", id, err)
	}
	return d, nil
}

// FindActive returns the user's active dispute on a market.
func (s *DisputeStore) FindActive(ctx context.Context, marketID, disputerID string) (domain.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE market_id = $1 AND disputer_id = $2 AND status = 'active'`,
		marketID, disputerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Dispute{}, domain.ErrNotFound
		}
		return domain.Dispute{}, fmt.Errorf("postgres: find active dispute: %w", err)
	}
	return d, nil
}

// ListByMarket returns every dispute on a market, oldest first.
func (s *DisputeStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Dispute, error) {
	return s.queryDisputes(ctx,
		`SELECT `+disputeCols+` FROM disputes WHERE market_id = $1 ORDER BY created_at, id`, marketID)
}

// ListActive returns active disputes, oldest first.
func (s *DisputeStore) ListActive(ctx context.Context, opts domain.ListOpts) ([]domain.Dispute, error) {
	query, args := pageClause(`SELECT `+disputeCols+` FROM disputes WHERE status = 'active'`, nil, "created_at", opts)
	query, args = limitClause(query+" ORDER BY created_at, id", args, opts)
	return s.queryDisputes(ctx, query, args...)
}

// Resolve moves an active dispute to its terminal status.
func (s *DisputeStore) Resolve(ctx context.Context, r domain.DisputeResolution) (domain.Dispute, error) {
	const query = `
		UPDATE disputes SET
			status         = $2,
			outcome        = $3,
			quality        = $4,
			refund_percent = $5,
			resolver_notes = $6,
			resolved_by    = $7,
			resolved_at    = $8
		WHERE id = $1 AND status = 'active'
		RETURNING ` + disputeCols
	d, err := scanDispute(s.pool.QueryRow(ctx, query,
		r.DisputeID, string(r.Status), string(r.Outcome), string(r.Quality),
		int16(r.RefundPercent), r.ResolverNotes, r.ResolvedBy, r.ResolvedAt))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Dispute{}, fmt.Errorf("postgres: resolve dispute %s: %w", r.DisputeID, err)
	}
	existing, gerr := s.GetByID(ctx, r.DisputeID)
	if gerr != nil {
		return domain.Dispute{}, gerr
	}
	return existing, domain.ErrDisputeAlreadyResolved
}

var _ domain.DisputeStore = (*DisputeStore)(nil)
