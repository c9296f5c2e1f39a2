package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// ReviewStore implements domain.ReviewStore using PostgreSQL.
type ReviewStore struct {
	pool *pgxpool.Pool
}

// NewReviewStore creates a new ReviewStore.
func NewReviewStore(pool *pgxpool.Pool) *ReviewStore {
	return &ReviewStore{pool: pool}
}

const reviewCols = `id, market_id, outcome, confidence, priority, rationale, source, status,
	created_at, decided_at, decided_by`

// HIGH first, then oldest.
const reviewOrder = ` ORDER BY CASE priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC, created_at, id`

func scanReview(row pgx.Row) (domain.ReviewRecommendation, error) {
	var (
		r                   domain.ReviewRecommendation
		outcome, confidence int16
		priority, status    string
	)
	err := row.Scan(&r.ID, &r.MarketID, &outcome, &confidence, &priority, &r.Rationale, &r.Source, &status,
		&r.CreatedAt, &r.DecidedAt, &r.DecidedBy)
	if err != nil {
		return domain.ReviewRecommendation{}, err
	}
	r.Outcome = domain.Outcome(outcome)
	r.Confidence = int(confidence)
	r.Priority = domain.Priority(priority)
	r.Status = domain.ReviewStatus(status)
	return r, nil
}

func (s *ReviewStore) queryReviews(ctx context.Context, query string, args ...any) ([]domain.ReviewRecommendation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query reviews: %w", err)
	}
	defer rows.Close()
	out := make([]domain.ReviewRecommendation, 0)
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan review: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: review rows: %w", err)
	}
	return out, nil
}

// Create inserts a recommendation.
func (s *ReviewStore) Create(ctx context.Context, r domain.ReviewRecommendation) error {
	if r.Status == "" {
		r.Status = domain.ReviewPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO review_recommendations (id, market_id, outcome, confidence, priority, rationale, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.MarketID, int16(r.Outcome), int16(r.Confidence), string(r.Priority),
		r.Rationale, r.Source, string(r.Status), r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create review %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns a recommendation by id.
func (s *ReviewStore) GetByID(ctx context.Context, id string) (domain.ReviewRecommendation, error) {
	r, err := scanReview(s.pool.QueryRow(ctx, `SELECT `+reviewCols+` FROM review_recommendations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ReviewRecommendation{}, domain.ErrNotFound
		}
		return domain.ReviewRecommendation{}, fmt.Errorf("postgres: get review %s: %w", id, err)
	}
	return r, nil
}

// PendingForMarket returns a market's pending recommendations.
func (s *ReviewStore) PendingForMarket(ctx context.Context, marketID string) ([]domain.ReviewRecommendation, error) {
	return s.queryReviews(ctx,
		`SELECT `+reviewCols+` FROM review_recommendations WHERE market_id = $1 AND status = 'pending'`+reviewOrder,
		marketID)
}

// ListPending returns the admin review queue.
func (s *ReviewStore) ListPending(ctx context.Context, opts domain.ListOpts) ([]domain.ReviewRecommendation, error) {
	query, args := pageClause(`SELECT `+reviewCols+` FROM review_recommendations WHERE status = 'pending'`, nil, "created_at", opts)
	query, args = limitClause(query+reviewOrder, args, opts)
	return s.queryReviews(ctx, query, args...)
}

// Decide closes a pending recommendation. It fails with ErrStatusConflict
// when the recommendation was already decided.
func (s *ReviewStore) Decide(ctx context.Context, id string, status domain.ReviewStatus, by string, at time.Time) (domain.ReviewRecommendation, error) {
	r, err := scanReview(s.pool.QueryRow(ctx, `
		UPDATE review_recommendations SET status = $2, decided_by = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+reviewCols, id, string(status), by, at))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ReviewRecommendation{}, fmt.Errorf("postgres: decide review %s: %w", id, err)
	}
	existing, gerr := s.GetByID(ctx, id)
	if gerr != nil {
		return domain.ReviewRecommendation{}, gerr
	}
	return existing, domain.ErrStatusConflict
}

var _ domain.ReviewStore = (*ReviewStore)(nil)
