package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// ReputationStore implements domain.ReputationStore using PostgreSQL.
type ReputationStore struct {
	pool *pgxpool.Pool
}

// NewReputationStore creates a new ReputationStore.
func NewReputationStore(pool *pgxpool.Pool) *ReputationStore {
	return &ReputationStore{pool: pool}
}

// Get returns a user's dispute record. Users without history get a zero record.
func (s *ReputationStore) Get(ctx context.Context, userID string) (domain.Reputation, error) {
	r := domain.Reputation{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT disputes_resolved, disputes_upheld, updated_at FROM reputations WHERE user_id = $1`, userID,
	).Scan(&r.DisputesResolved, &r.DisputesUpheld, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, nil
		}
		return domain.Reputation{}, fmt.Errorf("postgres: get reputation %s: %w", userID, err)
	}
	return r, nil
}

// Record counts one resolved dispute for userID.
func (s *ReputationStore) Record(ctx context.Context, userID string, upheld bool) error {
	inc := 0
	if upheld {
		inc = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reputations (user_id, disputes_resolved, disputes_upheld) VALUES ($1, 1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			disputes_resolved = reputations.disputes_resolved + 1,
			disputes_upheld   = reputations.disputes_upheld + EXCLUDED.disputes_upheld,
			updated_at        = NOW()`, userID, inc)
	if err != nil {
		return fmt.Errorf("postgres: record reputation %s: %w", userID, err)
	}
	return nil
}

var _ domain.ReputationStore = (*ReputationStore)(nil)
