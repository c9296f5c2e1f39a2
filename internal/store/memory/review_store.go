package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// ReviewStore keeps admin review recommendations in memory.
type ReviewStore struct {
	clocked
	mu      sync.RWMutex
	records map[string]domain.ReviewRecommendation
}

// NewReviewStore returns an empty ReviewStore.
func NewReviewStore() *ReviewStore {
	return &ReviewStore{records: map[string]domain.ReviewRecommendation{}}
}

func (s *ReviewStore) Create(_ context.Context, r domain.ReviewRecommendation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if r.Status == "" {
		r.Status = domain.ReviewPending
	}
	s.records[r.ID] = r
	return nil
}

func (s *ReviewStore) GetByID(_ context.Context, id string) (domain.ReviewRecommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return domain.ReviewRecommendation{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *ReviewStore) PendingForMarket(_ context.Context, marketID string) ([]domain.ReviewRecommendation, error) {
	s.mu.RLock()
	out := make([]domain.ReviewRecommendation, 0)
	for _, r := range s.records {
		if r.MarketID == marketID && r.Status == domain.ReviewPending {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	SortReviewQueue(out)
	return out, nil
}

func (s *ReviewStore) ListPending(_ context.Context, opts domain.ListOpts) ([]domain.ReviewRecommendation, error) {
	s.mu.RLock()
	out := make([]domain.ReviewRecommendation, 0)
	for _, r := range s.records {
		if r.Status == domain.ReviewPending {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	SortReviewQueue(out)
	return paginate(out, opts), nil
}

func (s *ReviewStore) Decide(_ context.Context, id string, status domain.ReviewStatus, by string, at time.Time) (domain.ReviewRecommendation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return domain.ReviewRecommendation{}, domain.ErrNotFound
	}
	if r.Status != domain.ReviewPending {
		return r, domain.ErrStatusConflict
	}
	r.Status = status
	r.DecidedBy = by
	r.DecidedAt = &at
	s.records[id] = r
	return r, nil
}

// SortReviewQueue orders recommendations HIGH first, then oldest first.
func SortReviewQueue(rows []domain.ReviewRecommendation) {
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := rows[i].Priority.Rank(), rows[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
}

var _ domain.ReviewStore = (*ReviewStore)(nil)
