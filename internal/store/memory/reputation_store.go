package memory

import (
	"context"
	"sync"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// ReputationStore keeps dispute accuracy counters in memory.
type ReputationStore struct {
	clocked
	mu      sync.RWMutex
	records map[string]domain.Reputation
}

// NewReputationStore returns an empty ReputationStore.
func NewReputationStore() *ReputationStore {
	return &ReputationStore{records: map[string]domain.Reputation{}}
}

// Set replaces a user's reputation row.
func (s *ReputationStore) Set(r domain.Reputation) {
	s.mu.Lock()
	s.records[r.UserID] = r
	s.mu.Unlock()
}

func (s *ReputationStore) Get(_ context.Context, userID string) (domain.Reputation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[userID]
	if !ok {
		return domain.Reputation{UserID: userID}, nil
	}
	return r, nil
}

func (s *ReputationStore) Record(_ context.Context, userID string, upheld bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[userID]
	r.UserID = userID
	r.DisputesResolved++
	if upheld {
		r.DisputesUpheld++
	}
	r.UpdatedAt = s.now()
	s.records[userID] = r
	return nil
}

var _ domain.ReputationStore = (*ReputationStore)(nil)
