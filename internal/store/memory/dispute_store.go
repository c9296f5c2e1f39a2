package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// DisputeStore keeps disputes in memory. An index of active disputes keyed by
// (market, disputer) enforces the one-active-dispute rule.
type DisputeStore struct {
	clocked
	mu      sync.RWMutex
	records map[string]domain.Dispute
	active  map[string]string
	order   []string
}

// NewDisputeStore returns an empty DisputeStore.
func NewDisputeStore() *DisputeStore {
	return &DisputeStore{
		records: map[string]domain.Dispute{},
		active:  map[string]string{},
	}
}

func activeKey(marketID, disputerID string) string {
	return marketID + "\x00" + disputerID
}

func (s *DisputeStore) Create(_ context.Context, d domain.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[d.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if d.Status == "" {
		d.Status = domain.DisputeActive
	}
	if d.Status == domain.DisputeActive {
		key := activeKey(d.MarketID, d.DisputerID)
		if _, ok := s.active[key]; ok {
			return domain.ErrDuplicateActiveDispute
		}
		s.active[key] = d.ID
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now()
	}
	s.records[d.ID] = d
	s.order = append(s.order, d.ID)
	return nil
}

func (s *DisputeStore) GetByID(_ context.Context, id string) (domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.records[id]
	if !ok {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *DisputeStore) FindActive(_ context.Context, marketID, disputerID string) (domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[activeKey(marketID, disputerID)]
	if !ok {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return s.records[id], nil
}

func (s *DisputeStore) ListByMarket(_ context.Context, marketID string) ([]domain.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Dispute, 0)
	for _, id := range s.order {
		if d := s.records[id]; d.MarketID == marketID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *DisputeStore) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Dispute, error) {
	s.mu.RLock()
	out := make([]domain.Dispute, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, s.records[id])
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *DisputeStore) Resolve(_ context.Context, r domain.DisputeResolution) (domain.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.records[r.DisputeID]
	if !ok {
		return domain.Dispute{}, domain.ErrNotFound
	}
	if d.Status != domain.DisputeActive {
		return d, domain.ErrDisputeAlreadyResolved
	}
	at := r.ResolvedAt
	d.Status = r.Status
	d.Outcome = r.Outcome
	d.Quality = r.Quality
	d.RefundPercent = r.RefundPercent
	d.ResolverNotes = r.ResolverNotes
	d.ResolvedBy = r.ResolvedBy
	d.ResolvedAt = &at
	s.records[d.ID] = d
	delete(s.active, activeKey(d.MarketID, d.DisputerID))
	return d, nil
}

var _ domain.DisputeStore = (*DisputeStore)(nil)
