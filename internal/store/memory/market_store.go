package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// MarketStore keeps markets and their status history in memory.
type MarketStore struct {
	clocked
	mu      sync.RWMutex
	records map[string]domain.Market
	events  map[string][]domain.MarketEvent
}

// NewMarketStore returns an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		records: map[string]domain.Market{},
		events:  map[string][]domain.MarketEvent{},
	}
}

func cloneMarket(m domain.Market) domain.Market {
	m.DisputePeriodEnd = copyTime(m.DisputePeriodEnd)
	if m.Resolution != nil {
		r := *m.Resolution
		r.PreliminaryTime = copyTime(r.PreliminaryTime)
		r.FinalTime = copyTime(r.FinalTime)
		m.Resolution = &r
	}
	return m
}

func (s *MarketStore) Create(_ context.Context, market domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[market.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if market.Status == "" {
		market.Status = domain.MarketStatusActive
	}
	ts := s.now()
	if market.CreatedAt.IsZero() {
		market.CreatedAt = ts
	}
	market.UpdatedAt = ts
	s.records[market.ID] = cloneMarket(market)
	return nil
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.records[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return cloneMarket(m), nil
}

func (s *MarketStore) ListByStatus(_ context.Context, statuses []domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	want := make(map[domain.MarketStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	out := make([]domain.Market, 0)
	for _, m := range s.records {
		if len(want) == 0 || want[m.Status] {
			out = append(out, cloneMarket(m))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimCloseTime.Equal(out[j].ClaimCloseTime) {
			return out[i].ClaimCloseTime.Before(out[j].ClaimCloseTime)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, opts), nil
}

func (s *MarketStore) ListResolved(_ context.Context, since, until time.Time) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Market, 0)
	for _, m := range s.records {
		if m.Status != domain.MarketStatusResolved || m.Resolution == nil || m.Resolution.FinalTime == nil {
			continue
		}
		ft := *m.Resolution.FinalTime
		if ft.Before(since) || !ft.Before(until) {
			continue
		}
		out = append(out, cloneMarket(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MarketStore) Transition(_ context.Context, t domain.StatusTransition) (domain.Market, error) {
	if !t.From.CanAdvanceTo(t.To) {
		return domain.Market{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.From, t.To)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[t.MarketID]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	if m.Status != t.From {
		return domain.Market{}, fmt.Errorf("%w: market %s is %s, expected %s", domain.ErrStatusConflict, m.ID, m.Status, t.From)
	}
	m.Status = t.To
	if t.DisputePeriodEnd != nil {
		m.DisputePeriodEnd = copyTime(t.DisputePeriodEnd)
	}
	if t.Resolution != nil {
		r := *t.Resolution
		m.Resolution = &r
	}
	m.UpdatedAt = s.now()
	s.records[m.ID] = cloneMarket(m)
	s.appendEvent(m.ID, t.From, t.To, t.Actor, t.Reason, false)
	return cloneMarket(m), nil
}

func (s *MarketStore) UpdateFlags(_ context.Context, id string, f domain.FlagUpdate) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	if f.RequiresManualResolution != nil {
		m.RequiresManualResolution = *f.RequiresManualResolution
	}
	if f.ManualReason != nil {
		m.ManualReason = *f.ManualReason
	}
	if f.ReadyForFinal != nil {
		m.ReadyForFinal = *f.ReadyForFinal
	}
	if f.NeedsReevaluation != nil {
		m.NeedsReevaluation = *f.NeedsReevaluation
	}
	m.UpdatedAt = s.now()
	s.records[id] = m
	return cloneMarket(m), nil
}

func (s *MarketStore) AdminOverride(_ context.Context, id string, to domain.MarketStatus, actor, reason string) (domain.Market, error) {
	if !to.Valid() {
		return domain.Market{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	from := m.Status
	m.Status = to
	m.UpdatedAt = s.now()
	s.records[id] = m
	s.appendEvent(id, from, to, actor, reason, true)
	return cloneMarket(m), nil
}

func (s *MarketStore) Events(_ context.Context, id string) ([]domain.MarketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[id]; !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.MarketEvent, len(s.events[id]))
	copy(out, s.events[id])
	return out, nil
}

// appendEvent must be called with s.mu held.
func (s *MarketStore) appendEvent(id string, from, to domain.MarketStatus, actor, reason string, override bool) {
	s.events[id] = append(s.events[id], domain.MarketEvent{
		ID:        uuid.NewString(),
		MarketID:  id,
		From:      from,
		To:        to,
		Actor:     actor,
		Reason:    reason,
		Override:  override,
		CreatedAt: s.now(),
	})
}

var _ domain.MarketStore = (*MarketStore)(nil)
