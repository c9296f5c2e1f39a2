package memory

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
)

// BondStore keeps bonds in memory keyed by dispute id.
type BondStore struct {
	clocked
	mu      sync.RWMutex
	records map[string]domain.Bond
}

// NewBondStore returns an empty BondStore.
func NewBondStore() *BondStore {
	return &BondStore{records: map[string]domain.Bond{}}
}

func (s *BondStore) Create(_ context.Context, b domain.Bond) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[b.DisputeID]; ok {
		return domain.ErrAlreadyExists
	}
	s.records[b.DisputeID] = b
	return nil
}

func (s *BondStore) GetByDispute(_ context.Context, disputeID string) (domain.Bond, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.records[disputeID]
	if !ok {
		return domain.Bond{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *BondStore) Settle(_ context.Context, st domain.BondSettlement) (domain.Bond, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.records[st.DisputeID]
	if !ok {
		return domain.Bond{}, domain.ErrNotFound
	}
	if b.State.Settled() {
		return b, domain.ErrBondAlreadySettled
	}
	at := st.SettledAt
	b.State = st.State
	b.RefundPercent = st.RefundPercent
	b.SlashPercent = st.SlashPercent
	b.RefundAmount = st.RefundAmount
	b.SlashAmount = st.SlashAmount
	b.SettledAt = &at
	s.records[b.DisputeID] = b
	return b, nil
}

var _ domain.BondStore = (*BondStore)(nil)

// BalanceStore is an in-memory token balance service. Each movement key is
// applied at most once.
type BalanceStore struct {
	clocked
	mu       sync.Mutex
	balances map[string]domain.Balance
	applied  map[string]bool
	treasury decimal.Decimal
}

// NewBalanceStore returns an empty BalanceStore.
func NewBalanceStore() *BalanceStore {
	return &BalanceStore{
		balances: map[string]domain.Balance{},
		applied:  map[string]bool{},
	}
}

// Credit adds amount to a user's available balance.
func (s *BalanceStore) Credit(userID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balances[userID]
	b.UserID = userID
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = s.now()
	s.balances[userID] = b
}

// Balance returns the full balance row for a user.
func (s *BalanceStore) Balance(userID string) domain.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balances[userID]
	b.UserID = userID
	return b
}

// Treasury returns the total slashed so far.
func (s *BalanceStore) Treasury() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.treasury
}

func (s *BalanceStore) Available(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID].Available, nil
}

func (s *BalanceStore) Hold(_ context.Context, userID string, amount decimal.Decimal, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[key] {
		return nil
	}
	b := s.balances[userID]
	if b.Available.LessThan(amount) {
		return domain.ErrBondInsufficientFunds
	}
	b.UserID = userID
	b.Available = b.Available.Sub(amount)
	b.Held = b.Held.Add(amount)
	b.UpdatedAt = s.now()
	s.balances[userID] = b
	s.applied[key] = true
	return nil
}

func (s *BalanceStore) Release(_ context.Context, userID string, amount decimal.Decimal, key string) error {
	return s.moveHeld(userID, amount, key, true)
}

func (s *BalanceStore) Slash(_ context.Context, userID string, amount decimal.Decimal, key string) error {
	return s.moveHeld(userID, amount, key, false)
}

func (s *BalanceStore) moveHeld(userID string, amount decimal.Decimal, key string, toUser bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applied[key] {
		return nil
	}
	b := s.balances[userID]
	if b.Held.LessThan(amount) {
		return domain.ErrBondInsufficientFunds
	}
	b.Held = b.Held.Sub(amount)
	if toUser {
		b.Available = b.Available.Add(amount)
	} else {
		s.treasury = s.treasury.Add(amount)
	}
	b.UpdatedAt = s.now()
	s.balances[userID] = b
	s.applied[key] = true
	return nil
}

var _ domain.TokenBalances = (*BalanceStore)(nil)
