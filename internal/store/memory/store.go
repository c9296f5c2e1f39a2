// Package memory holds mutex-guarded in-process implementations of the
// domain stores. They honour the same compare-and-swap contracts as the
// postgres stores and back the "memory" storage backend and unit tests.
package memory

import (
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

// Stores bundles one instance of every in-memory store.
type Stores struct {
	Markets     *MarketStore
	Disputes    *DisputeStore
	Bonds       *BondStore
	Balances    *BalanceStore
	Reviews     *ReviewStore
	Reputations *ReputationStore
	Audit       *AuditStore
}

// New returns empty stores stamped by the wall clock.
func New() *Stores {
	return NewWithClock(scheduler.SystemClock{})
}

// NewWithClock returns empty stores whose timestamps come from clock.
func NewWithClock(clock scheduler.Clock) *Stores {
	c := clocked{clock: clock}
	st := &Stores{
		Markets:     NewMarketStore(),
		Disputes:    NewDisputeStore(),
		Bonds:       NewBondStore(),
		Balances:    NewBalanceStore(),
		Reviews:     NewReviewStore(),
		Reputations: NewReputationStore(),
		Audit:       NewAuditStore(),
	}
	st.Markets.clocked = c
	st.Disputes.clocked = c
	st.Bonds.clocked = c
	st.Balances.clocked = c
	st.Reviews.clocked = c
	st.Reputations.clocked = c
	st.Audit.clocked = c
	return st
}

// clocked supplies the time rows are stamped with. The zero value reads the
// wall clock.
type clocked struct {
	clock scheduler.Clock
}

func (c clocked) now() time.Time {
	if c.clock == nil {
		return time.Now().UTC()
	}
	return c.clock.Now()
}

func paginate[T any](rows []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(rows) {
			return []T{}
		}
		rows = rows[opts.Offset:]
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
