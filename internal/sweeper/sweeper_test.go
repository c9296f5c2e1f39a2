package sweeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
	"github.com/tdeu/blc-hedera-sub002/internal/store/memory"
)

var closeAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeResolver struct {
	mu      sync.Mutex
	calls   []string
	queued  map[string]bool
	busy    map[string]bool
	markets domain.MarketStore
	clock   scheduler.Clock
}

func (f *fakeResolver) PreliminaryResolve(_ context.Context, id string, _ *domain.Outcome) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	return domain.Market{ID: id}, nil
}

func (f *fakeResolver) MarkReadyForFinal(ctx context.Context, id string) (domain.Market, bool, error) {
	f.mu.Lock()
	busy := f.busy[id]
	f.mu.Unlock()
	if busy {
		return domain.Market{}, false, domain.ErrLockHeld
	}
	m, err := f.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, false, err
	}
	if m.Status != domain.MarketStatusDisputable || !f.clock.Now().After(*m.DisputePeriodEnd) {
		return m, false, nil
	}
	if _, err := f.markets.Transition(ctx, domain.StatusTransition{
		MarketID: id,
		From:     domain.MarketStatusDisputable,
		To:       domain.MarketStatusPendingFinal,
	}); err != nil {
		return m, false, err
	}
	m, err = f.markets.UpdateFlags(ctx, id, domain.FlagUpdate{ReadyForFinal: domain.BoolPtr(true)})
	return m, err == nil, err
}

func (f *fakeResolver) Queued(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued[id]
}

type countingExpirer struct{ calls int }

func (c *countingExpirer) ExpireDisputes(context.Context) (int, error) {
	c.calls++
	return 0, nil
}

func setup(t *testing.T) (*Sweeper, *memory.Stores, *fakeResolver, *countingExpirer, *scheduler.ManualClock) {
	t.Helper()
	stores := memory.New()
	clock := scheduler.NewManualClock(closeAt.Add(time.Minute))
	res := &fakeResolver{queued: map[string]bool{}, busy: map[string]bool{}, markets: stores.Markets, clock: clock}
	exp := &countingExpirer{}
	s := New(stores.Markets, res, exp, nil, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, stores, res, exp, clock
}

func create(t *testing.T, stores *memory.Stores, m domain.Market) {
	t.Helper()
	if m.ClaimCloseTime.IsZero() {
		m.ClaimCloseTime = closeAt
	}
	require.NoError(t, stores.Markets.Create(context.Background(), m))
}

func TestSweep_DelegatesDueActiveMarkets(t *testing.T) {
	s, stores, res, exp, _ := setup(t)
	create(t, stores, domain.Market{ID: "due", ContractRef: "0x1"})
	create(t, stores, domain.Market{ID: "future", ContractRef: "0x2", ClaimCloseTime: closeAt.Add(time.Hour)})
	create(t, stores, domain.Market{ID: "nocontract"})
	create(t, stores, domain.Market{ID: "manual", ContractRef: "0x3", RequiresManualResolution: true})
	create(t, stores, domain.Market{ID: "queued", ContractRef: "0x4"})
	res.queued["queued"] = true

	rep, err := s.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"due"}, res.calls)
	assert.Equal(t, 1, rep.Preliminary)
	assert.Equal(t, 5, rep.Scanned)
	assert.Equal(t, 1, exp.calls)
}

func TestSweep_AdvancesExpiredDisputeWindows(t *testing.T) {
	s, stores, _, _, clock := setup(t)
	end := closeAt.Add(168 * time.Hour)
	create(t, stores, domain.Market{ID: "d", ContractRef: "0x1", Status: domain.MarketStatusDisputable, DisputePeriodEnd: &end})
	ctx := context.Background()

	clock.Set(end)
	rep, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.ReadyForFinal, "the window end itself is still open")

	clock.Set(end.Add(time.Second))
	rep, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ReadyForFinal)

	m, err := stores.Markets.GetByID(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusPendingFinal, m.Status)
	assert.True(t, m.ReadyForFinal)

	rep, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.ReadyForFinal)
}

func TestSweep_SkipsMarketsBusyWithResolution(t *testing.T) {
	s, stores, res, _, clock := setup(t)
	end := closeAt.Add(168 * time.Hour)
	create(t, stores, domain.Market{ID: "busy", ContractRef: "0x1", Status: domain.MarketStatusDisputable, DisputePeriodEnd: &end})
	res.busy["busy"] = true
	ctx := context.Background()

	clock.Set(end.Add(time.Minute))
	rep, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.ReadyForFinal)
	assert.Zero(t, rep.Failed, "a held lock is not a failure")

	m, err := stores.Markets.GetByID(ctx, "busy")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusDisputable, m.Status)

	res.busy["busy"] = false
	rep, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ReadyForFinal)
}
