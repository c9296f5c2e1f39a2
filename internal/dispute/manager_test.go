package dispute

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/bond"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
	"github.com/tdeu/blc-hedera-sub002/internal/store/memory"
)

var start = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type failingDisputes struct {
	*memory.DisputeStore
	err error
}

func (f failingDisputes) Create(context.Context, domain.Dispute) error { return f.err }

type fixture struct {
	stores *memory.Stores
	clock  *scheduler.ManualClock
	bonds  *bond.Ledger
	mgr    *Manager
}

func newFixture(t *testing.T, disputes domain.DisputeStore) *fixture {
	t.Helper()
	f := &fixture{
		stores: memory.New(),
		clock:  scheduler.NewManualClock(start),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.bonds = bond.NewLedger(f.stores.Bonds, f.stores.Balances, f.stores.Audit, f.clock, logger)
	if disputes == nil {
		disputes = f.stores.Disputes
	}
	f.mgr = NewManager(Deps{
		Markets:     f.stores.Markets,
		Disputes:    disputes,
		Bonds:       f.bonds,
		Reputations: f.stores.Reputations,
		Audit:       f.stores.Audit,
		Clock:       f.clock,
	}, DefaultConfig(), logger)
	return f
}

func (f *fixture) market(t *testing.T, id string, status domain.MarketStatus) {
	t.Helper()
	end := start.Add(72 * time.Hour)
	require.NoError(t, f.stores.Markets.Create(context.Background(), domain.Market{
		ID:               id,
		ClaimCloseTime:   start.Add(-96 * time.Hour),
		ContractRef:      "0x" + id,
		Status:           status,
		DisputePeriodEnd: &end,
		Resolution:       &domain.ResolutionRecord{PreliminaryOutcome: domain.OutcomeYes},
	}))
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestRequiredBond(t *testing.T) {
	tests := []struct {
		name     string
		resolved int
		upheld   int
		want     decimal.Decimal
	}{
		{"new user", 0, 0, dec(100)},
		{"short history ignores accuracy", 2, 0, dec(100)},
		{"accurate", 10, 8, dec(50)},
		{"decent", 10, 6, dec(75)},
		{"average", 10, 4, dec(100)},
		{"poor", 10, 2, dec(150)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.stores.Reputations.Set(domain.Reputation{UserID: "u", DisputesResolved: tt.resolved, DisputesUpheld: tt.upheld})
			got, err := f.mgr.RequiredBond(context.Background(), "u")
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestValidateDisputeEligibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.market(t, "active", domain.MarketStatusActive)
	f.market(t, "open", domain.MarketStatusDisputable)
	f.stores.Balances.Credit("rich", dec(500))
	f.stores.Balances.Credit("poor", dec(10))

	el, err := f.mgr.ValidateDisputeEligibility(ctx, "rich", "active")
	require.NoError(t, err)
	assert.Equal(t, domain.RejectMarketNotDisputable, el.Reason)

	el, err = f.mgr.ValidateDisputeEligibility(ctx, "poor", "open")
	require.NoError(t, err)
	assert.False(t, el.Eligible)
	assert.Equal(t, domain.RejectInsufficientBond, el.Reason)
	assert.True(t, el.Available.Equal(dec(10)))

	el, err = f.mgr.ValidateDisputeEligibility(ctx, "rich", "open")
	require.NoError(t, err)
	assert.True(t, el.Eligible)
	assert.True(t, el.RequiredBond.Equal(dec(100)))

	_, err = f.mgr.OpenDispute(ctx, OpenRequest{UserID: "rich", MarketID: "open", EvidenceRef: "evidence/open/a.txt"})
	require.NoError(t, err)
	el, err = f.mgr.ValidateDisputeEligibility(ctx, "rich", "open")
	require.NoError(t, err)
	assert.Equal(t, domain.RejectDuplicateActive, el.Reason)

	f.clock.Set(start.Add(72*time.Hour + time.Second))
	el, err = f.mgr.ValidateDisputeEligibility(ctx, "poor", "open")
	require.NoError(t, err)
	assert.Equal(t, domain.RejectWindowClosed, el.Reason, "window is checked before balance")

	_, err = f.mgr.ValidateDisputeEligibility(ctx, "rich", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOpenDispute_LocksBond(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.market(t, "m", domain.MarketStatusDisputable)
	f.stores.Balances.Credit("alice", dec(250))

	d, err := f.mgr.OpenDispute(ctx, OpenRequest{UserID: "alice", MarketID: "m", Reason: "source retracted"})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeActive, d.Status)
	assert.True(t, d.BondAmount.Equal(dec(100)))

	b, err := f.stores.Bonds.GetByDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BondLocked, b.State)
	bal := f.stores.Balances.Balance("alice")
	assert.True(t, bal.Available.Equal(dec(150)))
	assert.True(t, bal.Held.Equal(dec(100)))
	assert.Contains(t, f.stores.Audit.Events(), "dispute.opened")
}

func TestOpenDispute_RejectionIsTyped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.market(t, "m", domain.MarketStatusDisputable)
	f.stores.Balances.Credit("bob", dec(20))

	_, err := f.mgr.OpenDispute(ctx, OpenRequest{UserID: "bob", MarketID: "m"})
	var rej *domain.RejectionError
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, domain.RejectInsufficientBond, rej.Reason)
	assert.ErrorIs(t, err, domain.ErrBondInsufficientFunds)

	ds, err := f.stores.Disputes.ListByMarket(ctx, "m")
	require.NoError(t, err)
	assert.Empty(t, ds)
	assert.True(t, f.stores.Balances.Balance("bob").Available.Equal(dec(20)))
}

func TestOpenDispute_InsertFailureReleasesBond(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, failingDisputes{DisputeStore: memory.NewDisputeStore(), err: errors.New("db down")})
	f.market(t, "m", domain.MarketStatusDisputable)
	f.stores.Balances.Credit("carol", dec(100))

	_, err := f.mgr.OpenDispute(ctx, OpenRequest{UserID: "carol", MarketID: "m"})
	require.Error(t, err)

	bal := f.stores.Balances.Balance("carol")
	assert.True(t, bal.Available.Equal(dec(100)))
	assert.True(t, bal.Held.IsZero())
	assert.Contains(t, f.stores.Audit.Events(), "bond.released")
}

func TestResolveDispute_RefundTable(t *testing.T) {
	tests := []struct {
		outcome  domain.DisputeOutcome
		quality  domain.EvidenceQuality
		refund   int64
		status   domain.DisputeStatus
		upheldBy int
	}{
		{domain.VerdictUpheld, domain.QualityLow, 100, domain.DisputeUpheld, 1},
		{domain.VerdictPartial, domain.QualityHigh, 75, domain.DisputePartial, 0},
		{domain.VerdictPartial, domain.QualityMedium, 50, domain.DisputePartial, 0},
		{domain.VerdictPartial, domain.QualityLow, 25, domain.DisputePartial, 0},
		{domain.VerdictRejected, domain.QualityHigh, 50, domain.DisputeRejected, 0},
		{domain.VerdictRejected, domain.QualityMedium, 25, domain.DisputeRejected, 0},
		{domain.VerdictRejected, domain.QualityLow, 0, domain.DisputeRejected, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome)+"/"+string(tt.quality), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, nil)
			f.market(t, "m", domain.MarketStatusDisputable)
			f.stores.Balances.Credit("dan", dec(100))
			d, err := f.mgr.OpenDispute(ctx, OpenRequest{UserID: "dan", MarketID: "m"})
			require.NoError(t, err)

			got, err := f.mgr.ResolveDispute(ctx, ResolveRequest{
				DisputeID: d.ID, Outcome: tt.outcome, Quality: tt.quality, ResolvedBy: "adjudicator",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, int(tt.refund), got.RefundPercent)

			bal := f.stores.Balances.Balance("dan")
			assert.True(t, bal.Available.Equal(dec(tt.refund)), "available %s", bal.Available)
			assert.True(t, bal.Held.IsZero())
			assert.True(t, f.stores.Balances.Treasury().Equal(dec(100-tt.refund)))

			rep, err := f.stores.Reputations.Get(ctx, "dan")
			require.NoError(t, err)
			assert.Equal(t, 1, rep.DisputesResolved)
			assert.Equal(t, tt.upheldBy, rep.DisputesUpheld)
		})
	}
}

func TestResolveDispute_UpheldFlagsReevaluation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.market(t, "m", domain.MarketStatusDisputable)
	f.stores.Balances.Credit("eve", dec(100))
	d, err := f.mgr.OpenDispute(ctx, OpenRequest{UserID: "eve", MarketID: "m"})
	require.NoError(t, err)

	_, err = f.mgr.ResolveDispute(ctx, ResolveRequest{DisputeID: d.ID, Outcome: domain.VerdictUpheld, Quality: domain.QualityHigh, ResolvedBy: "adj"})
	require.NoError(t, err)

	m, err := f.stores.Markets.GetByID(ctx, "m")
	require.NoError(t, err)
	assert.True(t, m.NeedsReevaluation)
	assert.Equal(t, domain.OutcomeYes, m.Resolution.PreliminaryOutcome, "outcome is never flipped")
	assert.Equal(t, domain.MarketStatusDisputable, m.Status)
}

func TestResolveDispute_OnlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.market(t, "m", domain.MarketStatusDisputable)
	f.stores.Balances.Credit("fay", dec(100))
	d, err := f.mgr.OpenDispute(ctx, OpenRequest{UserID: "fay", MarketID: "m"})
	require.NoError(t, err)

	req := ResolveRequest{DisputeID: d.ID, Outcome: domain.VerdictRejected, Quality: domain.QualityMedium, ResolvedBy: "adj"}
	_, err = f.mgr.ResolveDispute(ctx, req)
	require.NoError(t, err)

	req.Outcome = domain.VerdictUpheld
	_, err = f.mgr.ResolveDispute(ctx, req)
	require.ErrorIs(t, err, domain.ErrDisputeAlreadyResolved)
	assert.True(t, f.stores.Balances.Balance("fay").Available.Equal(dec(25)))
}

func TestExpireDisputes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.market(t, "done", domain.MarketStatusDisputable)
	f.market(t, "live", domain.MarketStatusDisputable)
	f.stores.Balances.Credit("gus", dec(300))

	d1, err := f.mgr.OpenDispute(ctx, OpenRequest{UserID: "gus", MarketID: "done"})
	require.NoError(t, err)
	_, err = f.mgr.OpenDispute(ctx, OpenRequest{UserID: "gus", MarketID: "live"})
	require.NoError(t, err)

	_, err = f.stores.Markets.Transition(ctx, domain.StatusTransition{
		MarketID: "done", From: domain.MarketStatusDisputable, To: domain.MarketStatusResolved,
	})
	require.NoError(t, err)

	n, err := f.mgr.ExpireDisputes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.stores.Disputes.GetByID(ctx, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeExpired, got.Status)
	assert.Equal(t, 100, got.RefundPercent)
	bal := f.stores.Balances.Balance("gus")
	assert.True(t, bal.Available.Equal(dec(200)))
	assert.True(t, bal.Held.Equal(dec(100)))

	n, err = f.mgr.ExpireDisputes(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
