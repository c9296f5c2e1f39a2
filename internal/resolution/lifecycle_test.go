package resolution_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/bond"
	"github.com/tdeu/blc-hedera-sub002/internal/dispute"
	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/ledger/dryrun"
	"github.com/tdeu/blc-hedera-sub002/internal/resolution"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
	"github.com/tdeu/blc-hedera-sub002/internal/store/memory"
	"github.com/tdeu/blc-hedera-sub002/internal/sweeper"
)

type fixedOracle struct {
	outcome    domain.Outcome
	confidence float64
}

func (o fixedOracle) Assess(context.Context, domain.OracleRequest) (domain.OracleAssessment, error) {
	return domain.OracleAssessment{Outcome: o.outcome, Confidence: o.confidence, Source: "fixed", Rationale: "fixed verdict"}, nil
}

// TestMarketLifecycle follows one market from claim close to final
// settlement with an upheld dispute in between, on a single manual clock.
func TestMarketLifecycle(t *testing.T) {
	ctx := context.Background()
	closeTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(h int) time.Time { return closeTime.Add(time.Duration(h) * time.Hour) }

	clock := scheduler.NewManualClock(at(1))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := memory.NewWithClock(clock)
	ledger := dryrun.NewAutoDeploy(dryrun.MarketCloseTimes(stores.Markets))

	orch := resolution.New(resolution.Deps{
		Markets:  stores.Markets,
		Reviews:  stores.Reviews,
		Disputes: stores.Disputes,
		Audit:    stores.Audit,
		Ledger:   ledger,
		Oracle:   fixedOracle{outcome: domain.OutcomeYes, confidence: 0.95},
		Clock:    clock,
	}, resolution.DefaultConfig(), logger)
	bonds := bond.NewLedger(stores.Bonds, stores.Balances, stores.Audit, clock, logger)
	disputes := dispute.NewManager(dispute.Deps{
		Markets:     stores.Markets,
		Disputes:    stores.Disputes,
		Bonds:       bonds,
		Reputations: stores.Reputations,
		Audit:       stores.Audit,
		Clock:       clock,
	}, dispute.DefaultConfig(), logger)
	sweep := sweeper.New(stores.Markets, orch, disputes, nil, clock, logger)

	require.NoError(t, stores.Markets.Create(ctx, domain.Market{
		ID:             "m1",
		ClaimText:      "The bridge reopens before April",
		ClaimCloseTime: closeTime,
		ContractRef:    "0xm1",
	}))
	stores.Balances.Credit("dan", decimal.NewFromInt(100))

	// T+1h: the sweeper submits the preliminary outcome.
	rep, err := sweep.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Preliminary)
	m, err := stores.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, domain.MarketStatusDisputable, m.Status)
	require.NotNil(t, m.DisputePeriodEnd)
	assert.True(t, at(168).Equal(*m.DisputePeriodEnd), "window ends %s", m.DisputePeriodEnd)
	assert.True(t, at(1).Equal(*m.Resolution.PreliminaryTime))

	// T+10h: a dispute locks the full bond.
	clock.Set(at(10))
	d, err := disputes.OpenDispute(ctx, dispute.OpenRequest{UserID: "dan", MarketID: "m1", EvidenceRef: "evidence/m1/photo.jpg"})
	require.NoError(t, err)
	assert.True(t, stores.Balances.Balance("dan").Held.Equal(decimal.NewFromInt(100)))

	// T+20h: upheld with high-quality evidence refunds everything.
	clock.Set(at(20))
	resolved, err := disputes.ResolveDispute(ctx, dispute.ResolveRequest{
		DisputeID:  d.ID,
		Outcome:    domain.VerdictUpheld,
		Quality:    domain.QualityHigh,
		ResolvedBy: "adjudicator",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeUpheld, resolved.Status)
	assert.Equal(t, 100, resolved.RefundPercent)
	bal := stores.Balances.Balance("dan")
	assert.True(t, bal.Available.Equal(decimal.NewFromInt(100)), "available %s", bal.Available)
	assert.True(t, bal.Held.IsZero())
	assert.True(t, stores.Balances.Treasury().IsZero())

	m, err = stores.Markets.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, m.NeedsReevaluation)
	assert.Equal(t, domain.MarketStatusDisputable, m.Status)
	assert.Equal(t, domain.OutcomeYes, m.Resolution.PreliminaryOutcome)

	// T+170h: the window has closed; the sweeper hands the market over.
	clock.Set(at(170))
	el, err := disputes.ValidateDisputeEligibility(ctx, "dan", "m1")
	require.NoError(t, err)
	assert.False(t, el.Eligible)
	assert.Equal(t, domain.RejectWindowClosed, el.Reason)
	rep, err = sweep.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ReadyForFinal)

	m, err = orch.FinalResolve(ctx, resolution.FinalRequest{
		MarketID:   "m1",
		Outcome:    domain.OutcomeYes,
		Confidence: 92,
		ResolvedBy: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	require.NotNil(t, m.Resolution)
	assert.Equal(t, domain.OutcomeYes, m.Resolution.FinalOutcome)
	assert.Equal(t, 92, m.Resolution.FinalConfidence)
	assert.True(t, at(170).Equal(*m.Resolution.FinalTime))
	assert.False(t, m.NeedsReevaluation)
	assert.False(t, m.ReadyForFinal)
	assert.False(t, m.RequiresManualResolution)
	assert.Equal(t, domain.ContractFinalResolved, ledger.State("0xm1").Status)

	events, err := stores.Markets.Events(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, domain.MarketStatusDisputable, events[0].To)
	assert.True(t, at(1).Equal(events[0].CreatedAt))
	assert.Equal(t, domain.MarketStatusPendingFinal, events[1].To)
	assert.Equal(t, domain.MarketStatusResolved, events[2].To)
	assert.True(t, at(170).Equal(events[2].CreatedAt))
}
