package dryrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/domain"
	"github.com/tdeu/blc-hedera-sub002/internal/store/memory"
)

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New()
	closeAt := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	l.Deploy("0x1", closeAt)

	info, err := l.MarketInfo(ctx, "0x1")
	require.NoError(t, err)
	assert.Equal(t, domain.ContractOpen, info.Status)
	assert.True(t, closeAt.Equal(info.CloseTime))

	_, err = l.FinalResolve(ctx, "0x1", domain.OutcomeYes, 95)
	assert.ErrorIs(t, err, domain.ErrLedgerReverted)

	rcpt, err := l.PreliminaryResolve(ctx, "0x1", domain.OutcomeYes)
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.TxRef)

	_, err = l.PreliminaryResolve(ctx, "0x1", domain.OutcomeNo)
	assert.ErrorIs(t, err, domain.ErrLedgerReverted)

	_, err = l.FinalResolve(ctx, "0x1", domain.OutcomeNo, 80)
	require.NoError(t, err)
	assert.Equal(t, domain.ContractFinalResolved, l.State("0x1").Status)
	assert.Equal(t, domain.OutcomeNo, l.State("0x1").Outcome)

	prelim, final := l.Calls()
	assert.Equal(t, 2, prelim)
	assert.Equal(t, 2, final)
}

func TestLedgerUnknownContract(t *testing.T) {
	ctx := context.Background()
	l := New()
	_, err := l.MarketInfo(ctx, "0xmissing")
	assert.ErrorIs(t, err, domain.ErrMissingSettlementTarget)

	_, err = l.PreliminaryResolve(ctx, "", domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrMissingSettlementTarget)
}

func TestLedgerAutoDeployUsesMarketCloseTime(t *testing.T) {
	ctx := context.Background()
	markets := memory.NewMarketStore()
	closeAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, markets.Create(ctx, domain.Market{ID: "m1", ContractRef: "0xauto", ClaimCloseTime: closeAt}))
	auto := NewAutoDeploy(MarketCloseTimes(markets))

	info, err := auto.MarketInfo(ctx, "0xauto")
	require.NoError(t, err)
	assert.Equal(t, domain.ContractOpen, info.Status)
	assert.True(t, closeAt.Equal(info.CloseTime), "got %s", info.CloseTime)

	_, err = auto.PreliminaryResolve(ctx, "0xauto", domain.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, closeAt.Equal(auto.State("0xauto").CloseTime))

	_, err = auto.MarketInfo(ctx, "0xnobody")
	assert.ErrorIs(t, err, domain.ErrMissingSettlementTarget)
}

func TestLedgerAutoDeployLookupFailureIsTransient(t *testing.T) {
	auto := NewAutoDeploy(func(context.Context, string) (time.Time, error) {
		return time.Time{}, errors.New("connection refused")
	})
	_, err := auto.MarketInfo(context.Background(), "0xauto")
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestLedgerQueuedTimeoutCanLand(t *testing.T) {
	ctx := context.Background()
	l := New()
	l.Deploy("0x1", time.Time{})
	l.LandOnTimeout = true
	l.FailPreliminary(domain.ErrLedgerTimeout)

	_, err := l.PreliminaryResolve(ctx, "0x1", domain.OutcomeYes)
	assert.ErrorIs(t, err, domain.ErrLedgerTimeout)
	assert.Equal(t, domain.ContractPreliminaryResolved, l.State("0x1").Status)
}
