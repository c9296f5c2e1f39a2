package resolution

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

func TestRetryQueue_BackoffDoublesAndCaps(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewRetryQueue(10, time.Second, 5*time.Second, clock)
	start := clock.Now()
	cause := errors.New("boom")

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, d := range want {
		e, exhausted := q.RecordFailure(RetryEntry{MarketID: "m", Op: OpPreliminary}, "ledger", cause)
		require.False(t, exhausted)
		assert.Equal(t, i+1, e.RetryCount)
		assert.Equal(t, start.Add(d), e.NextAttempt, "failure %d", i+1)
	}
}

func TestRetryQueue_ExhaustsAtMax(t *testing.T) {
	q := NewRetryQueue(4, time.Second, time.Minute, scheduler.NewManualClock(time.Now()))
	for i := 1; i < 4; i++ {
		_, exhausted := q.RecordFailure(RetryEntry{MarketID: "m"}, "ledger", nil)
		require.False(t, exhausted)
	}
	e, exhausted := q.RecordFailure(RetryEntry{MarketID: "m"}, "oracle", nil)
	assert.True(t, exhausted)
	assert.Equal(t, 4, e.RetryCount)
	assert.Equal(t, []string{"ledger", "oracle"}, e.Sources)
	assert.False(t, q.Has("m"))
}

func TestRetryQueue_DueClaimsEntries(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewRetryQueue(4, time.Second, time.Minute, clock)
	q.RecordFailure(RetryEntry{MarketID: "a"}, "ledger", nil)
	q.RecordFailure(RetryEntry{MarketID: "b"}, "ledger", nil)

	assert.Empty(t, q.Due(clock.Now()))

	later := clock.Advance(2 * time.Second)
	due := q.Due(later)
	assert.Len(t, due, 2)
	assert.Empty(t, q.Due(later), "claimed entries are not handed out twice")

	q.Release("a")
	due = q.Due(later)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].MarketID)

	q.Remove("a")
	q.Remove("b")
	assert.Zero(t, q.Len())
}
