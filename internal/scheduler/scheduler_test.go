package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerTickRunsDueTasksOnly(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewManualClock(start)
	s := New(clock, 10*time.Second, discardLogger())

	var fast, slow int
	require.NoError(t, s.Register("fast", 30*time.Second, func(context.Context) error { fast++; return nil }))
	require.NoError(t, s.Register("slow", 5*time.Minute, func(context.Context) error { slow++; return nil }))

	assert.Equal(t, 0, s.Tick(context.Background()), "nothing is due at registration time")

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Equal(t, 1, fast)
	assert.Equal(t, 0, slow)

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 2, s.Tick(context.Background()))
	assert.Equal(t, 2, fast, "a late tick runs a task once, not once per missed interval")
	assert.Equal(t, 1, slow)
}

func TestSchedulerRecordsTaskErrors(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0).UTC())
	s := New(clock, time.Second, discardLogger())
	require.NoError(t, s.Register("boom", time.Second, func(context.Context) error { return errors.New("boom") }))
	require.NoError(t, s.Register("panics", time.Second, func(context.Context) error { panic("nope") }))

	clock.Advance(time.Second)
	assert.Equal(t, 2, s.Tick(context.Background()))

	status := s.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "boom", status[0].LastErr)
	assert.Contains(t, status[1].LastErr, "panic")
	assert.Equal(t, 1, status[1].Runs)
}

func TestSchedulerRejectsBadRegistration(t *testing.T) {
	s := New(nil, 0, discardLogger())
	assert.Error(t, s.Register("zero", 0, func(context.Context) error { return nil }))
	require.NoError(t, s.Register("dup", time.Second, func(context.Context) error { return nil }))
	assert.Error(t, s.Register("dup", time.Second, func(context.Context) error { return nil }))
}

func TestSchedulerStartStop(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0).UTC())
	s := New(clock, time.Millisecond, discardLogger())

	var runs atomic.Int32
	require.NoError(t, s.Register("counter", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	clock.Advance(time.Second)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Equal(t, int32(1), runs.Load(), "the manual clock never advanced again")
}
