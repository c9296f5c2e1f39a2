package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdeu/blc-hedera-sub002/internal/cache/local"
	"github.com/tdeu/blc-hedera-sub002/internal/config"
	"github.com/tdeu/blc-hedera-sub002/internal/ledger/dryrun"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestWire_MemoryDryRun(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.Markets)
	assert.NotNil(t, deps.Orchestrator)
	assert.NotNil(t, deps.DisputeMgr)
	assert.NotNil(t, deps.Sweeper)
	assert.Nil(t, deps.Locks)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.Archiver)
	assert.IsType(t, &local.Bus{}, deps.Bus)
	assert.IsType(t, &dryrun.Ledger{}, deps.Ledger)
	assert.Empty(t, deps.Health)
}

func TestBuildScheduler_RegistersTasks(t *testing.T) {
	cfg := config.Defaults()
	a := New(&cfg, discard())
	deps, cleanup, err := Wire(context.Background(), &cfg, discard())
	require.NoError(t, err)
	defer cleanup()

	sched, err := a.buildScheduler(deps)
	require.NoError(t, err)

	var names []string
	for _, st := range sched.Status() {
		names = append(names, st.Name)
	}
	assert.ElementsMatch(t, []string{"sweep", "retries", "finalize", "expire_disputes"}, names)
}

func TestRun_RejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, discard())
	defer a.Close()

	err := a.Run(context.Background())
	assert.ErrorContains(t, err, "unsupported mode")
}

func TestMonthStart(t *testing.T) {
	got := monthStart(time.Date(2026, 7, 19, 23, 5, 0, 0, time.FixedZone("x", -3*3600)))
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestResolutionConfigMapping(t *testing.T) {
	cfg := config.Defaults()
	rc := resolutionConfig(cfg.Resolution)
	assert.Equal(t, 168*time.Hour, rc.DisputeWindow)
	assert.Equal(t, 90, rc.AutoThreshold)
	assert.Equal(t, 4, rc.MaxRetries)
	assert.True(t, rc.AutoFinalize)
}
