package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 168*time.Hour, cfg.Resolution.DisputeWindow.Duration)
	assert.Equal(t, 90, cfg.Resolution.AutoThreshold)
	assert.Equal(t, 4, cfg.Resolution.MaxRetries)
	assert.Equal(t, "100", cfg.Dispute.BaseBondAmount().String())
}

func TestValidateAggregatesProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Storage.Backend = "sqlite"
	cfg.Ledger.Mode = "evm"
	cfg.Resolution.LowPriorityFloor = 95
	cfg.Dispute.BaseBond = "-1"
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`storage: unknown backend "sqlite"`,
		"ledger: rpc_url is required",
		"ledger: either private_key or encrypted_key_path",
		"resolution: thresholds",
		"dispute: base_bond",
		"archive: requires s3.enabled",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadTOMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolver.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "engine"

[resolution]
dispute_window = "48h"
auto_threshold = 85

[ledger]
mode = "evm"
rpc_url = "https://testnet.hashio.io/api"
private_key = "0xabc"
`), 0o600))

	t.Setenv("RESOLVER_LEDGER_CHAIN_ID", "296")
	t.Setenv("RESOLVER_NOTIFY_EVENTS", "manual_resolution, review_high")
	t.Setenv("RESOLVER_RESOLUTION_SWEEP_INTERVAL", "15s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "engine", cfg.Mode)
	assert.Equal(t, 48*time.Hour, cfg.Resolution.DisputeWindow.Duration)
	assert.Equal(t, 85, cfg.Resolution.AutoThreshold)
	assert.Equal(t, 70, cfg.Resolution.LowPriorityFloor)
	assert.Equal(t, int64(296), cfg.Ledger.ChainID)
	assert.Equal(t, 15*time.Second, cfg.Resolution.SweepInterval.Duration)
	assert.Equal(t, []string{"manual_resolution", "review_high"}, cfg.Notify.Events)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[resolution]\ndispute_window = \"a week\"\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.PrivateKey = "deadbeef"
	cfg.Server.AdminKey = "admin"

	red := cfg.Redacted()
	assert.Equal(t, "***", red.Ledger.PrivateKey)
	assert.Equal(t, "***", red.Server.AdminKey)
	assert.Empty(t, red.Server.APIKey)
	assert.Equal(t, "deadbeef", cfg.Ledger.PrivateKey)

	red.Notify.Events[0] = "changed"
	assert.Equal(t, "manual_resolution", cfg.Notify.Events[0])
}
