package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ALGOD_URL", "http://localhost:4001")
	t.Setenv("INDEXER_URL", "http://localhost:8980")
	t.Setenv("BRIDGE_CANISTER_URL", "http://localhost:8080")
	t.Setenv("SIGNER_URL", "http://localhost:9000")
	t.Setenv("DATABASE_URI", "mongodb://localhost:27017")
	t.Setenv("DATABASE_NAME", "ckbridge")
	t.Setenv("API_PORT", "8081")
	t.Setenv("BRIDGE_TUNING_FILE", "")
	t.Setenv("DUST_THRESHOLD_MICROALGO", "")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, uint64(100_000), cfg.Tuning.DustThresholdMicroAlgo)
	require.Equal(t, uint64(6), cfg.Tuning.MainnetConfirmations)
	require.Equal(t, uint64(3), cfg.Tuning.TestnetConfirmations)
	require.Equal(t, 30*time.Second, cfg.Tuning.PollingInterval())
	require.Equal(t, 0.95, cfg.Tuning.CriticalThreshold)
	require.Equal(t, 0.90, cfg.Tuning.EmergencyThreshold)
}

func TestLoadMissingRequiredVariable(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ALGOD_URL", "")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ALGOD_URL")
}

func TestLoadTuningFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "tuning.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"dust_threshold_microalgo = 250000\npolling_interval_seconds = 10\n"), 0o644))
	t.Setenv("BRIDGE_TUNING_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint64(250_000), cfg.Tuning.DustThresholdMicroAlgo)
	require.Equal(t, 10*time.Second, cfg.Tuning.PollingInterval())
	// Untouched values keep their defaults.
	require.Equal(t, uint64(6), cfg.Tuning.MainnetConfirmations)
}

func TestLoadEnvOverridesTuningFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "tuning.toml")
	require.NoError(t, os.WriteFile(path, []byte("dust_threshold_microalgo = 250000\n"), 0o644))
	t.Setenv("BRIDGE_TUNING_FILE", path)
	t.Setenv("DUST_THRESHOLD_MICROALGO", "500000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint64(500_000), cfg.Tuning.DustThresholdMicroAlgo)
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	tuning := DefaultTuning()
	tuning.EmergencyThreshold = 0.97
	require.Error(t, tuning.validate())

	tuning = DefaultTuning()
	tuning.CriticalThreshold = 1.2
	tuning.EmergencyThreshold = 1.1
	require.Error(t, tuning.validate())
}
