package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries everything cmd/main.go needs to wire the process. Endpoints
// and secrets come from the environment (.env); operational tuning comes from
// an optional TOML file pointed at by BRIDGE_TUNING_FILE.
type Config struct {
	AlgodURL     string
	AlgodToken   string
	IndexerURL   string
	IndexerToken string

	BridgeCanisterURL string
	SignerURL         string
	SignerToken       string

	DatabaseURI  string
	DatabaseName string

	APIPort       string
	OperatorToken string

	Tuning Tuning
}

// Tuning holds the operational parameters. Every one of these is a deployment
// decision, not a structural constant.
type Tuning struct {
	DustThresholdMicroAlgo uint64 `toml:"dust_threshold_microalgo"`
	MainnetConfirmations   uint64 `toml:"mainnet_confirmations"`
	TestnetConfirmations   uint64 `toml:"testnet_confirmations"`
	PollingIntervalSecs    uint64 `toml:"polling_interval_seconds"`
	ReserveIntervalSecs    uint64 `toml:"reserve_interval_seconds"`
	RetryBaseDelaySecs     uint64 `toml:"retry_base_delay_seconds"`
	RetryMaxAttempts       int    `toml:"retry_max_attempts"`
	ResolverTTLSecs        uint64 `toml:"resolver_ttl_seconds"`
	ResolverSweepSecs      uint64 `toml:"resolver_sweep_seconds"`
	RetentionSecs          uint64 `toml:"retention_seconds"`
	RemoteTimeoutSecs      uint64 `toml:"remote_timeout_seconds"`
	CriticalThreshold      float64 `toml:"critical_threshold"`
	EmergencyThreshold     float64 `toml:"emergency_threshold"`
	DivergenceTolerance    uint64  `toml:"divergence_tolerance_microalgo"`
}

// DefaultTuning returns the defaults used when no tuning file is provided.
func DefaultTuning() Tuning {
	return Tuning{
		DustThresholdMicroAlgo: 100_000, // 0.1 ALGO
		MainnetConfirmations:   6,
		TestnetConfirmations:   3,
		PollingIntervalSecs:    30,
		ReserveIntervalSecs:    30,
		RetryBaseDelaySecs:     2,
		RetryMaxAttempts:       10,
		ResolverTTLSecs:        24 * 60 * 60,
		ResolverSweepSecs:      10 * 60,
		RetentionSecs:          24 * 60 * 60,
		RemoteTimeoutSecs:      15,
		CriticalThreshold:      0.95,
		EmergencyThreshold:     0.90,
		DivergenceTolerance:    1_000_000, // 1 ALGO
	}
}

// Load assembles the configuration from the environment and the optional
// tuning file. godotenv.Load is expected to have run already.
func Load() (Config, error) {
	cfg := Config{
		AlgodURL:          os.Getenv("ALGOD_URL"),
		AlgodToken:        os.Getenv("ALGOD_TOKEN"),
		IndexerURL:        os.Getenv("INDEXER_URL"),
		IndexerToken:      os.Getenv("INDEXER_TOKEN"),
		BridgeCanisterURL: os.Getenv("BRIDGE_CANISTER_URL"),
		SignerURL:         os.Getenv("SIGNER_URL"),
		SignerToken:       os.Getenv("SIGNER_TOKEN"),
		DatabaseURI:       os.Getenv("DATABASE_URI"),
		DatabaseName:      os.Getenv("DATABASE_NAME"),
		APIPort:           os.Getenv("API_PORT"),
		OperatorToken:     os.Getenv("OPERATOR_TOKEN"),
		Tuning:            DefaultTuning(),
	}

	for name, value := range map[string]string{
		"ALGOD_URL":           cfg.AlgodURL,
		"INDEXER_URL":         cfg.IndexerURL,
		"BRIDGE_CANISTER_URL": cfg.BridgeCanisterURL,
		"SIGNER_URL":          cfg.SignerURL,
		"DATABASE_URI":        cfg.DatabaseURI,
		"DATABASE_NAME":       cfg.DatabaseName,
		"API_PORT":            cfg.APIPort,
	} {
		if value == "" {
			return Config{}, fmt.Errorf("missing required environment variable %s", name)
		}
	}

	if path := os.Getenv("BRIDGE_TUNING_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg.Tuning); err != nil {
			return Config{}, fmt.Errorf("failed to parse tuning file %s: %w", path, err)
		}
	}

	// Individual overrides still win over the file, e.g. for testnet deploys.
	if v := os.Getenv("DUST_THRESHOLD_MICROALGO"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("failed to parse DUST_THRESHOLD_MICROALGO: %w", err)
		}
		cfg.Tuning.DustThresholdMicroAlgo = parsed
	}

	if err := cfg.Tuning.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (t Tuning) validate() error {
	if t.EmergencyThreshold <= 0 || t.EmergencyThreshold >= t.CriticalThreshold {
		return fmt.Errorf("emergency threshold %.2f must be positive and below critical threshold %.2f", t.EmergencyThreshold, t.CriticalThreshold)
	}
	if t.CriticalThreshold >= 1.0 {
		return fmt.Errorf("critical threshold %.2f must be below 1.0", t.CriticalThreshold)
	}
	if t.MainnetConfirmations == 0 || t.TestnetConfirmations == 0 {
		return fmt.Errorf("confirmation requirements must be at least 1")
	}
	if t.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry_max_attempts must be at least 1")
	}
	return nil
}

// PollingInterval returns the monitor cycle period.
func (t Tuning) PollingInterval() time.Duration {
	return time.Duration(t.PollingIntervalSecs) * time.Second
}

// ReserveInterval returns the reserve recompute period.
func (t Tuning) ReserveInterval() time.Duration {
	return time.Duration(t.ReserveIntervalSecs) * time.Second
}

// RetryBaseDelay returns the first retry backoff window.
func (t Tuning) RetryBaseDelay() time.Duration {
	return time.Duration(t.RetryBaseDelaySecs) * time.Second
}

// ResolverTTL returns how long a derived custody address stays cached.
func (t Tuning) ResolverTTL() time.Duration {
	return time.Duration(t.ResolverTTLSecs) * time.Second
}

// ResolverSweep returns the cache sweep period.
func (t Tuning) ResolverSweep() time.Duration {
	return time.Duration(t.ResolverSweepSecs) * time.Second
}

// Retention returns how long terminal deposits stay queryable in memory.
func (t Tuning) Retention() time.Duration {
	return time.Duration(t.RetentionSecs) * time.Second
}

// RemoteTimeout bounds every outbound network call.
func (t Tuning) RemoteTimeout() time.Duration {
	return time.Duration(t.RemoteTimeoutSecs) * time.Second
}
