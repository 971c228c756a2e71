// Package config loads runtime configuration from the environment plus an
// optional YAML tunables file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the payout service.
type Config struct {
	Port              string
	Env               string
	DatabaseURL       string
	ChainRPCURL       string
	TokenAddress      string
	ChainID           int64
	EscrowMasterKey   string // base64, may be empty until first escrow use
	OraclePrivateKey  string // hex, may be empty until first transfer
	TreasuryAddress   string
	WorkerEnabled     bool
	ChallengeTimezone string
	AdminBearerToken  string
	AdminJWTSecret    string
	LogFile           string
	Tunables          Tunables
}

// Tunables are the operational constants the reference deployment hard-coded;
// they are exposed here so operators can adjust them without a rebuild.
type Tunables struct {
	WorkerTick     Duration `yaml:"worker_tick"`
	WorkerBatch    int      `yaml:"worker_batch"`
	MaxAttempts    int      `yaml:"max_attempts"`
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffFactor  int      `yaml:"backoff_factor"`
	DustThreshold  int64    `yaml:"dust_threshold_micros"`
	SettleMinute   int      `yaml:"settle_minute"`
	RPCTimeout     Duration `yaml:"rpc_timeout"`
	RPCRatePerSec  float64  `yaml:"rpc_rate_per_second"`
	RPCPollEvery   Duration `yaml:"rpc_poll_interval"`
}

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultTunables mirrors the constants of the reference deployment.
func DefaultTunables() Tunables {
	return Tunables{
		WorkerTick:    Duration{30 * time.Second},
		WorkerBatch:   10,
		MaxAttempts:   3,
		BackoffBase:   Duration{30 * time.Second},
		BackoffFactor: 4,
		DustThreshold: 1000, // 0.001 display units
		SettleMinute:  5,
		RPCTimeout:    Duration{25 * time.Second},
		RPCRatePerSec: 5,
		RPCPollEvery:  Duration{3 * time.Second},
	}
}

// FromEnv loads configuration from environment variables. Secrets that are
// only needed by escrow-touching operations (master key, oracle key) are
// allowed to be absent; the affected operations fail at first use instead.
func FromEnv() (*Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	rpcURL := strings.TrimSpace(os.Getenv("CHAIN_RPC_URL"))
	if rpcURL == "" {
		rpcURL = strings.TrimSpace(os.Getenv("SOLANA_RPC_URL"))
	}
	if rpcURL == "" {
		return nil, fmt.Errorf("CHAIN_RPC_URL is required")
	}

	token := strings.TrimSpace(os.Getenv("USDC_TOKEN_ADDRESS"))
	if token == "" {
		token = strings.TrimSpace(os.Getenv("USDC_MINT"))
	}
	if token == "" {
		return nil, fmt.Errorf("USDC_TOKEN_ADDRESS is required")
	}

	chainID := int64(parseIntEnv("CHAIN_ID", 1))
	if chainID <= 0 {
		return nil, fmt.Errorf("CHAIN_ID must be positive")
	}

	oracleKey := strings.TrimSpace(os.Getenv("ORACLE_PRIVATE_KEY"))
	if oracleKey == "" {
		if path := strings.TrimSpace(os.Getenv("ORACLE_KEYPAIR_PATH")); path != "" {
			contents, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read ORACLE_KEYPAIR_PATH: %w", err)
			}
			oracleKey = strings.TrimSpace(string(contents))
		}
	}

	bearer := strings.TrimSpace(os.Getenv("ADMIN_BEARER_TOKEN"))
	jwtSecret := strings.TrimSpace(os.Getenv("ADMIN_JWT_SECRET"))
	if bearer == "" && jwtSecret == "" {
		return nil, fmt.Errorf("configure ADMIN_BEARER_TOKEN or ADMIN_JWT_SECRET for admin authentication")
	}

	cfg := &Config{
		Port:              getEnvDefault("PORT", "8090"),
		Env:               strings.TrimSpace(os.Getenv("STREAK_ENV")),
		DatabaseURL:       dbURL,
		ChainRPCURL:       rpcURL,
		TokenAddress:      token,
		ChainID:           chainID,
		EscrowMasterKey:   strings.TrimSpace(os.Getenv("ESCROW_ENCRYPTION_KEY")),
		OraclePrivateKey:  oracleKey,
		TreasuryAddress:   strings.TrimSpace(os.Getenv("TREASURY_ADDRESS")),
		WorkerEnabled:     parseBoolEnv("PAYOUT_WORKER_ENABLED", false),
		ChallengeTimezone: getEnvDefault("CHALLENGE_TIMEZONE", "Asia/Kolkata"),
		AdminBearerToken:  bearer,
		AdminJWTSecret:    jwtSecret,
		LogFile:           strings.TrimSpace(os.Getenv("STREAK_LOG_FILE")),
		Tunables:          DefaultTunables(),
	}
	return cfg, nil
}

// LoadTunables overlays the YAML file at path onto the defaults. An empty
// path returns the defaults untouched.
func LoadTunables(path string) (Tunables, error) {
	tunables := DefaultTunables()
	if strings.TrimSpace(path) == "" {
		return tunables, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return tunables, fmt.Errorf("open tunables: %w", err)
	}
	defer file.Close()
	if err := yaml.NewDecoder(file).Decode(&tunables); err != nil {
		return tunables, fmt.Errorf("decode tunables: %w", err)
	}
	applyTunableDefaults(&tunables)
	return tunables, nil
}

func applyTunableDefaults(t *Tunables) {
	defaults := DefaultTunables()
	if t.WorkerTick.Duration <= 0 {
		t.WorkerTick = defaults.WorkerTick
	}
	if t.WorkerBatch <= 0 {
		t.WorkerBatch = defaults.WorkerBatch
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = defaults.MaxAttempts
	}
	if t.BackoffBase.Duration <= 0 {
		t.BackoffBase = defaults.BackoffBase
	}
	if t.BackoffFactor <= 1 {
		t.BackoffFactor = defaults.BackoffFactor
	}
	if t.DustThreshold <= 0 {
		t.DustThreshold = defaults.DustThreshold
	}
	if t.SettleMinute < 0 || t.SettleMinute > 59 {
		t.SettleMinute = defaults.SettleMinute
	}
	if t.RPCTimeout.Duration <= 0 {
		t.RPCTimeout = defaults.RPCTimeout
	}
	if t.RPCRatePerSec <= 0 {
		t.RPCRatePerSec = defaults.RPCRatePerSec
	}
	if t.RPCPollEvery.Duration <= 0 {
		t.RPCPollEvery = defaults.RPCPollEvery
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
