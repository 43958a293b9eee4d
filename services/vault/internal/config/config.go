// Package config loads the vault service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config is the full server configuration.
type Config struct {
	Port        string `env:"VAULT_PORT" envDefault:"8090"`
	Store       string `env:"VAULT_STORE" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"VAULT_SQLITE_PATH" envDefault:"vault.db"`
	LogLevel    string `env:"VAULT_LOG_LEVEL" envDefault:"info"`

	LedgerAPIURL        string        `env:"VAULT_LEDGER_API_URL" envDefault:"https://api.whatsonchain.com/v1/bsv/main"`
	LedgerSecondaryURL  string        `env:"VAULT_LEDGER_SECONDARY_URL"`
	LedgerSecondaryKey  string        `env:"VAULT_LEDGER_SECONDARY_API_KEY"`
	LedgerNetwork       string        `env:"VAULT_LEDGER_NETWORK" envDefault:"main"`
	AnchorKey           string        `env:"VAULT_ANCHOR_KEY"`
	AnchorTimeout       time.Duration `env:"VAULT_ANCHOR_TIMEOUT" envDefault:"30s"`
	FeeRateSatsPerKB    int64         `env:"VAULT_FEE_RATE_SATS_PER_KB" envDefault:"50"`
	ExplorerURL         string        `env:"VAULT_EXPLORER_URL" envDefault:"https://whatsonchain.com/tx/"`
	AnchorEachSignature bool          `env:"VAULT_ANCHOR_EACH_SIGNATURE" envDefault:"true"`
	TreasuryAddress     string        `env:"VAULT_TREASURY_ADDRESS"`
	PublicBaseURL       string        `env:"VAULT_PUBLIC_BASE_URL" envDefault:"http://localhost:8090"`
	ClaimTTL            time.Duration `env:"VAULT_CLAIM_TTL" envDefault:"720h"`

	// AttestorKeys are bearer keys held by verification providers allowed
	// to add level-weighted strands to any identity.
	AttestorKeys []string `env:"VAULT_ATTESTOR_KEYS" envSeparator:","`

	OTelEndpoint string `env:"VAULT_OTEL_ENDPOINT"`
}

// Load parses the environment and validates cross-field requirements.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Store) {
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("VAULT_SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown VAULT_STORE %q", c.Store)
	}
	if c.AnchorTimeout <= 0 {
		return fmt.Errorf("VAULT_ANCHOR_TIMEOUT must be positive")
	}
	for _, k := range c.AttestorKeys {
		if len(strings.TrimSpace(k)) < 16 {
			return fmt.Errorf("VAULT_ATTESTOR_KEYS entries must be at least 16 characters")
		}
	}
	if c.LedgerNetwork != "main" && c.LedgerNetwork != "test" {
		return fmt.Errorf("VAULT_LEDGER_NETWORK must be main or test")
	}
	return nil
}
