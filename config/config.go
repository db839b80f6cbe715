// Package config loads the settings of a credential ledger node.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pilacorp/go-credential-ledger/did"
	"github.com/pilacorp/go-credential-ledger/errdefs"
	"github.com/pilacorp/go-credential-ledger/ledger"
)

// Default values
const (
	DefaultStoreBackend  = BackendMemory
	DefaultVerifyWorkers = ledger.DefaultVerifyWorkers
	DefaultMethod        = "example"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = FormatText
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Environment overrides, applied after the file.
const (
	EnvStorePath     = "CREDLEDGER_STORE_PATH"
	EnvStoreBackend  = "CREDLEDGER_STORE_BACKEND"
	EnvLogLevel      = "CREDLEDGER_LOG_LEVEL"
	EnvConfirmations = "CREDLEDGER_CONFIRMATIONS"
)

// ErrInvalidConfig is returned when a loaded configuration fails validation.
var ErrInvalidConfig = fmt.Errorf("invalid config: %w", errdefs.ErrMalformedInput)

// Config holds the configuration of a node.
type Config struct {
	Ledger LedgerConfig `yaml:"ledger"`
	Store  StoreConfig  `yaml:"store"`
	Audit  AuditConfig  `yaml:"audit"`
	DID    DIDConfig    `yaml:"did"`
	Log    LogConfig    `yaml:"log"`
}

// LedgerConfig configures the ledger engine.
type LedgerConfig struct {
	// Confirmations is the number of blocks on top of a block before it is Confirmed.
	Confirmations        uint64    `yaml:"confirmations"`
	GenesisTime          time.Time `yaml:"genesis_time"`
	MaxBlockTransactions int       `yaml:"max_block_transactions"` // 0 is unlimited
	VerifyWorkers        int       `yaml:"verify_workers"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// AuditConfig controls chain re-verification.
type AuditConfig struct {
	// Interval between full audits. Zero disables the periodic auditor.
	Interval time.Duration `yaml:"interval"`
	// OnVerify re-verifies the chain up to the anchor inside every verification.
	OnVerify bool `yaml:"on_verify"`
}

// DIDConfig configures the DID document store.
type DIDConfig struct {
	Method string `yaml:"method"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Confirmations: ledger.DefaultConfirmations,
			GenesisTime:   ledger.DefaultGenesisTime,
			VerifyWorkers: DefaultVerifyWorkers,
		},
		Store: StoreConfig{Backend: DefaultStoreBackend},
		DID:   DIDConfig{Method: DefaultMethod},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvStorePath); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvStoreBackend); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvConfirmations); v != "" {
		k, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, EnvConfirmations, err)
		}
		c.Ledger.Confirmations = k
	}
	return nil
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the bolt backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if c.Ledger.MaxBlockTransactions < 0 {
		return fmt.Errorf("%w: ledger.max_block_transactions must not be negative", ErrInvalidConfig)
	}
	if c.Ledger.VerifyWorkers < 1 {
		return fmt.Errorf("%w: ledger.verify_workers must be at least 1", ErrInvalidConfig)
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("%w: audit.interval must not be negative", ErrInvalidConfig)
	}

	if method, _, err := did.Parse(did.Prefix + c.DID.Method + ":probe"); err != nil || method != c.DID.Method {
		return fmt.Errorf("%w: did.method %q", ErrInvalidConfig, c.DID.Method)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	if c.Log.Format != FormatText && c.Log.Format != FormatJSON {
		return fmt.Errorf("%w: unknown log.format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}
