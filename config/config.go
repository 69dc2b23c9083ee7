package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full driver configuration.
type Config struct {
	Ledger  LedgerConfig  `yaml:"ledger"`
	Driver  DriverConfig  `yaml:"driver"`
	Solver  SolverConfig  `yaml:"solver"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// LedgerConfig points at the settlement contract. The private key is read
// from the environment only (DRIVER_PRIVATE_KEY).
type LedgerConfig struct {
	RPCURL     string `yaml:"rpc_url"`
	Contract   string `yaml:"contract"`
	ChainID    int64  `yaml:"chain_id"`
	PrivateKey string `yaml:"-"`
}

// DriverConfig controls the epoch loop timings and retry bounds.
type DriverConfig struct {
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"`
	SafetyMarginSeconds     int `yaml:"safety_margin_seconds"`
	IndexRetrySeconds       int `yaml:"index_retry_seconds"`
	MaxSolveAttempts        int `yaml:"max_solve_attempts"`
	MaxResubmits            int `yaml:"max_resubmits"`
	FinalityTimeoutSeconds  int `yaml:"finality_timeout_seconds"`
	ReceiptPollSeconds      int `yaml:"receipt_poll_seconds"`
	LedgerBackoffMaxSeconds int `yaml:"ledger_backoff_max_seconds"`
}

// SolverConfig selects the solver: "naive" runs in-process, "http" calls URL.
type SolverConfig struct {
	Mode string `yaml:"mode"`
	URL  string `yaml:"url"`
}

// StorageConfig is where the driver keeps its own state.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// EventsConfig is the indexer's event log.
type EventsConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// NATSConfig enables the indexer feed and report publishing. An empty URL
// disables both.
type NATSConfig struct {
	URL            string `yaml:"url"`
	Consumer       string `yaml:"consumer"`
	Index          bool   `yaml:"index"`
	PublishReports bool   `yaml:"publish_reports"`
}

// MetricsConfig controls the /metrics and /healthz listener. Empty Addr
// disables it.
type MetricsConfig struct {
	Addr              string `yaml:"addr"`
	StaleAfterSeconds int    `yaml:"stale_after_seconds"`
}

// LogConfig controls log format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Environment values
// override the YAML for the keys that have one.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// Validate checks what the driver cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Ledger.PrivateKey == "" {
		errs = append(errs, errors.New("missing DRIVER_PRIVATE_KEY"))
	}
	if c.Ledger.Contract == "" {
		errs = append(errs, errors.New("missing ledger.contract"))
	}
	if c.Ledger.RPCURL == "" {
		errs = append(errs, errors.New("missing ledger.rpc_url"))
	}
	switch c.Solver.Mode {
	case "naive":
	case "http":
		if c.Solver.URL == "" {
			errs = append(errs, errors.New("solver.mode http needs solver.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown solver.mode %q", c.Solver.Mode))
	}
	switch c.Events.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown events.driver %q", c.Events.Driver))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config.Validate: %w", err)
	}
	return nil
}

func (c *Config) PollInterval() time.Duration { return seconds(c.Driver.PollIntervalSeconds) }
func (c *Config) SafetyMargin() time.Duration { return seconds(c.Driver.SafetyMarginSeconds) }
func (c *Config) IndexRetryDelay() time.Duration {
	return seconds(c.Driver.IndexRetrySeconds)
}
func (c *Config) FinalityTimeout() time.Duration {
	return seconds(c.Driver.FinalityTimeoutSeconds)
}
func (c *Config) ReceiptPollInterval() time.Duration {
	return seconds(c.Driver.ReceiptPollSeconds)
}
func (c *Config) LedgerBackoffMax() time.Duration {
	return seconds(c.Driver.LedgerBackoffMaxSeconds)
}
func (c *Config) MetricsStaleAfter() time.Duration {
	return seconds(c.Metrics.StaleAfterSeconds)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// applyEnvOverrides replaces values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DRIVER_PRIVATE_KEY"); v != "" {
		cfg.Ledger.PrivateKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("ETH_RPC_URL"); v != "" {
		cfg.Ledger.RPCURL = v
	}
	if v := os.Getenv("EVENTS_DSN"); v != "" {
		cfg.Events.DSN = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills unset values.
func setDefaults(cfg *Config) {
	if cfg.Ledger.ChainID <= 0 {
		cfg.Ledger.ChainID = 1
	}
	d := &cfg.Driver
	if d.PollIntervalSeconds <= 0 {
		d.PollIntervalSeconds = 10
	}
	if d.SafetyMarginSeconds <= 0 {
		d.SafetyMarginSeconds = 30
	}
	if d.IndexRetrySeconds <= 0 {
		d.IndexRetrySeconds = 5
	}
	if d.MaxSolveAttempts <= 0 {
		d.MaxSolveAttempts = 3
	}
	if d.MaxResubmits < 0 {
		d.MaxResubmits = 0
	}
	if d.FinalityTimeoutSeconds <= 0 {
		d.FinalityTimeoutSeconds = 60
	}
	if d.ReceiptPollSeconds <= 0 {
		d.ReceiptPollSeconds = 3
	}
	if d.LedgerBackoffMaxSeconds <= 0 {
		d.LedgerBackoffMaxSeconds = 120
	}
	if cfg.Solver.Mode == "" {
		cfg.Solver.Mode = "naive"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "batchsettler.db"
	}
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "sqlite"
	}
	if cfg.Events.DSN == "" {
		cfg.Events.DSN = "events.db"
	}
	if cfg.NATS.Consumer == "" {
		cfg.NATS.Consumer = "batchsettler-indexer"
	}
	if cfg.Metrics.StaleAfterSeconds <= 0 {
		cfg.Metrics.StaleAfterSeconds = 300
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
