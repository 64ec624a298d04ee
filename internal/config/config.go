// Package config loads the tradedesk YAML configuration and applies
// environment overrides and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tradedesk.
type Config struct {
	Logging     Logging          `yaml:"logging"`
	Server      Server           `yaml:"server"`
	Storage     Storage          `yaml:"storage"`
	Instruments InstrumentConfig `yaml:"instruments"`
	Secrets     SecretsConfig    `yaml:"secrets"`
	Session     SessionConfig    `yaml:"session"`
	Quotes      QuoteConfig      `yaml:"quotes"`
	Orders      OrderConfig      `yaml:"orders"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Risk        RiskConfig       `yaml:"risk"`
	Redis       RedisConfig      `yaml:"redis"`
	Profiles    []Profile        `yaml:"profiles"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // console mode writes here instead of stdout
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// GRPCAddr returns the gRPC listen address.
func (s Server) GRPCAddr() string { return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort) }

// Storage holds paths for optional persistence. Empty paths disable the
// corresponding store.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	// ArchiveQuotes enables the Parquet quote archive under DataDir.
	ArchiveQuotes bool `yaml:"archive_quotes"`
}

// InstrumentConfig locates the instrument master.
type InstrumentConfig struct {
	MasterPath      string        `yaml:"master_path"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // 0 disables refresh
	Holidays        []string      `yaml:"holidays"`         // YYYYMMDD
}

// SecretsConfig locates the credential store.
type SecretsConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig controls session lifetime and refresh.
type SessionConfig struct {
	Validity        time.Duration `yaml:"validity"`         // used when the broker reports no expiry
	RefreshMargin   time.Duration `yaml:"refresh_margin"`   // Valid -> Expiring this long before expiry
	KeepAlive       time.Duration `yaml:"keepalive"`        // keep-alive job interval
	LoginAttempts   int           `yaml:"login_attempts"`   // transient login retries
	LoginRetryDelay time.Duration `yaml:"login_retry_delay"`
}

// QuoteConfig controls the quote poll cycle.
type QuoteConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// OrderConfig controls submission retries and reconciliation.
type OrderConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	RetryJitter       float64       `yaml:"retry_jitter"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	Retention         time.Duration `yaml:"retention"`
	AccountRefresh    time.Duration `yaml:"account_refresh_interval"` // positions and margin poll
}

// SchedulerConfig bounds background work.
type SchedulerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	Grace         time.Duration `yaml:"grace"`
	Jitter        time.Duration `yaml:"jitter"`
}

// RiskConfig holds pre-trade limits.
type RiskConfig struct {
	CheckMargin  bool    `yaml:"check_margin"`
	BufferMargin float64 `yaml:"buffer_margin"`
}

// RedisConfig enables the Redis event sink when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Profile describes one trading account.
type Profile struct {
	ID            string   `yaml:"id"`
	Broker        string   `yaml:"broker"` // rest, alpaca, simulator
	BaseURL       string   `yaml:"base_url"`
	DataURL       string   `yaml:"data_url"`
	CredentialRef string   `yaml:"credential_ref"` // key into the secrets file; defaults to ID
	RateLimit     int      `yaml:"rate_limit_per_min"`
	Subscriptions []string `yaml:"subscriptions"` // EXCH:SYMBOL keys
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("INSTRUMENT_MASTER"); v != "" {
		cfg.Instruments.MasterPath = v
	}
	if v := os.Getenv("TRADEDESK_SECRETS"); v != "" {
		cfg.Secrets.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

// applyDefaults fills zero values with working defaults.
func (c *Config) applyDefaults() {
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")
	setDefault(&c.Server.Host, "127.0.0.1")
	setDefault(&c.Server.Port, 8080)
	setDefault(&c.Server.GRPCPort, 9090)
	setDefault(&c.Storage.DataDir, "data")

	setDefault(&c.Session.Validity, 8*time.Hour)
	setDefault(&c.Session.RefreshMargin, 5*time.Minute)
	setDefault(&c.Session.KeepAlive, time.Minute)
	setDefault(&c.Session.LoginAttempts, 3)
	setDefault(&c.Session.LoginRetryDelay, 500*time.Millisecond)

	setDefault(&c.Quotes.PollInterval, 2*time.Second)
	setDefault(&c.Quotes.BatchSize, 50)
	setDefault(&c.Quotes.StaleAfter, 30*time.Second)

	setDefault(&c.Orders.MaxAttempts, 4)
	setDefault(&c.Orders.RetryBaseDelay, 250*time.Millisecond)
	setDefault(&c.Orders.RetryMaxDelay, 4*time.Second)
	setDefault(&c.Orders.ReconcileInterval, 2*time.Second)
	setDefault(&c.Orders.Retention, 30*time.Minute)
	setDefault(&c.Orders.AccountRefresh, 2*time.Second)

	setDefault(&c.Scheduler.MaxConcurrent, 8)
	setDefault(&c.Scheduler.JobTimeout, 10*time.Second)
	setDefault(&c.Scheduler.Grace, 5*time.Second)

	setDefault(&c.Risk.BufferMargin, 5000)
	setDefault(&c.Redis.Channel, "tradedesk:events")

	for i := range c.Profiles {
		p := &c.Profiles[i]
		setDefault(&p.Broker, "rest")
		setDefault(&p.CredentialRef, p.ID)
		setDefault(&p.RateLimit, 300)
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("profiles[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		switch p.Broker {
		case "rest", "alpaca", "simulator":
		default:
			errs = append(errs, fmt.Errorf("profile %s: unknown broker %q", p.ID, p.Broker))
		}
		if p.Broker == "rest" && p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("profile %s: base_url is required for the rest broker", p.ID))
		}
		for _, key := range p.Subscriptions {
			if !strings.Contains(key, ":") {
				errs = append(errs, fmt.Errorf("profile %s: subscription %q is not EXCH:SYMBOL", p.ID, key))
			}
		}
	}
	if c.Session.RefreshMargin >= c.Session.Validity {
		errs = append(errs, errors.New("session: refresh_margin must be shorter than validity"))
	}
	if c.Orders.RetryJitter < 0 || c.Orders.RetryJitter >= 1 {
		errs = append(errs, errors.New("orders: retry_jitter must be in [0, 1)"))
	}
	return errors.Join(errs...)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
