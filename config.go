package creditledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Generation  GenerationConfig  `yaml:"generation"`
	Quotas      []Policy          `yaml:"quotas"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects and configures the LedgerStore backend.
type StoreConfig struct {
	Driver      string `yaml:"driver"` // memory, postgres or sqlite
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// IdempotencyConfig configures Idempotency-Key handling for POST requests.
type IdempotencyConfig struct {
	Driver    string        `yaml:"driver"` // memory or redis
	RedisAddr string        `yaml:"redis_addr"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// GenerationConfig configures the broker, the sweeper and the external service.
type GenerationConfig struct {
	Cost           int64             `yaml:"cost"`
	Timeout        time.Duration     `yaml:"timeout"`
	ReservationTTL time.Duration     `yaml:"reservation_ttl"`
	SweepInterval  time.Duration     `yaml:"sweep_interval"`
	SweepBatch     int               `yaml:"sweep_batch"`
	WebhookURL     string            `yaml:"webhook_url"`
	WebhookHeaders map[string]string `yaml:"webhook_headers"`

	// WebhookSigningKey is a hex secp256k1 private key; empty disables signing.
	WebhookSigningKey string `yaml:"webhook_signing_key"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditledger: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, applies defaults and validates.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditledger: parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Idempotency.Driver == "" {
		c.Idempotency.Driver = "memory"
	}
	if c.Idempotency.KeyPrefix == "" {
		c.Idempotency.KeyPrefix = "creditledger:idem:"
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
	if c.Generation.Cost == 0 {
		c.Generation.Cost = DefaultGenerationCost
	}
	if c.Generation.Timeout == 0 {
		c.Generation.Timeout = DefaultGenerationTimeout
	}
	if c.Generation.ReservationTTL == 0 {
		c.Generation.ReservationTTL = DefaultReservationTTL
	}
	if c.Generation.SweepInterval == 0 {
		c.Generation.SweepInterval = DefaultSweepInterval
	}
	if c.Generation.SweepBatch == 0 {
		c.Generation.SweepBatch = DefaultSweepBatch
	}
	if c.Quotas == nil {
		for _, p := range DefaultPolicies() {
			c.Quotas = append(c.Quotas, p)
		}
	}
	for i := range c.Quotas {
		if c.Quotas[i].WindowTimezone == "" {
			c.Quotas[i].WindowTimezone = "UTC"
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			return fmt.Errorf("creditledger: config: store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("creditledger: config: unknown store.driver %q", c.Store.Driver)
	}

	switch c.Idempotency.Driver {
	case "memory":
	case "redis":
		if c.Idempotency.RedisAddr == "" {
			return fmt.Errorf("creditledger: config: idempotency.redis_addr is required for driver redis")
		}
	default:
		return fmt.Errorf("creditledger: config: unknown idempotency.driver %q", c.Idempotency.Driver)
	}

	g := c.Generation
	if g.Cost <= 0 {
		return fmt.Errorf("creditledger: config: generation.cost must be positive")
	}
	if g.Timeout <= 0 {
		return fmt.Errorf("creditledger: config: generation.timeout must be positive")
	}
	if g.ReservationTTL <= g.Timeout {
		return fmt.Errorf("creditledger: config: generation.reservation_ttl (%s) must exceed generation.timeout (%s)", g.ReservationTTL, g.Timeout)
	}

	seen := make(map[AccountKind]bool, len(c.Quotas))
	for i, p := range c.Quotas {
		if !p.AppliesTo.Valid() || p.AppliesTo == KindPlatform {
			return fmt.Errorf("creditledger: config: quotas[%d]: invalid applies_to %q", i, p.AppliesTo)
		}
		if seen[p.AppliesTo] {
			return fmt.Errorf("creditledger: config: duplicate quota for %q", p.AppliesTo)
		}
		seen[p.AppliesTo] = true

		if p.MaxPerDay < 0 {
			return fmt.Errorf("creditledger: config: quotas[%d] (%s): max_per_day must not be negative", i, p.AppliesTo)
		}
		if _, err := time.LoadLocation(p.WindowTimezone); err != nil {
			return fmt.Errorf("creditledger: config: quotas[%d] (%s): window_timezone: %w", i, p.AppliesTo, err)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("creditledger: config: unknown log.level %q", c.Log.Level)
	}

	return nil
}

// Policies returns the configured quotas keyed by account kind.
func (c Config) Policies() PolicySet {
	ps := make(PolicySet, len(c.Quotas))
	for _, p := range c.Quotas {
		ps[p.AppliesTo] = p
	}
	return ps
}
