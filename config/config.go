package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ruteri/custody-switch/handover"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/ledger"
	"github.com/ruteri/custody-switch/monitor"
	"github.com/ruteri/custody-switch/notify"
	"github.com/ruteri/custody-switch/storage"
	"github.com/ruteri/custody-switch/store"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Handover HandoverConfig `yaml:"handover"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Notify   NotifyConfig   `yaml:"notify"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	EnablePprof     bool          `yaml:"enable_pprof"`
	DrainDuration   time.Duration `yaml:"drain_duration"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	LogSQL bool   `yaml:"log_sql"`
}

// RedisConfig selects the KV store. An empty Addr keeps locks and counters
// in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LedgerConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

type HandoverConfig struct {
	GracePeriod           time.Duration `yaml:"grace_period"`
	LockTTL               time.Duration `yaml:"lock_ttl"`
	RequiredConfirmations int           `yaml:"required_confirmations"`
	GrantSecret           string        `yaml:"grant_secret"`
	GrantTTL              time.Duration `yaml:"grant_ttl"`
	GrantMaxRedemptions   int64         `yaml:"grant_max_redemptions"`
}

type MonitorConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	InterBatchDelay time.Duration `yaml:"inter_batch_delay"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	Interval        time.Duration `yaml:"interval"`
}

type NotifyConfig struct {
	FirstCooldown  time.Duration `yaml:"first_cooldown"`
	SecondCooldown time.Duration `yaml:"second_cooldown"`
	FinalCooldown  time.Duration `yaml:"final_cooldown"`
	// OutboxStream is the redis stream messages are queued on. Without redis
	// messages are only logged.
	OutboxStream    string `yaml:"outbox_stream"`
	OutboxMaxLength int64  `yaml:"outbox_max_length"`
}

// ArchiveConfig lists storage locations (file://, s3://, vault://) that
// receive sealed shares and ledger evidence.
type ArchiveConfig struct {
	Locations []string `yaml:"locations"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			MetricsAddr:     "127.0.0.1:8090",
			DrainDuration:   45 * time.Second,
			GracefulTimeout: 30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "sqlite://custody.db",
		},
		Redis: RedisConfig{
			Prefix: "custody:",
		},
		Handover: HandoverConfig{
			GracePeriod:           handover.DefaultConfig.GracePeriod,
			LockTTL:               handover.DefaultConfig.LockTTL,
			RequiredConfirmations: handover.DefaultConfig.RequiredConfirmations,
			GrantTTL:              15 * time.Minute,
			GrantMaxRedemptions:   1,
		},
		Monitor: MonitorConfig{
			BatchSize:       monitor.DefaultConfig.BatchSize,
			Concurrency:     monitor.DefaultConfig.Concurrency,
			InterBatchDelay: monitor.DefaultConfig.InterBatchDelay,
			LockTTL:         monitor.DefaultConfig.LockTTL,
			Interval:        monitor.DefaultConfig.Interval,
		},
		Notify: NotifyConfig{
			FirstCooldown:   notify.DefaultCooldowns.First,
			SecondCooldown:  notify.DefaultCooldowns.Second,
			FinalCooldown:   notify.DefaultCooldowns.Final,
			OutboxStream:    "custody:outbox",
			OutboxMaxLength: 100000,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and CUSTODY_* environment variables, in that order. Variables from a .env
// file in the working directory are loaded first without overriding the
// real environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	strs := map[string]*string{
		"CUSTODY_LISTEN_ADDR":    &c.Server.ListenAddr,
		"CUSTODY_METRICS_ADDR":   &c.Server.MetricsAddr,
		"CUSTODY_DATABASE_DSN":   &c.Database.DSN,
		"CUSTODY_REDIS_ADDR":     &c.Redis.Addr,
		"CUSTODY_REDIS_PASSWORD": &c.Redis.Password,
		"CUSTODY_SIGNING_SECRET": &c.Ledger.SigningSecret,
		"CUSTODY_GRANT_SECRET":   &c.Handover.GrantSecret,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"CUSTODY_GRACE_PERIOD":   &c.Handover.GracePeriod,
		"CUSTODY_SWEEP_INTERVAL": &c.Monitor.Interval,
	}
	for name, dst := range durations {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", interfaces.ErrValidation, name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("CUSTODY_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CUSTODY_REDIS_DB: %v", interfaces.ErrValidation, err)
		}
		c.Redis.DB = db
	}
	if v := os.Getenv("CUSTODY_ARCHIVE_LOCATIONS"); v != "" {
		c.Archive.Locations = strings.Split(v, ",")
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{interfaces.ErrValidation}, args...)...))
	}

	if c.Server.ListenAddr == "" {
		fail("server.listen_addr is required")
	}
	if c.Database.DSN == "" {
		fail("database.dsn is required")
	}
	if len(c.Ledger.SigningSecret) < ledger.MinSecretLength {
		fail("ledger.signing_secret must be at least %d bytes", ledger.MinSecretLength)
	}
	if c.Handover.GracePeriod <= 0 {
		fail("handover.grace_period must be positive")
	}
	if c.Handover.LockTTL <= 0 || c.Monitor.LockTTL <= 0 {
		fail("lock ttls must be positive")
	}
	if c.Handover.RequiredConfirmations < 1 {
		fail("handover.required_confirmations must be at least 1")
	}
	if c.Handover.GrantSecret != "" && len(c.Handover.GrantSecret) < handover.MinGrantSecretLength {
		fail("handover.grant_secret must be at least %d bytes", handover.MinGrantSecretLength)
	}
	if c.Handover.GrantTTL <= 0 {
		fail("handover.grant_ttl must be positive")
	}
	if c.Monitor.BatchSize <= 0 {
		fail("monitor.batch_size must be positive")
	}
	if c.Monitor.Concurrency <= 0 {
		fail("monitor.concurrency must be positive")
	}
	if c.Monitor.InterBatchDelay < 0 || c.Monitor.Interval < 0 {
		fail("monitor durations must not be negative")
	}
	if c.Notify.FirstCooldown <= 0 || c.Notify.SecondCooldown <= 0 || c.Notify.FinalCooldown <= 0 {
		fail("notify cooldowns must be positive")
	}
	for _, loc := range c.Archive.Locations {
		if _, err := interfaces.ParseArchiveLocation(strings.TrimSpace(loc)); err != nil {
			fail("archive location %q: %v", loc, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{DSN: c.Database.DSN, LogSQL: c.Database.LogSQL}
}

func (c *Config) HandoverConfig() handover.Config {
	return handover.Config{
		GracePeriod:           c.Handover.GracePeriod,
		LockTTL:               c.Handover.LockTTL,
		RequiredConfirmations: c.Handover.RequiredConfirmations,
	}
}

// GrantConfig returns the retrieval grant settings. ok is false when no grant
// secret is configured.
func (c *Config) GrantConfig() (cfg handover.GrantConfig, ok bool) {
	if c.Handover.GrantSecret == "" {
		return handover.GrantConfig{}, false
	}
	return handover.GrantConfig{
		Secret:         []byte(c.Handover.GrantSecret),
		TTL:            c.Handover.GrantTTL,
		MaxRedemptions: c.Handover.GrantMaxRedemptions,
	}, true
}

func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		BatchSize:       c.Monitor.BatchSize,
		Concurrency:     c.Monitor.Concurrency,
		InterBatchDelay: c.Monitor.InterBatchDelay,
		LockTTL:         c.Monitor.LockTTL,
		Interval:        c.Monitor.Interval,
	}
}

func (c *Config) Cooldowns() notify.Cooldowns {
	return notify.Cooldowns{
		First:  c.Notify.FirstCooldown,
		Second: c.Notify.SecondCooldown,
		Final:  c.Notify.FinalCooldown,
	}
}

// ArchiveLocations parses the configured archive URIs.
func (c *Config) ArchiveLocations() ([]interfaces.ArchiveLocation, error) {
	uris := make([]string, 0, len(c.Archive.Locations))
	for _, loc := range c.Archive.Locations {
		if loc = strings.TrimSpace(loc); loc != "" {
			uris = append(uris, loc)
		}
	}
	return storage.ParseLocations(uris)
}
