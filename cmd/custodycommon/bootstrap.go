package custodycommon

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/custody-switch/cmd/flags"
	"github.com/ruteri/custody-switch/common"
	"github.com/ruteri/custody-switch/config"
	"github.com/ruteri/custody-switch/custody"
	"github.com/ruteri/custody-switch/handover"
	"github.com/ruteri/custody-switch/interfaces"
	"github.com/ruteri/custody-switch/kvstore"
	"github.com/ruteri/custody-switch/ledger"
	"github.com/ruteri/custody-switch/monitor"
	"github.com/ruteri/custody-switch/notify"
	"github.com/ruteri/custody-switch/storage"
	"github.com/ruteri/custody-switch/store"
	"github.com/urfave/cli/v2"
)

// Components are the wired services shared by custodyd and custodyctl.
type Components struct {
	Config *config.Config
	Store  interfaces.Store
	KV     interfaces.KVStore
	Clock  interfaces.Clock

	Ledger       *ledger.Ledger
	Dispatcher   *notify.Dispatcher
	Orchestrator *handover.Orchestrator
	Monitor      *monitor.Monitor
	Custody      *custody.Service
	// Grants is nil when no grant secret is configured.
	Grants *handover.GrantIssuer
	// Archive is nil when no archive locations are configured.
	Archive interfaces.ArchiveBackend
}

// Close releases the KV connection.
func (c *Components) Close() error {
	return c.KV.Close()
}

// Setup loads the configuration named by the --config flag and wires every
// component on top of it. The database schema is migrated on the way.
func Setup(cCtx *cli.Context, logger *slog.Logger) (*Components, error) {
	cfg, err := config.Load(cCtx.String(flags.ConfigFileFlag.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := store.OpenGorm(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}

	c := &Components{
		Config: cfg,
		Store:  store.NewGormStore(db),
		Clock:  common.SystemClock{},
	}

	kv, sender, err := OpenKV(cfg, c.Clock, logger)
	if err != nil {
		return nil, err
	}
	c.KV = kv

	// Every error below has to release kv.
	fail := func(err error) (*Components, error) {
		return nil, errors.Join(err, kv.Close())
	}

	c.Ledger, err = ledger.New(c.Store, []byte(cfg.Ledger.SigningSecret), c.Clock, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create activity ledger: %w", err))
	}

	c.Dispatcher = notify.NewDispatcher(c.Store, sender, c.Clock, logger, cfg.Cooldowns())

	c.Orchestrator, err = handover.NewOrchestrator(c.Store, kv, c.Ledger, c.Dispatcher, c.Clock, logger, cfg.HandoverConfig())
	if err != nil {
		return fail(fmt.Errorf("failed to create handover orchestrator: %w", err))
	}

	c.Monitor, err = monitor.New(c.Store, c.Ledger, c.Orchestrator, c.Dispatcher, kv, c.Clock, logger, cfg.MonitorConfig())
	if err != nil {
		return fail(fmt.Errorf("failed to create inactivity monitor: %w", err))
	}

	if grantCfg, ok := cfg.GrantConfig(); ok {
		c.Grants, err = handover.NewGrantIssuer(c.Store, kv, c.Clock, logger, grantCfg)
		if err != nil {
			return fail(fmt.Errorf("failed to create grant issuer: %w", err))
		}
	}

	c.Archive, err = OpenArchive(cfg, logger)
	if err != nil {
		return fail(err)
	}
	c.Custody = custody.NewService(c.Store, c.Ledger, c.Archive, c.Clock, logger)

	return c, nil
}

// OpenKV connects to redis when an address is configured. Without redis,
// locks and counters stay in process memory and messages are only logged,
// which is only safe for a single instance.
func OpenKV(cfg *config.Config, clock interfaces.Clock, logger *slog.Logger) (interfaces.KVStore, interfaces.MessageSender, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("No redis configured, using in-memory locks and log-only notifications")
		return kvstore.NewMemoryKV(clock), notify.NewLogSender(logger), nil
	}

	kv, err := kvstore.NewRedisKV(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.Prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("Connected to redis", "address", cfg.Redis.Addr, "outboxStream", cfg.Notify.OutboxStream)
	return kv, kvstore.NewRedisOutbox(kv.Client(), cfg.Notify.OutboxStream, cfg.Notify.OutboxMaxLength), nil
}

// OpenArchive builds a backend fanning out to every configured archive
// location. It returns nil when none are configured.
func OpenArchive(cfg *config.Config, logger *slog.Logger) (interfaces.ArchiveBackend, error) {
	locations, err := cfg.ArchiveLocations()
	if err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return nil, nil
	}
	archive, err := storage.NewBackendFactory(logger).CreateMultiBackend(locations)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return archive, nil
}
