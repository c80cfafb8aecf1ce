package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/api"
	"github.com/stridegate/stridegate/internal/config"
	"github.com/stridegate/stridegate/internal/coordinator"
	"github.com/stridegate/stridegate/internal/credit"
	"github.com/stridegate/stridegate/internal/domain"
	"github.com/stridegate/stridegate/internal/infra"
	"github.com/stridegate/stridegate/internal/metrics"
	"github.com/stridegate/stridegate/internal/schedule"
	"github.com/stridegate/stridegate/internal/statebus"
)

// RegistryFileName is the shared process-discovery file under data_dir.
const RegistryFileName = "registry.json"

// CoordinatorConfig holds the coordinator daemon's loop intervals.
type CoordinatorConfig struct {
	HeartbeatInterval    time.Duration
	PartnerCheckInterval time.Duration
}

// DefaultCoordinatorConfig returns default intervals.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		HeartbeatInterval:    30 * time.Second,
		PartnerCheckInterval: 60 * time.Second,
	}
}

// CoordinatorDaemon owns the state machine process: storage, ledger,
// schedule, state bus, control API and the agent liveness watchdog.
type CoordinatorDaemon struct {
	cfg        config.Config
	loader     *config.Loader
	loopCfg    CoordinatorConfig
	configPath string
	version    string
	logger     *zap.Logger
}

// NewCoordinatorDaemon creates the daemon.
func NewCoordinatorDaemon(
	cfg config.Config,
	loader *config.Loader,
	loopCfg CoordinatorConfig,
	configPath string,
	version string,
	logger *zap.Logger,
) *CoordinatorDaemon {
	return &CoordinatorDaemon{
		cfg:        cfg,
		loader:     loader,
		loopCfg:    loopCfg,
		configPath: configPath,
		version:    version,
		logger:     logger,
	}
}

// Run assembles the stack and blocks until ctx is canceled.
func (d *CoordinatorDaemon) Run(ctx context.Context) error {
	cfg := d.cfg
	logger := d.logger
	clock := domain.RealClock{}

	// Encrypted store always opens: it holds the unlock history, and the
	// ledger/session slots too unless the file backend is selected.
	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := infra.EnsureKey(keyProvider)
	if err != nil {
		return fmt.Errorf("failed to obtain storage key: %w", err)
	}
	encStore, err := infra.NewEncryptedStore(cfg.DataDir, key)
	if err != nil {
		return fmt.Errorf("failed to open encrypted store: %w", err)
	}
	defer encStore.Close()

	var kv domain.KeyValueStore = encStore
	if cfg.Storage.Backend == "file" {
		fileKV, err := infra.NewFileKVStore(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			return fmt.Errorf("failed to open file store: %w", err)
		}
		kv = fileKV
	}

	bus, closeBus, err := OpenBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	sched := infra.NewTimerScheduler(logger)
	defer sched.Close()

	calc := credit.NewCalculator(cfg.Credits.StepsPerUnit, cfg.Credits.MinutesPerUnit)
	ledger := credit.NewLedger(kv, calc, clock, logger)
	schedStore := schedule.NewStore(kv, logger)
	seedSchedule(kv, schedStore, cfg.Schedule, logger)

	coord := coordinator.New(
		ledger,
		schedStore,
		sched,
		bus,
		kv,
		encStore,
		clock,
		logger,
		coordinator.Options{
			ShieldPayload: infra.EncodeShieldPayload(cfg.Agent.BlockedProcesses),
			AppLabel:      "manual unlock",
		},
	)

	pm := infra.NewProcessManager()
	registry := infra.NewFileProcessRegistry(filepath.Join(cfg.DataDir, RegistryFileName), pm)
	if err := registry.Register(domain.ProcessInfo{
		PID:        pm.GetCurrentPID(),
		Role:       domain.RoleCoordinator,
		StartedAt:  time.Now(),
		AppVersion: d.version,
	}); err != nil {
		return fmt.Errorf("failed to register coordinator: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Register()
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	if cfg.API.Enabled {
		server := api.NewServer(coord, encStore, logger)
		go func() {
			if err := server.Serve(ctx, cfg.API.Listen); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("control api failed", zap.Error(err))
			}
		}()
	}

	// Activity feed: every change to the steps file resyncs the ledger.
	feed := infra.NewFileActivityFeed(cfg.StepsFile, logger)
	updates, err := feed.Observe(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch steps file: %w", err)
	}
	go func() {
		for count := range updates {
			if _, err := coord.SyncSteps(count); err != nil {
				logger.Warn("steps sync failed", zap.Error(err))
			}
		}
	}()

	// Scheduler deliveries resolve through the coordinator, which decides
	// by timestamp comparison; spurious or late events are harmless.
	go func() {
		for ev := range sched.Events() {
			if ev.Name == coordinator.OneShotName {
				coord.HandleExpiry()
			} else {
				coord.EvaluateScheduleNow()
			}
		}
	}()

	if d.loader != nil {
		d.loader.Watch(func(fresh config.Config) {
			logger.Info("configuration reloaded")
			coord.SetShieldPayload(infra.EncodeShieldPayload(fresh.Agent.BlockedProcesses))
		})
	}

	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Start(ctx) }()

	logger.Info("coordinator daemon started",
		zap.Int("pid", pm.GetCurrentPID()),
		zap.String("version", d.version))

	heartbeat := time.NewTicker(d.loopCfg.HeartbeatInterval)
	partnerCheck := time.NewTicker(d.loopCfg.PartnerCheckInterval)
	defer heartbeat.Stop()
	defer partnerCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("coordinator daemon stopping")
			<-coordDone
			return ctx.Err()

		case err := <-coordDone:
			return err

		case <-heartbeat.C:
			if err := registry.UpdateHeartbeat(domain.RoleCoordinator); err != nil {
				logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-partnerCheck.C:
			d.checkAndRestartAgent(registry)
		}
	}
}

func (d *CoordinatorDaemon) checkAndRestartAgent(registry domain.ProcessRegistry) {
	alive, err := registry.IsPartnerAlive(domain.RoleCoordinator)
	if err != nil {
		d.logger.Warn("registry unreadable, skipping partner check", zap.Error(err))
		return
	}

	if !alive {
		d.logger.Info("agent not running, restarting...")
		if err := StartProcess(domain.RoleAgent, d.configPath); err != nil {
			d.logger.Error("failed to restart agent", zap.Error(err))
		} else {
			d.logger.Info("agent restarted")
		}
	}
}

// OpenBus constructs the configured state bus backend. The returned close
// function is a no-op for the file backend.
func OpenBus(cfg config.Config, logger *zap.Logger) (domain.StateBus, func(), error) {
	if cfg.Bus.Backend == "redis" {
		redisBus, err := statebus.NewRedisBus(cfg.Bus.Redis, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis bus: %w", err)
		}
		return redisBus, func() { _ = redisBus.Close() }, nil
	}

	busKV, err := infra.NewFileKVStore(filepath.Join(cfg.DataDir, "bus"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file bus: %w", err)
	}
	return statebus.NewKVBus(busKV, logger), func() {}, nil
}

// seedSchedule persists the config file's window on first run only.
// Later edits through the API own the persisted slot.
func seedSchedule(kv domain.KeyValueStore, store *schedule.Store, cfg config.ScheduleConfig, logger *zap.Logger) {
	if _, err := kv.Get(schedule.ConfigKey); !errors.Is(err, domain.ErrKeyNotFound) {
		return
	}

	seeded := domain.ScheduleConfig{
		StartHour:   cfg.StartHour,
		StartMinute: cfg.StartMinute,
		EndHour:     cfg.EndHour,
		EndMinute:   cfg.EndMinute,
		ActiveDays:  cfg.Weekdays(),
	}
	if err := store.Save(seeded); err != nil {
		logger.Warn("failed to seed schedule", zap.Error(err))
	}
}
