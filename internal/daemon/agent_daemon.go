package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/agent"
	"github.com/stridegate/stridegate/internal/config"
	"github.com/stridegate/stridegate/internal/domain"
	"github.com/stridegate/stridegate/internal/infra"
	"github.com/stridegate/stridegate/internal/metrics"
)

// AgentConfig holds the agent daemon's loop intervals.
type AgentConfig struct {
	HeartbeatInterval    time.Duration
	PartnerCheckInterval time.Duration
}

// DefaultAgentConfig returns default intervals.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		HeartbeatInterval:    30 * time.Second,
		PartnerCheckInterval: 60 * time.Second,
	}
}

// AgentDaemon owns the enforcement process. It holds only the replicated
// state: no ledger, no session slot, just the bus snapshot and the shield.
type AgentDaemon struct {
	cfg        config.Config
	loopCfg    AgentConfig
	configPath string
	version    string
	logger     *zap.Logger
}

// NewAgentDaemon creates the daemon.
func NewAgentDaemon(
	cfg config.Config,
	loopCfg AgentConfig,
	configPath string,
	version string,
	logger *zap.Logger,
) *AgentDaemon {
	return &AgentDaemon{
		cfg:        cfg,
		loopCfg:    loopCfg,
		configPath: configPath,
		version:    version,
		logger:     logger,
	}
}

// Run assembles the reactor and blocks until ctx is canceled.
func (d *AgentDaemon) Run(ctx context.Context) error {
	cfg := d.cfg
	logger := d.logger

	bus, closeBus, err := OpenBus(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	pm := infra.NewProcessManager()
	registry := infra.NewFileProcessRegistry(filepath.Join(cfg.DataDir, RegistryFileName), pm)
	if err := registry.Register(domain.ProcessInfo{
		PID:        pm.GetCurrentPID(),
		Role:       domain.RoleAgent,
		StartedAt:  time.Now(),
		AppVersion: d.version,
	}); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Register()
		go func() {
			if err := metrics.Serve(cfg.Metrics.AgentListen, logger); err != nil {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	shield := infra.NewProcessShield(pm, cfg.Agent.BlockedProcesses, logger)
	reactor := agent.New(bus, shield, domain.RealClock{}, logger,
		cfg.Agent.ReconcileInterval, nil)
	reactor.SetPayloadSink(shield)

	reactorDone := make(chan error, 1)
	go func() { reactorDone <- reactor.Run(ctx) }()

	logger.Info("agent daemon started",
		zap.Int("pid", pm.GetCurrentPID()),
		zap.String("version", d.version))

	heartbeat := time.NewTicker(d.loopCfg.HeartbeatInterval)
	partnerCheck := time.NewTicker(d.loopCfg.PartnerCheckInterval)
	defer heartbeat.Stop()
	defer partnerCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("agent daemon stopping")
			<-reactorDone
			return ctx.Err()

		case err := <-reactorDone:
			return err

		case <-heartbeat.C:
			if err := registry.UpdateHeartbeat(domain.RoleAgent); err != nil {
				logger.Warn("failed to update heartbeat", zap.Error(err))
			}

		case <-partnerCheck.C:
			d.checkAndRestartCoordinator(registry)
		}
	}
}

func (d *AgentDaemon) checkAndRestartCoordinator(registry domain.ProcessRegistry) {
	alive, err := registry.IsPartnerAlive(domain.RoleAgent)
	if err != nil {
		d.logger.Warn("registry unreadable, skipping partner check", zap.Error(err))
		return
	}

	if !alive {
		d.logger.Info("coordinator not running, restarting...")
		if err := StartProcess(domain.RoleCoordinator, d.configPath); err != nil {
			d.logger.Error("failed to restart coordinator", zap.Error(err))
		} else {
			d.logger.Info("coordinator restarted")
		}
	}
}
