package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/health"
	"github.com/droverhq/drover/internal/orchestrator"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/internal/router"
	"github.com/droverhq/drover/internal/scheduler"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/models"
)

var (
	runSpawnAll     bool
	runSkipCLICheck bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the supervisor daemon",
	Long: `Start the drover supervisor.

Loads the agent registry, reopens persisted session and task state, and
starts the health monitor, task scheduler, and message router. Runs until
interrupted; on shutdown every live agent process is stopped gracefully.

Examples:
  drover run               # supervise, spawning agents on demand
  drover run --spawn-all   # spawn every registered agent at startup`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().BoolVar(&runSpawnAll, "spawn-all", false, "Spawn every registered agent at startup")
	runCmd.Flags().BoolVar(&runSkipCLICheck, "skip-cli-check", false, "Skip verifying the worker CLI is installed")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !runSkipCLICheck {
		if err := CheckWorkerCLI(cfg.Agents.Command); err != nil {
			return err
		}
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	lookup, err := registry.LoadFile(cfg.Agents.RegistryPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load agent registry: %w", err)
		}
		logger.Warn("agent registry file missing, starting empty",
			zap.String("path", cfg.Agents.RegistryPath))
		lookup = registry.NewStatic()
	}

	sessions, err := session.NewRegistry(cfg.SessionStorePath(), session.Options{
		Command:       cfg.Agents.Command,
		SendTimeout:   cfg.Session.SendTimeout,
		StopGrace:     cfg.Session.StopGrace,
		TranscriptDir: cfg.TranscriptDir(),
		Sink:          db,
		Logger:        logger,
	}, logger)
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}

	bus := events.NewBus(256)

	// the monitor's lost callback needs the orchestrator, which needs the
	// monitor; close over the variable
	var orch *orchestrator.Orchestrator
	monitor := health.NewMonitor(health.Config{
		PollInterval:      cfg.Health.PollInterval,
		UnresponsiveAfter: cfg.Health.UnresponsiveAfter,
		CPUThreshold:      cfg.Health.CPUThreshold,
		MemoryThresholdMB: cfg.Health.MemoryThresholdMB,
	}, health.NewGopsutilSampler(), func(agentID string) {
		if orch != nil {
			orch.NotifyProcessLost(agentID)
		}
	}, logger)

	orch = orchestrator.New(cfg.Orchestrator, sessions, monitor, lookup, nil, bus, logger)

	sched, err := scheduler.New(cfg.Scheduler, db, bus, logger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	dispatcher := orchestrator.NewDispatcher(orch, sched, logger)

	rtr, err := router.New(cfg.Router, orch, bus, cfg.HistoryStorePath(), logger)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)
	go sched.Run(ctx)
	go rtr.Run(ctx)
	go dispatcher.Run(ctx)
	go healthCheckLoop(ctx, orch, cfg.Health.PollInterval)
	go restartConsumer(ctx, bus, orch, logger)
	go cleanupLoop(ctx, sessions, db, cfg.Session.CleanupAge, logger)

	color.Green("drover %s supervising", Version())
	color.White("  data dir:  %s", cfg.DataDir)
	color.White("  registry:  %s (%d agents)", cfg.Agents.RegistryPath, len(lookup.IDs()))
	color.White("  worker:    %s", cfg.Agents.Command)

	if runSpawnAll {
		for _, id := range lookup.IDs() {
			if _, err := orch.Spawn(ctx, id); err != nil {
				logger.Error("startup spawn failed", zap.String("agent", id), zap.Error(err))
				continue
			}
			color.Cyan("  spawned %s", id)
		}
	}

	logger.Info("drover running", zap.String("version", Version()))
	<-ctx.Done()

	color.Yellow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, rec := range orch.Records() {
		if err := orch.Kill(shutdownCtx, rec.ID); err != nil {
			logger.Warn("shutdown kill failed", zap.String("agent", rec.ID), zap.Error(err))
		}
	}
	logger.Info("drover stopped")
	return nil
}

// healthCheckLoop refreshes record metrics and emits restart-needed signals
// for unhealthy agents on the monitor's cadence.
func healthCheckLoop(ctx context.Context, orch *orchestrator.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.HealthCheck(ctx)
		}
	}
}

// agentRestarter is the slice of the orchestrator the restart consumer
// needs.
type agentRestarter interface {
	Record(agentID string) (*models.AgentProcessRecord, bool)
	RestartDelay(agentID string) time.Duration
	Restart(ctx context.Context, agentID string) (*models.AgentProcessRecord, error)
}

// restartConsumer restarts agents the orchestrator flags, honoring the
// per-agent backoff delay. Each restart waits out its delay in its own
// goroutine so one agent's backoff never stalls the others; at most one
// restart is pending per agent.
func restartConsumer(ctx context.Context, bus *events.Bus, orch agentRestarter, logger *zap.Logger) {
	sub, cancel := bus.Subscribe()
	defer cancel()

	var mu sync.Mutex
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if e.Type != events.AgentRestartNeeded {
				continue
			}

			// the agent may already have been replaced since this signal fired
			if rec, ok := orch.Record(e.AgentID); ok &&
				rec.Status == models.ProcessRunning && rec.StartTime.After(e.Timestamp) {
				continue
			}

			mu.Lock()
			if pending[e.AgentID] {
				mu.Unlock()
				continue
			}
			pending[e.AgentID] = true
			mu.Unlock()

			delay := orch.RestartDelay(e.AgentID)
			logger.Info("restarting agent",
				zap.String("agent", e.AgentID),
				zap.String("reason", e.Detail),
				zap.Duration("delay", delay))

			go func(agentID string, delay time.Duration) {
				defer func() {
					mu.Lock()
					delete(pending, agentID)
					mu.Unlock()
				}()

				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}

				if _, err := orch.Restart(ctx, agentID); err != nil {
					logger.Error("restart failed", zap.String("agent", agentID), zap.Error(err))
				}
			}(e.AgentID, delay)
		}
	}
}

// cleanupLoop sweeps stale session metadata and transcripts once an hour.
func cleanupLoop(ctx context.Context, sessions *session.Registry, db *state.DB, maxAge time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Cleanup(maxAge, db); n > 0 {
				logger.Info("cleaned up stale sessions", zap.Int("count", n))
			}
		}
	}
}

// newLogger builds the zap logger the whole daemon shares.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
