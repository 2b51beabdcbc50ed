// Package orchestrator composes the session registry and the health monitor
// into the process lifecycle surface: spawn, kill, restart, health checks,
// and message delivery into live sessions. All orchestration state for one
// agent is serialized behind a per-agent lock; no two operations on the
// same agent ID run their critical sections concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/health"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/pkg/models"
)

var (
	// ErrAlreadyRunning indicates a process record exists for the agent.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrNotFound indicates no live session exists for the agent.
	ErrNotFound = errors.New("agent not running")
	// ErrSpawnFailure indicates the external process could not be launched.
	ErrSpawnFailure = errors.New("spawn failure")
)

// Orchestrator owns the canonical map of agent ID to running-process
// record. A record exists iff a session exists in the registry; the two
// are created and destroyed together.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	sessions  *session.Registry
	monitor   *health.Monitor
	lookup    registry.Lookup
	committer registry.Committer
	bus       *events.Bus
	logger    *zap.Logger

	mu      sync.RWMutex
	records map[string]*models.AgentProcessRecord

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	backoff *Backoff
}

// New creates an Orchestrator. The health monitor's liveness-lost callback
// should be wired to NotifyProcessLost.
func New(
	cfg config.OrchestratorConfig,
	sessions *session.Registry,
	monitor *health.Monitor,
	lookup registry.Lookup,
	committer registry.Committer,
	bus *events.Bus,
	logger *zap.Logger,
) *Orchestrator {
	if committer == nil {
		committer = registry.NopCommitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		sessions:  sessions,
		monitor:   monitor,
		lookup:    lookup,
		committer: committer,
		bus:       bus,
		logger:    logger.Named("orchestrator"),
		records:   make(map[string]*models.AgentProcessRecord),
		locks:     make(map[string]*sync.Mutex),
		backoff: NewBackoff(cfg.RestartBackoffBase, cfg.RestartBackoffCap,
			cfg.RestartMaxAttempts, cfg.RestartWindow),
	}
}

// agentLock returns the serialization lock for one agent ID.
func (o *Orchestrator) agentLock(agentID string) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	l, ok := o.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[agentID] = l
	}
	return l
}

// Spawn launches the agent's external process and registers its record.
// Fails with ErrAlreadyRunning if a record exists. On any failure during
// the sequence, all partial state is rolled back: no orphaned sessions.
func (o *Orchestrator) Spawn(ctx context.Context, agentID string) (*models.AgentProcessRecord, error) {
	l := o.agentLock(agentID)
	l.Lock()
	defer l.Unlock()
	return o.spawnLocked(ctx, agentID, 0)
}

// spawnLocked performs the spawn sequence. Caller holds the agent lock.
func (o *Orchestrator) spawnLocked(ctx context.Context, agentID string, restartCount int) (*models.AgentProcessRecord, error) {
	o.mu.RLock()
	_, exists := o.records[agentID]
	o.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAlreadyRunning)
	}

	cfg, err := o.lookup.GetAgentConfig(agentID)
	if err != nil {
		return nil, fmt.Errorf("spawn agent %s: %w", agentID, err)
	}

	sess, err := o.sessions.Create(agentID, cfg, o.handleSessionExit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailure, err)
	}

	record := &models.AgentProcessRecord{
		ID:           agentID,
		Status:       models.ProcessStarting,
		StartTime:    sess.StartTime(),
		RestartCount: restartCount,
		SessionID:    sess.ID(),
		PID:          sess.PID(),
	}

	if record.PID > 0 {
		o.monitor.Track(agentID, record.PID)
	}

	record.Status = models.ProcessRunning
	o.mu.Lock()
	o.records[agentID] = record
	o.mu.Unlock()

	if err := o.committer.Commit(fmt.Sprintf("spawn agent %s", agentID)); err != nil {
		o.logger.Warn("versioning commit failed", zap.String("agent", agentID), zap.Error(err))
	}

	o.bus.Emit(events.Event{Type: events.AgentCreated, AgentID: agentID, Detail: cfg.Name})
	o.logger.Info("agent spawned",
		zap.String("agent", agentID), zap.Int("pid", record.PID),
		zap.Int("restarts", record.RestartCount))

	return record.Clone(), nil
}

// Kill stops the agent's process and removes its record, freeing the slot
// for a fresh spawn. A kill of an absent agent is an intentional no-op.
func (o *Orchestrator) Kill(ctx context.Context, agentID string) error {
	l := o.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	// a deliberate stop-start cycle begins with a clean restart budget
	o.backoff.Reset(agentID)
	return o.killLocked(ctx, agentID)
}

// killLocked performs the kill sequence. Caller holds the agent lock.
func (o *Orchestrator) killLocked(ctx context.Context, agentID string) error {
	o.mu.Lock()
	record, ok := o.records[agentID]
	if ok {
		record.Status = models.ProcessStopping
	}
	o.mu.Unlock()
	if !ok {
		return nil
	}

	if err := o.sessions.Remove(ctx, agentID); err != nil {
		o.logger.Warn("session stop failed", zap.String("agent", agentID), zap.Error(err))
	}
	o.monitor.Untrack(agentID)

	o.mu.Lock()
	delete(o.records, agentID)
	o.mu.Unlock()

	if err := o.committer.Commit(fmt.Sprintf("kill agent %s", agentID)); err != nil {
		o.logger.Warn("versioning commit failed", zap.String("agent", agentID), zap.Error(err))
	}

	o.bus.Emit(events.Event{Type: events.AgentDeleted, AgentID: agentID})
	o.logger.Info("agent killed", zap.String("agent", agentID))
	return nil
}

// Restart kills the agent, waits the settle delay, and spawns it again.
// The new record's restart count is the prior count plus one (zero plus
// one if no record existed).
func (o *Orchestrator) Restart(ctx context.Context, agentID string) (*models.AgentProcessRecord, error) {
	l := o.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	prior := 0
	o.mu.RLock()
	if rec, ok := o.records[agentID]; ok {
		prior = rec.RestartCount
	}
	o.mu.RUnlock()

	o.backoff.Record(agentID)

	if err := o.killLocked(ctx, agentID); err != nil {
		return nil, err
	}

	if o.cfg.SettleDelay > 0 {
		select {
		case <-time.After(o.cfg.SettleDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return o.spawnLocked(ctx, agentID, prior+1)
}

// SendMessage sends content into the agent's live session and returns the
// response. Fails with ErrNotFound if no session exists, with
// session.ErrNotReady if the session is busy, and with session.ErrTimeout
// if no response arrives within the bound. A timeout does not kill the
// external process.
func (o *Orchestrator) SendMessage(ctx context.Context, agentID, content string) (string, error) {
	sess, ok := o.sessions.Get(agentID)
	if !ok {
		return "", fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}

	resp, err := sess.Send(ctx, content)
	o.sessions.Sync(agentID)
	if err != nil {
		return "", err
	}
	return resp, nil
}

// HealthCheck judges every tracked agent: healthy iff the session reports
// ready or busy, the record is running, and the monitor does not classify
// the process unresponsive. Record metrics are refreshed as a side effect.
// Unhealthy agents produce a restart-needed event when auto-restart is
// enabled; the restart itself is left to the consumer.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]bool {
	o.mu.RLock()
	ids := make([]string, 0, len(o.records))
	for id := range o.records {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	now := time.Now()
	result := make(map[string]bool, len(ids))

	for _, id := range ids {
		o.mu.Lock()
		record, ok := o.records[id]
		if !ok {
			o.mu.Unlock()
			continue
		}

		record.LastHealthCheck = now
		metrics, tracked := o.monitor.Snapshot(id)
		if tracked {
			record.CPUUsage = metrics.CPUUsage
			record.MemoryUsageMB = metrics.MemoryUsageMB
		}
		recordRunning := record.Status == models.ProcessRunning
		o.mu.Unlock()

		sessionOK := false
		if sess, live := o.sessions.Get(id); live {
			st := sess.Status()
			sessionOK = st == models.SessionReady || st == models.SessionBusy
		}

		monitorOK := !tracked || metrics.Status != health.StatusUnresponsive

		healthy := sessionOK && recordRunning && monitorOK
		result[id] = healthy

		if !healthy {
			o.signalRestartNeeded(id, "health check failed")
		}
	}

	return result
}

// Record returns a copy of the agent's process record.
func (o *Orchestrator) Record(agentID string) (*models.AgentProcessRecord, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.records[agentID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Records returns copies of all process records.
func (o *Orchestrator) Records() []*models.AgentProcessRecord {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*models.AgentProcessRecord, 0, len(o.records))
	for _, r := range o.records {
		out = append(out, r.Clone())
	}
	return out
}

// NotifyProcessLost handles a liveness-lost signal from the health monitor:
// the process died outside the orchestrator's control.
func (o *Orchestrator) NotifyProcessLost(agentID string) {
	o.markCrashed(agentID, "process disappeared")
}

// handleSessionExit handles a session whose process exited without an
// explicit kill.
func (o *Orchestrator) handleSessionExit(agentID string) {
	o.bus.Emit(events.Event{Type: events.SessionStopped, AgentID: agentID})
	o.markCrashed(agentID, "session process exited")
}

// markCrashed transitions the record to error and signals restart-needed.
// Both crash sources (session exit, monitor liveness loss) funnel here;
// the status check deduplicates them.
func (o *Orchestrator) markCrashed(agentID, reason string) {
	o.mu.Lock()
	record, ok := o.records[agentID]
	if !ok || record.Status == models.ProcessError || record.Status == models.ProcessStopping {
		o.mu.Unlock()
		return
	}
	record.Status = models.ProcessError
	o.mu.Unlock()

	o.logger.Warn("agent crashed", zap.String("agent", agentID), zap.String("reason", reason))
	o.signalRestartNeeded(agentID, reason)
}

// signalRestartNeeded emits a restart-needed event, rate-limited by the
// per-agent backoff window.
func (o *Orchestrator) signalRestartNeeded(agentID, reason string) {
	if !o.cfg.AutoRestart {
		return
	}
	if !o.backoff.Allow(agentID) {
		o.logger.Warn("restart suppressed: attempt cap reached",
			zap.String("agent", agentID))
		return
	}
	o.bus.Emit(events.Event{
		Type:    events.AgentRestartNeeded,
		AgentID: agentID,
		Detail:  reason,
	})
}

// RestartDelay returns how long the consumer should wait before the next
// restart attempt for this agent.
func (o *Orchestrator) RestartDelay(agentID string) time.Duration {
	return o.backoff.NextDelay(agentID)
}
