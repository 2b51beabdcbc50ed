// Package health polls OS-level metrics and liveness for tracked agent
// processes. It is independent of the session registry but keyed by the
// same agent IDs.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status classifies a tracked process.
type Status string

const (
	// StatusHealthy means the process is alive and within thresholds.
	StatusHealthy Status = "healthy"
	// StatusWarning means CPU or memory exceeds its threshold.
	StatusWarning Status = "warning"
	// StatusUnresponsive means no successful sample within the timeout.
	StatusUnresponsive Status = "unresponsive"
)

// Metrics is one agent's latest health snapshot.
type Metrics struct {
	// PID is the tracked OS process ID.
	PID int
	// CPUUsage is the last sampled CPU percentage.
	CPUUsage float64
	// MemoryUsageMB is the last sampled resident memory in megabytes.
	MemoryUsageMB float64
	// Status is the current classification.
	Status Status
	// LastSeen is when the process last produced a successful sample.
	LastSeen time.Time
}

// Sampler reads liveness and resource usage for a PID. The default
// implementation uses gopsutil; tests substitute a fake.
type Sampler interface {
	// Alive reports whether the PID exists.
	Alive(pid int) bool
	// Sample returns CPU percentage and resident memory in megabytes.
	Sample(pid int) (cpu float64, memMB float64, err error)
}

// Config holds classification thresholds.
type Config struct {
	// PollInterval is how often tracked PIDs are sampled.
	PollInterval time.Duration
	// UnresponsiveAfter bounds the gap between successful samples.
	UnresponsiveAfter time.Duration
	// CPUThreshold is the warning threshold in percent.
	CPUThreshold float64
	// MemoryThresholdMB is the warning threshold in megabytes.
	MemoryThresholdMB float64
}

type procState struct {
	pid      int
	cpu      float64
	memMB    float64
	status   Status
	lastSeen time.Time
}

// Monitor polls each tracked PID at a fixed interval. When a polled process
// can no longer be found, the liveness-lost callback fires: this is the
// primary source of unsolicited restart-needed events.
type Monitor struct {
	cfg     Config
	sampler Sampler
	onLost  func(agentID string)
	logger  *zap.Logger

	mu      sync.Mutex
	tracked map[string]*procState

	busy atomic.Bool
}

// NewMonitor creates a Monitor. onLost may be nil.
func NewMonitor(cfg Config, sampler Sampler, onLost func(agentID string), logger *zap.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.UnresponsiveAfter <= 0 {
		cfg.UnresponsiveAfter = 60 * time.Second
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 80
	}
	if cfg.MemoryThresholdMB <= 0 {
		cfg.MemoryThresholdMB = 512
	}
	if sampler == nil {
		sampler = NewGopsutilSampler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		onLost:  onLost,
		logger:  logger.Named("health"),
		tracked: make(map[string]*procState),
	}
}

// Track starts monitoring a PID under the given agent ID.
func (m *Monitor) Track(agentID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[agentID] = &procState{
		pid:      pid,
		status:   StatusHealthy,
		lastSeen: time.Now(),
	}
}

// Untrack stops monitoring the agent. Idempotent.
func (m *Monitor) Untrack(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, agentID)
}

// Snapshot returns the latest metrics for an agent.
func (m *Monitor) Snapshot(agentID string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tracked[agentID]
	if !ok {
		return Metrics{}, false
	}
	return Metrics{
		PID:           s.pid,
		CPUUsage:      s.cpu,
		MemoryUsageMB: s.memMB,
		Status:        s.status,
		LastSeen:      s.lastSeen,
	}, true
}

// Run polls until the context is cancelled. A poll that overruns the
// interval causes the next tick to be skipped rather than overlap.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.busy.CompareAndSwap(false, true) {
				m.logger.Debug("poll still running, tick skipped")
				continue
			}
			m.Poll()
			m.busy.Store(false)
		}
	}
}

// Poll samples every tracked PID once. Exposed for the orchestrator's
// on-demand health checks and for tests.
func (m *Monitor) Poll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	pids := make(map[string]int, len(m.tracked))
	for id, s := range m.tracked {
		ids = append(ids, id)
		pids[id] = s.pid
	}
	m.mu.Unlock()

	var lost []string
	now := time.Now()

	for _, id := range ids {
		pid := pids[id]

		if !m.sampler.Alive(pid) {
			m.mu.Lock()
			delete(m.tracked, id)
			m.mu.Unlock()
			lost = append(lost, id)
			m.logger.Warn("tracked process disappeared",
				zap.String("agent", id), zap.Int("pid", pid))
			continue
		}

		cpu, memMB, err := m.sampler.Sample(pid)

		m.mu.Lock()
		s, ok := m.tracked[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		if err != nil {
			// Sampling failed but the process exists. Left long enough,
			// that is an unresponsive process.
			if now.Sub(s.lastSeen) > m.cfg.UnresponsiveAfter {
				s.status = StatusUnresponsive
			}
			m.mu.Unlock()
			m.logger.Debug("sample failed", zap.String("agent", id), zap.Error(err))
			continue
		}

		s.cpu = cpu
		s.memMB = memMB
		s.lastSeen = now
		s.status = m.classify(cpu, memMB)
		m.mu.Unlock()
	}

	for _, id := range lost {
		if m.onLost != nil {
			m.onLost(id)
		}
	}
}

// classify maps a successful sample to a status.
func (m *Monitor) classify(cpu, memMB float64) Status {
	if cpu > m.cfg.CPUThreshold || memMB > m.cfg.MemoryThresholdMB {
		return StatusWarning
	}
	return StatusHealthy
}
