package models

import "time"

// ProcessStatus represents the orchestrator's view of an agent process.
type ProcessStatus string

const (
	// ProcessStarting indicates the process is being launched.
	ProcessStarting ProcessStatus = "starting"
	// ProcessRunning indicates the process is up.
	ProcessRunning ProcessStatus = "running"
	// ProcessStopping indicates a kill is in progress.
	ProcessStopping ProcessStatus = "stopping"
	// ProcessStopped indicates the process has exited.
	ProcessStopped ProcessStatus = "stopped"
	// ProcessError indicates the process is in a failed state.
	ProcessError ProcessStatus = "error"
)

// Valid returns true if the status is a known value.
func (s ProcessStatus) Valid() bool {
	switch s {
	case ProcessStarting, ProcessRunning, ProcessStopping, ProcessStopped, ProcessError:
		return true
	default:
		return false
	}
}

// SessionStatus represents a worker session's self-reported state.
type SessionStatus string

const (
	// SessionStarting indicates the external process is launching.
	SessionStarting SessionStatus = "starting"
	// SessionReady indicates the session can accept a message.
	SessionReady SessionStatus = "ready"
	// SessionBusy indicates exactly one outbound message awaits a response.
	SessionBusy SessionStatus = "busy"
	// SessionError indicates the session is in a failed state.
	SessionError SessionStatus = "error"
	// SessionStopped indicates the external process has exited.
	SessionStopped SessionStatus = "stopped"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStarting, SessionReady, SessionBusy, SessionError, SessionStopped:
		return true
	default:
		return false
	}
}

// AgentProcessRecord is the orchestrator's bookkeeping for one tracked agent.
// A record exists iff a corresponding worker session exists; the two are
// created and destroyed together.
type AgentProcessRecord struct {
	// ID is the agent ID.
	ID string `json:"id"`
	// Status is the orchestrator's view of the process.
	Status ProcessStatus `json:"status"`
	// StartTime is when the current process was spawned.
	StartTime time.Time `json:"start_time"`
	// RestartCount increments only on explicit restart, never on kill+spawn.
	RestartCount int `json:"restart_count"`
	// CPUUsage is the last observed CPU percentage.
	CPUUsage float64 `json:"cpu_usage"`
	// MemoryUsageMB is the last observed resident memory in megabytes.
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	// LastHealthCheck is when the record's metrics were last refreshed.
	LastHealthCheck time.Time `json:"last_health_check"`
	// SessionID is a weak reference into the session registry.
	SessionID string `json:"session_id"`
	// PID is the OS process ID, 0 if it could not be obtained.
	PID int `json:"pid,omitempty"`
}

// Clone returns a copy of the record.
func (r *AgentProcessRecord) Clone() *AgentProcessRecord {
	c := *r
	return &c
}

// AgentConfig is the static configuration of an agent as held by the
// external registry store: identity, operating instructions, and the model
// its CLI process is bound to at launch time.
type AgentConfig struct {
	// ID is the agent ID.
	ID string `json:"id" yaml:"id"`
	// Name is the human-readable agent name.
	Name string `json:"name" yaml:"name"`
	// Instructions is the agent's operating prompt.
	Instructions string `json:"instructions" yaml:"instructions"`
	// Model optionally pins the CLI to a specific model.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// Capabilities declares what the agent can do, relayed in task payloads.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// MaxMemoryMB optionally caps the agent's expected memory footprint,
	// used by dashboards; the supervisor does not enforce it.
	MaxMemoryMB int `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
}

// TranscriptRole identifies who produced a transcript entry.
type TranscriptRole string

const (
	// RoleRequester marks content sent into the session.
	RoleRequester TranscriptRole = "requester"
	// RoleWorker marks content produced by the external process.
	RoleWorker TranscriptRole = "worker"
)

// TranscriptEntry is one immutable line of a session's conversation log.
type TranscriptEntry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`
	// Timestamp is when the entry was recorded.
	Timestamp time.Time `json:"timestamp"`
	// Role is who produced the content.
	Role TranscriptRole `json:"role"`
	// Content is the logged text.
	Content string `json:"content"`
}
