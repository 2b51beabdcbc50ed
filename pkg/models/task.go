package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusTodo indicates the task has not started.
	TaskStatusTodo TaskStatus = "todo"
	// TaskStatusInProgress indicates the task has been delivered to its agent.
	TaskStatusInProgress TaskStatus = "inprogress"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusCancelled indicates the task was cancelled. Terminal.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusDone, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusCancelled
}

// CanTransition reports whether a task may move from s to next.
// The only legal paths are todo -> inprogress -> {done, cancelled},
// plus direct completion or cancellation from todo.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case TaskStatusTodo:
		return next == TaskStatusInProgress || next == TaskStatusDone || next == TaskStatusCancelled
	case TaskStatusInProgress:
		return next == TaskStatusDone || next == TaskStatusCancelled
	default:
		return false
	}
}

// Task represents a unit of schedulable work assigned to one agent.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// AgentID is the ID of the agent this task is assigned to.
	AgentID string `json:"agent_id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority governs dequeue order relative to other tasks.
	Priority Priority `json:"priority"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`
	// StartedAt is when the task was delivered to its agent, if it has been.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached done, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Deadline is an optional due time, informational only.
	Deadline *time.Time `json:"deadline,omitempty"`
	// RequestedBy identifies who created the task (operator or agent ID).
	RequestedBy string `json:"requested_by,omitempty"`
	// Dependencies lists task IDs that must reach done before this task
	// becomes runnable. IDs that reference no known task are treated as
	// permanently unmet rather than rejected.
	Dependencies []string `json:"dependencies,omitempty"`
	// Progress is the completion percentage, 0-100. 100 implies done.
	Progress int `json:"progress"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Deadline != nil {
		v := *t.Deadline
		c.Deadline = &v
	}
	return &c
}
