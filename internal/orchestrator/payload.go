package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/models"
)

// completionMarkerPrefix starts the line a worker must state when it has
// finished a task. The task id follows so the dispatcher can verify the
// reply closes the task it delivered, not an earlier one.
const completionMarkerPrefix = "TASK COMPLETE:"

// CompletionMarker returns the exact marker a worker must include to close
// the given task.
func CompletionMarker(taskID string) string {
	return completionMarkerPrefix + " " + taskID
}

// HasCompletionMarker reports whether the response contains the completion
// marker for the given task.
func HasCompletionMarker(response, taskID string) bool {
	return strings.Contains(response, CompletionMarker(taskID))
}

// FormatTaskPayload renders the structured text block delivered into a
// worker session when a task becomes runnable. The worker has no structured
// response schema; the completion marker is the only machine-checkable
// signal it can give back.
func FormatTaskPayload(task *models.Task, cfg *models.AgentConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Task Assignment\n\n")
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Priority: %s\n", task.Priority)
	fmt.Fprintf(&b, "Created: %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.Deadline != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", task.Deadline.Format(time.RFC3339))
	}
	if task.RequestedBy != "" {
		fmt.Fprintf(&b, "Requested by: %s\n", task.RequestedBy)
	}

	if task.Description != "" {
		fmt.Fprintf(&b, "\n### Description\n\n%s\n", task.Description)
	}

	if cfg != nil {
		if cfg.Instructions != "" {
			fmt.Fprintf(&b, "\n### Your Instructions\n\n%s\n", cfg.Instructions)
		}
		if len(cfg.Capabilities) > 0 {
			fmt.Fprintf(&b, "\n### Your Capabilities\n\n")
			for _, c := range cfg.Capabilities {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
	}

	fmt.Fprintf(&b, "\nWhen the task is finished, end your reply with the exact line:\n%s\n",
		CompletionMarker(task.ID))

	return b.String()
}

// DeliverTask formats the task payload and sends it into the assignee's
// session, spawning the agent first if it is not running. Returns the
// worker's response.
func (o *Orchestrator) DeliverTask(ctx context.Context, task *models.Task) (string, error) {
	if task.AgentID == "" {
		return "", fmt.Errorf("task %s has no assignee", task.ID)
	}

	if _, ok := o.Record(task.AgentID); !ok {
		if _, err := o.Spawn(ctx, task.AgentID); err != nil {
			return "", fmt.Errorf("deliver task %s: %w", task.ID, err)
		}
	}

	cfg, err := o.lookup.GetAgentConfig(task.AgentID)
	if err != nil {
		return "", fmt.Errorf("deliver task %s: %w", task.ID, err)
	}

	return o.SendMessage(ctx, task.AgentID, FormatTaskPayload(task, cfg))
}
