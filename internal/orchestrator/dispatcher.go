package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/droverhq/drover/pkg/models"
)

// TaskSource is the scheduler-facing surface the dispatcher consumes.
// It is narrow on purpose so the scheduler and orchestrator packages
// stay independent of each other.
type TaskSource interface {
	// Runnable yields tasks whose dependencies are all satisfied, in
	// priority order.
	Runnable() <-chan *models.Task
	// Get returns the current state of a task.
	Get(id string) (*models.Task, error)
	// MarkDelivered transitions a task to in-progress.
	MarkDelivered(id string) error
	// Complete marks a task done.
	Complete(id string) error
}

// Dispatcher bridges runnable tasks into worker sessions: it re-checks
// each task's current state before delivery, marks it in progress, and
// closes it when the worker's reply carries the completion marker.
type Dispatcher struct {
	orch   *Orchestrator
	tasks  TaskSource
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(orch *Orchestrator, tasks TaskSource, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		orch:   orch,
		tasks:  tasks,
		logger: logger.Named("dispatcher"),
	}
}

// Run consumes runnable tasks until the context is cancelled or the
// runnable channel closes.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-d.tasks.Runnable():
			if !ok {
				return
			}
			d.dispatch(ctx, task)
		}
	}
}

// dispatch delivers one runnable task. A task cancelled between becoming
// runnable and being picked up here is dropped without delivery.
func (d *Dispatcher) dispatch(ctx context.Context, task *models.Task) {
	current, err := d.tasks.Get(task.ID)
	if err != nil {
		d.logger.Warn("runnable task vanished", zap.String("task", task.ID), zap.Error(err))
		return
	}
	if current.Status != models.TaskStatusTodo {
		d.logger.Debug("skipping non-todo runnable task",
			zap.String("task", current.ID), zap.String("status", string(current.Status)))
		return
	}

	if err := d.tasks.MarkDelivered(current.ID); err != nil {
		d.logger.Warn("mark in progress failed", zap.String("task", current.ID), zap.Error(err))
		return
	}

	resp, err := d.orch.DeliverTask(ctx, current)
	if err != nil {
		d.logger.Error("task delivery failed",
			zap.String("task", current.ID), zap.String("agent", current.AgentID), zap.Error(err))
		return
	}

	if HasCompletionMarker(resp, current.ID) {
		if err := d.tasks.Complete(current.ID); err != nil {
			d.logger.Warn("complete failed", zap.String("task", current.ID), zap.Error(err))
			return
		}
		d.logger.Info("task completed", zap.String("task", current.ID),
			zap.String("agent", current.AgentID))
		return
	}

	d.logger.Info("task delivered without completion marker",
		zap.String("task", current.ID), zap.String("agent", current.AgentID))
}
