package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/pkg/models"
)

type fakeTaskSource struct {
	mu        sync.Mutex
	tasks     map[string]*models.Task
	runnable  chan *models.Task
	delivered []string
	completed []string
}

func newFakeTaskSource(tasks ...*models.Task) *fakeTaskSource {
	s := &fakeTaskSource{
		tasks:    make(map[string]*models.Task),
		runnable: make(chan *models.Task, 8),
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeTaskSource) Runnable() <-chan *models.Task { return s.runnable }

func (s *fakeTaskSource) Get(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t.Clone(), nil
}

func (s *fakeTaskSource) MarkDelivered(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Status = models.TaskStatusInProgress
	s.delivered = append(s.delivered, id)
	return nil
}

func (s *fakeTaskSource) Complete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id].Status = models.TaskStatusDone
	s.completed = append(s.completed, id)
	return nil
}

func (s *fakeTaskSource) status(id string) models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

func TestDispatchCompletesOnMarker(t *testing.T) {
	env := newTestEnv(t, "done. TASK COMPLETE: task-1")

	task := &models.Task{
		ID:       "task-1",
		AgentID:  "a1",
		Title:    "do work",
		Status:   models.TaskStatusTodo,
		Priority: models.PriorityMedium,
	}
	src := newFakeTaskSource(task)
	d := NewDispatcher(env.orch, src, zap.NewNop())

	d.dispatch(context.Background(), task)

	if got := src.status("task-1"); got != models.TaskStatusDone {
		t.Errorf("status = %s, want done", got)
	}
	if len(src.delivered) != 1 || src.delivered[0] != "task-1" {
		t.Errorf("delivered = %v, want [task-1]", src.delivered)
	}

	// delivery spawned the assignee on demand
	if _, ok := env.orch.Record("a1"); !ok {
		t.Error("assignee was not spawned for delivery")
	}
}

func TestDispatchLeavesTaskOpenWithoutMarker(t *testing.T) {
	env := newTestEnv(t, "still thinking")

	task := &models.Task{
		ID:       "task-2",
		AgentID:  "a1",
		Status:   models.TaskStatusTodo,
		Priority: models.PriorityMedium,
	}
	src := newFakeTaskSource(task)
	d := NewDispatcher(env.orch, src, zap.NewNop())

	d.dispatch(context.Background(), task)

	if got := src.status("task-2"); got != models.TaskStatusInProgress {
		t.Errorf("status = %s, want inprogress", got)
	}
	if len(src.completed) != 0 {
		t.Errorf("completed = %v, want none", src.completed)
	}
}

func TestDispatchSkipsCancelledTask(t *testing.T) {
	env := newTestEnv(t, "ok")

	task := &models.Task{
		ID:       "task-3",
		AgentID:  "a1",
		Status:   models.TaskStatusTodo,
		Priority: models.PriorityMedium,
	}
	src := newFakeTaskSource(task)
	d := NewDispatcher(env.orch, src, zap.NewNop())

	// cancelled after becoming runnable but before pickup
	stale := task.Clone()
	src.tasks["task-3"].Status = models.TaskStatusCancelled

	d.dispatch(context.Background(), stale)

	if len(src.delivered) != 0 {
		t.Errorf("delivered = %v, want none", src.delivered)
	}
	if _, ok := env.orch.Record("a1"); ok {
		t.Error("agent spawned for a cancelled task")
	}
}

func TestDispatcherRun(t *testing.T) {
	env := newTestEnv(t, "TASK COMPLETE: task-4")

	task := &models.Task{
		ID:       "task-4",
		AgentID:  "a1",
		Status:   models.TaskStatusTodo,
		Priority: models.PriorityHigh,
	}
	src := newFakeTaskSource(task)
	d := NewDispatcher(env.orch, src, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(ran)
	}()

	src.runnable <- task

	deadline := time.After(3 * time.Second)
	for src.status("task-4") != models.TaskStatusDone {
		select {
		case <-deadline:
			t.Fatal("task never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(src.runnable)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after channel close")
	}
}
