// Package scheduler implements the dependency-aware priority task scheduler.
// Tasks live in memory behind a mutex, are mirrored to sqlite on every
// mutation, and are additionally rendered to one human-readable markdown
// document per agent. A periodic scan signals tasks whose dependencies have
// all completed; the orchestrator-facing dispatcher consumes the signals.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/pqueue"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/models"
)

var (
	// ErrNotFound indicates no task exists with the given id.
	ErrNotFound = errors.New("task not found")
	// ErrValidation indicates malformed task input.
	ErrValidation = errors.New("invalid task")
	// ErrTransition indicates a status change the state machine forbids.
	ErrTransition = errors.New("illegal status transition")
)

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Title        *string
	Description  *string
	Status       *models.TaskStatus
	Priority     *models.Priority
	Progress     *int
	Deadline     *time.Time
	Dependencies []string
}

// Scheduler owns the task table, the priority queue, and the dependency
// scan. All public operations are safe for concurrent use.
type Scheduler struct {
	cfg    config.SchedulerConfig
	db     *state.DB
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	tasks     map[string]*models.Task
	queue     *pqueue.Queue[*models.Task]
	signalled map[string]bool
	warned    map[string]bool

	runnable chan *models.Task
	scanBusy atomic.Bool

	docs *docSync
}

// New creates a Scheduler, reloading any tasks persisted in sqlite into the
// in-memory table and priority queue.
func New(cfg config.SchedulerConfig, db *state.DB, bus *events.Bus, logger *zap.Logger) (*Scheduler, error) {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:       cfg,
		db:        db,
		bus:       bus,
		logger:    logger.Named("scheduler"),
		tasks:     make(map[string]*models.Task),
		queue:     pqueue.New[*models.Task](),
		signalled: make(map[string]bool),
		warned:    make(map[string]bool),
		runnable:  make(chan *models.Task, 64),
	}
	s.docs = newDocSync(cfg.DocDir, s.logger)

	loaded, err := db.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("reload tasks: %w", err)
	}
	for _, t := range loaded {
		s.tasks[t.ID] = t
		if !t.Status.Terminal() {
			s.queue.Push(t.ID, t.Priority, t)
		}
	}
	if len(loaded) > 0 {
		s.logger.Info("tasks reloaded", zap.Int("count", len(loaded)))
	}

	return s, nil
}

// Create registers a new task. Missing fields are defaulted: a fresh id,
// todo status, MEDIUM priority, zero progress, creation timestamps.
func (s *Scheduler) Create(task *models.Task) (*models.Task, error) {
	if task == nil || task.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if task.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrValidation)
	}
	if task.Priority != "" && !task.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, task.Priority)
	}
	if task.Status != "" && !task.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, task.Status)
	}

	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusTodo
	}
	if t.Priority == "" {
		t.Priority = models.PriorityMedium
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.tasks[t.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s already exists", ErrValidation, t.ID)
	}
	s.tasks[t.ID] = t
	if !t.Status.Terminal() {
		s.queue.Push(t.ID, t.Priority, t)
	}
	s.mu.Unlock()

	if err := s.persist(t); err != nil {
		s.mu.Lock()
		delete(s.tasks, t.ID)
		s.queue.Remove(t.ID)
		s.mu.Unlock()
		return nil, err
	}
	s.writeDoc(t.AgentID)

	s.bus.Emit(events.Event{Type: events.TaskCreated, TaskID: t.ID, AgentID: t.AgentID, Detail: t.Title})
	s.logger.Info("task created", zap.String("task", t.ID),
		zap.String("agent", t.AgentID), zap.String("priority", string(t.Priority)))

	return t.Clone(), nil
}

// Delegate creates a task assigned to toAgent on behalf of fromAgent.
func (s *Scheduler) Delegate(fromAgent, toAgent string, task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: task is required", ErrValidation)
	}
	t := task.Clone()
	t.AgentID = toAgent
	t.RequestedBy = fromAgent
	return s.Create(t)
}

// Update applies a partial patch to a task. Status changes must follow the
// task state machine; priority or status changes re-place the queue entry.
func (s *Scheduler) Update(id string, patch TaskPatch) (*models.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}

	prev := t.Clone()

	// validate the whole patch before touching the task
	if patch.Status != nil && *patch.Status != t.Status {
		if !patch.Status.Valid() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, *patch.Status)
		}
		if !t.Status.CanTransition(*patch.Status) {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrTransition, t.Status, *patch.Status)
		}
	}
	if patch.Priority != nil && !patch.Priority.Valid() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, *patch.Priority)
	}
	next := t.Status
	if patch.Status != nil {
		next = *patch.Status
	}
	if patch.Progress != nil && *patch.Progress != t.Progress &&
		next.Terminal() && !(next == models.TaskStatusDone && *patch.Progress >= 100) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot change progress of a %s task", ErrTransition, next)
	}

	if patch.Status != nil && *patch.Status != t.Status {
		s.applyStatusLocked(t, *patch.Status)
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Progress != nil && !t.Status.Terminal() {
		t.Progress = *patch.Progress
		if t.Progress >= 100 {
			t.Progress = 100
			s.applyStatusLocked(t, models.TaskStatusDone)
		}
	}
	if patch.Deadline != nil {
		d := *patch.Deadline
		t.Deadline = &d
	}
	if patch.Dependencies != nil {
		t.Dependencies = append([]string(nil), patch.Dependencies...)
	}
	t.UpdatedAt = time.Now()

	s.requeueLocked(t, prev)
	out := t.Clone()
	s.mu.Unlock()

	if err := s.persist(out); err != nil {
		// a failed write must not leave memory ahead of sqlite
		s.mu.Lock()
		if cur, ok := s.tasks[id]; ok && cur == t {
			*t = *prev
			s.requeueLocked(t, out)
		}
		s.mu.Unlock()
		return nil, err
	}
	s.writeDoc(out.AgentID)

	s.bus.Emit(events.Event{Type: events.TaskUpdated, TaskID: out.ID, AgentID: out.AgentID})
	return out, nil
}

// applyStatusLocked performs the bookkeeping a status change implies.
// Caller holds s.mu and has validated the transition.
func (s *Scheduler) applyStatusLocked(t *models.Task, next models.TaskStatus) {
	now := time.Now()
	switch next {
	case models.TaskStatusInProgress:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case models.TaskStatusDone:
		t.Progress = 100
		t.CompletedAt = &now
	}
	t.Status = next
	if next == models.TaskStatusTodo {
		// external edits can move a task back to todo; let the scan
		// signal it again
		delete(s.signalled, t.ID)
	}
}

// requeueLocked re-places the task's queue entry after a mutation.
// Caller holds s.mu.
func (s *Scheduler) requeueLocked(t, prev *models.Task) {
	if t.Status.Terminal() {
		s.queue.Remove(t.ID)
		return
	}
	if t.Status != prev.Status || t.Priority != prev.Priority {
		s.queue.Remove(t.ID)
		s.queue.Push(t.ID, t.Priority, t)
	}
}

// MarkDelivered transitions a task to in-progress, stamping StartedAt.
func (s *Scheduler) MarkDelivered(id string) error {
	st := models.TaskStatusInProgress
	_, err := s.Update(id, TaskPatch{Status: &st})
	return err
}

// Complete marks a task done with full progress.
func (s *Scheduler) Complete(id string) error {
	st := models.TaskStatusDone
	_, err := s.Update(id, TaskPatch{Status: &st})
	return err
}

// Cancel terminates a task. Cancellation stops future scheduling but does
// not recall a payload already in flight to a session.
func (s *Scheduler) Cancel(id string) error {
	st := models.TaskStatusCancelled
	_, err := s.Update(id, TaskPatch{Status: &st})
	return err
}

// Delete removes a task entirely.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	agentID := t.AgentID
	delete(s.tasks, id)
	s.queue.Remove(id)
	delete(s.signalled, id)
	s.mu.Unlock()

	if err := s.db.DeleteTask(id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	s.writeDoc(agentID)
	return nil
}

// Get returns a copy of the task.
func (s *Scheduler) Get(id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns copies of all tasks, newest first.
func (s *Scheduler) List() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// ListAgent returns copies of one agent's tasks, newest first.
func (s *Scheduler) ListAgent(agentID string) []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Runnable yields tasks whose dependencies are all satisfied, in priority
// order. Each task is signalled exactly once per stay in todo.
func (s *Scheduler) Runnable() <-chan *models.Task {
	return s.runnable
}

// Run drives the periodic dependency scan and, when enabled, the document
// watcher, until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.WatchDocs {
		go s.docs.watch(ctx, s.mergeDoc)
	}

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.scanBusy.CompareAndSwap(false, true) {
				continue
			}
			s.Scan()
			s.scanBusy.Store(false)
		}
	}
}

// Scan walks todo tasks in priority order and signals every task whose
// dependencies are all done. A dependency id referencing no known task is
// permanently unmet; it is warned about once, not rejected.
func (s *Scheduler) Scan() {
	s.mu.Lock()
	var ready []*models.Task
	for _, t := range s.queue.Ordered() {
		if t.Status != models.TaskStatusTodo || s.signalled[t.ID] {
			continue
		}
		if s.depsSatisfiedLocked(t) {
			s.signalled[t.ID] = true
			ready = append(ready, t.Clone())
		}
	}
	s.mu.Unlock()

	for _, t := range ready {
		select {
		case s.runnable <- t:
			s.bus.Emit(events.Event{Type: events.TaskRunnable, TaskID: t.ID, AgentID: t.AgentID})
			s.logger.Debug("task runnable", zap.String("task", t.ID), zap.String("agent", t.AgentID))
		default:
			// consumer is behind; drop the latch so the next tick retries
			s.mu.Lock()
			delete(s.signalled, t.ID)
			s.mu.Unlock()
		}
	}
}

// depsSatisfiedLocked reports whether every dependency of t is done.
// Caller holds s.mu.
func (s *Scheduler) depsSatisfiedLocked(t *models.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok {
			if !s.warned[t.ID+"/"+dep] {
				s.warned[t.ID+"/"+dep] = true
				s.logger.Warn("dependency references unknown task",
					zap.String("task", t.ID), zap.String("dependency", dep))
			}
			return false
		}
		if d.Status != models.TaskStatusDone {
			return false
		}
	}
	return true
}

// persist mirrors a task to sqlite. Task creation and mutation treat a
// failed write as fatal for the operation.
func (s *Scheduler) persist(t *models.Task) error {
	if err := s.db.UpsertTask(t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

// writeDoc rewrites one agent's task document. Document write failures are
// logged, not surfaced: sqlite is the durable source of truth.
func (s *Scheduler) writeDoc(agentID string) {
	s.mu.Lock()
	var tasks []*models.Task
	for _, t := range s.tasks {
		if t.AgentID == agentID {
			tasks = append(tasks, t.Clone())
		}
	}
	s.mu.Unlock()

	if err := s.docs.write(agentID, tasks); err != nil {
		s.logger.Warn("task document write failed",
			zap.String("agent", agentID), zap.Error(err))
	}
}

// mergeDoc folds an externally edited task document back into the table.
// Known ids are merged field by field, last write wins; entries without an
// id become new tasks. The document never deletes tasks.
func (s *Scheduler) mergeDoc(agentID string, parsed []*models.Task) {
	var created, updated int

	for _, p := range parsed {
		s.mu.Lock()
		existing, ok := s.tasks[p.ID]
		if !ok || p.ID == "" {
			s.mu.Unlock()
			p.ID = ""
			p.AgentID = agentID
			if _, err := s.Create(p); err != nil {
				s.logger.Warn("external task rejected", zap.String("agent", agentID), zap.Error(err))
				continue
			}
			created++
			continue
		}

		prev := existing.Clone()
		existing.Title = p.Title
		existing.Description = p.Description
		existing.Priority = p.Priority
		existing.Deadline = p.Deadline
		existing.Dependencies = p.Dependencies
		if p.Status != existing.Status {
			s.applyStatusLocked(existing, p.Status)
		}
		// full progress completes a task; terminal tasks keep their
		// recorded value
		if !existing.Status.Terminal() {
			existing.Progress = p.Progress
			if existing.Progress >= 100 {
				existing.Progress = 100
				s.applyStatusLocked(existing, models.TaskStatusDone)
			}
		}
		existing.UpdatedAt = time.Now()
		s.requeueLocked(existing, prev)
		out := existing.Clone()
		s.mu.Unlock()

		if err := s.persist(out); err != nil {
			s.logger.Warn("external task persist failed", zap.String("task", out.ID), zap.Error(err))
			continue
		}
		updated++
		s.bus.Emit(events.Event{Type: events.TaskUpdated, TaskID: out.ID, AgentID: agentID})
	}

	if created > 0 || updated > 0 {
		s.logger.Info("task document merged", zap.String("agent", agentID),
			zap.Int("created", created), zap.Int("updated", updated))
		s.writeDoc(agentID)
	}
}
