package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/droverhq/drover/pkg/models"
)

// UpsertTask inserts or replaces a task record.
func (db *DB) UpsertTask(t *models.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO tasks (id, agent_id, title, description, status, priority,
			created_at, updated_at, started_at, completed_at, deadline,
			requested_by, dependencies, progress)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			updated_at = excluded.updated_at,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			deadline = excluded.deadline,
			requested_by = excluded.requested_by,
			dependencies = excluded.dependencies,
			progress = excluded.progress
	`, t.ID, t.AgentID, t.Title, t.Description, string(t.Status), string(t.Priority),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), formatTimePtr(t.Deadline),
		t.RequestedBy, string(deps), t.Progress)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTask removes a task record.
func (db *DB) DeleteTask(id string) error {
	if _, err := db.Exec("DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// ListTasks returns every stored task, ordered by creation time.
func (db *DB) ListTasks() ([]*models.Task, error) {
	rows, err := db.Query(`
		SELECT id, agent_id, title, description, status, priority,
			created_at, updated_at, started_at, completed_at, deadline,
			requested_by, dependencies, progress
		FROM tasks ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListAgentTasks returns stored tasks for one agent, ordered by creation time.
func (db *DB) ListAgentTasks(agentID string) ([]*models.Task, error) {
	rows, err := db.Query(`
		SELECT id, agent_id, title, description, status, priority,
			created_at, updated_at, started_at, completed_at, deadline,
			requested_by, dependencies, progress
		FROM tasks WHERE agent_id = ? ORDER BY created_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", agentID, err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (*models.Task, error) {
	var (
		t                                models.Task
		status, priority                 string
		createdAt, updatedAt             string
		startedAt, completedAt, deadline sql.NullString
		deps                             string
	)
	if err := rows.Scan(&t.ID, &t.AgentID, &t.Title, &t.Description, &status, &priority,
		&createdAt, &updatedAt, &startedAt, &completedAt, &deadline,
		&t.RequestedBy, &deps, &t.Progress); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Status = models.TaskStatus(status)
	t.Priority = models.Priority(priority)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	t.Deadline = parseTimePtr(deadline)

	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("unmarshal dependencies of %s: %w", t.ID, err)
	}
	return &t, nil
}
