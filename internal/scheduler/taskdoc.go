package scheduler

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/droverhq/drover/pkg/models"
)

// The task document is the human-readable mirror of one agent's task set:
// a markdown file with one section per status and a checkbox line per task,
// followed by indented metadata lines. Ids are embedded so parsing the
// document yields the same records that were written. A generation counter
// in the header lets the watcher detect a stale rewrite.

const docTimeLayout = time.RFC3339

var (
	sectionOrder = []models.TaskStatus{
		models.TaskStatusInProgress,
		models.TaskStatusTodo,
		models.TaskStatusDone,
		models.TaskStatusCancelled,
	}

	sectionTitles = map[models.TaskStatus]string{
		models.TaskStatusInProgress: "In Progress",
		models.TaskStatusTodo:       "Todo",
		models.TaskStatusDone:       "Done",
		models.TaskStatusCancelled:  "Cancelled",
	}

	sectionStatuses = map[string]models.TaskStatus{
		"In Progress": models.TaskStatusInProgress,
		"Todo":        models.TaskStatusTodo,
		"Done":        models.TaskStatusDone,
		"Cancelled":   models.TaskStatusCancelled,
	}

	taskLineRe       = regexp.MustCompile(`^- \[([ x])\] (.+?) \(Priority: (LOW|MEDIUM|HIGH|CRITICAL)\)$`)
	metaLineRe       = regexp.MustCompile(`^  - ([A-Za-z ]+): (.*)$`)
	generationRe     = regexp.MustCompile(`^<!-- generation: (\d+) -->$`)
	progressPrefixRe = regexp.MustCompile(`^(\d{1,3})%(?:\s*-\s*(.*))?$`)
)

// renderDoc formats an agent's tasks as a task document. Tasks within a
// section keep creation order so the file reads as a stable log.
func renderDoc(agentID string, tasks []*models.Task, generation uint64) string {
	byStatus := make(map[models.TaskStatus][]*models.Task)
	for _, t := range tasks {
		byStatus[t.Status] = append(byStatus[t.Status], t)
	}
	for _, group := range byStatus {
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.Before(group[j].CreatedAt)
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Tasks: %s\n", agentID)
	fmt.Fprintf(&b, "<!-- generation: %d -->\n", generation)

	for _, status := range sectionOrder {
		fmt.Fprintf(&b, "\n## %s\n", sectionTitles[status])
		for _, t := range byStatus[status] {
			renderTask(&b, t)
		}
	}
	return b.String()
}

func renderTask(b *strings.Builder, t *models.Task) {
	box := " "
	if t.Status == models.TaskStatusDone {
		box = "x"
	}
	fmt.Fprintf(b, "\n- [%s] %s (Priority: %s)\n", box, t.Title, t.Priority)
	fmt.Fprintf(b, "  - ID: %s\n", t.ID)

	if t.StartedAt != nil {
		fmt.Fprintf(b, "  - Started: %s\n", t.StartedAt.Format(docTimeLayout))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(b, "  - Completed: %s\n", t.CompletedAt.Format(docTimeLayout))
	}
	if t.RequestedBy != "" {
		fmt.Fprintf(b, "  - Requested by: %s\n", t.RequestedBy)
	}
	if t.Deadline != nil {
		fmt.Fprintf(b, "  - Deadline: %s\n", t.Deadline.Format(docTimeLayout))
	}
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(b, "  - Dependencies: %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.Progress > 0 && t.Status != models.TaskStatusDone {
		fmt.Fprintf(b, "  - Progress: %d%%\n", t.Progress)
	}
	if t.Description != "" {
		fmt.Fprintf(b, "  - Description: %s\n", t.Description)
	}
}

// parseDoc reads a task document back into task records. Missing optional
// metadata lines are tolerated; unknown lines are skipped.
func parseDoc(content string) ([]*models.Task, uint64, error) {
	var (
		tasks      []*models.Task
		current    *models.Task
		status     models.TaskStatus
		inSection  bool
		generation uint64
	)

	flush := func() {
		if current != nil {
			tasks = append(tasks, current)
			current = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()

		if m := generationRe.FindStringSubmatch(line); m != nil {
			generation, _ = strconv.ParseUint(m[1], 10, 64)
			continue
		}

		if strings.HasPrefix(line, "## ") {
			flush()
			name := strings.TrimSpace(strings.TrimPrefix(line, "## "))
			status, inSection = sectionStatuses[name]
			continue
		}
		if !inSection {
			continue
		}

		if m := taskLineRe.FindStringSubmatch(line); m != nil {
			flush()
			current = &models.Task{
				Title:    m[2],
				Status:   status,
				Priority: models.ParsePriority(m[3]),
			}
			if current.Status == models.TaskStatusDone {
				current.Progress = 100
			}
			continue
		}

		if current == nil {
			continue
		}
		if m := metaLineRe.FindStringSubmatch(line); m != nil {
			applyMeta(current, m[1], strings.TrimSpace(m[2]))
		}
	}
	flush()

	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan task document: %w", err)
	}
	return tasks, generation, nil
}

func applyMeta(t *models.Task, key, value string) {
	switch key {
	case "ID":
		t.ID = value
	case "Started":
		if ts, err := time.Parse(docTimeLayout, value); err == nil {
			t.StartedAt = &ts
		}
	case "Completed":
		if ts, err := time.Parse(docTimeLayout, value); err == nil {
			t.CompletedAt = &ts
		}
	case "Requested by":
		t.RequestedBy = value
	case "Deadline":
		if ts, err := time.Parse(docTimeLayout, value); err == nil {
			t.Deadline = &ts
		}
	case "Dependencies":
		for _, dep := range strings.Split(value, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				t.Dependencies = append(t.Dependencies, dep)
			}
		}
	case "Progress":
		if m := progressPrefixRe.FindStringSubmatch(value); m != nil {
			if p, err := strconv.Atoi(m[1]); err == nil && p >= 0 && p <= 100 {
				t.Progress = p
			}
			if m[2] != "" && t.Description == "" {
				t.Description = m[2]
			}
		}
	case "Description":
		t.Description = value
	}
}
