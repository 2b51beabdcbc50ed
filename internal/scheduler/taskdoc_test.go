package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/droverhq/drover/pkg/models"
)

func TestDocRoundTrip(t *testing.T) {
	started := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	completed := time.Date(2026, 8, 21, 17, 30, 0, 0, time.UTC)
	deadline := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	tasks := []*models.Task{
		{
			ID: "t-1", AgentID: "a1", Title: "analyze logs",
			Status: models.TaskStatusInProgress, Priority: models.PriorityCritical,
			StartedAt: &started, RequestedBy: "operator", Progress: 40,
			Description: "find the slow queries",
		},
		{
			ID: "t-2", AgentID: "a1", Title: "write summary",
			Status: models.TaskStatusTodo, Priority: models.PriorityHigh,
			Dependencies: []string{"t-1", "t-9"}, Deadline: &deadline,
		},
		{
			ID: "t-3", AgentID: "a1", Title: "archive results",
			Status: models.TaskStatusDone, Priority: models.PriorityMedium,
			StartedAt: &started, CompletedAt: &completed, Progress: 100,
		},
		{
			ID: "t-4", AgentID: "a1", Title: "old experiment",
			Status: models.TaskStatusCancelled, Priority: models.PriorityLow,
		},
	}

	doc := renderDoc("a1", tasks, 7)
	parsed, gen, err := parseDoc(doc)
	if err != nil {
		t.Fatalf("parseDoc: %v", err)
	}
	if gen != 7 {
		t.Errorf("generation = %d, want 7", gen)
	}
	if len(parsed) != len(tasks) {
		t.Fatalf("parsed %d tasks, want %d", len(parsed), len(tasks))
	}

	byID := make(map[string]*models.Task)
	for _, p := range parsed {
		byID[p.ID] = p
	}

	for _, want := range tasks {
		got, ok := byID[want.ID]
		if !ok {
			t.Errorf("task %s lost in round trip", want.ID)
			continue
		}
		if got.Title != want.Title {
			t.Errorf("%s: title = %q, want %q", want.ID, got.Title, want.Title)
		}
		if got.Status != want.Status {
			t.Errorf("%s: status = %s, want %s", want.ID, got.Status, want.Status)
		}
		if got.Priority != want.Priority {
			t.Errorf("%s: priority = %s, want %s", want.ID, got.Priority, want.Priority)
		}
		if got.RequestedBy != want.RequestedBy {
			t.Errorf("%s: requestedBy = %q, want %q", want.ID, got.RequestedBy, want.RequestedBy)
		}
		if got.Description != want.Description {
			t.Errorf("%s: description = %q, want %q", want.ID, got.Description, want.Description)
		}
		if got.Progress != want.Progress {
			t.Errorf("%s: progress = %d, want %d", want.ID, got.Progress, want.Progress)
		}
		if strings.Join(got.Dependencies, ",") != strings.Join(want.Dependencies, ",") {
			t.Errorf("%s: dependencies = %v, want %v", want.ID, got.Dependencies, want.Dependencies)
		}
		if want.StartedAt != nil && (got.StartedAt == nil || !got.StartedAt.Equal(*want.StartedAt)) {
			t.Errorf("%s: startedAt = %v, want %v", want.ID, got.StartedAt, want.StartedAt)
		}
		if want.CompletedAt != nil && (got.CompletedAt == nil || !got.CompletedAt.Equal(*want.CompletedAt)) {
			t.Errorf("%s: completedAt = %v, want %v", want.ID, got.CompletedAt, want.CompletedAt)
		}
		if want.Deadline != nil && (got.Deadline == nil || !got.Deadline.Equal(*want.Deadline)) {
			t.Errorf("%s: deadline = %v, want %v", want.ID, got.Deadline, want.Deadline)
		}
	}
}

func TestDocSectionOrder(t *testing.T) {
	doc := renderDoc("a1", nil, 1)

	inProgress := strings.Index(doc, "## In Progress")
	todo := strings.Index(doc, "## Todo")
	done := strings.Index(doc, "## Done")
	if inProgress < 0 || todo < 0 || done < 0 {
		t.Fatalf("missing sections in:\n%s", doc)
	}
	if !(inProgress < todo && todo < done) {
		t.Errorf("sections out of order: inprogress=%d todo=%d done=%d", inProgress, todo, done)
	}
}

func TestParseTolerantOfSparseEntries(t *testing.T) {
	doc := `# Tasks: a1
<!-- generation: 3 -->

## Todo

- [ ] bare minimum (Priority: LOW)

## Done

- [x] no metadata either (Priority: HIGH)
some stray prose the parser should skip
`
	parsed, _, err := parseDoc(doc)
	if err != nil {
		t.Fatalf("parseDoc: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d tasks, want 2", len(parsed))
	}
	if parsed[0].Title != "bare minimum" || parsed[0].Status != models.TaskStatusTodo {
		t.Errorf("first = %+v", parsed[0])
	}
	if parsed[1].Status != models.TaskStatusDone || parsed[1].Progress != 100 {
		t.Errorf("done entry = %+v", parsed[1])
	}
}

func TestParseProgressWithNote(t *testing.T) {
	doc := `## In Progress

- [ ] partial (Priority: MEDIUM)
  - ID: t-5
  - Progress: 65% - waiting on review
`
	parsed, _, err := parseDoc(doc)
	if err != nil {
		t.Fatalf("parseDoc: %v", err)
	}
	if len(parsed) != 1 {
		t.Fatalf("parsed %d tasks, want 1", len(parsed))
	}
	if parsed[0].Progress != 65 {
		t.Errorf("progress = %d, want 65", parsed[0].Progress)
	}
	if parsed[0].Description != "waiting on review" {
		t.Errorf("description = %q", parsed[0].Description)
	}
}

func TestMergeDocAppliesExternalEdits(t *testing.T) {
	s := newTestScheduler(t)

	task := mustCreate(t, s, &models.Task{AgentID: "a1", Title: "tune cache", Priority: models.PriorityLow})

	edited := task.Clone()
	edited.Priority = models.PriorityCritical
	edited.Status = models.TaskStatusInProgress
	newcomer := &models.Task{
		Title: "added by hand", Status: models.TaskStatusTodo, Priority: models.PriorityHigh,
	}

	s.mergeDoc("a1", []*models.Task{edited, newcomer})

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Priority != models.PriorityCritical {
		t.Errorf("priority = %s, want CRITICAL", got.Priority)
	}
	if got.Status != models.TaskStatusInProgress {
		t.Errorf("status = %s, want inprogress", got.Status)
	}

	all := s.ListAgent("a1")
	if len(all) != 2 {
		t.Fatalf("ListAgent = %d tasks, want 2", len(all))
	}
	var found bool
	for _, tk := range all {
		if tk.Title == "added by hand" {
			found = true
			if tk.ID == "" {
				t.Error("external task got no id")
			}
		}
	}
	if !found {
		t.Error("externally added task missing")
	}
}

func TestMergeDocFullProgressCompletes(t *testing.T) {
	s := newTestScheduler(t)

	task := mustCreate(t, s, &models.Task{AgentID: "a1", Title: "almost there"})

	edited := task.Clone()
	edited.Progress = 100

	s.mergeDoc("a1", []*models.Task{edited})

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.TaskStatusDone {
		t.Errorf("status = %s, want done after fully progressed edit", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
}

func TestMergeDocKeepsTerminalProgress(t *testing.T) {
	s := newTestScheduler(t)

	task := mustCreate(t, s, &models.Task{AgentID: "a1", Title: "dropped"})
	p := 40
	if _, err := s.Update(task.ID, TaskPatch{Progress: &p}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := s.Cancel(task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	edited := task.Clone()
	edited.Status = models.TaskStatusCancelled
	edited.Progress = 100

	s.mergeDoc("a1", []*models.Task{edited})

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.Progress != 40 {
		t.Errorf("progress = %d, want 40", got.Progress)
	}
}
