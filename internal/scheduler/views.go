package scheduler

import (
	"sort"

	"github.com/droverhq/drover/pkg/models"
)

// Summary holds dashboard-style task counts.
type Summary struct {
	Total      int                       `json:"total"`
	ByStatus   map[models.TaskStatus]int `json:"by_status"`
	ByPriority map[models.Priority]int   `json:"by_priority"`
	ByAgent    map[string]int            `json:"by_agent"`
}

// Counts aggregates the current task table.
func (s *Scheduler) Counts() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := Summary{
		ByStatus:   make(map[models.TaskStatus]int),
		ByPriority: make(map[models.Priority]int),
		ByAgent:    make(map[string]int),
	}
	for _, t := range s.tasks {
		sum.Total++
		sum.ByStatus[t.Status]++
		sum.ByPriority[t.Priority]++
		sum.ByAgent[t.AgentID]++
	}
	return sum
}

// Blocked returns todo tasks whose dependencies are not all done, highest
// priority first.
func (s *Scheduler) Blocked() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for _, t := range s.tasks {
		if t.Status != models.TaskStatusTodo || len(t.Dependencies) == 0 {
			continue
		}
		if !s.depsSatisfiedLocked(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() > out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
