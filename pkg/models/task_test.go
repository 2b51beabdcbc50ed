package models

import (
	"testing"
	"time"
)

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{TaskStatusTodo, TaskStatusInProgress, TaskStatusDone, TaskStatusCancelled}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	if TaskStatus("pending").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskStatusTodo, TaskStatusInProgress, true},
		{TaskStatusTodo, TaskStatusDone, true},
		{TaskStatusTodo, TaskStatusCancelled, true},
		{TaskStatusInProgress, TaskStatusDone, true},
		{TaskStatusInProgress, TaskStatusCancelled, true},
		{TaskStatusInProgress, TaskStatusTodo, false},
		{TaskStatusDone, TaskStatusTodo, false},
		{TaskStatusDone, TaskStatusInProgress, false},
		{TaskStatusCancelled, TaskStatusInProgress, false},
		{TaskStatusCancelled, TaskStatusDone, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	if !TaskStatusDone.Terminal() || !TaskStatusCancelled.Terminal() {
		t.Error("expected done and cancelled to be terminal")
	}
	if TaskStatusTodo.Terminal() || TaskStatusInProgress.Terminal() {
		t.Error("expected todo and inprogress to be non-terminal")
	}
}

func TestTaskClone(t *testing.T) {
	now := time.Now()
	orig := &Task{
		ID:           "t1",
		AgentID:      "a1",
		Title:        "original",
		Dependencies: []string{"d1", "d2"},
		StartedAt:    &now,
	}

	c := orig.Clone()
	c.Dependencies[0] = "changed"
	*c.StartedAt = now.Add(time.Hour)

	if orig.Dependencies[0] != "d1" {
		t.Error("clone shares dependency slice with original")
	}
	if !orig.StartedAt.Equal(now) {
		t.Error("clone shares StartedAt pointer with original")
	}
}

func TestPriorityRankOrdering(t *testing.T) {
	if PriorityCritical.Rank() <= PriorityHigh.Rank() {
		t.Error("CRITICAL must outrank HIGH")
	}
	if PriorityHigh.Rank() <= PriorityMedium.Rank() {
		t.Error("HIGH must outrank MEDIUM")
	}
	if PriorityMedium.Rank() <= PriorityLow.Rank() {
		t.Error("MEDIUM must outrank LOW")
	}
}

func TestParsePriority(t *testing.T) {
	if got := ParsePriority("HIGH"); got != PriorityHigh {
		t.Errorf("expected HIGH, got %s", got)
	}
	if got := ParsePriority("urgent"); got != PriorityMedium {
		t.Errorf("expected fallback to MEDIUM, got %s", got)
	}
}
