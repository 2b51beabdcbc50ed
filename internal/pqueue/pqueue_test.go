package pqueue

import (
	"testing"

	"github.com/droverhq/drover/pkg/models"
)

func TestPopPriorityMajorFIFOMinor(t *testing.T) {
	q := New[string]()
	q.Push("a", models.PriorityLow, "low")
	q.Push("b", models.PriorityHigh, "high")
	q.Push("c", models.PriorityMedium, "medium")
	q.Push("d", models.PriorityCritical, "critical")

	want := []string{"critical", "high", "medium", "low"}
	for _, w := range want {
		v, ok := q.Pop()
		if !ok {
			t.Fatalf("queue exhausted early, wanted %q", w)
		}
		if v != w {
			t.Errorf("expected %q, got %q", w, v)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue")
	}
}

func TestFIFOWithinTier(t *testing.T) {
	q := New[string]()
	q.Push("1", models.PriorityMedium, "first")
	q.Push("2", models.PriorityMedium, "second")
	q.Push("3", models.PriorityMedium, "third")

	for _, w := range []string{"first", "second", "third"} {
		v, _ := q.Pop()
		if v != w {
			t.Errorf("expected %q, got %q", w, v)
		}
	}
}

func TestRemove(t *testing.T) {
	q := New[string]()
	q.Push("a", models.PriorityHigh, "a")
	q.Push("b", models.PriorityLow, "b")

	if !q.Remove("a") {
		t.Error("expected Remove to find key a")
	}
	if q.Remove("a") {
		t.Error("expected second Remove to report absent")
	}
	if q.Contains("a") {
		t.Error("expected a to be gone")
	}

	v, ok := q.Pop()
	if !ok || v != "b" {
		t.Errorf("expected b to remain, got %q ok=%v", v, ok)
	}
}

func TestPushReplacesExistingKey(t *testing.T) {
	q := New[string]()
	q.Push("x", models.PriorityLow, "old")
	q.Push("x", models.PriorityCritical, "new")

	if q.Len() != 1 {
		t.Fatalf("expected 1 entry after replace, got %d", q.Len())
	}
	v, _ := q.Pop()
	if v != "new" {
		t.Errorf("expected replaced value, got %q", v)
	}
}

func TestOrderedSnapshotDoesNotDrain(t *testing.T) {
	q := New[int]()
	q.Push("a", models.PriorityLow, 1)
	q.Push("b", models.PriorityCritical, 2)
	q.Push("c", models.PriorityMedium, 3)

	got := q.Ordered()
	want := []int{2, 3, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Ordered[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if q.Len() != 3 {
		t.Errorf("expected queue untouched, len=%d", q.Len())
	}
	// Live heap must still pop correctly after the snapshot.
	if v, _ := q.Pop(); v != 2 {
		t.Errorf("expected 2 first after snapshot, got %d", v)
	}
	if v, _ := q.Pop(); v != 3 {
		t.Errorf("expected 3 second after snapshot, got %d", v)
	}
}

func TestPeek(t *testing.T) {
	q := New[string]()
	if _, ok := q.Peek(); ok {
		t.Error("expected Peek on empty queue to report false")
	}
	q.Push("a", models.PriorityHigh, "a")
	if v, ok := q.Peek(); !ok || v != "a" {
		t.Errorf("unexpected peek %q ok=%v", v, ok)
	}
	if q.Len() != 1 {
		t.Error("Peek must not remove")
	}
}
