// Package pqueue provides the priority queue shared by the task scheduler
// and the message router. Dequeue order is priority-major (CRITICAL > HIGH >
// MEDIUM > LOW) and enqueue-order-minor: within one tier, entries come out
// in the order they went in.
package pqueue

import (
	"container/heap"
	"sync"

	"github.com/droverhq/drover/pkg/models"
)

type entry[T any] struct {
	key      string
	value    T
	priority models.Priority
	seq      uint64
	index    int
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].priority.Rank() != h[j].priority.Rank() {
		return h[i].priority.Rank() > h[j].priority.Rank()
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a thread-safe priority queue keyed by entry ID so that entries
// can be removed or re-prioritized in place.
type Queue[T any] struct {
	mu      sync.Mutex
	heap    entryHeap[T]
	byKey   map[string]*entry[T]
	nextSeq uint64
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{byKey: make(map[string]*entry[T])}
}

// Push enqueues a value under the given key and priority. If the key is
// already queued, the existing entry is replaced and keeps a fresh enqueue
// position.
func (q *Queue[T]) Push(key string, priority models.Priority, value T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if old, ok := q.byKey[key]; ok {
		heap.Remove(&q.heap, old.index)
	}

	e := &entry[T]{key: key, value: value, priority: priority, seq: q.nextSeq}
	q.nextSeq++
	q.byKey[key] = e
	heap.Push(&q.heap, e)
}

// Pop removes and returns the highest-priority entry.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		var zero T
		return zero, false
	}
	e := heap.Pop(&q.heap).(*entry[T])
	delete(q.byKey, e.key)
	return e.value, true
}

// Peek returns the highest-priority entry without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		var zero T
		return zero, false
	}
	return q.heap[0].value, true
}

// Remove deletes the entry with the given key, if present.
func (q *Queue[T]) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byKey, key)
	return true
}

// Contains reports whether the key is queued.
func (q *Queue[T]) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Ordered returns a snapshot of all values in dequeue order without
// mutating the queue.
func (q *Queue[T]) Ordered() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Copy entries by value so popping the snapshot does not disturb the
	// index bookkeeping of the live heap.
	snapshot := make(entryHeap[T], len(q.heap))
	for i, e := range q.heap {
		c := *e
		snapshot[i] = &c
	}

	out := make([]T, 0, len(snapshot))
	for snapshot.Len() > 0 {
		e := heap.Pop(&snapshot).(*entry[T])
		out = append(out, e.value)
	}
	return out
}
