// Package events provides the domain event bus for drover. External layers
// (dashboards, live-update transports) subscribe here; the core only emits.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the kind of domain event.
type Type string

const (
	// AgentCreated indicates an agent process was spawned.
	AgentCreated Type = "agent-created"
	// AgentDeleted indicates an agent process record was removed.
	AgentDeleted Type = "agent-deleted"
	// AgentRestartNeeded indicates an unhealthy or dead agent should be
	// restarted by the consumer, subject to backoff.
	AgentRestartNeeded Type = "agent-restart-needed"
	// SessionStopped indicates a worker session exited.
	SessionStopped Type = "session-stopped"
	// TaskCreated indicates a task was created.
	TaskCreated Type = "task-created"
	// TaskUpdated indicates a task was mutated.
	TaskUpdated Type = "task-updated"
	// TaskRunnable indicates a task's dependencies are all satisfied.
	TaskRunnable Type = "task-runnable"
	// MessageDelivered indicates the router delivered (or fell back to an
	// in-memory delivery of) a message.
	MessageDelivered Type = "message-delivered"
)

// Event is a single domain event.
type Event struct {
	// Type is the kind of event.
	Type Type
	// AgentID is the related agent, if any.
	AgentID string
	// TaskID is the related task, if any.
	TaskID string
	// MessageID is the related message, if any.
	MessageID string
	// Detail provides human-readable context.
	Detail string
	// Err carries error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Bus fans events out to subscribers. Emission never blocks: a subscriber
// whose buffer is full loses the event, and the loss is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	dropped atomic.Uint64
}

// NewBus creates a Bus whose subscriber channels hold bufSize events.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Emit delivers the event to every subscriber. The timestamp is stamped
// here if the caller left it zero.
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the total number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
