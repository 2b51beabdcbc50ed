// Package router implements the priority-queued inter-agent message router:
// pub/sub subscriptions for broadcast traffic plus direct delivery into live
// worker sessions, with bounded per-agent history and periodic snapshots.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/pqueue"
	"github.com/droverhq/drover/pkg/models"
)

// ErrValidation indicates a malformed message.
var ErrValidation = errors.New("invalid message")

// SubscribeAll is the wildcard subscription type matching every message type.
const SubscribeAll models.MessageType = "all"

// Deliverer sends content into an agent's live session. The orchestrator
// satisfies this interface.
type Deliverer interface {
	SendMessage(ctx context.Context, agentID, content string) (string, error)
}

// Router owns inter-agent messages from enqueue to delivery. Direct
// messages prefer in-session delivery and fall back to an in-memory
// delivered event when the session path fails; broadcasts fan out to every
// matching subscriber except the sender.
type Router struct {
	cfg       config.RouterConfig
	deliverer Deliverer
	bus       *events.Bus
	logger    *zap.Logger
	storePath string

	queue *pqueue.Queue[*models.AgentMessage]
	busy  atomic.Bool

	mu      sync.Mutex
	subs    map[string]map[models.MessageType]bool
	history map[string][]*models.AgentMessage
}

// New creates a Router, reloading any history snapshot at storePath.
func New(cfg config.RouterConfig, deliverer Deliverer, bus *events.Bus, storePath string, logger *zap.Logger) (*Router, error) {
	if cfg.DeliveryInterval <= 0 {
		cfg.DeliveryInterval = 100 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		cfg:       cfg,
		deliverer: deliverer,
		bus:       bus,
		logger:    logger.Named("router"),
		storePath: storePath,
		queue:     pqueue.New[*models.AgentMessage](),
		subs:      make(map[string]map[models.MessageType]bool),
		history:   make(map[string][]*models.AgentMessage),
	}

	if err := r.loadSnapshot(); err != nil {
		return nil, err
	}
	return r, nil
}

// Send accepts a message for delivery: fills in id, timestamp, and a MEDIUM
// default priority, enqueues it, and appends it to the sender's and (for
// direct traffic) the recipient's history.
func (r *Router) Send(msg *models.AgentMessage) (*models.AgentMessage, error) {
	if msg == nil || msg.From == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if msg.To == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if msg.Type == "" {
		msg = msg.Clone()
		if msg.To == models.BroadcastTarget {
			msg.Type = models.MessageTypeBroadcast
		} else {
			msg.Type = models.MessageTypeDirect
		}
	} else if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrValidation, msg.Type)
	} else {
		msg = msg.Clone()
	}
	if msg.Priority == "" {
		msg.Priority = models.PriorityMedium
	} else if !msg.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, msg.Priority)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	r.queue.Push(msg.ID, msg.Priority, msg)

	r.mu.Lock()
	r.appendHistoryLocked(msg.From, msg)
	if msg.To != models.BroadcastTarget {
		r.appendHistoryLocked(msg.To, msg)
	}
	r.mu.Unlock()

	r.logger.Debug("message accepted", zap.String("id", msg.ID),
		zap.String("from", msg.From), zap.String("to", msg.To),
		zap.String("priority", string(msg.Priority)))

	return msg.Clone(), nil
}

// Broadcast accepts a message addressed to every subscriber.
func (r *Router) Broadcast(msg *models.AgentMessage) (*models.AgentMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message is required", ErrValidation)
	}
	msg = msg.Clone()
	msg.To = models.BroadcastTarget
	if msg.Type == "" {
		msg.Type = models.MessageTypeBroadcast
	}
	return r.Send(msg)
}

// Subscribe registers the agent for broadcasts of the given type.
// SubscribeAll matches every type.
func (r *Router) Subscribe(agentID string, msgType models.MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[agentID] == nil {
		r.subs[agentID] = make(map[models.MessageType]bool)
	}
	r.subs[agentID][msgType] = true
}

// Unsubscribe removes the given subscription types, or every subscription
// for the agent when no type is named.
func (r *Router) Unsubscribe(agentID string, msgTypes ...models.MessageType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(msgTypes) == 0 {
		delete(r.subs, agentID)
		return
	}
	for _, t := range msgTypes {
		delete(r.subs[agentID], t)
	}
	if len(r.subs[agentID]) == 0 {
		delete(r.subs, agentID)
	}
}

// Subscribers returns the agents whose subscriptions match the message
// type, excluding the sender.
func (r *Router) Subscribers(msgType models.MessageType, exclude string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for agentID, types := range r.subs {
		if agentID == exclude {
			continue
		}
		if types[msgType] || types[SubscribeAll] {
			out = append(out, agentID)
		}
	}
	return out
}

// History returns the most recent limit messages for the agent, oldest
// first. limit <= 0 returns everything retained.
func (r *Router) History(agentID string, limit int) []*models.AgentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.history[agentID]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]*models.AgentMessage, len(h))
	for i, m := range h {
		out[i] = m.Clone()
	}
	return out
}

// Pending returns the number of undelivered messages.
func (r *Router) Pending() int {
	return r.queue.Len()
}

// Run drives the delivery loop and the periodic history snapshot until the
// context is cancelled. A delivery pass still running when the next tick
// fires causes that tick to be skipped.
func (r *Router) Run(ctx context.Context) {
	deliver := time.NewTicker(r.cfg.DeliveryInterval)
	defer deliver.Stop()
	snapshot := time.NewTicker(r.cfg.SnapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.WriteSnapshot(); err != nil {
				r.logger.Warn("final history snapshot failed", zap.Error(err))
			}
			return
		case <-deliver.C:
			if !r.busy.CompareAndSwap(false, true) {
				continue
			}
			r.DeliverBatch(ctx)
			r.busy.Store(false)
		case <-snapshot.C:
			if err := r.WriteSnapshot(); err != nil {
				r.logger.Warn("history snapshot failed", zap.Error(err))
			}
		}
	}
}

// DeliverBatch dequeues up to the configured batch size in priority order
// and delivers each message. Delivery errors are logged, never fatal.
func (r *Router) DeliverBatch(ctx context.Context) {
	for i := 0; i < r.cfg.BatchSize; i++ {
		msg, ok := r.queue.Pop()
		if !ok {
			return
		}
		if msg.To == models.BroadcastTarget {
			r.fanOut(ctx, msg)
		} else {
			r.deliverDirect(ctx, msg)
		}
	}
}

// deliverDirect hands the message to the orchestrator's live session; if
// that path fails the message still counts as delivered in memory, where
// history already retains it.
func (r *Router) deliverDirect(ctx context.Context, msg *models.AgentMessage) {
	detail := "session"
	if r.deliverer == nil {
		detail = "in-memory"
	} else if _, err := r.deliverer.SendMessage(ctx, msg.To, formatForSession(msg)); err != nil {
		r.logger.Debug("session delivery failed, falling back to in-memory",
			zap.String("id", msg.ID), zap.String("to", msg.To), zap.Error(err))
		detail = "in-memory"
	}

	r.bus.Emit(events.Event{
		Type:      events.MessageDelivered,
		AgentID:   msg.To,
		MessageID: msg.ID,
		Detail:    detail,
	})
}

// fanOut delivers a broadcast to every matching subscriber except the
// sender, each receiving an addressed copy retained in its history.
func (r *Router) fanOut(ctx context.Context, msg *models.AgentMessage) {
	recipients := r.Subscribers(msg.Type, msg.From)

	for _, agentID := range recipients {
		addressed := msg.Clone()
		addressed.To = agentID

		r.mu.Lock()
		r.appendHistoryLocked(agentID, addressed)
		r.mu.Unlock()

		r.deliverDirect(ctx, addressed)
	}

	r.logger.Debug("broadcast fanned out", zap.String("id", msg.ID),
		zap.String("from", msg.From), zap.Int("recipients", len(recipients)))
}

// formatForSession renders a message as the text block sent into a session.
func formatForSession(msg *models.AgentMessage) string {
	header := fmt.Sprintf("[%s message from %s]", msg.Type, msg.From)
	if msg.RequiresApproval {
		header += " (requires approval)"
	}
	return header + " " + msg.Content
}

// appendHistoryLocked appends to an agent's bounded history, evicting the
// oldest entry past the cap. Caller holds r.mu.
func (r *Router) appendHistoryLocked(agentID string, msg *models.AgentMessage) {
	h := append(r.history[agentID], msg.Clone())
	if len(h) > r.cfg.HistoryLimit {
		h = h[len(h)-r.cfg.HistoryLimit:]
	}
	r.history[agentID] = h
}
