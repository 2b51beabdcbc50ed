package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/droverhq/drover/pkg/models"
)

// ErrExists indicates a live session already exists for the agent.
var ErrExists = errors.New("session already exists")

// Meta is the persisted bookkeeping for one agent's session. It outlives
// the live session so dashboards can show history for stopped agents.
type Meta struct {
	SessionID      string               `json:"sessionId"`
	Status         models.SessionStatus `json:"status"`
	StartTime      time.Time            `json:"startTime"`
	LastActivity   time.Time            `json:"lastActivity"`
	MessageCount   int                  `json:"messageCount"`
	TranscriptPath string               `json:"transcriptPath"`
}

// TranscriptDeleter removes a session's durable transcript entries.
// state.DB satisfies this interface.
type TranscriptDeleter interface {
	DeleteTranscript(sessionID string) error
}

// Registry creates, tracks, and tears down worker sessions, and persists
// session metadata as one JSON document rewritten wholesale on every
// change. At startup the document is reloaded so bookkeeping survives a
// supervisor restart; dead sessions are not revived, only marked stopped.
type Registry struct {
	storePath string
	opts      Options
	logger    *zap.Logger

	mu   sync.Mutex
	live map[string]*Session
	meta map[string]*Meta
}

// NewRegistry creates a Registry persisting to storePath and loads any
// existing metadata document.
func NewRegistry(storePath string, opts Options, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		storePath: storePath,
		opts:      opts,
		logger:    logger.Named("sessions"),
		live:      make(map[string]*Session),
		meta:      make(map[string]*Meta),
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// load reads the metadata document. Previously-live sessions are marked
// stopped: the processes did not survive the supervisor.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session store: %w", err)
	}

	if err := json.Unmarshal(data, &r.meta); err != nil {
		return fmt.Errorf("parse session store: %w", err)
	}

	changed := false
	for id, m := range r.meta {
		if m.Status != models.SessionStopped {
			m.Status = models.SessionStopped
			changed = true
			r.logger.Info("marked stale session stopped", zap.String("agent", id))
		}
	}
	if changed {
		return r.persistLocked()
	}
	return nil
}

// Create launches a session for the agent. Fails with ErrExists if one is
// already live.
func (r *Registry) Create(agentID string, cfg *models.AgentConfig, onExit func(agentID string)) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.live[agentID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrExists)
	}
	r.mu.Unlock()

	opts := r.opts
	opts.Logger = r.logger
	opts.OnExit = func(id string) {
		r.syncMeta(id)
		if onExit != nil {
			onExit(id)
		}
	}

	s, err := Launch(agentID, cfg, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.live[agentID] = s
	r.meta[agentID] = &Meta{
		SessionID:      s.ID(),
		Status:         s.Status(),
		StartTime:      s.StartTime(),
		LastActivity:   s.LastActivity(),
		MessageCount:   0,
		TranscriptPath: s.TranscriptPath(),
	}
	err = r.persistLocked()
	r.mu.Unlock()

	if err != nil {
		// Metadata write failed on the critical path: tear the session
		// back down rather than leave untracked state.
		_ = s.Stop(context.Background())
		r.mu.Lock()
		delete(r.live, agentID)
		delete(r.meta, agentID)
		r.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Get returns the live session for an agent.
func (r *Registry) Get(agentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[agentID]
	return s, ok
}

// Remove stops the agent's live session and records it as stopped. The
// metadata entry is retained; only the cleanup sweep deletes it.
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	r.mu.Lock()
	s, ok := r.live[agentID]
	delete(r.live, agentID)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if err := s.Stop(ctx); err != nil {
		return fmt.Errorf("stop session for %s: %w", agentID, err)
	}
	r.syncMeta(agentID)
	return nil
}

// syncMeta refreshes an agent's metadata from its session and rewrites the
// document. Called after sends, exits, and removals.
func (r *Registry) syncMeta(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.meta[agentID]
	if !ok {
		return
	}

	if s, live := r.live[agentID]; live && s.ID() == m.SessionID {
		m.Status = s.Status()
		m.LastActivity = s.LastActivity()
		m.MessageCount = s.MessageCount()
	} else {
		m.Status = models.SessionStopped
	}

	if err := r.persistLocked(); err != nil {
		// Non-critical path: log and let the next change retry.
		r.logger.Warn("session store write failed", zap.Error(err))
	}
}

// Sync refreshes and persists an agent's metadata. Exposed for the
// orchestrator to call after message exchanges.
func (r *Registry) Sync(agentID string) {
	r.syncMeta(agentID)
}

// Meta returns a copy of the agent's session metadata.
func (r *Registry) Meta(agentID string) (Meta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meta[agentID]
	if !ok {
		return Meta{}, false
	}
	return *m, true
}

// AllMeta returns a copy of all session metadata keyed by agent ID.
func (r *Registry) AllMeta() map[string]Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Meta, len(r.meta))
	for id, m := range r.meta {
		out[id] = *m
	}
	return out
}

// Cleanup deletes metadata, transcript files, and durable transcript rows
// for sessions whose last activity is older than maxAge and that have no
// live session. Returns the number of sessions removed.
func (r *Registry) Cleanup(maxAge time.Duration, deleter TranscriptDeleter) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var victims []string
	for id, m := range r.meta {
		if _, live := r.live[id]; live {
			continue
		}
		if m.LastActivity.Before(cutoff) {
			victims = append(victims, id)
		}
	}

	removed := 0
	for _, id := range victims {
		m := r.meta[id]
		if m.TranscriptPath != "" {
			if err := os.Remove(m.TranscriptPath); err != nil && !os.IsNotExist(err) {
				r.logger.Warn("transcript file removal failed",
					zap.String("agent", id), zap.Error(err))
				continue
			}
		}
		if deleter != nil {
			if err := deleter.DeleteTranscript(m.SessionID); err != nil {
				r.logger.Warn("transcript row removal failed",
					zap.String("agent", id), zap.Error(err))
			}
		}
		delete(r.meta, id)
		removed++
		r.logger.Info("cleaned up stale session", zap.String("agent", id))
	}

	var persistErr error
	if removed > 0 {
		persistErr = r.persistLocked()
	}
	r.mu.Unlock()

	if persistErr != nil {
		r.logger.Warn("session store write failed after cleanup", zap.Error(persistErr))
	}
	return removed
}

// persistLocked rewrites the metadata document. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.storePath), 0755); err != nil {
		return fmt.Errorf("create session store dir: %w", err)
	}

	data, err := json.MarshalIndent(r.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}

	tmp := r.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write session store: %w", err)
	}
	if err := os.Rename(tmp, r.storePath); err != nil {
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}
