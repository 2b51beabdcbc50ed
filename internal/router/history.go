package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/droverhq/drover/pkg/models"
)

// History is snapshotted to one JSON document on a timer rather than on
// every message; a crash loses at most one snapshot interval of history.

// loadSnapshot repopulates history from the last snapshot, if one exists.
func (r *Router) loadSnapshot() error {
	if r.storePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read history store: %w", err)
	}

	loaded := make(map[string][]*models.AgentMessage)
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse history store: %w", err)
	}

	r.mu.Lock()
	for agentID, msgs := range loaded {
		if len(msgs) > r.cfg.HistoryLimit {
			msgs = msgs[len(msgs)-r.cfg.HistoryLimit:]
		}
		r.history[agentID] = msgs
	}
	r.mu.Unlock()
	return nil
}

// WriteSnapshot persists all history wholesale, atomically.
func (r *Router) WriteSnapshot() error {
	if r.storePath == "" {
		return nil
	}

	r.mu.Lock()
	data, err := json.MarshalIndent(r.history, "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.storePath), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	tmp := r.storePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write history store: %w", err)
	}
	if err := os.Rename(tmp, r.storePath); err != nil {
		return fmt.Errorf("replace history store: %w", err)
	}
	return nil
}
