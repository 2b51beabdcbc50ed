package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/droverhq/drover/pkg/models"
)

const (
	docSuffix = "-tasks.md"

	// debounceDelay coalesces the event burst an editor save produces.
	debounceDelay = 200 * time.Millisecond
	// suppressWindow is how long after our own write we ignore events for
	// the same file. Keeps the watcher from re-reading what we just wrote.
	suppressWindow = 500 * time.Millisecond
)

// docSync owns the task document directory: it is the single writer of the
// documents and the watcher that folds external edits back in.
type docSync struct {
	dir    string
	logger *zap.Logger

	mu        sync.Mutex
	lastWrite map[string]time.Time
	gen       map[string]uint64
	timers    map[string]*time.Timer
}

func newDocSync(dir string, logger *zap.Logger) *docSync {
	return &docSync{
		dir:       dir,
		logger:    logger.Named("taskdoc"),
		lastWrite: make(map[string]time.Time),
		gen:       make(map[string]uint64),
		timers:    make(map[string]*time.Timer),
	}
}

func (d *docSync) path(agentID string) string {
	return filepath.Join(d.dir, agentID+docSuffix)
}

func agentFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, docSuffix) {
		return "", false
	}
	return strings.TrimSuffix(base, docSuffix), true
}

// write renders and atomically replaces one agent's document, bumping its
// generation counter and recording the write time for event suppression.
func (d *docSync) write(agentID string, tasks []*models.Task) error {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("create doc dir: %w", err)
	}

	d.mu.Lock()
	d.gen[agentID]++
	gen := d.gen[agentID]
	d.mu.Unlock()

	content := renderDoc(agentID, tasks, gen)
	path := d.path(agentID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write task document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace task document: %w", err)
	}

	d.mu.Lock()
	d.lastWrite[agentID] = time.Now()
	d.mu.Unlock()
	return nil
}

// watch reloads documents when something other than us writes them. Events
// are debounced per file; events inside the suppression window of our own
// write are dropped.
func (d *docSync) watch(ctx context.Context, onMerge func(agentID string, tasks []*models.Task)) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		d.logger.Error("create doc dir failed", zap.Error(err))
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("watcher init failed", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		d.logger.Error("watch doc dir failed", zap.String("dir", d.dir), zap.Error(err))
		return
	}
	d.logger.Info("watching task documents", zap.String("dir", d.dir))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			agentID, ok := agentFromPath(ev.Name)
			if !ok {
				continue
			}
			d.schedule(agentID, onMerge)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// schedule arms (or re-arms) the debounce timer for one agent's document.
func (d *docSync) schedule(agentID string, onMerge func(string, []*models.Task)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[agentID]; ok {
		t.Reset(debounceDelay)
		return
	}
	d.timers[agentID] = time.AfterFunc(debounceDelay, func() {
		d.mu.Lock()
		delete(d.timers, agentID)
		d.mu.Unlock()
		d.reload(agentID, onMerge)
	})
}

// reload parses one document and hands the records to the merge callback,
// unless the event traces back to our own write.
func (d *docSync) reload(agentID string, onMerge func(string, []*models.Task)) {
	d.mu.Lock()
	last := d.lastWrite[agentID]
	currentGen := d.gen[agentID]
	d.mu.Unlock()

	if time.Since(last) < suppressWindow {
		return
	}

	data, err := os.ReadFile(d.path(agentID))
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("task document read failed", zap.String("agent", agentID), zap.Error(err))
		}
		return
	}

	tasks, gen, err := parseDoc(string(data))
	if err != nil {
		d.logger.Warn("task document parse failed", zap.String("agent", agentID), zap.Error(err))
		return
	}
	if gen < currentGen {
		d.logger.Warn("external edit based on a stale document",
			zap.String("agent", agentID),
			zap.Uint64("edited", gen), zap.Uint64("current", currentGen))
	}

	d.logger.Info("task document edited externally",
		zap.String("agent", agentID), zap.Int("tasks", len(tasks)))
	onMerge(agentID, tasks)
}
