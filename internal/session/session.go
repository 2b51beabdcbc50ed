// Package session wraps one external AI CLI process per agent: launching it,
// exchanging line-oriented messages over its pipes, recording the
// conversation transcript, and stopping it gracefully. The process's
// stdin/stdout/stderr are owned exclusively by its Session; no other
// component touches them.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droverhq/drover/pkg/models"
)

var (
	// ErrNotReady indicates the session is busy or not yet started.
	// A session accepts at most one in-flight message at a time.
	ErrNotReady = errors.New("session not ready")
	// ErrTimeout indicates no response arrived within the send timeout.
	// The external process is left running; only kill/restart terminates it.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrStopped indicates the external process has exited.
	ErrStopped = errors.New("session stopped")
)

// TranscriptSink persists transcript entries to durable storage.
// state.DB satisfies this interface.
type TranscriptSink interface {
	AppendTranscript(sessionID string, e models.TranscriptEntry) error
}

// Options configures a Session.
type Options struct {
	// Command is the CLI binary to launch.
	Command string
	// Args are prepended to the launch arguments. Mostly used by tests to
	// substitute a scripted stand-in for the real CLI.
	Args []string
	// SendTimeout bounds how long Send waits for a response.
	SendTimeout time.Duration
	// StopGrace is the window between SIGTERM and SIGKILL.
	StopGrace time.Duration
	// TranscriptDir is where the transcript file is written.
	TranscriptDir string
	// Sink, if set, receives every transcript entry as it is recorded.
	Sink TranscriptSink
	// OnExit is called when the process exits without an explicit Stop.
	OnExit func(agentID string)
	// Logger is required.
	Logger *zap.Logger
}

// Session owns one external worker process and its conversation transcript.
type Session struct {
	id             string
	agentID        string
	startTime      time.Time
	transcriptPath string
	opts           Options
	logger         *zap.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	mu           sync.Mutex
	status       models.SessionStatus
	lastActivity time.Time
	messageCount int
	stopping     bool
	pending      chan string
	discard      int
	transcript   *os.File
}

// Launch starts the external process for an agent, binding its instructions
// and model at launch time. On any failure all partial state is released.
func Launch(agentID string, cfg *models.AgentConfig, opts Options) (*Session, error) {
	if opts.Command == "" && len(opts.Args) == 0 {
		return nil, fmt.Errorf("launch session for %s: no command configured", agentID)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Session{
		id:        uuid.New().String(),
		agentID:   agentID,
		startTime: time.Now(),
		status:    models.SessionStarting,
		opts:      opts,
		done:      make(chan struct{}),
	}
	s.lastActivity = s.startTime
	s.logger = opts.Logger.With(zap.String("agent", agentID), zap.String("session", s.id))

	if opts.TranscriptDir != "" {
		if err := os.MkdirAll(opts.TranscriptDir, 0755); err != nil {
			return nil, fmt.Errorf("create transcript dir: %w", err)
		}
		s.transcriptPath = filepath.Join(opts.TranscriptDir, s.id+".log")
		f, err := os.OpenFile(s.transcriptPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open transcript file: %w", err)
		}
		s.transcript = f
	}

	args := append([]string(nil), opts.Args...)
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.Instructions != "" {
		args = append(args, "--system-prompt", cfg.Instructions)
	}

	s.cmd = exec.Command(opts.Command, args...)

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		s.closeTranscript()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	s.stdin = stdin

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		s.closeTranscript()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		s.closeTranscript()
		return nil, fmt.Errorf("start %s: %w", opts.Command, err)
	}

	s.mu.Lock()
	s.status = models.SessionReady
	s.mu.Unlock()

	go s.readLoop(stdout)
	go s.waitLoop()

	s.logger.Info("session started", zap.Int("pid", s.cmd.Process.Pid))
	return s, nil
}

// readLoop pumps stdout lines to the pending responder, discarding
// unsolicited output. Replies owed to abandoned requests are eaten first
// so they never answer a later Send.
func (s *Session) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		s.mu.Lock()
		if s.discard > 0 {
			s.discard--
			s.mu.Unlock()
			s.logger.Debug("stale response discarded", zap.String("line", line))
			continue
		}
		pending := s.pending
		s.pending = nil
		s.mu.Unlock()

		if pending != nil {
			pending <- line
		} else {
			s.logger.Debug("unsolicited output discarded", zap.String("line", line))
		}
	}
}

// waitLoop reaps the process and flags unexpected exits as crashes.
func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	close(s.done)

	s.mu.Lock()
	wasStopping := s.stopping
	s.status = models.SessionStopped
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		close(pending)
	}

	if !wasStopping {
		s.logger.Warn("session process exited unexpectedly", zap.Error(err))
		if s.opts.OnExit != nil {
			s.opts.OnExit(s.agentID)
		}
	}
}

// Send writes content into the session and waits for the next response
// line. Exactly one message may be in flight: a concurrent Send fails fast
// with ErrNotReady. A timeout returns the session to ready and leaves the
// external process running.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	if s.status != models.SessionReady {
		status := s.status
		s.mu.Unlock()
		if status == models.SessionStopped {
			return "", fmt.Errorf("agent %s: %w", s.agentID, ErrStopped)
		}
		return "", fmt.Errorf("agent %s session is %s: %w", s.agentID, status, ErrNotReady)
	}
	s.status = models.SessionBusy
	s.lastActivity = time.Now()
	resp := make(chan string, 1)
	s.pending = resp
	s.mu.Unlock()

	s.record(models.RoleRequester, content)

	if _, err := io.WriteString(s.stdin, strings.ReplaceAll(content, "\n", " ")+"\n"); err != nil {
		s.mu.Lock()
		s.status = models.SessionError
		s.pending = nil
		s.mu.Unlock()
		return "", fmt.Errorf("write to agent %s: %w", s.agentID, err)
	}

	timeout := s.opts.SendTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case line, ok := <-resp:
		if !ok {
			return "", fmt.Errorf("agent %s: %w", s.agentID, ErrStopped)
		}
		s.record(models.RoleWorker, line)
		s.mu.Lock()
		s.status = models.SessionReady
		s.lastActivity = time.Now()
		s.messageCount++
		s.mu.Unlock()
		return line, nil

	case <-timer.C:
		s.clearPending()
		return "", fmt.Errorf("agent %s after %s: %w", s.agentID, timeout, ErrTimeout)

	case <-ctx.Done():
		s.clearPending()
		return "", ctx.Err()
	}
}

// clearPending abandons the in-flight request and returns the session to
// ready. The worker answers one line per request line, so the read loop is
// told to eat the reply the abandoned request still owes.
func (s *Session) clearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending = nil
		s.discard++
	}
	if s.status == models.SessionBusy {
		s.status = models.SessionReady
	}
}

// record appends one transcript entry to the file and the durable sink.
func (s *Session) record(role models.TranscriptRole, content string) {
	e := models.TranscriptEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Role:      role,
		Content:   content,
	}

	s.mu.Lock()
	f := s.transcript
	if f != nil {
		fmt.Fprintf(f, "[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Role, e.Content)
	}
	s.mu.Unlock()

	if s.opts.Sink != nil {
		if err := s.opts.Sink.AppendTranscript(s.id, e); err != nil {
			s.logger.Warn("transcript persist failed", zap.Error(err))
		}
	}
}

// Stop terminates the external process: SIGTERM, then SIGKILL after the
// grace window. Safe to call more than once.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping || s.status == models.SessionStopped {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may already be gone.
		s.logger.Debug("sigterm failed", zap.Error(err))
	}

	grace := s.opts.StopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	select {
	case <-s.done:
	case <-time.After(grace):
		s.logger.Warn("grace period expired, killing process")
		_ = s.cmd.Process.Kill()
		<-s.done
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-s.done
	}

	s.closeTranscript()
	return nil
}

func (s *Session) closeTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcript != nil {
		s.transcript.Close()
		s.transcript = nil
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// AgentID returns the owning agent's ID.
func (s *Session) AgentID() string { return s.agentID }

// StartTime returns when the process was launched.
func (s *Session) StartTime() time.Time { return s.startTime }

// TranscriptPath returns the transcript file location, empty if disabled.
func (s *Session) TranscriptPath() string { return s.transcriptPath }

// PID returns the OS process ID, 0 if unavailable.
func (s *Session) PID() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Status returns the session's self-reported status.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the time of the last send or response.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MessageCount returns the number of completed exchanges.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}
