// Package term owns the spawn/write/resize/destroy/reattach/list lifecycle
// of pseudo-terminal sessions. Output is batched per session on a short
// fixed cadence so bursty producers (build logs, streaming agent output)
// do not flood the consumer channel with tiny messages.
package term

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/tchow/ptydeck/internal/detect"
	"github.com/tchow/ptydeck/internal/logging"
)

var termLog = logging.ForComponent(logging.CompTerm)
var batchLog = logging.ForComponent(logging.CompBatch)

// ErrSpawnFailed wraps OS process start failures from Create. It is the
// only error surfaced by the registry; unknown-id operations are silent
// no-ops because races with async teardown are expected.
var ErrSpawnFailed = errors.New("session spawn failed")

// Environment variables injected into every spawned session.
const (
	EnvWorkspaceID    = "PTYDECK_WORKSPACE_ID"
	EnvPermissionMode = "PTYDECK_PERMISSION_MODE"
)

const (
	// DefaultFlushInterval is the output batch cadence.
	DefaultFlushInterval = 8 * time.Millisecond
	// DefaultBootstrapFallback is how long the bootstrap injector waits for
	// first output before writing the initial command anyway.
	DefaultBootstrapFallback = 750 * time.Millisecond

	defaultCols = 80
	defaultRows = 24
)

// Recorder receives best-effort lifecycle events (journal integration).
type Recorder interface {
	Record(event, sessionID, detail string)
}

// ExitFunc observes session exit. Observers run after the session has been
// removed from the registry; a panicking observer does not stop the rest.
type ExitFunc func(sessionID string)

// Options configures a Manager.
type Options struct {
	FlushInterval     time.Duration
	BootstrapFallback time.Duration
	Recorder          Recorder // optional
}

// Manager is the PTY session registry. Construct one per host process and
// pass it by reference; it is not a package-level singleton.
type Manager struct {
	opts   Options
	engine *detect.Engine

	mu       sync.RWMutex
	sessions map[string]*Session

	exitMu    sync.Mutex
	exitFuncs []ExitFunc
}

// NewManager creates a registry. engine may be nil to disable activity
// detection (used by some tests).
func NewManager(engine *detect.Engine, opts Options) *Manager {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.BootstrapFallback <= 0 {
		opts.BootstrapFallback = DefaultBootstrapFallback
	}
	return &Manager{
		opts:     opts,
		engine:   engine,
		sessions: make(map[string]*Session),
	}
}

// CreateOptions describes a session to spawn. Command, when set, takes
// precedence over Shell+Args. Env entries override the inherited
// environment.
type CreateOptions struct {
	Cwd            string
	Sink           Sink
	Shell          string
	Args           []string
	Command        string
	InitialText    string
	Env            map[string]string
	WorkspaceID    string
	PermissionMode string
	Cols           uint16
	Rows           uint16
}

// Create spawns a process on a new pty and registers the session. On spawn
// failure the registry is unaffected and the error wraps ErrSpawnFailed.
func (m *Manager) Create(opts CreateOptions) (string, error) {
	cmd := buildCommand(opts)
	cmd.Dir = opts.Cwd
	cmd.Env = buildEnv(opts)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s := &Session{
		ID:             uuid.NewString(),
		WorkspaceID:    opts.WorkspaceID,
		PermissionMode: opts.PermissionMode,
		cmd:            cmd,
		ptmx:           ptmx,
		sink:           opts.Sink,
		cols:           cols,
		rows:           rows,
		bootstrapText:  opts.InitialText,
		done:           make(chan struct{}),
		readDone:       make(chan struct{}),
		flushDone:      make(chan struct{}),
	}
	if m.engine != nil {
		s.tracker = m.engine.Track(s.ID, opts.WorkspaceID, cmd.Process.Pid)
	}
	s.armBootstrap(m.opts.BootstrapFallback)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go m.readLoop(s)
	go m.flushLoop(s)
	go m.waitForExit(s)

	termLog.Info("session_created",
		slog.String("session", s.ID),
		slog.String("workspace", opts.WorkspaceID),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("cwd", opts.Cwd),
	)
	m.record("created", s.ID, opts.Cwd)
	return s.ID, nil
}

// Write forwards input bytes to the session's process. Unknown ids are a
// silent no-op. Data containing a line-submission character additionally
// feeds the activity heuristic.
func (m *Manager) Write(sessionID string, data []byte) {
	s := m.get(sessionID)
	if s == nil {
		return
	}
	if _, err := s.ptmx.Write(data); err != nil {
		termLog.Debug("session_write_failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.tracker != nil && hasLineSubmit(data) {
		s.tracker.NoteSubmit()
	}
}

// Resize records the new terminal size and applies it. No-op on unknown id.
func (m *Manager) Resize(sessionID string, cols, rows uint16) {
	s := m.get(sessionID)
	if s == nil {
		return
	}
	if err := s.setSize(cols, rows); err != nil {
		termLog.Debug("session_resize_failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
	}
}

// Reattach swaps the session's output sink and nudges the size so the
// process redraws for the new consumer. Returns false for unknown ids.
func (m *Manager) Reattach(sessionID string, sink Sink) bool {
	s := m.get(sessionID)
	if s == nil {
		return false
	}
	s.swapSink(sink)
	s.nudgeSize()
	termLog.Info("session_reattached", slog.String("session", sessionID))
	return true
}

// Destroy kills the session's process (best effort), clears its activity
// markers, and removes it from the registry. Safe to call for unknown ids
// and from within an exit observer.
func (m *Manager) Destroy(sessionID string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.teardown(s, "destroyed")
}

// List returns the ids of live sessions, sorted for stable output.
func (m *Manager) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Get returns a session's metadata snapshot, or ok=false.
func (m *Manager) Get(sessionID string) (SessionInfo, bool) {
	s := m.get(sessionID)
	if s == nil {
		return SessionInfo{}, false
	}
	s.mu.Lock()
	info := SessionInfo{
		ID:             s.ID,
		WorkspaceID:    s.WorkspaceID,
		PermissionMode: s.PermissionMode,
		Cols:           s.cols,
		Rows:           s.rows,
		PID:            s.cmd.Process.Pid,
	}
	s.mu.Unlock()
	if s.tracker != nil {
		info.Phase = string(s.tracker.Phase())
	}
	return info, true
}

// SessionInfo is the externally visible view of a session.
type SessionInfo struct {
	ID             string `json:"id"`
	WorkspaceID    string `json:"workspace_id,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Cols           uint16 `json:"cols"`
	Rows           uint16 `json:"rows"`
	PID            int    `json:"pid"`
	Phase          string `json:"phase,omitempty"`
}

// OnExit registers an exit observer. Multiple observers are supported.
func (m *Manager) OnExit(fn ExitFunc) {
	m.exitMu.Lock()
	m.exitFuncs = append(m.exitFuncs, fn)
	m.exitMu.Unlock()
}

// Shutdown destroys all sessions.
func (m *Manager) Shutdown() {
	for _, id := range m.List() {
		m.Destroy(id)
	}
}

func (m *Manager) get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// readLoop pumps pty output into the batch accumulator and side-feeds the
// prompt heuristic. First output also triggers the bootstrap injector.
func (m *Manager) readLoop(s *Session) {
	defer close(s.readDone)

	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.enqueue(chunk)
			s.fireBootstrap()
			if s.tracker != nil {
				s.tracker.NoteOutput(chunk)
			}
		}
		if err != nil {
			// EOF or EIO when the process side closes; either way the
			// session is over. waitForExit handles cleanup.
			return
		}
	}
}

// flushLoop drains the accumulator on the batch cadence until the session
// finishes, then performs the final flush.
func (m *Manager) flushLoop(s *Session) {
	defer close(s.flushDone)

	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.done:
			s.flush()
			batchLog.Debug("session_flush_final", slog.String("session", s.ID))
			return
		}
	}
}

// waitForExit reaps the process and runs the exit path: registry removal,
// reader drain, final flush, marker cleanup, observers.
func (m *Manager) waitForExit(s *Session) {
	err := s.cmd.Wait()

	m.mu.Lock()
	_, stillRegistered := m.sessions[s.ID]
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	if !stillRegistered {
		// Destroy already ran the teardown.
		return
	}

	// Drain the pty before finalizing: output written just before exit is
	// still in flight through readLoop, and the final flush must include it.
	<-s.readDone

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	termLog.Info("session_exited",
		slog.String("session", s.ID),
		slog.String("error", detail),
	)
	m.finalize(s)
	m.record("exited", s.ID, detail)
	m.notifyExit(s.ID)
}

// teardown is the Destroy path: kill, then the shared finalize steps.
func (m *Manager) teardown(s *Session, reason string) {
	if s.cmd.Process != nil {
		// Kill the whole process group; the session leads its own group.
		if pgid, err := syscall.Getpgid(s.cmd.Process.Pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = s.cmd.Process.Kill()
		}
	}
	m.finalize(s)
	termLog.Info("session_destroyed", slog.String("session", s.ID))
	m.record(reason, s.ID, "")
}

// finalize runs the idempotent teardown tail shared by Destroy and process
// exit: stop the batcher, clear markers, close the pty, then wait for the
// batcher's final flush so callers observe a fully drained session.
func (m *Manager) finalize(s *Session) {
	s.closeOnce.Do(func() {
		if s.bootstrapTimer != nil {
			s.bootstrapTimer.Stop()
		}
		close(s.done)
		if s.tracker != nil {
			s.tracker.Close()
		}
		_ = s.ptmx.Close()
	})
	<-s.flushDone
}

// notifyExit runs exit observers outside the registry lock. Each observer
// is isolated: one panicking must not prevent the others from running.
func (m *Manager) notifyExit(sessionID string) {
	m.exitMu.Lock()
	fns := append([]ExitFunc(nil), m.exitFuncs...)
	m.exitMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					termLog.Error("exit_observer_panic",
						slog.String("session", sessionID),
						slog.Any("panic", r),
					)
				}
			}()
			fn(sessionID)
		}()
	}
}

func (m *Manager) record(event, sessionID, detail string) {
	if m.opts.Recorder != nil {
		m.opts.Recorder.Record(event, sessionID, detail)
	}
}

// buildCommand resolves the process to spawn: explicit command first, then
// shell override, then $SHELL, then /bin/bash.
func buildCommand(opts CreateOptions) *exec.Cmd {
	if opts.Command != "" {
		shell := opts.Shell
		if shell == "" {
			shell = defaultShell()
		}
		return exec.Command(shell, "-c", opts.Command)
	}
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell()
	}
	return exec.Command(shell, opts.Args...)
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// buildEnv merges override variables over the inherited environment and
// injects the workspace/permission variables the hook scripts read back.
func buildEnv(opts CreateOptions) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range opts.Env {
		merged[k] = v
	}
	if opts.WorkspaceID != "" {
		merged[EnvWorkspaceID] = opts.WorkspaceID
	}
	if opts.PermissionMode != "" {
		merged[EnvPermissionMode] = opts.PermissionMode
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func hasLineSubmit(data []byte) bool {
	for _, b := range data {
		if b == '\r' || b == '\n' {
			return true
		}
	}
	return false
}
