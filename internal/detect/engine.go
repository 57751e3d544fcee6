// Package detect infers agent activity for a terminal session without any
// programmatic hook into the agent process. It watches two noisy signals:
// the OS process table (is an agent binary alive under the session?) and
// the session's recent output (does it look like a prompt awaiting an
// answer?).
package detect

import (
	"log/slog"
	"sync"

	"github.com/tchow/ptydeck/internal/logging"
	"github.com/tchow/ptydeck/internal/marker"
	"github.com/tchow/ptydeck/internal/procscan"
)

var detectLog = logging.ForComponent(logging.CompDetect)

// Phase is the per-session detection state. Running and Waiting are
// mutually exclusive by construction: a session holds exactly one Phase.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseWaiting Phase = "waiting"
)

// BufferCap bounds the rolling output buffer used for prompt detection.
const BufferCap = 4 * 1024

// Engine owns the shared pieces of activity detection: the snapshot cache,
// the marker store, and the compiled rule set. One engine serves all
// sessions in a process.
type Engine struct {
	cache *procscan.Cache
	store *marker.Store
	rules *Rules
}

// NewEngine constructs an engine. store may be nil, in which case phase
// transitions are tracked but never published as markers.
func NewEngine(cache *procscan.Cache, store *marker.Store, rules *Rules) *Engine {
	if rules == nil {
		rules = NewRules(RuleOverrides{})
	}
	return &Engine{cache: cache, store: store, rules: rules}
}

// Track creates a tracker for one session. rootPID is the session's shell
// process; workspaceID may be empty for sessions outside any workspace.
func (e *Engine) Track(sessionID, workspaceID string, rootPID int) *Tracker {
	return &Tracker{
		engine:      e,
		sessionID:   sessionID,
		workspaceID: workspaceID,
		rootPID:     rootPID,
		phase:       PhaseIdle,
	}
}

// Tracker runs the per-session state machine:
//
//	Idle -> Running    line submit with a matching agent process
//	Running -> Waiting output satisfies the prompt rule conjunction
//	Waiting -> Running line submit, agent process still present
//	Waiting -> Idle    line submit, agent process gone
type Tracker struct {
	engine      *Engine
	sessionID   string
	workspaceID string
	rootPID     int

	mu    sync.Mutex
	phase Phase
	buf   []byte
}

// Phase returns the current detection phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// NoteSubmit handles a line-submission character written to the session.
// It resolves the new phase from the process snapshot and publishes the
// matching marker state.
func (t *Tracker) NoteSubmit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Any submit answers a pending prompt and restarts prompt detection.
	t.buf = t.buf[:0]

	next := PhaseIdle
	if t.agentAlive() {
		next = PhaseRunning
	}
	t.setPhaseLocked(next)
}

// NoteOutput appends an output chunk to the rolling buffer and, while
// Running, tests it against the prompt rules. The buffer holds raw bytes
// and is ANSI-stripped as a whole at match time, so an escape sequence
// torn across two pty reads reassembles instead of leaking tail bytes.
func (t *Tracker) NoteOutput(chunk []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != PhaseRunning {
		return
	}

	t.buf = append(t.buf, chunk...)
	if overflow := len(t.buf) - BufferCap; overflow > 0 {
		t.buf = t.buf[overflow:]
	}

	if t.engine.rules.IsWaitingPrompt(StripANSI(string(t.buf))) {
		t.buf = t.buf[:0]
		t.setPhaseLocked(PhaseWaiting)
	}
}

// Close clears markers when the session is destroyed or its process exits.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = nil
	t.setPhaseLocked(PhaseIdle)
}

// agentAlive reports whether an agent binary is currently attributable to
// this session. With a parent-linked snapshot only descendants of the
// session root are considered. With a flat snapshot the whole table is
// matched instead: without parent links any agent anywhere counts.
func (t *Tracker) agentAlive() bool {
	snap := t.engine.cache.Get()
	if snap.Source == procscan.SourceUnavailable {
		return false
	}
	if snap.ByPID(t.rootPID) == nil {
		return false
	}

	var candidates []procscan.Entry
	if snap.Source == procscan.SourceParentLinked {
		candidates = snap.Descendants(t.rootPID)
	} else {
		candidates = snap.Entries
	}

	for _, e := range candidates {
		if t.engine.rules.MatchesAgent(e.Name, e.Command) {
			return true
		}
	}
	return false
}

// setPhaseLocked applies a phase change and mirrors it into the marker
// store. Caller holds t.mu.
func (t *Tracker) setPhaseLocked(next Phase) {
	if next == t.phase {
		// Re-assert the marker anyway; touch is idempotent and this heals
		// markers an external cleaner may have removed.
		t.publishLocked(next)
		return
	}

	detectLog.Debug("phase_transition",
		slog.String("session", t.sessionID),
		slog.String("from", string(t.phase)),
		slog.String("to", string(next)),
	)
	t.phase = next
	t.publishLocked(next)
}

func (t *Tracker) publishLocked(phase Phase) {
	if t.engine.store == nil || t.workspaceID == "" {
		return
	}
	switch phase {
	case PhaseRunning:
		t.engine.store.SetActivity(t.workspaceID, t.rootPID, marker.KindRunning)
	case PhaseWaiting:
		t.engine.store.SetActivity(t.workspaceID, t.rootPID, marker.KindWaiting)
	default:
		t.engine.store.ClearActivity(t.workspaceID, t.rootPID)
	}
}
