package marker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tchow/ptydeck/internal/logging"
)

var watchLog = logging.ForComponent(logging.CompWatch)

// DefaultPollInterval bounds marker-state staleness. Transitions inside one
// interval coalesce into a single diff.
const DefaultPollInterval = 500 * time.Millisecond

// Snapshot is the watcher's last computed workspace activity state.
type Snapshot struct {
	RunningIDs []string // sorted
	WaitingIDs []string // sorted
	AgentCount int
}

// key joins the sorted active ids into a comparable form; two snapshots
// with equal keys produce no change notification.
func (s Snapshot) key() string {
	return strings.Join(s.RunningIDs, ",") + "|" + strings.Join(s.WaitingIDs, ",")
}

// Watcher polls the marker directories and emits one-shot and change
// events. It deliberately polls rather than using inotify: either side of
// the protocol may restart independently, and poll+diff recovers cleanly
// from any missed intermediate state.
type Watcher struct {
	store    *Store
	interval time.Duration

	// onNotify receives one workspace id per consumed notify marker, plus
	// synthetic completions for workspaces whose activity markers vanished.
	onNotify func(workspaceID string)
	// onChange receives the new snapshot when the active set changed.
	onChange func(Snapshot)

	prev   Snapshot
	primed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over store. Either callback may be nil.
func NewWatcher(store *Store, interval time.Duration, onNotify func(string), onChange func(Snapshot)) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:    store,
		interval: interval,
		onNotify: onNotify,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop. Must be called in a goroutine.
func (w *Watcher) Start() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Tick()
		}
	}
}

// Stop shuts down the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// Tick runs one poll step: consume notify markers, then diff activity
// state. Exported so tests can drive the watcher without real time.
func (w *Watcher) Tick() {
	w.consumeNotify()
	w.diffActivity()
}

// consumeNotify drains the one-shot notify namespace.
func (w *Watcher) consumeNotify() {
	entries, err := os.ReadDir(w.store.NotifyDir())
	if err != nil {
		// Directory not created yet, or transiently unreadable: no markers.
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		path := filepath.Join(w.store.NotifyDir(), entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			// Another consumer may have taken it; races are harmless.
			continue
		}
		// Delete before emitting so a crash mid-emit cannot replay forever.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			watchLog.Warn("notify_remove_failed",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}

		workspaceID := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
		if workspaceID == "" {
			continue
		}
		watchLog.Debug("notify_consumed", slog.String("workspace", workspaceID))
		w.emitNotify(workspaceID)
	}
}

// diffActivity recomputes workspace activity from the marker files and
// emits at most one change notification per tick.
func (w *Watcher) diffActivity() {
	current := w.scanActivity()

	if w.primed && current.key() == w.prev.key() {
		return
	}

	// Workspaces that left the active set get a synthetic one-shot notify:
	// not every external integration reliably emits an explicit done event,
	// so a vanished marker is the fallback completion signal.
	if w.primed {
		active := make(map[string]bool, len(current.RunningIDs)+len(current.WaitingIDs))
		for _, id := range current.RunningIDs {
			active[id] = true
		}
		for _, id := range current.WaitingIDs {
			active[id] = true
		}
		for _, id := range union(w.prev.RunningIDs, w.prev.WaitingIDs) {
			if !active[id] {
				watchLog.Debug("workspace_departed", slog.String("workspace", id))
				w.emitNotify(id)
			}
		}
	}

	w.prev = current
	w.primed = true
	if w.onChange != nil {
		w.onChange(current)
	}
}

// scanActivity reads the activity namespace, garbage-collecting any file
// whose name matches neither recognized convention.
func (w *Watcher) scanActivity() Snapshot {
	entries, err := os.ReadDir(w.store.ActivityDir())
	if err != nil {
		return Snapshot{}
	}

	running := map[string]bool{}
	waiting := map[string]bool{}
	count := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		workspaceID, kind, ok := parseActivityName(entry.Name())
		if !ok {
			// Legacy or foreign file: delete so a stale format change can
			// never pin an indicator on.
			w.store.removeFile(filepath.Join(w.store.ActivityDir(), entry.Name()))
			continue
		}
		count++
		if kind == KindWaiting {
			waiting[workspaceID] = true
		} else {
			running[workspaceID] = true
		}
	}

	return Snapshot{
		RunningIDs: sortedKeys(running),
		WaitingIDs: sortedKeys(waiting),
		AgentCount: count,
	}
}

func (w *Watcher) emitNotify(workspaceID string) {
	if w.onNotify != nil {
		w.onNotify(workspaceID)
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	return sortedKeys(set)
}
