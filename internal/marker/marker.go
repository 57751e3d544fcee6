// Package marker implements the filesystem signaling channel shared with
// external hook scripts. Files are cross-process booleans: existence means
// active, absence means inactive. Both sides may create and remove markers
// concurrently, so every removal treats "already absent" as success.
package marker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tchow/ptydeck/internal/logging"
)

var markerLog = logging.ForComponent(logging.CompMarker)

// Kind is the activity marker state for a session.
type Kind string

const (
	KindRunning Kind = "running"
	KindWaiting Kind = "waiting"
)

// Source tags embedded in activity marker file names. Files written by the
// session registry use SourceTerm; external hook scripts use SourceHook.
const (
	SourceTerm = "term"
	SourceHook = "hook"
)

// Store owns the marker directory namespaces. Construct one per host
// process and pass it by reference; never a package-level singleton.
type Store struct {
	activityDir string
	notifyDir   string
}

// DefaultRoot returns the marker namespace root shared with hook scripts.
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "ptydeck")
}

// NewStore creates a store rooted at root (DefaultRoot when empty) and
// ensures the namespaces exist. Directory creation failure is non-fatal:
// markers are a convenience signal.
func NewStore(root string) *Store {
	if root == "" {
		root = DefaultRoot()
	}
	s := &Store{
		activityDir: filepath.Join(root, "activity"),
		notifyDir:   filepath.Join(root, "notify"),
	}
	for _, dir := range []string{s.activityDir, s.notifyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			markerLog.Warn("marker_dir_create_failed",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}
	return s
}

// ActivityDir returns the continuous activity marker namespace.
func (s *Store) ActivityDir() string { return s.activityDir }

// NotifyDir returns the one-shot notify namespace.
func (s *Store) NotifyDir() string { return s.notifyDir }

// activityName builds <workspaceID>.running|waiting.term.<pid>. The pid
// disambiguator keeps concurrent sessions in one workspace from colliding.
func activityName(workspaceID string, kind Kind, pid int) string {
	return fmt.Sprintf("%s.%s.%s.%d", workspaceID, kind, SourceTerm, pid)
}

// SetActivity marks the (workspace, session pid) pair as running or
// waiting. The two kinds are mutually exclusive: setting one removes the
// other first. Creation is an idempotent empty-file touch.
func (s *Store) SetActivity(workspaceID string, pid int, kind Kind) {
	if workspaceID == "" {
		return
	}
	other := KindWaiting
	if kind == KindWaiting {
		other = KindRunning
	}
	s.removeFile(filepath.Join(s.activityDir, activityName(workspaceID, other, pid)))

	path := filepath.Join(s.activityDir, activityName(workspaceID, kind, pid))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		markerLog.Warn("marker_touch_failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}
	_ = f.Close()
}

// ClearActivity removes both marker kinds for the pair. Idempotent.
func (s *Store) ClearActivity(workspaceID string, pid int) {
	if workspaceID == "" {
		return
	}
	s.removeFile(filepath.Join(s.activityDir, activityName(workspaceID, KindRunning, pid)))
	s.removeFile(filepath.Join(s.activityDir, activityName(workspaceID, KindWaiting, pid)))
}

// TouchHookActivity creates a hook-sourced activity marker, the continuous
// marker maintained by external hook scripts while an agent turn runs.
func (s *Store) TouchHookActivity(workspaceID string, pid int) error {
	if workspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}
	path := filepath.Join(s.activityDir, fmt.Sprintf("%s.%s.%d", workspaceID, SourceHook, pid))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("touch hook marker: %w", err)
	}
	return f.Close()
}

// RemoveHookActivity removes a hook-sourced activity marker. Idempotent.
func (s *Store) RemoveHookActivity(workspaceID string, pid int) {
	if workspaceID == "" {
		return
	}
	s.removeFile(filepath.Join(s.activityDir, fmt.Sprintf("%s.%s.%d", workspaceID, SourceHook, pid)))
}

// WriteNotify publishes a one-shot notify marker for a workspace. The file
// name is opaque and unique; the content is a single line with the
// workspace id. Written atomically (temp name + rename) so the watcher
// never reads a partial file.
func (s *Store) WriteNotify(workspaceID string) error {
	if workspaceID == "" {
		return fmt.Errorf("workspace id is required")
	}
	name := uuid.NewString()
	tmp := filepath.Join(s.notifyDir, name+".tmp")
	final := filepath.Join(s.notifyDir, name)

	if err := os.WriteFile(tmp, []byte(workspaceID+"\n"), 0o644); err != nil {
		return fmt.Errorf("write notify marker: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish notify marker: %w", err)
	}
	return nil
}

// removeFile deletes a path, treating "already absent" as success.
func (s *Store) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		markerLog.Warn("marker_remove_failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// parseActivityName extracts the workspace id and marker kind from an
// activity file name. Two naming conventions are recognized:
//
//	<ws>.running|waiting.term.<pid>   (session registry)
//	<ws>.hook[.<disambiguator>]       (external hooks; implies running)
//
// ok is false for anything else, which the watcher garbage-collects so a
// renamed format can never leave a stuck indicator behind.
func parseActivityName(name string) (workspaceID string, kind Kind, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) == 4 && parts[2] == SourceTerm &&
		(parts[1] == string(KindRunning) || parts[1] == string(KindWaiting)) {
		return parts[0], Kind(parts[1]), parts[0] != ""
	}
	if (len(parts) == 2 || len(parts) == 3) && parts[1] == SourceHook {
		return parts[0], KindRunning, parts[0] != ""
	}
	return "", "", false
}
