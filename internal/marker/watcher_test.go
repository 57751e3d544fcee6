package marker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watcherRecorder struct {
	notifies []string
	changes  []Snapshot
}

func newTestWatcher(t *testing.T) (*Store, *Watcher, *watcherRecorder) {
	t.Helper()
	store := NewStore(t.TempDir())
	rec := &watcherRecorder{}
	w := NewWatcher(store, DefaultPollInterval,
		func(ws string) { rec.notifies = append(rec.notifies, ws) },
		func(s Snapshot) { rec.changes = append(rec.changes, s) },
	)
	return store, w, rec
}

func TestWatcherConsumesNotifyOnce(t *testing.T) {
	store, w, rec := newTestWatcher(t)

	require.NoError(t, store.WriteNotify("ws1"))
	w.Tick()

	assert.Equal(t, []string{"ws1"}, rec.notifies)

	entries, err := os.ReadDir(store.NotifyDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "notify marker should be deleted after consumption")

	// Next tick sees nothing.
	w.Tick()
	assert.Equal(t, []string{"ws1"}, rec.notifies)
}

func TestWatcherSkipsTempNotifyFiles(t *testing.T) {
	store, w, rec := newTestWatcher(t)

	path := filepath.Join(store.NotifyDir(), "half-written.tmp")
	require.NoError(t, os.WriteFile(path, []byte("ws1\n"), 0o644))

	w.Tick()
	assert.Empty(t, rec.notifies)

	_, err := os.Stat(path)
	assert.NoError(t, err, "temp file must not be consumed")
}

func TestWatcherOneChangePerDifferingTick(t *testing.T) {
	store, w, rec := newTestWatcher(t)

	// First tick primes the baseline (empty set) and emits it.
	w.Tick()
	require.Len(t, rec.changes, 1)

	store.SetActivity("ws1", 10, KindRunning)
	store.SetActivity("ws2", 20, KindWaiting)
	w.Tick()

	require.Len(t, rec.changes, 2)
	last := rec.changes[len(rec.changes)-1]
	assert.Equal(t, []string{"ws1"}, last.RunningIDs)
	assert.Equal(t, []string{"ws2"}, last.WaitingIDs)
	assert.Equal(t, 2, last.AgentCount)

	// Unchanged state emits nothing.
	w.Tick()
	assert.Len(t, rec.changes, 2)
}

func TestWatcherSyntheticNotifyForDepartedWorkspace(t *testing.T) {
	store, w, rec := newTestWatcher(t)

	store.SetActivity("ws1", 10, KindRunning)
	w.Tick()
	assert.Empty(t, rec.notifies, "first tick must not treat pre-existing state as departures")

	store.ClearActivity("ws1", 10)
	w.Tick()

	assert.Equal(t, []string{"ws1"}, rec.notifies)
}

func TestWatcherKindFlipIsChangeNotDeparture(t *testing.T) {
	store, w, rec := newTestWatcher(t)

	store.SetActivity("ws1", 10, KindRunning)
	w.Tick()

	store.SetActivity("ws1", 10, KindWaiting)
	w.Tick()

	assert.Empty(t, rec.notifies, "workspace still active, no synthetic notify")
	last := rec.changes[len(rec.changes)-1]
	assert.Empty(t, last.RunningIDs)
	assert.Equal(t, []string{"ws1"}, last.WaitingIDs)
}

func TestWatcherGarbageCollectsUnrecognizedNames(t *testing.T) {
	store, w, _ := newTestWatcher(t)

	stale := filepath.Join(store.ActivityDir(), "some-old-format")
	require.NoError(t, os.WriteFile(stale, nil, 0o644))

	w.Tick()

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "unrecognized marker should be deleted")
}

func TestWatcherStartStop(t *testing.T) {
	store := NewStore(t.TempDir())
	w := NewWatcher(store, 0, nil, nil)
	go w.Start()
	w.Stop()
}
