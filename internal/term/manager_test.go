package term

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil, Options{FlushInterval: 2 * time.Millisecond})
	t.Cleanup(m.Shutdown)
	return m
}

func TestUnknownSessionOperationsAreNoOps(t *testing.T) {
	m := newTestManager(t)

	m.Write("nope", []byte("input"))
	m.Resize("nope", 80, 24)
	m.Destroy("nope")

	assert.False(t, m.Reattach("nope", &captureSink{}))
	_, ok := m.Get("nope")
	assert.False(t, ok)
	assert.Empty(t, m.List())
}

func TestBuildEnvInjectsWorkspaceVariables(t *testing.T) {
	env := buildEnv(CreateOptions{
		WorkspaceID:    "ws-9",
		PermissionMode: "plan",
		Env:            map[string]string{"CUSTOM": "1"},
	})

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, EnvWorkspaceID+"=ws-9")
	assert.Contains(t, joined, EnvPermissionMode+"=plan")
	assert.Contains(t, joined, "CUSTOM=1")
}

func TestBuildEnvOverridesInherited(t *testing.T) {
	t.Setenv("PTYDECK_TEST_VAR", "inherited")
	env := buildEnv(CreateOptions{Env: map[string]string{"PTYDECK_TEST_VAR": "override"}})

	count := 0
	for _, kv := range env {
		if strings.HasPrefix(kv, "PTYDECK_TEST_VAR=") {
			count++
			assert.Equal(t, "PTYDECK_TEST_VAR=override", kv)
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuildCommand(t *testing.T) {
	cmd := buildCommand(CreateOptions{Command: "echo hi", Shell: "/bin/sh"})
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi"}, cmd.Args)

	cmd = buildCommand(CreateOptions{Shell: "/bin/zsh", Args: []string{"-l"}})
	assert.Equal(t, []string{"/bin/zsh", "-l"}, cmd.Args)
}

func TestExitObserverPanicIsolation(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	var order []string
	m.OnExit(func(id string) {
		mu.Lock()
		order = append(order, "first:"+id)
		mu.Unlock()
		panic("observer blew up")
	})
	m.OnExit(func(id string) {
		mu.Lock()
		order = append(order, "second:"+id)
		mu.Unlock()
	})

	m.notifyExit("sess-1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:sess-1", "second:sess-1"}, order)
}

// spawn tests need a real pty device.
func requirePTY(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skipf("no pty device available: %v", err)
	}
}

func TestCreateStreamsOutputAndReportsExit(t *testing.T) {
	requirePTY(t)
	m := newTestManager(t)

	exited := make(chan string, 1)
	m.OnExit(func(id string) { exited <- id })

	sink := &captureSink{}
	id, err := m.Create(CreateOptions{
		Command: "printf ptydeck-out; sleep 0.2",
		Shell:   "/bin/sh",
		Sink:    sink,
	})
	require.NoError(t, err)
	require.Contains(t, m.List(), id)

	deadline := time.After(5 * time.Second)
	for !strings.Contains(sink.String(), "ptydeck-out") {
		select {
		case <-deadline:
			t.Fatalf("output never arrived; got %q", sink.String())
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case gotID := <-exited:
		assert.Equal(t, id, gotID)
	case <-time.After(5 * time.Second):
		t.Fatal("exit observer never fired")
	}
	assert.Empty(t, m.List())

	// Post-exit operations stay silent.
	m.Write(id, []byte("late\n"))
	m.Destroy(id)
}

func TestExitFlushesTailOutput(t *testing.T) {
	requirePTY(t)
	m := newTestManager(t)

	exits := make(chan string, 1)
	m.OnExit(func(id string) { exits <- id })

	// Short-lived processes whose entire output lands right before exit;
	// the exit path must drain the pty and flush the remainder every time.
	for i := 0; i < 20; i++ {
		sink := &captureSink{}
		id, err := m.Create(CreateOptions{
			Command: "printf tail-output-marker",
			Shell:   "/bin/sh",
			Sink:    sink,
		})
		require.NoError(t, err)

		select {
		case gotID := <-exits:
			require.Equal(t, id, gotID)
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d: exit observer never fired", i)
		}
		assert.Contains(t, sink.String(), "tail-output-marker", "run %d lost tail output", i)
	}
}

func TestCreateSpawnFailure(t *testing.T) {
	requirePTY(t)
	m := newTestManager(t)

	_, err := m.Create(CreateOptions{Shell: "/nonexistent/shell-binary"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
	assert.Empty(t, m.List())
}

func TestDestroyKillsSession(t *testing.T) {
	requirePTY(t)
	m := newTestManager(t)

	id, err := m.Create(CreateOptions{Command: "sleep 30", Shell: "/bin/sh", Sink: &captureSink{}})
	require.NoError(t, err)

	m.Destroy(id)
	assert.Empty(t, m.List())

	// Idempotent.
	m.Destroy(id)
}

func TestReattachSwitchesSink(t *testing.T) {
	requirePTY(t)
	m := newTestManager(t)

	first := &captureSink{}
	id, err := m.Create(CreateOptions{Command: "sleep 5", Shell: "/bin/sh", Sink: first})
	require.NoError(t, err)
	defer m.Destroy(id)

	second := &captureSink{}
	assert.True(t, m.Reattach(id, second))

	m.Write(id, []byte("echo hi\n"))

	deadline := time.After(5 * time.Second)
	for second.String() == "" {
		select {
		case <-deadline:
			t.Fatal("reattached sink received nothing")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Empty(t, first.String(), "old sink must not receive output after reattach")
}

func TestReattachNudgeRestoresSize(t *testing.T) {
	requirePTY(t)
	m := newTestManager(t)

	id, err := m.Create(CreateOptions{
		Command: "sleep 5",
		Shell:   "/bin/sh",
		Sink:    &captureSink{},
		Cols:    91,
		Rows:    33,
	})
	require.NoError(t, err)
	defer m.Destroy(id)

	require.True(t, m.Reattach(id, &captureSink{}))

	// The nudge resizes to cols+1 and back; the remembered size and the
	// applied pty size both end at the original dimensions.
	info, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, uint16(91), info.Cols)
	assert.Equal(t, uint16(33), info.Rows)

	ws, err := pty.GetsizeFull(m.get(id).ptmx)
	require.NoError(t, err)
	assert.Equal(t, uint16(91), ws.Cols)
	assert.Equal(t, uint16(33), ws.Rows)
}
