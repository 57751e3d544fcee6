package procscan

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestParsePSParentLinked(t *testing.T) {
	out := `
    1     0 systemd         /sbin/init
  100     1 zsh             -zsh
  101   100 claude          claude --resume abc
garbage line
  102   100 node
`
	entries := parsePS(out, true)
	if len(entries) != 4 {
		t.Fatalf("got %d entries: %+v", len(entries), entries)
	}

	e := entries[2]
	if e.PID != 101 || e.PPID != 100 || e.Name != "claude" {
		t.Errorf("entry = %+v", e)
	}
	if e.Command != "claude --resume abc" {
		t.Errorf("Command = %q", e.Command)
	}

	// No args column: command falls back to the name.
	if entries[3].Command != "node" {
		t.Errorf("no-args Command = %q", entries[3].Command)
	}
}

func TestParsePSFlat(t *testing.T) {
	out := "  100 zsh\n  101 claude\n"
	entries := parsePS(out, false)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[1].PID != 101 || entries[1].Name != "claude" || entries[1].PPID != 0 {
		t.Errorf("entry = %+v", entries[1])
	}
}

func TestSnapshotDescendants(t *testing.T) {
	snap := &Snapshot{
		Source: SourceParentLinked,
		Entries: []Entry{
			{PID: 1, PPID: 0},
			{PID: 100, PPID: 1},
			{PID: 101, PPID: 100},
			{PID: 102, PPID: 101},
			{PID: 200, PPID: 1},
		},
	}

	got := snap.Descendants(100)
	if len(got) != 2 {
		t.Fatalf("Descendants(100) = %+v", got)
	}
	pids := map[int]bool{}
	for _, e := range got {
		pids[e.PID] = true
	}
	if !pids[101] || !pids[102] {
		t.Errorf("missing descendants: %+v", got)
	}

	if got := snap.Descendants(102); len(got) != 0 {
		t.Errorf("leaf should have no descendants: %+v", got)
	}

	flat := &Snapshot{Source: SourceFlat, Entries: snap.Entries}
	if got := flat.Descendants(100); got != nil {
		t.Errorf("flat snapshot must return nil, got %+v", got)
	}
}

func TestSnapshotByPID(t *testing.T) {
	snap := &Snapshot{Entries: []Entry{{PID: 7, Name: "a"}, {PID: 9, Name: "b"}}}
	if e := snap.ByPID(9); e == nil || e.Name != "b" {
		t.Errorf("ByPID(9) = %+v", e)
	}
	if e := snap.ByPID(8); e != nil {
		t.Errorf("ByPID(8) = %+v", e)
	}
}

func TestCacheServesFreshSnapshot(t *testing.T) {
	var calls atomic.Int32
	c := NewCacheWith(time.Hour, func() []Entry {
		calls.Add(1)
		return []Entry{{PID: 1, Name: "init"}}
	}, nil)

	s1 := c.Get()
	s2 := c.Get()
	if s1 != s2 {
		t.Error("second Get within TTL should return the cached snapshot")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("capture calls = %d, want 1", n)
	}
	if s1.Source != SourceParentLinked {
		t.Errorf("Source = %q", s1.Source)
	}
}

func TestCacheExpiry(t *testing.T) {
	var calls atomic.Int32
	c := NewCacheWith(time.Millisecond, func() []Entry {
		calls.Add(1)
		return []Entry{{PID: 1, Name: "init"}}
	}, nil)

	c.Get()
	time.Sleep(5 * time.Millisecond)
	c.Get()

	if n := calls.Load(); n != 2 {
		t.Errorf("capture calls = %d, want 2", n)
	}
}

func TestCacheRetriesEmptyCapture(t *testing.T) {
	var calls atomic.Int32
	c := NewCacheWith(time.Hour, func() []Entry {
		if calls.Add(1) == 1 {
			return nil
		}
		return []Entry{{PID: 1, Name: "init"}}
	}, func() []Entry { return nil })

	s1 := c.Get()
	if s1.Source != SourceUnavailable {
		t.Fatalf("first Source = %q", s1.Source)
	}

	// An empty snapshot is never fresh: the next Get retries immediately.
	s2 := c.Get()
	if s2.Source != SourceParentLinked {
		t.Errorf("second Source = %q", s2.Source)
	}
}

func TestCacheFallsBackToFlat(t *testing.T) {
	c := NewCacheWith(time.Hour,
		func() []Entry { return nil },
		func() []Entry { return []Entry{{PID: 1, Name: "init"}} },
	)

	s := c.Get()
	if s.Source != SourceFlat {
		t.Errorf("Source = %q", s.Source)
	}
}
