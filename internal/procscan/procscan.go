// Package procscan provides a TTL-cached point-in-time view of the OS
// process table, used by activity detection to find agent processes
// under a session's root PID.
package procscan

import (
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tchow/ptydeck/internal/logging"
)

var scanLog = logging.ForComponent(logging.CompScan)

// Source describes how a snapshot was captured.
type Source string

const (
	// SourceParentLinked means entries carry PPID links and descendant
	// computation is precise.
	SourceParentLinked Source = "parent-linked"
	// SourceFlat means the listing has no parent links; callers must fall
	// back to matching against the whole table.
	SourceFlat Source = "flat"
	// SourceUnavailable means no process listing facility worked.
	SourceUnavailable Source = "unavailable"
)

// Entry is one process in a snapshot.
type Entry struct {
	PID     int
	PPID    int // 0 when Source is not parent-linked
	Name    string
	Command string
}

// Snapshot is an immutable point-in-time process listing.
type Snapshot struct {
	Entries []Entry
	Source  Source
	Taken   time.Time
}

// ByPID returns the entry for pid, or nil.
func (s *Snapshot) ByPID(pid int) *Entry {
	for i := range s.Entries {
		if s.Entries[i].PID == pid {
			return &s.Entries[i]
		}
	}
	return nil
}

// Descendants returns all entries transitively parented under root,
// excluding root itself. Only meaningful for parent-linked snapshots;
// returns nil otherwise.
func (s *Snapshot) Descendants(root int) []Entry {
	if s.Source != SourceParentLinked {
		return nil
	}
	children := make(map[int][]int, len(s.Entries))
	byPID := make(map[int]Entry, len(s.Entries))
	for _, e := range s.Entries {
		children[e.PPID] = append(children[e.PPID], e.PID)
		byPID[e.PID] = e
	}

	var out []Entry
	queue := append([]int(nil), children[root]...)
	seen := map[int]bool{root: true}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		if e, ok := byPID[pid]; ok {
			out = append(out, e)
		}
		queue = append(queue, children[pid]...)
	}
	return out
}

// ListFunc captures a process table. Swapped out in tests.
type ListFunc func() []Entry

// Cache serves snapshots with a TTL so bursty write events share one
// capture rather than shelling out per keystroke.
type Cache struct {
	ttl time.Duration

	listRich ListFunc
	listFlat ListFunc

	mu   sync.Mutex
	last *Snapshot

	group singleflight.Group
}

// DefaultTTL bounds process-table captures to roughly one per second
// system-wide.
const DefaultTTL = time.Second

// NewCache returns a cache using the OS ps facility.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:      ttl,
		listRich: listParentLinked,
		listFlat: listFlat,
	}
}

// NewCacheWith returns a cache backed by custom listing functions. Used by
// tests and by callers that enumerate processes without ps.
func NewCacheWith(ttl time.Duration, rich, flat ListFunc) *Cache {
	c := NewCache(ttl)
	if rich != nil {
		c.listRich = rich
	}
	if flat != nil {
		c.listFlat = flat
	}
	return c
}

// Get returns the cached snapshot if fresh, otherwise captures a new one.
// An empty prior capture is never considered fresh, so the next Get retries
// the facility. A capture that fails entirely yields an empty
// SourceUnavailable snapshot rather than an error; detection is best-effort.
func (c *Cache) Get() *Snapshot {
	c.mu.Lock()
	if c.last != nil && time.Since(c.last.Taken) < c.ttl && len(c.last.Entries) > 0 {
		snap := c.last
		c.mu.Unlock()
		return snap
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do("refresh", func() (interface{}, error) {
		return c.capture(), nil
	})
	return v.(*Snapshot)
}

func (c *Cache) capture() *Snapshot {
	snap := &Snapshot{Taken: time.Now()}

	if entries := c.listRich(); len(entries) > 0 {
		snap.Entries = entries
		snap.Source = SourceParentLinked
	} else if entries := c.listFlat(); len(entries) > 0 {
		snap.Entries = entries
		snap.Source = SourceFlat
	} else {
		snap.Source = SourceUnavailable
		scanLog.Warn("process_listing_unavailable")
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()

	scanLog.Debug("snapshot_captured",
		slog.Int("entries", len(snap.Entries)),
		slog.String("source", string(snap.Source)),
	)
	return snap
}

// listParentLinked shells into ps with PPID columns.
func listParentLinked() []Entry {
	out, err := exec.Command("ps", "-axwwo", "pid=,ppid=,comm=,args=").Output()
	if err != nil {
		return nil
	}
	return parsePS(string(out), true)
}

// listFlat shells into ps without parent links, for constrained
// environments where the o-format PPID column is rejected.
func listFlat() []Entry {
	out, err := exec.Command("ps", "-axwwo", "pid=,comm=").Output()
	if err != nil {
		return nil
	}
	return parsePS(string(out), false)
}

// parsePS parses fixed-order ps output. With parentLinked the columns are
// pid, ppid, comm, args...; otherwise pid, comm.
func parsePS(out string, parentLinked bool) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		min := 2
		if parentLinked {
			min = 3
		}
		if len(fields) < min {
			continue
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}

		e := Entry{PID: pid}
		if parentLinked {
			ppid, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			e.PPID = ppid
			e.Name = fields[2]
			if len(fields) > 3 {
				e.Command = strings.Join(fields[3:], " ")
			} else {
				e.Command = e.Name
			}
		} else {
			e.Name = fields[1]
			e.Command = strings.Join(fields[1:], " ")
		}
		entries = append(entries, e)
	}
	return entries
}
