package term

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/tchow/ptydeck/internal/detect"
)

// Sink receives batched output for one session. Exactly one sink is live
// per session; Reattach swaps it. A sink that has been torn down must
// return an error (or simply discard) rather than panic; flushes against
// a dead sink happen during reconnects.
type Sink interface {
	WriteOutput(data []byte) error
}

// Session is one spawned pseudo-terminal plus its bookkeeping. All fields
// are owned by the Manager; external code goes through Manager operations.
type Session struct {
	ID             string
	WorkspaceID    string
	PermissionMode string

	cmd  *exec.Cmd
	ptmx *os.File

	mu   sync.Mutex
	sink Sink
	cols uint16
	rows uint16

	// Output batcher state: chunks accumulate here between flush ticks.
	pending []byte

	// Bootstrap injector state.
	bootstrapText  string
	bootstrapOnce  sync.Once
	bootstrapTimer *time.Timer

	tracker *detect.Tracker

	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
	flushDone chan struct{}
}

// enqueue appends an output chunk to the batch accumulator.
func (s *Session) enqueue(data []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, data...)
	s.mu.Unlock()
}

// flush forwards any accumulated output to the current sink. Byte order is
// preserved: the accumulator is taken atomically and written as one piece.
// Errors from a torn-down sink are discarded.
func (s *Session) flush() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		_ = sink.WriteOutput(batch)
	}
}

// swapSink replaces the output sink and returns the remembered size.
func (s *Session) swapSink(sink Sink) (cols, rows uint16) {
	s.mu.Lock()
	s.sink = sink
	cols, rows = s.cols, s.rows
	s.mu.Unlock()
	return cols, rows
}

// setSize records the terminal size and applies it to the pty.
func (s *Session) setSize(cols, rows uint16) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// nudgeSize forces the consumer to redraw by resizing to cols+1 and back.
// The remembered size is not altered.
func (s *Session) nudgeSize() {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols + 1, Rows: rows})
	_ = pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// armBootstrap schedules the one-shot initial write: triggered by the first
// output chunk, or by the fallback timer if the shell stays silent.
func (s *Session) armBootstrap(fallback time.Duration) {
	if s.bootstrapText == "" {
		return
	}
	s.bootstrapTimer = time.AfterFunc(fallback, s.fireBootstrap)
}

// fireBootstrap writes the queued initial command exactly once.
func (s *Session) fireBootstrap() {
	s.bootstrapOnce.Do(func() {
		if s.bootstrapTimer != nil {
			s.bootstrapTimer.Stop()
		}
		if s.bootstrapText != "" {
			_, _ = s.ptmx.Write([]byte(s.bootstrapText))
		}
	})
}
