package lifecycle

import (
	"sync/atomic"
	"time"
)

// State tracks whether the process has started draining. The zero value is a
// running process.
type State struct {
	shuttingDown atomic.Bool
	since        atomic.Int64
}

// BeginShutdown marks the process as draining. Call when SIGTERM/SIGINT is received.
// Only the first call records the time.
func (s *State) BeginShutdown() {
	if s.shuttingDown.CompareAndSwap(false, true) {
		s.since.Store(time.Now().UnixNano())
	}
}

// ShuttingDown reports whether the process is draining and should not receive new traffic.
func (s *State) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Since returns when shutdown began, or the zero time while running.
func (s *State) Since() time.Time {
	n := s.since.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
