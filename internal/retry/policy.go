// Package retry holds the pure retry decision used by the fetch orchestrator.
package retry

import "time"

// DefaultMaxAttempts is the number of data source calls made before giving up.
const DefaultMaxAttempts = 3

// DefaultDelays is the pause before the second, third, ... attempt.
var DefaultDelays = []time.Duration{60 * time.Second, 180 * time.Second, 300 * time.Second}

// Policy maps a failed attempt index to the delay before the next attempt.
// The zero value makes exactly one attempt.
type Policy struct {
	MaxAttempts int
	Delays      []time.Duration
}

// DefaultPolicy returns 3 attempts with delays of 60s and 180s between them.
func DefaultPolicy() Policy {
	delays := make([]time.Duration, len(DefaultDelays))
	copy(delays, DefaultDelays)
	return Policy{MaxAttempts: DefaultMaxAttempts, Delays: delays}
}

// Attempts returns the effective attempt budget, never less than one.
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// NextDelay reports how long to wait after attempt (0-based) failed. ok is false
// when attempt was the last one allowed. Indexes past the end of the schedule reuse
// its last entry so raising MaxAttempts without extending Delays never panics.
func (p Policy) NextDelay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= p.Attempts()-1 {
		return 0, false
	}
	if len(p.Delays) == 0 {
		return 0, true
	}
	if attempt >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1], true
	}
	return p.Delays[attempt], true
}
