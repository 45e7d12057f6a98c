// Package traffic keeps a short sliding window of request outcomes for health
// reporting. Prometheus counters cover long-term history; this only answers
// "how has the service done in the last few minutes".
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished weather lookup.
type Outcome int

const (
	Success Outcome = iota
	Failure
	Denied
)

// DefaultRetention bounds how far back any window query can look.
const DefaultRetention = 5 * time.Minute

// Counts is a snapshot of outcomes inside a window.
type Counts struct {
	Success int
	Failure int
	Denied  int
}

// Total returns successes plus failures. Denied requests never reached the
// service and are excluded.
func (c Counts) Total() int { return c.Success + c.Failure }

// ErrorPct returns failures as a percentage of Total, or 0 when Total is 0.
func (c Counts) ErrorPct() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Failure) * 100 / float64(c.Total())
}

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker records outcomes in time order. Safe for concurrent use; the zero
// value is ready and keeps DefaultRetention.
type Tracker struct {
	mu        sync.Mutex
	events    []event
	retention time.Duration
	now       func() time.Time
}

// NewTracker returns a Tracker keeping events for retention (<= 0 uses DefaultRetention).
func NewTracker(retention time.Duration) *Tracker {
	return &Tracker{retention: retention}
}

// Record adds one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	t.events = append(t.events, event{at: now, outcome: o})
	t.pruneLocked(now)
}

// Window returns the outcomes recorded within the last d.
func (t *Tracker) Window(d time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-d)
	var c Counts
	// events are appended in time order; walk back from the newest
	for i := len(t.events) - 1; i >= 0 && !t.events[i].at.Before(cutoff); i-- {
		switch t.events[i].outcome {
		case Success:
			c.Success++
		case Failure:
			c.Failure++
		case Denied:
			c.Denied++
		}
	}
	return c
}

// Reset drops every recorded outcome.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *Tracker) pruneLocked(now time.Time) {
	retention := t.retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := now.Add(-retention)
	i := 0
	for i < len(t.events) && t.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
