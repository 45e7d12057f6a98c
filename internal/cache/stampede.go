package cache

import "sync"

// missTracker counts cache misses in progress per key. More than one at a time
// means a stampede that single-flight is absorbing.
type missTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newMissTracker() *missTracker {
	return &missTracker{active: make(map[string]int)}
}

// begin records a miss on key and returns the number of misses now in progress
// for it, plus a func that must be called once the miss is resolved.
func (t *missTracker) begin(key string) (int, func()) {
	t.mu.Lock()
	t.active[key]++
	n := t.active[key]
	t.mu.Unlock()

	var once sync.Once
	return n, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if t.active[key] <= 1 {
				delete(t.active, key)
				return
			}
			t.active[key]--
		})
	}
}

// inProgress returns the current miss count for key.
func (t *missTracker) inProgress(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[key]
}
