// Package traffic keeps sliding windows of per-source fetch outcomes. Health
// reporting reads error rates from here; the breaker decides skipping.
package traffic

import (
	"sort"
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained.
const maxAge = 15 * time.Minute

// Outcome is the result of one fetch attempt against a source.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	// OutcomeSkipped is a fetch not attempted (breaker open or round deadline passed).
	OutcomeSkipped
)

type window struct {
	success []time.Time
	errors  []time.Time
	skipped []time.Time
}

// Tracker maintains sliding windows of outcome timestamps keyed by source id.
// The zero value is ready to use.
type Tracker struct {
	mu      sync.Mutex
	sources map[string]*window
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Record appends one outcome for source.
func (t *Tracker) Record(source string, o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sources == nil {
		t.sources = make(map[string]*window)
	}
	w, ok := t.sources[source]
	if !ok {
		w = &window{}
		t.sources[source] = w
	}
	now := t.now()
	switch o {
	case OutcomeSuccess:
		w.success = append(w.success, now)
	case OutcomeError:
		w.errors = append(w.errors, now)
	case OutcomeSkipped:
		w.skipped = append(w.skipped, now)
	}
	pruneLocked(w, now)
}

// Stats summarizes one source's outcomes within a window.
type Stats struct {
	Successes int
	Errors    int
	Skipped   int
}

// ErrorRate is errors/(successes+errors); skipped fetches are excluded.
// It is 0 when nothing was attempted.
func (s Stats) ErrorRate() float64 {
	attempts := s.Successes + s.Errors
	if attempts == 0 {
		return 0
	}
	return float64(s.Errors) / float64(attempts)
}

// Stats returns source's outcome counts within the trailing window.
func (t *Tracker) Stats(source string, within time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.sources[source]
	if !ok {
		return Stats{}
	}
	cutoff := t.now().Add(-within)
	return Stats{
		Successes: countInWindow(w.success, cutoff),
		Errors:    countInWindow(w.errors, cutoff),
		Skipped:   countInWindow(w.skipped, cutoff),
	}
}

// Sources returns every source with recorded outcomes, sorted.
func (t *Tracker) Sources() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.sources))
	for id := range t.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = nil
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked removes timestamps older than maxAge. Must be called with mutex held.
func pruneLocked(w *window, now time.Time) {
	cutoff := now.Add(-maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&w.success)
	prune(&w.errors)
	prune(&w.skipped)
}
