package service

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/models"
)

// refreshCall is one in-flight refresh that several callers may wait on.
type refreshCall struct {
	done chan struct{}
	obs  models.Observation
	err  error
}

// refreshCoalescer collapses concurrent refreshes of the same airport into a
// single pipeline run.
type refreshCoalescer struct {
	mu      sync.Mutex
	calls   map[string]*refreshCall
	timeout time.Duration
}

func newRefreshCoalescer(timeout time.Duration) *refreshCoalescer {
	return &refreshCoalescer{
		calls:   make(map[string]*refreshCall),
		timeout: timeout,
	}
}

// Do runs fn for key unless a run is already in flight, in which case it waits
// for that run's result. fn runs in its own goroutine and completes even if
// every waiter gives up; shared reports whether this caller joined an
// existing run. Each caller receives its own copy of the observation.
func (rc *refreshCoalescer) Do(ctx context.Context, key string, fn func() (models.Observation, error)) (obs models.Observation, shared bool, err error) {
	rc.mu.Lock()
	c, shared := rc.calls[key]
	if !shared {
		c = &refreshCall{done: make(chan struct{})}
		rc.calls[key] = c
		go func() {
			c.obs, c.err = fn()
			rc.mu.Lock()
			delete(rc.calls, key)
			rc.mu.Unlock()
			close(c.done)
		}()
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-c.done:
		if c.err != nil {
			return models.Observation{}, shared, c.err
		}
		return c.obs.Clone(), shared, nil
	case <-waitCtx.Done():
		return models.Observation{}, shared, waitCtx.Err()
	}
}

// inFlight reports how many distinct keys are being refreshed.
func (rc *refreshCoalescer) inFlight() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.calls)
}
