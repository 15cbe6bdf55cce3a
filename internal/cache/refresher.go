package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// AirportRefresher is implemented by the service layer to run one pipeline
// refresh for an airport and store the result in the cache. Used by Refresher
// to avoid a circular dependency on the service package.
type AirportRefresher interface {
	RefreshAirport(ctx context.Context, airport string) error
}

// Refresher keeps the cache warm by refreshing every configured airport on a
// fixed schedule.
type Refresher struct {
	target    AirportRefresher
	airports  []string
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	scheduler *gocron.Scheduler

	mu     sync.Mutex
	cancel context.CancelFunc
	warmed bool
}

// NewRefresher creates a Refresher. timeout bounds each round.
func NewRefresher(target AirportRefresher, airports []string, interval, timeout time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Refresher{
		target:    target,
		airports:  airports,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
		scheduler: gocron.NewScheduler(time.UTC),
	}
}

// RefreshAll refreshes every airport concurrently. Returns an error if any
// airport failed (aggregated).
func (r *Refresher) RefreshAll(ctx context.Context) error {
	start := time.Now()
	r.logger.Debug("refreshing airports", zap.Int("airports", len(r.airports)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(r.airports))
	for _, airport := range r.airports {
		airport := airport
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.target.RefreshAirport(ctx, airport); err != nil {
				errCh <- fmt.Errorf("refresh %s: %w", airport, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	r.logger.Info("refresh round complete",
		zap.Int("airports", len(r.airports)),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}

// Warm runs one round synchronously, bounded by the round timeout. A later
// Start waits a full interval before its first scheduled round.
func (r *Refresher) Warm(ctx context.Context) error {
	r.mu.Lock()
	r.warmed = true
	r.mu.Unlock()
	roundCtx, done := context.WithTimeout(ctx, r.timeout)
	defer done()
	return r.RefreshAll(roundCtx)
}

// Start schedules RefreshAll every interval, running the first round
// immediately unless Warm already ran one. Rounds never overlap.
func (r *Refresher) Start(ctx context.Context) error {
	if len(r.airports) == 0 {
		r.logger.Info("refresher: no airports configured; nothing to schedule")
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	warmed := r.warmed
	r.mu.Unlock()

	job := r.scheduler.Every(r.interval).SingletonMode()
	if warmed {
		job = job.WaitForSchedule()
	}
	_, err := job.Do(func() {
		roundCtx, done := context.WithTimeout(ctx, r.timeout)
		defer done()
		if err := r.RefreshAll(roundCtx); err != nil {
			r.logger.Warn("periodic refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule refresh: %w", err)
	}
	r.scheduler.StartAsync()
	return nil
}

// Stop cancels in-flight rounds and stops the scheduler.
func (r *Refresher) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.scheduler.Stop()
}
