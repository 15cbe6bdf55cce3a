// Package fetch runs one round of snapshot fetches across a set of sources.
package fetch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/airfield-weather/internal/circuitbreaker"
	"github.com/kjstillabower/airfield-weather/internal/client"
	"github.com/kjstillabower/airfield-weather/internal/observability"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/traffic"
)

// Source produces one snapshot per call.
type Source interface {
	ID() string
	Fetch(ctx context.Context) (observation.Snapshot, error)
}

// Fetcher fans a round out to every source concurrently. Each source is gated
// by its breaker and the whole round is bounded by a deadline.
type Fetcher struct {
	breakers *circuitbreaker.Registry
	tracker  *traffic.Tracker
	timeout  time.Duration
	logger   *zap.Logger
}

// New returns a Fetcher. tracker may be nil.
func New(breakers *circuitbreaker.Registry, tracker *traffic.Tracker, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{breakers: breakers, tracker: tracker, timeout: timeout, logger: logger}
}

type result struct {
	index int
	snap  observation.Snapshot
	err   error
}

// FetchAll fetches every source once and returns the snapshots that arrived
// before the deadline, in the order of sources. Skipped, failed and late
// sources contribute nothing. Outcomes are recorded on each source's breaker.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) []observation.Snapshot {
	logger := observability.LoggerFrom(ctx, f.logger)
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	ch := make(chan result, len(sources))
	pending := make(map[int]struct{}, len(sources))
	for i, src := range sources {
		if !f.breakers.For(src.ID()).Allow() {
			f.skip(src.ID(), "breaker_open")
			logger.Debug("source skipped, breaker open", zap.String("source", src.ID()))
			continue
		}
		pending[i] = struct{}{}
		go func(i int, src Source) {
			snap, err := src.Fetch(ctx)
			ch <- result{index: i, snap: snap, err: err}
		}(i, src)
	}

	got := make([]*observation.Snapshot, len(sources))
collect:
	for len(pending) > 0 {
		select {
		case r := <-ch:
			delete(pending, r.index)
			id := sources[r.index].ID()
			if r.err != nil {
				f.failure(id)
				logger.Warn("source fetch failed",
					zap.String("source", id),
					zap.String("category", string(client.CategorizeError(r.err))),
					zap.Error(r.err))
				continue
			}
			f.success(id)
			snap := r.snap
			got[r.index] = &snap
		case <-ctx.Done():
			break collect
		}
	}
	for i := range pending {
		id := sources[i].ID()
		f.failure(id)
		f.skip(id, "deadline")
		logger.Warn("source fetch missed round deadline", zap.String("source", id), zap.Duration("timeout", f.timeout))
	}

	out := make([]observation.Snapshot, 0, len(sources))
	for _, s := range got {
		if s != nil {
			out = append(out, *s)
		}
	}
	return out
}

func (f *Fetcher) success(id string) {
	f.breakers.For(id).RecordSuccess()
	if f.tracker != nil {
		f.tracker.Record(id, traffic.OutcomeSuccess)
	}
}

func (f *Fetcher) failure(id string) {
	f.breakers.For(id).RecordFailure()
	if f.tracker != nil {
		f.tracker.Record(id, traffic.OutcomeError)
	}
}

func (f *Fetcher) skip(id, reason string) {
	observability.SourceSkippedTotal.WithLabelValues(id, reason).Inc()
	if f.tracker != nil && reason == "breaker_open" {
		f.tracker.Record(id, traffic.OutcomeSkipped)
	}
}
