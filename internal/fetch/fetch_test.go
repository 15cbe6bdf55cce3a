package fetch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/airfield-weather/internal/circuitbreaker"
	"github.com/kjstillabower/airfield-weather/internal/client"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/traffic"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	id    string
	delay time.Duration
	err   error
	calls int
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) Fetch(ctx context.Context) (observation.Snapshot, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return observation.Snapshot{}, ctx.Err()
		}
	}
	if s.err != nil {
		return observation.Snapshot{}, s.err
	}
	return observation.NewSnapshot(s.id, observation.KindGeneric, now).
		With(observation.FieldTemperature, observation.Celsius(18, now)), nil
}

func ids(snaps []observation.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Source()
	}
	return out
}

// TestFetchAll_PreservesOrder verifies that results come back in source order
// regardless of completion order, and failed sources are dropped.
func TestFetchAll_PreservesOrder(t *testing.T) {
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{})
	tracker := traffic.NewTracker()
	f := New(reg, tracker, time.Second, zap.NewNop())

	sources := []Source{
		&fakeSource{id: "slow", delay: 50 * time.Millisecond},
		&fakeSource{id: "broken", err: client.ErrUpstreamFailure},
		&fakeSource{id: "fast"},
	}
	got := ids(f.FetchAll(context.Background(), sources))
	if len(got) != 2 || got[0] != "slow" || got[1] != "fast" {
		t.Fatalf("FetchAll() sources = %v, want [slow fast]", got)
	}
	if s := tracker.Stats("broken", time.Minute); s.Errors != 1 {
		t.Errorf("broken Stats() = %+v, want 1 error", s)
	}
	if r := reg.For("fast").Recovery(); r.Cycles != 1 {
		t.Errorf("fast Recovery().Cycles = %d, want 1", r.Cycles)
	}
}

// TestFetchAll_DropsLateSources verifies that a source that misses the round
// deadline contributes nothing and counts as a failure.
func TestFetchAll_DropsLateSources(t *testing.T) {
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1})
	f := New(reg, nil, 30*time.Millisecond, zap.NewNop())

	sources := []Source{
		&fakeSource{id: "late", delay: time.Second},
		&fakeSource{id: "ontime"},
	}
	start := time.Now()
	got := ids(f.FetchAll(context.Background(), sources))
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("FetchAll() took %v, want bounded by the deadline", elapsed)
	}
	if len(got) != 1 || got[0] != "ontime" {
		t.Fatalf("FetchAll() sources = %v, want [ontime]", got)
	}
	if reg.For("late").State() != circuitbreaker.StateOpen {
		t.Errorf("late breaker = %s, want open", reg.For("late").State())
	}
}

// TestFetchAll_SkipsOpenBreaker verifies that a source whose breaker is open is
// not called at all.
func TestFetchAll_SkipsOpenBreaker(t *testing.T) {
	reg := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Hour})
	reg.For("down").RecordFailure()
	tracker := traffic.NewTracker()
	f := New(reg, tracker, time.Second, zap.NewNop())

	down := &fakeSource{id: "down"}
	got := f.FetchAll(context.Background(), []Source{down, &fakeSource{id: "up"}})
	if down.calls != 0 {
		t.Errorf("down.calls = %d, want 0", down.calls)
	}
	if len(got) != 1 || got[0].Source() != "up" {
		t.Errorf("FetchAll() sources = %v, want [up]", ids(got))
	}
	if s := tracker.Stats("down", time.Minute); s.Skipped != 1 {
		t.Errorf("down Stats() = %+v, want 1 skipped", s)
	}
}

// TestFetchAll_LogsFailureCategory verifies that a failed fetch is logged at
// warn level with its error category.
func TestFetchAll_LogsFailureCategory(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := New(circuitbreaker.NewRegistry(circuitbreaker.Config{}), nil, time.Second, zap.New(core))

	f.FetchAll(context.Background(), []Source{&fakeSource{id: "tempest", err: fmt.Errorf("exhausted retries: %w", client.ErrRateLimited)}})

	entries := logs.FilterMessage("source fetch failed").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if cat := entries[0].ContextMap()["category"]; cat != string(client.ErrorCategoryRateLimited) {
		t.Errorf("category = %v, want rate_limited", cat)
	}
}

// TestFetchAll_Empty verifies that an empty round returns no snapshots.
func TestFetchAll_Empty(t *testing.T) {
	f := New(circuitbreaker.NewRegistry(circuitbreaker.Config{}), nil, time.Second, nil)
	if got := f.FetchAll(context.Background(), nil); len(got) != 0 {
		t.Errorf("FetchAll(nil) = %v, want empty", ids(got))
	}
}
