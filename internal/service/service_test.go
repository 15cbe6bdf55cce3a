package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/airfield-weather/internal/cache"
	"github.com/kjstillabower/airfield-weather/internal/circuitbreaker"
	"github.com/kjstillabower/airfield-weather/internal/fetch"
	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observation"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct{ id string }

func (s stubSource) ID() string { return s.id }

func (s stubSource) Fetch(context.Context) (observation.Snapshot, error) {
	return observation.Snapshot{}, errors.New("stubSource is not fetched directly")
}

// fakeFetcher returns the configured snapshot for each source that has one.
type fakeFetcher struct {
	mu     sync.Mutex
	snaps  map[string]observation.Snapshot
	rounds int
}

func (f *fakeFetcher) FetchAll(_ context.Context, sources []fetch.Source) []observation.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds++
	var out []observation.Snapshot
	for _, s := range sources {
		if snap, ok := f.snaps[s.ID()]; ok {
			out = append(out, snap)
		}
	}
	return out
}

func (f *fakeFetcher) roundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rounds
}

func temperature(source string, c float64, age time.Duration) observation.Snapshot {
	return observation.NewSnapshot(source, observation.KindGeneric, testNow).
		With(observation.FieldTemperature, observation.Celsius(c, testNow.Add(-age)))
}

type fixture struct {
	svc      *WeatherService
	fetcher  *fakeFetcher
	cache    *cache.InMemoryCache
	breakers *circuitbreaker.Registry
}

func newFixture(t *testing.T, logger *zap.Logger) fixture {
	t.Helper()
	f := fixture{
		fetcher:  &fakeFetcher{snaps: map[string]observation.Snapshot{}},
		cache:    cache.NewInMemoryCache(),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{}),
	}
	f.svc = NewWeatherService(Options{
		Airports: []Airport{{
			ID:      "ksea",
			Primary: []fetch.Source{stubSource{"primary"}},
			Backup:  []fetch.Source{stubSource{"backup"}},
		}},
		Fetcher:   f.fetcher,
		Breakers:  f.breakers,
		Cache:     f.cache,
		FreshFor:  time.Minute,
		Retention: time.Hour,
		Logger:    logger,
		Now:       func() time.Time { return testNow },
	})
	return f
}

func (f fixture) store(t *testing.T, o models.Observation, storedAt time.Time) {
	t.Helper()
	if err := f.cache.Set(context.Background(), "KSEA", cache.Entry{Observation: o, StoredAt: storedAt}, time.Hour); err != nil {
		t.Fatalf("cache Set() error = %v", err)
	}
}

func fieldValue(t *testing.T, r models.Report, f observation.Field) (float64, bool) {
	t.Helper()
	v, ok := r.Fields[f.Key()]
	if !ok {
		t.Fatalf("report has no %s entry", f.Key())
	}
	return v.Float()
}

// TestGetWeather_UnknownAirport verifies that an unconfigured airport is rejected
// before any fetch.
func TestGetWeather_UnknownAirport(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetWeather(context.Background(), "KXYZ")
	if !errors.Is(err, ErrUnknownAirport) {
		t.Fatalf("GetWeather() error = %v, want ErrUnknownAirport", err)
	}
	if f.fetcher.roundCount() != 0 {
		t.Errorf("fetch rounds = %d, want 0", f.fetcher.roundCount())
	}
}

// TestGetWeather_NoObservation verifies that an airport with no reachable
// source and nothing stored reports ErrNoObservation.
func TestGetWeather_NoObservation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetWeather(context.Background(), "KSEA")
	if !errors.Is(err, ErrNoObservation) {
		t.Fatalf("GetWeather() error = %v, want ErrNoObservation", err)
	}
}

// TestGetWeather_RefreshesAndStores verifies that a cold request runs the
// pipeline, stores the result and serves it normalized.
func TestGetWeather_RefreshesAndStores(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.snaps["primary"] = temperature("primary", 18, 30*time.Second)

	r, err := f.svc.GetWeather(context.Background(), " ksea ")
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if r.Airport != "KSEA" {
		t.Errorf("Airport = %q, want KSEA", r.Airport)
	}
	if v, ok := fieldValue(t, r, observation.FieldTemperature); !ok || v != 18 {
		t.Errorf("temperature = %v (%v), want 18", v, ok)
	}
	if r.Staleness[observation.FieldTemperature.Key()] != "fresh" {
		t.Errorf("temperature staleness = %q, want fresh", r.Staleness[observation.FieldTemperature.Key()])
	}

	entry, ok, err := f.cache.Get(context.Background(), "KSEA")
	if err != nil || !ok {
		t.Fatalf("cache Get() = %v, %v; want stored entry", ok, err)
	}
	if !entry.StoredAt.Equal(testNow) {
		t.Errorf("StoredAt = %v, want %v", entry.StoredAt, testNow)
	}
	if entry.Observation.FieldRole[observation.FieldTemperature] != models.RolePrimary {
		t.Errorf("stored role = %q, want primary", entry.Observation.FieldRole[observation.FieldTemperature])
	}
	if len(entry.Observation.Rejections) != 0 {
		t.Errorf("stored rejections = %v, want none", entry.Observation.Rejections)
	}
}

// TestGetWeather_ServesFreshCache verifies that a stored observation younger
// than FreshFor is served without fetching.
func TestGetWeather_ServesFreshCache(t *testing.T) {
	f := newFixture(t, nil)
	o := models.NewObservation("KSEA")
	o.Set(observation.FieldTemperature, observation.Number(12), "primary", testNow.Add(-time.Minute), models.RolePrimary)
	f.store(t, o, testNow.Add(-10*time.Second))

	r, err := f.svc.GetWeather(context.Background(), "KSEA")
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if v, _ := fieldValue(t, r, observation.FieldTemperature); v != 12 {
		t.Errorf("temperature = %v, want cached 12", v)
	}
	if f.fetcher.roundCount() != 0 {
		t.Errorf("fetch rounds = %d, want 0", f.fetcher.roundCount())
	}
}

// TestRefresh_CarriesCachedFields verifies that a field the fresh round lacks
// is carried from the stored observation while it is under its fail-closed
// threshold, and that an aged-out stored field is dropped.
func TestRefresh_CarriesCachedFields(t *testing.T) {
	f := newFixture(t, nil)
	o := models.NewObservation("KSEA")
	o.Set(observation.FieldPressure, observation.Number(30.01), "primary", testNow.Add(-2*time.Minute), models.RolePrimary)
	o.Set(observation.FieldDewpoint, observation.Number(5), "primary", testNow.Add(-time.Hour), models.RolePrimary)
	f.store(t, o, testNow.Add(-5*time.Minute))
	f.fetcher.snaps["primary"] = temperature("primary", 18, 10*time.Second)

	out, err := f.svc.Refresh(context.Background(), "KSEA")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if v, ok := out.Get(observation.FieldPressure); !ok || v != observation.Number(30.01) {
		t.Errorf("pressure = %v (%v), want carried 30.01", v, ok)
	}
	if out.Has(observation.FieldDewpoint) {
		t.Error("dewpoint older than its fail-closed threshold was carried over")
	}
	if v, ok := out.Get(observation.FieldTemperature); !ok || v != observation.Number(18) {
		t.Errorf("temperature = %v (%v), want fresh 18", v, ok)
	}
}

// TestRefresh_BackupFillsGap verifies that a field only the backup reports is
// served from backup and flagged in the report.
func TestRefresh_BackupFillsGap(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.snaps["primary"] = observation.NewSnapshot("primary", observation.KindGeneric, testNow).
		With(observation.FieldPressure, observation.InHg(30.02, testNow.Add(-20*time.Second)))
	f.fetcher.snaps["backup"] = temperature("backup", 17, 30*time.Second)

	r, err := f.svc.GetWeather(context.Background(), "KSEA")
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if v, _ := fieldValue(t, r, observation.FieldTemperature); v != 17 {
		t.Errorf("temperature = %v, want backup 17", v)
	}
	found := false
	for _, k := range r.OnBackup {
		if k == observation.FieldTemperature.Key() {
			found = true
		}
	}
	if !found {
		t.Errorf("OnBackup = %v, want temperature listed", r.OnBackup)
	}
}

// TestRefresh_Hysteresis verifies that a field held on backup stays there until
// the primary source has completed recovery, then returns to primary.
func TestRefresh_Hysteresis(t *testing.T) {
	tests := []struct {
		name     string
		prime    func(cb *circuitbreaker.CircuitBreaker)
		wantTemp float64
		wantRole models.Role
	}{
		{
			name: "recovering primary keeps backup",
			prime: func(cb *circuitbreaker.CircuitBreaker) {
				cb.RecordFailure()
				cb.RecordSuccess()
			},
			wantTemp: 11,
			wantRole: models.RoleBackup,
		},
		{
			name: "recovered primary takes over",
			prime: func(cb *circuitbreaker.CircuitBreaker) {
				cb.RecordSuccess()
				cb.RecordSuccess()
				cb.RecordSuccess()
			},
			wantTemp: 20,
			wantRole: models.RolePrimary,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			tt.prime(f.breakers.For("primary"))

			prev := models.NewObservation("KSEA")
			prev.Set(observation.FieldTemperature, observation.Number(10), "backup", testNow.Add(-time.Minute), models.RoleBackup)
			f.store(t, prev, testNow.Add(-2*time.Minute))
			f.fetcher.snaps["primary"] = temperature("primary", 20, 10*time.Second)
			f.fetcher.snaps["backup"] = temperature("backup", 11, 30*time.Second)

			out, err := f.svc.Refresh(context.Background(), "KSEA")
			if err != nil {
				t.Fatalf("Refresh() error = %v", err)
			}
			if v, _ := out.Get(observation.FieldTemperature); v != observation.Number(tt.wantTemp) {
				t.Errorf("temperature = %v, want %v", v, tt.wantTemp)
			}
			if role := out.FieldRole[observation.FieldTemperature]; role != tt.wantRole {
				t.Errorf("role = %q, want %q", role, tt.wantRole)
			}
		})
	}
}

// TestRefresh_LogsRejections verifies that an out-of-bounds reading is logged
// at warn level and the next candidate is used.
func TestRefresh_LogsRejections(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, zap.New(core))
	f.fetcher.snaps["primary"] = temperature("primary", 150, 10*time.Second)
	f.fetcher.snaps["backup"] = temperature("backup", 16, 20*time.Second)

	out, err := f.svc.Refresh(context.Background(), "KSEA")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if v, _ := out.Get(observation.FieldTemperature); v != observation.Number(16) {
		t.Errorf("temperature = %v, want backup 16", v)
	}

	entries := logs.FilterMessage("field rejected").All()
	if len(entries) == 0 {
		t.Fatal("no \"field rejected\" log entry")
	}
	ctx := entries[0].ContextMap()
	if ctx["field"] != observation.FieldTemperature.Key() || ctx["source"] != "primary" {
		t.Errorf("rejection log fields = %v, want temperature from primary", ctx)
	}
}

// TestGetWeather_StoredFallbackOnRefreshError verifies that when the refresh
// fails the stored observation is still served.
func TestGetWeather_StoredFallbackOnRefreshError(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.cache = failingSetCache{f.cache}
	o := models.NewObservation("KSEA")
	o.Set(observation.FieldTemperature, observation.Number(9), "primary", testNow.Add(-3*time.Minute), models.RolePrimary)
	f.store(t, o, testNow.Add(-5*time.Minute))

	// Wait times out before the slow round finishes.
	f.svc.coalescer = newRefreshCoalescer(10 * time.Millisecond)
	f.svc.fetcher = slowFetcher{delay: 200 * time.Millisecond}

	r, err := f.svc.GetWeather(context.Background(), "KSEA")
	if err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	if v, _ := fieldValue(t, r, observation.FieldTemperature); v != 9 {
		t.Errorf("temperature = %v, want stored 9", v)
	}
}

// TestRefreshAirport verifies the refresher entry point stores an observation
// and rejects unknown airports.
func TestRefreshAirport(t *testing.T) {
	f := newFixture(t, nil)
	f.fetcher.snaps["primary"] = temperature("primary", 14, 10*time.Second)

	if err := f.svc.RefreshAirport(context.Background(), "ksea"); err != nil {
		t.Fatalf("RefreshAirport() error = %v", err)
	}
	if _, ok, _ := f.cache.Get(context.Background(), "KSEA"); !ok {
		t.Error("RefreshAirport() stored nothing")
	}
	if err := f.svc.RefreshAirport(context.Background(), "KXYZ"); !errors.Is(err, ErrUnknownAirport) {
		t.Errorf("RefreshAirport(KXYZ) error = %v, want ErrUnknownAirport", err)
	}
	if got := f.svc.Airports(); len(got) != 1 || got[0] != "KSEA" {
		t.Errorf("Airports() = %v, want [KSEA]", got)
	}
}

type slowFetcher struct{ delay time.Duration }

func (s slowFetcher) FetchAll(ctx context.Context, _ []fetch.Source) []observation.Snapshot {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
	}
	return nil
}

type failingSetCache struct{ *cache.InMemoryCache }

func (failingSetCache) Set(context.Context, string, cache.Entry, time.Duration) error {
	return errors.New("read-only")
}
