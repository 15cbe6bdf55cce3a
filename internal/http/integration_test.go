//go:build integration
// +build integration

package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/airfield-weather/internal/cache"
	"github.com/kjstillabower/airfield-weather/internal/circuitbreaker"
	"github.com/kjstillabower/airfield-weather/internal/client"
	"github.com/kjstillabower/airfield-weather/internal/fetch"
	"github.com/kjstillabower/airfield-weather/internal/lifecycle"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/service"
	"github.com/kjstillabower/airfield-weather/internal/testhelpers"
	"github.com/kjstillabower/airfield-weather/internal/traffic"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// integrationCache returns the backend named by INTEGRATION_CACHE_BACKEND
// (memcached, redis or in_memory), skipping when the server is unreachable.
func integrationCache(t *testing.T) (cache.Cache, func(context.Context) error) {
	t.Helper()
	switch os.Getenv("INTEGRATION_CACHE_BACKEND") {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cache.MemcachedOptions{Addrs: envOr("MEMCACHED_ADDRS", "localhost:11211"), Timeout: 500 * time.Millisecond})
		if err != nil {
			t.Fatalf("NewMemcachedCache() error = %v", err)
		}
		t.Cleanup(func() { _ = mc.Close() })
		if err := mc.Ping(context.Background()); err != nil {
			t.Skipf("memcached not reachable: %v", err)
		}
		return mc, mc.Ping
	case "redis":
		rc, err := cache.NewRedisCache(context.Background(), cache.RedisOptions{Addr: envOr("REDIS_ADDR", "localhost:6379"), Timeout: 500 * time.Millisecond})
		if err != nil {
			t.Skipf("redis not reachable: %v", err)
		}
		t.Cleanup(func() { _ = rc.Close() })
		return rc, rc.Ping
	default:
		return cache.NewInMemoryCache(), nil
	}
}

type integrationStack struct {
	router   http.Handler
	breakers *circuitbreaker.Registry
	primary  *testhelpers.Upstream
	backup   *testhelpers.Upstream
}

// setupIntegrationStack wires real sources, fetcher, service and router for
// one airport whose id is unique to the test so shared backends do not leak
// entries between tests.
func setupIntegrationStack(t *testing.T, airport string, limiter *rate.Limiter) integrationStack {
	t.Helper()
	prev := lifecycle.CurrentPhase()
	lifecycle.SetPhase(lifecycle.PhaseServing)
	t.Cleanup(func() { lifecycle.SetPhase(prev) })

	now := time.Now()
	primary := testhelpers.NewUpstream(t, testhelpers.NewDocument(now).With("temperature", 14.0).With("pressure", 29.95))
	backup := testhelpers.NewUpstream(t, testhelpers.NewDocument(now).With("temperature", 13.0).With("visibility", 10))

	newSource := func(id string, u *testhelpers.Upstream) fetch.Source {
		src, err := client.NewHTTPSource(client.Options{
			ID: id, URL: u.URL, UpdateInterval: time.Minute,
			Timeout: time.Second, RetryAttempts: 1,
		})
		if err != nil {
			t.Fatalf("NewHTTPSource(%s) error = %v", id, err)
		}
		return src
	}

	store, ping := integrationCache(t)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 2})
	tracker := traffic.NewTracker()
	primaryID, backupID := airport+"-station", airport+"-backup"
	svc := service.NewWeatherService(service.Options{
		Airports: []service.Airport{{
			ID:      airport,
			Primary: []fetch.Source{newSource(primaryID, primary)},
			Backup:  []fetch.Source{newSource(backupID, backup)},
		}},
		Fetcher:  fetch.New(breakers, tracker, 3*time.Second, zap.NewNop()),
		Breakers: breakers,
		Cache:    store,
		FreshFor: 200 * time.Millisecond,
	})
	handler := NewHandler(svc, &HealthConfig{
		Breakers:         breakers,
		Tracker:          tracker,
		Sources:          []string{primaryID, backupID},
		DegradedErrorPct: 50,
		CachePing:        ping,
	}, zap.NewNop())

	return integrationStack{
		router:   NewRouter(RouterOptions{Handler: handler, Limiter: limiter, RequestTimeout: 5 * time.Second}),
		breakers: breakers,
		primary:  primary,
		backup:   backup,
	}
}

func doGet(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return w.Code, body
}

// uniqueAirport returns a four character id that differs between runs.
func uniqueAirport() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	n := time.Now().UnixNano()
	b := []byte{'Z', 0, 0, 0}
	for i := 1; i < 4; i++ {
		b[i] = letters[n%26]
		n /= 26
	}
	return string(b)
}

// TestIntegration_ColdRequestRefreshes verifies that a cold GET runs the
// pipeline, forwards the correlation id upstream and serves the merge.
func TestIntegration_ColdRequestRefreshes(t *testing.T) {
	airport := uniqueAirport()
	s := setupIntegrationStack(t, airport, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/weather/"+airport, nil)
	req.Header.Set("X-Correlation-ID", "integration-1")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var body struct {
		Fields   map[string]interface{} `json:"fields"`
		OnBackup []string               `json:"onBackup"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Fields[observation.FieldTemperature.Key()] != 14.0 {
		t.Errorf("temperature = %v, want primary 14", body.Fields["temperature"])
	}
	if body.Fields[observation.FieldVisibility.Key()] != float64(10) {
		t.Errorf("visibility = %v, want backup 10", body.Fields["visibility"])
	}
	if ids := s.primary.CorrelationIDs(); len(ids) != 1 || ids[0] != "integration-1" {
		t.Errorf("upstream correlation ids = %v, want [integration-1]", ids)
	}
}

// TestIntegration_ConcurrentColdRequestsCoalesce verifies that simultaneous
// cold requests share one fetch round.
func TestIntegration_ConcurrentColdRequestsCoalesce(t *testing.T) {
	airport := uniqueAirport()
	s := setupIntegrationStack(t, airport, nil)

	var wg sync.WaitGroup
	codes := make([]int, 10)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, httptest.NewRequest("GET", "/weather/"+airport, nil))
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for i, c := range codes {
		if c != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, c)
		}
	}
	if hits := s.primary.Hits(); hits > 2 {
		t.Errorf("primary fetched %d times for 10 concurrent requests, want coalesced", hits)
	}
}

// TestIntegration_PrimaryOutage verifies that after the primary fails, the
// stored observation keeps its fields, the breaker opens and health degrades.
func TestIntegration_PrimaryOutage(t *testing.T) {
	airport := uniqueAirport()
	s := setupIntegrationStack(t, airport, nil)

	if code, _ := doGet(t, s.router, "/weather/"+airport); code != http.StatusOK {
		t.Fatalf("warm-up status = %d, want 200", code)
	}
	s.primary.Fail(http.StatusBadGateway)

	for i := 0; i < 2; i++ {
		time.Sleep(250 * time.Millisecond)
		code, body := doGet(t, s.router, "/weather/"+airport)
		if code != http.StatusOK {
			t.Fatalf("outage request %d status = %d, want 200", i, code)
		}
		fields := body["fields"].(map[string]interface{})
		if fields["pressure"] == nil {
			t.Errorf("outage request %d lost pressure; cached value should carry", i)
		}
	}

	code, health := doGet(t, s.router, "/health")
	if code != http.StatusOK || health["status"] != "degraded" || health["reason"] != "breaker_open" {
		t.Errorf("health = %d %v %v, want 200 degraded breaker_open", code, health["status"], health["reason"])
	}
}

// TestIntegration_RateLimit verifies that /weather is throttled while /health
// is not.
func TestIntegration_RateLimit(t *testing.T) {
	airport := uniqueAirport()
	s := setupIntegrationStack(t, airport, rate.NewLimiter(rate.Every(time.Hour), 1))

	if code, _ := doGet(t, s.router, "/weather/"+airport); code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", code)
	}
	if code, body := doGet(t, s.router, "/weather/"+airport); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429: %v", code, body)
	}
	if code, _ := doGet(t, s.router, "/health"); code != http.StatusOK {
		t.Errorf("health status = %d, want 200", code)
	}
}
