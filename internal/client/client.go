package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kjstillabower/airfield-weather/internal/observability"
	"github.com/kjstillabower/airfield-weather/internal/observation"
)

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrStationNotFound  = errors.New("station not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrCircuitOpen      = errors.New("circuit breaker open")
)

// Options configures an HTTPSource.
type Options struct {
	ID             string
	Kind           observation.SourceKind
	URL            string
	APIKey         string
	UpdateInterval time.Duration
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// Now overrides the fetch clock; nil means time.Now.
	Now func() time.Time
}

// HTTPSource fetches one provider's normalized observation payload and turns
// it into a Snapshot. Each attempt runs through a request-level breaker that
// trips on consecutive failed attempts.
type HTTPSource struct {
	id             string
	kind           observation.SourceKind
	url            string
	apiKey         string
	interval       time.Duration
	timeout        time.Duration
	client         *http.Client
	circuit        *gobreaker.CircuitBreaker
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	now            func() time.Time
}

// NewHTTPSource validates opts and returns a source.
func NewHTTPSource(opts Options) (*HTTPSource, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("source id is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("source %s: invalid URL %q", opts.ID, opts.URL)
	}
	if opts.Kind == "" {
		opts.Kind = observation.KindGeneric
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &HTTPSource{
		id:             opts.ID,
		kind:           opts.Kind,
		url:            opts.URL,
		apiKey:         opts.APIKey,
		interval:       opts.UpdateInterval,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		now:            opts.Now,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
		circuit: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        opts.ID,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}, nil
}

func (s *HTTPSource) ID() string                   { return s.id }
func (s *HTTPSource) Kind() observation.SourceKind { return s.kind }

// Fetch retrieves the current snapshot, retrying transient failures with
// exponential backoff and jitter.
func (s *HTTPSource) Fetch(ctx context.Context) (observation.Snapshot, error) {
	var lastErr error

	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.SourceRetriesTotal.WithLabelValues(s.id).Inc()
			delay := s.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return observation.Snapshot{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		snap, err := s.attempt(ctx)
		if err == nil {
			return snap, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return observation.Snapshot{}, err
		}
	}

	return observation.Snapshot{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (s *HTTPSource) attempt(ctx context.Context) (observation.Snapshot, error) {
	result, err := s.circuit.Execute(func() (interface{}, error) {
		return s.callAPI(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return observation.Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, s.id, err)
	}
	if err != nil {
		return observation.Snapshot{}, err
	}
	body, ok := result.([]byte)
	if !ok {
		return observation.Snapshot{}, fmt.Errorf("unexpected result type from circuit breaker")
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return observation.Snapshot{}, fmt.Errorf("%w: parse response: %v", ErrMalformedPayload, err)
	}
	return p.toSnapshot(s.id, s.kind, s.now(), s.interval)
}

func (s *HTTPSource) callAPI(ctx context.Context) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := s.buildRequest(reqCtx)
	if err != nil {
		observability.SourceFetchTotal.WithLabelValues(s.id, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.SourceFetchTotal.WithLabelValues(s.id, "error").Inc()
		observability.SourceFetchDuration.WithLabelValues(s.id, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.SourceFetchTotal.WithLabelValues(s.id, status).Inc()
	observability.SourceFetchDuration.WithLabelValues(s.id, status).Observe(duration)

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

func (s *HTTPSource) buildRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	return req, nil
}

func (s *HTTPSource) calculateBackoff(attempt int) time.Duration {
	delay := float64(s.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(s.retryMaxDelay) {
		delay = float64(s.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return true
	}
	return false
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%w", ErrStationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
