package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/airfield-weather/internal/circuitbreaker"
	"github.com/kjstillabower/airfield-weather/internal/lifecycle"
	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observability"
	"github.com/kjstillabower/airfield-weather/internal/service"
	"github.com/kjstillabower/airfield-weather/internal/traffic"
)

var airportPattern = regexp.MustCompile(`^[A-Za-z0-9]{3,4}$`)

// WeatherService is the subset of the service the handlers use.
type WeatherService interface {
	GetWeather(ctx context.Context, airport string) (models.Report, error)
}

// HealthConfig holds the inputs to the health decision.
type HealthConfig struct {
	Breakers *circuitbreaker.Registry
	Tracker  *traffic.Tracker
	// Sources lists the configured source ids so that sources which have not
	// been fetched yet still appear.
	Sources []string
	// ErrorWindow and DegradedErrorPct mark the service degraded when any
	// source's fetch error rate over the window reaches the percentage.
	ErrorWindow      time.Duration
	DegradedErrorPct int
	// CachePing, when set, is called to check cache reachability. Used for the
	// memcached and redis backends.
	CachePing func(ctx context.Context) error
	StartTime time.Time
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          WeatherService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil, in which case
// health reports only the lifecycle phase.
func NewHandler(weather WeatherService, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:      weather,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// GetWeather handles GET /weather/{airport}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	airport := strings.TrimSpace(mux.Vars(r)["airport"])
	if !airportPattern.MatchString(airport) {
		writeError(w, r, http.StatusBadRequest, "INVALID_AIRPORT", "airport must be a 3 or 4 character identifier")
		return
	}

	report, err := h.weather.GetWeather(r.Context(), airport)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case errors.Is(err, service.ErrUnknownAirport):
		writeError(w, r, http.StatusNotFound, "UNKNOWN_AIRPORT", "airport is not tracked: "+strings.ToUpper(airport))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "observation not ready before the request deadline")
		observability.LoggerFrom(r.Context(), h.logger).Debug("weather request timed out", zap.String("airport", airport))
	default:
		writeServiceError(w, r, err)
	}
}

// sourceHealth is the per-source block in the health response.
type sourceHealth struct {
	Breaker      string  `json:"breaker"`
	Successes    int     `json:"successes"`
	Errors       int     `json:"errors"`
	Skipped      int     `json:"skipped"`
	ErrorRatePct float64 `json:"errorRatePct"`
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	sources    map[string]sourceHealth
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "airfield-weather",
		"version":   "dev",
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(result.sources) > 0 {
		resp["sources"] = result.sources
	}
	if result.reason != "" {
		resp["reason"] = result.reason
	}
	if h.healthConfig != nil && !h.healthConfig.StartTime.IsZero() {
		resp["uptime"] = time.Since(h.healthConfig.StartTime).Round(time.Second).String()
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates, in priority order: shutting-down, starting,
// cache unreachable, open breakers, source error rate, healthy. A degraded
// service still answers from backup sources and the stored observations, so
// degraded reports 200; only shutting-down and starting take the instance out
// of rotation.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	res := healthResult{status: "healthy", statusCode: http.StatusOK, checks: map[string]string{}}

	switch lifecycle.CurrentPhase() {
	case lifecycle.PhaseDraining:
		res.status, res.statusCode, res.reason = "shutting-down", http.StatusServiceUnavailable, "signal"
		return res
	case lifecycle.PhaseStarting:
		res.status, res.statusCode, res.reason = "starting", http.StatusServiceUnavailable, "initial_refresh"
		return res
	}
	if h.healthConfig == nil {
		return res
	}

	res.sources = h.sourceHealth()

	if h.healthConfig.CachePing != nil {
		if err := h.healthConfig.CachePing(ctx); err != nil {
			res.checks["cache"] = "unhealthy"
			res.status, res.reason = "degraded", "cache_unreachable"
		} else {
			res.checks["cache"] = "healthy"
		}
	}

	var open []string
	var breached []string
	for id, s := range res.sources {
		if s.Breaker != circuitbreaker.StateClosed.String() {
			open = append(open, id)
		}
		if h.healthConfig.DegradedErrorPct > 0 && s.Errors > 0 && s.ErrorRatePct >= float64(h.healthConfig.DegradedErrorPct) {
			breached = append(breached, id)
		}
	}
	if len(open) > 0 {
		res.checks["sources"] = "unhealthy"
		if res.reason == "" {
			res.status, res.reason = "degraded", "breaker_open"
		}
	} else if len(breached) > 0 {
		res.checks["sources"] = "unhealthy"
		if res.reason == "" {
			res.status, res.reason = "degraded", "error_rate_breach"
		}
	} else {
		res.checks["sources"] = "healthy"
	}
	return res
}

func (h *Handler) sourceHealth() map[string]sourceHealth {
	cfg := h.healthConfig
	out := make(map[string]sourceHealth)
	ids := append([]string(nil), cfg.Sources...)
	if cfg.Tracker != nil {
		ids = append(ids, cfg.Tracker.Sources()...)
	}
	var states map[string]circuitbreaker.State
	if cfg.Breakers != nil {
		states = cfg.Breakers.States()
		for id := range states {
			ids = append(ids, id)
		}
	}
	window := cfg.ErrorWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		s := sourceHealth{Breaker: circuitbreaker.StateClosed.String()}
		if st, ok := states[id]; ok {
			s.Breaker = st.String()
		}
		if cfg.Tracker != nil {
			stats := cfg.Tracker.Stats(id, window)
			s.Successes, s.Errors, s.Skipped = stats.Successes, stats.Errors, stats.Skipped
			s.ErrorRatePct = stats.ErrorRate() * 100
		}
		out[id] = s
	}
	return out
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID, _ := r.Context().Value("correlation_id").(string)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// writeServiceError writes a 503 when no observation could be produced.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusServiceUnavailable, "NO_OBSERVATION", "No observation available for this airport")
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok && logger != nil {
		logger.Debug("observation unavailable", zap.Error(err))
	}
}
