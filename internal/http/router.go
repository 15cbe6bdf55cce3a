package http

import (
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/airfield-weather/internal/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Handler *Handler
	Logger  *zap.Logger
	// Limiter throttles /weather only; nil disables rate limiting.
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
	// TestingMode exposes /test and /test/{action}.
	TestingMode bool
}

// NewRouter wires the service routes. /health and /metrics sit outside the
// rate limit and request deadline so probes keep answering under load.
func NewRouter(opts RouterOptions) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", opts.Handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(opts.Limiter))
	if opts.RequestTimeout > 0 {
		weatherRouter.Use(TimeoutMiddleware(opts.RequestTimeout))
	}
	weatherRouter.HandleFunc("/{airport}", opts.Handler.GetWeather).Methods("GET")

	if opts.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
		router.HandleFunc("/test", opts.Handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", opts.Handler.PostTestAction).Methods("POST")
	}
	return router
}
