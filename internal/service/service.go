package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kjstillabower/airfield-weather/internal/aggregator"
	"github.com/kjstillabower/airfield-weather/internal/cache"
	"github.com/kjstillabower/airfield-weather/internal/circuitbreaker"
	"github.com/kjstillabower/airfield-weather/internal/fetch"
	"github.com/kjstillabower/airfield-weather/internal/merge"
	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observability"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/policy"
)

var (
	ErrUnknownAirport = errors.New("unknown airport")
	ErrNoObservation  = errors.New("no observation available")
)

var tracer = otel.Tracer("airfield-weather/service")

// Airport is one airport's sources. Primary is in preference order and
// carries any METAR feed; Backup is aggregated on its own and merged in per
// field.
type Airport struct {
	ID      string
	Primary []fetch.Source
	Backup  []fetch.Source
}

// Fetcher runs one fetch round across sources.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []fetch.Source) []observation.Snapshot
}

// Options configures a WeatherService. Breakers must be the registry the
// Fetcher records outcomes on so that hysteresis sees the same recovery state.
type Options struct {
	Airports   []Airport
	Fetcher    Fetcher
	Breakers   *circuitbreaker.Registry
	Cache      cache.Cache
	Aggregator *aggregator.Aggregator
	Merger     *merge.Merger

	// FreshFor is how long a stored observation is served without refreshing.
	FreshFor time.Duration
	// Retention is the backend TTL of stored observations.
	Retention       time.Duration
	CoalesceTimeout time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// WeatherService runs the per-airport pipeline and serves its results.
type WeatherService struct {
	airports   map[string]Airport
	fetcher    Fetcher
	breakers   *circuitbreaker.Registry
	cache      cache.Cache
	aggregator *aggregator.Aggregator
	merger     *merge.Merger
	freshFor   time.Duration
	retention  time.Duration
	coalescer  *refreshCoalescer
	logger     *zap.Logger
	now        func() time.Time
}

// NewWeatherService builds a service. Aggregator and Merger default to the
// compiled-in policy.
func NewWeatherService(opts Options) *WeatherService {
	if opts.Aggregator == nil {
		opts.Aggregator = aggregator.New(policy.Default())
	}
	if opts.Merger == nil {
		opts.Merger = merge.New(policy.Default(), nil)
	}
	if opts.FreshFor <= 0 {
		opts.FreshFor = time.Minute
	}
	if opts.Retention < opts.FreshFor {
		opts.Retention = opts.FreshFor
	}
	if opts.CoalesceTimeout <= 0 {
		opts.CoalesceTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	airports := make(map[string]Airport, len(opts.Airports))
	for _, a := range opts.Airports {
		a.ID = observability.NormalizeAirport(a.ID)
		airports[a.ID] = a
	}
	return &WeatherService{
		airports:   airports,
		fetcher:    opts.Fetcher,
		breakers:   opts.Breakers,
		cache:      opts.Cache,
		aggregator: opts.Aggregator,
		merger:     opts.Merger,
		freshFor:   opts.FreshFor,
		retention:  opts.Retention,
		coalescer:  newRefreshCoalescer(opts.CoalesceTimeout),
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// GetWeather returns the report for airport. A stored observation younger than
// FreshFor is served as is; otherwise the airport is refreshed, coalescing
// with any refresh already in flight. When the refresh fails the stored
// observation, if any, is served and display-time staleness withholds what
// has aged out.
func (s *WeatherService) GetWeather(ctx context.Context, airport string) (models.Report, error) {
	id := observability.NormalizeAirport(airport)
	if _, ok := s.airports[id]; !ok {
		return models.Report{}, fmt.Errorf("%w: %s", ErrUnknownAirport, id)
	}
	observability.RecordObservationQuery(id)
	logger := observability.LoggerFrom(ctx, s.logger)

	entry, cached := s.load(ctx, logger, id)
	if cached && entry.Age(s.now()) < s.freshFor {
		observability.CacheHitsTotal.WithLabelValues("observation").Inc()
		logger.Debug("observation served from cache", zap.String("airport", id), zap.Duration("age", entry.Age(s.now())))
		return s.report(entry.Observation), nil
	}

	obs, shared, err := s.refreshCoalesced(ctx, id)
	if err != nil {
		if cached {
			logger.Warn("refresh failed, serving stored observation",
				zap.String("airport", id), zap.Duration("age", entry.Age(s.now())), zap.Error(err))
			return s.report(entry.Observation), nil
		}
		return models.Report{}, err
	}
	logger.Debug("observation served", zap.String("airport", id), zap.Bool("coalesced", shared))
	return s.report(obs), nil
}

// RefreshAirport runs the pipeline for airport and stores the result. It is
// the scheduled refresher's entry point.
func (s *WeatherService) RefreshAirport(ctx context.Context, airport string) error {
	id := observability.NormalizeAirport(airport)
	if _, ok := s.airports[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAirport, id)
	}
	_, _, err := s.refreshCoalesced(ctx, id)
	return err
}

func (s *WeatherService) refreshCoalesced(ctx context.Context, id string) (models.Observation, bool, error) {
	detached := context.WithoutCancel(ctx)
	return s.coalescer.Do(ctx, id, func() (models.Observation, error) {
		return s.Refresh(detached, id)
	})
}

// Refresh fetches every source for the airport, aggregates primary and backup
// separately, merges backup in per field with hysteresis against the primary
// source's recovery, fills gaps from the stored observation, and stores the
// result.
func (s *WeatherService) Refresh(ctx context.Context, airport string) (models.Observation, error) {
	id := observability.NormalizeAirport(airport)
	a, ok := s.airports[id]
	if !ok {
		return models.Observation{}, fmt.Errorf("%w: %s", ErrUnknownAirport, id)
	}

	ctx, span := tracer.Start(ctx, "refresh-airport", trace.WithAttributes(attribute.String("airport", id)))
	defer span.End()
	logger := observability.LoggerFrom(ctx, s.logger).With(zap.String("airport", id))
	start := time.Now()

	var primarySnaps, backupSnaps []observation.Snapshot
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		primarySnaps = s.fetcher.FetchAll(ctx, a.Primary)
	}()
	if len(a.Backup) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			backupSnaps = s.fetcher.FetchAll(ctx, a.Backup)
		}()
	}
	wg.Wait()
	span.SetAttributes(
		attribute.Int("snapshots.primary", len(primarySnaps)),
		attribute.Int("snapshots.backup", len(backupSnaps)),
	)

	entry, cached := s.load(ctx, logger, id)
	if len(primarySnaps) == 0 && len(backupSnaps) == 0 && !cached {
		observability.RefreshTotal.WithLabelValues("empty").Inc()
		span.SetStatus(codes.Error, "no sources and no stored observation")
		logger.Warn("refresh produced nothing", zap.Int("primary_sources", len(a.Primary)), zap.Int("backup_sources", len(a.Backup)))
		return models.Observation{}, fmt.Errorf("%w: %s", ErrNoObservation, id)
	}

	now := s.now()
	primary := s.aggregator.Aggregate(primarySnaps, now)
	primary.Airport = id
	backup := s.aggregator.Aggregate(backupSnaps, now)
	backup.Airport = id

	var previous map[observation.Field]models.Role
	var stored *models.Observation
	if cached {
		previous = entry.Observation.FieldRole
		stored = &entry.Observation
	}
	merged := s.merger.MergeWithBackup(primary, backup, previous, s.recovery(a), now)
	out := s.merger.MergeWithCache(merged, stored, now)
	out.Airport = id

	s.recordSelections(logger, merged, out)
	s.recordRejections(logger, out.Rejections)
	out.Rejections = nil

	if err := s.cache.Set(ctx, id, cache.Entry{Observation: out, StoredAt: now}, s.retention); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.Error(err))
		observability.RefreshTotal.WithLabelValues("store_failed").Inc()
	} else {
		observability.RefreshTotal.WithLabelValues("success").Inc()
	}

	logger.Debug("refresh complete",
		zap.Int("fields", len(out.Values)),
		zap.Int("primary_snapshots", len(primarySnaps)),
		zap.Int("backup_snapshots", len(backupSnaps)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

// recovery reports the preferred primary source's recovery progress. An
// airport without a breaker registry is treated as always recovered.
func (s *WeatherService) recovery(a Airport) policy.Recovery {
	if s.breakers == nil || len(a.Primary) == 0 {
		return policy.Recovery{Cycles: math.MaxInt}
	}
	return s.breakers.For(a.Primary[0].ID()).Recovery()
}

func (s *WeatherService) load(ctx context.Context, logger *zap.Logger, id string) (cache.Entry, bool) {
	entry, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("airport", id), zap.Error(err))
		return cache.Entry{}, false
	}
	return entry, ok
}

func (s *WeatherService) report(o models.Observation) models.Report {
	return models.NewReport(o, s.merger.Classify(o, s.now()))
}

// recordSelections counts fields served from backup or from the stored
// observation, and how the wind group was chosen.
func (s *WeatherService) recordSelections(logger *zap.Logger, merged, out models.Observation) {
	var onBackup, fromCache []string
	for f := range out.Values {
		if f.IsWind() {
			continue
		}
		if out.FieldSource[f] == "" {
			continue
		}
		if _, fresh := merged.Get(f); !fresh {
			fromCache = append(fromCache, f.Key())
			observability.FallbackSelectionsTotal.WithLabelValues(f.Key(), "cache").Inc()
			continue
		}
		if out.FieldRole[f] == models.RoleBackup {
			onBackup = append(onBackup, f.Key())
			observability.FallbackSelectionsTotal.WithLabelValues(f.Key(), "backup").Inc()
		}
	}
	observability.WindSelectionTotal.WithLabelValues(windOutcome(merged, out)).Inc()
	if len(onBackup) > 0 || len(fromCache) > 0 {
		logger.Info("fallback values in use", zap.Strings("backup", onBackup), zap.Strings("cache", fromCache))
	}
}

func windOutcome(merged, out models.Observation) string {
	speed := observation.FieldWindSpeed
	if !out.Has(speed) {
		return "none"
	}
	if _, fresh := merged.Get(speed); !fresh {
		return "cache"
	}
	if role := out.FieldRole[speed]; role != "" {
		return string(role)
	}
	return "primary"
}

func (s *WeatherService) recordRejections(logger *zap.Logger, rejections []models.Rejection) {
	for _, r := range rejections {
		observability.FieldRejectionsTotal.WithLabelValues(r.Field.Key(), string(r.Kind)).Inc()
		fields := []zap.Field{
			zap.String("field", r.Field.Key()),
			zap.String("source", r.Source),
			zap.String("kind", string(r.Kind)),
			zap.String("reason", r.Reason),
		}
		if r.Kind == models.RejectValidation {
			logger.Warn("field rejected", fields...)
		} else {
			logger.Debug("field rejected", fields...)
		}
	}
}

// Airports returns the served airport ids.
func (s *WeatherService) Airports() []string {
	ids := make([]string, 0, len(s.airports))
	for id := range s.airports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
