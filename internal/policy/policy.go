package policy

import (
	"time"

	"github.com/kjstillabower/airfield-weather/internal/observation"
)

// Freshness is the display-time staleness classification of a field.
type Freshness string

const (
	Fresh   Freshness = "fresh"
	Warning Freshness = "warning"
	Error   Freshness = "error"
)

// Classify buckets an age against warning and fail-closed thresholds. A
// negative age (clock skew) is fresh.
func Classify(age, warning, failClosed time.Duration) Freshness {
	switch {
	case age >= failClosed:
		return Error
	case age >= warning:
		return Warning
	default:
		return Fresh
	}
}

// Policy is the aggregation and staleness configuration shared by the
// aggregator and the merger. Use Default; tests may substitute their own.
type Policy struct {
	WindGroup      []observation.Field
	MetarPreferred []observation.Field
	Independent    []observation.Field

	WarningMultiplier    int
	FailClosedMultiplier int
	Backstop             time.Duration
	DefaultInterval      time.Duration

	MetarWarning    time.Duration
	MetarFailClosed time.Duration

	RecoveryCycles int
	RecoveryWindow time.Duration

	WindMergeTolerance  time.Duration
	GroupTolerance      time.Duration
	LenientBackupWindow time.Duration
}

// Default returns the compiled-in policy.
func Default() Policy {
	return Policy{
		WindGroup: []observation.Field{
			observation.FieldWindSpeed,
			observation.FieldWindDirection,
			observation.FieldGustSpeed,
		},
		MetarPreferred: []observation.Field{
			observation.FieldVisibility,
			observation.FieldCeiling,
			observation.FieldCloudCover,
		},
		Independent: []observation.Field{
			observation.FieldTemperature,
			observation.FieldDewpoint,
			observation.FieldHumidity,
			observation.FieldPressure,
			observation.FieldPrecipAccum,
		},
		WarningMultiplier:    5,
		FailClosedMultiplier: 10,
		Backstop:             3 * time.Hour,
		DefaultInterval:      60 * time.Second,
		MetarWarning:         time.Hour,
		MetarFailClosed:      2 * time.Hour,
		RecoveryCycles:       3,
		RecoveryWindow:       5 * time.Minute,
		WindMergeTolerance:   10 * time.Second,
		GroupTolerance:       60 * time.Second,
		LenientBackupWindow:  5 * time.Minute,
	}
}

// Thresholds is a warning/fail-closed pair.
type Thresholds struct {
	Warning    time.Duration
	FailClosed time.Duration
}

// Classify buckets age against t.
func (t Thresholds) Classify(age time.Duration) Freshness {
	return Classify(age, t.Warning, t.FailClosed)
}

// Stale reports age at or beyond the fail-closed threshold.
func (t Thresholds) Stale(age time.Duration) bool {
	return age >= t.FailClosed
}

// For returns the thresholds for a source of the given kind and nominal update
// interval. A zero interval uses DefaultInterval.
func (p Policy) For(kind observation.SourceKind, interval time.Duration) Thresholds {
	if kind == observation.KindMETAR {
		return Thresholds{Warning: p.MetarWarning, FailClosed: p.MetarFailClosed}
	}
	if interval <= 0 {
		interval = p.DefaultInterval
	}
	return Thresholds{
		Warning:    capAt(interval*time.Duration(p.WarningMultiplier), p.Backstop),
		FailClosed: capAt(interval*time.Duration(p.FailClosedMultiplier), p.Backstop),
	}
}

// Recovered reports whether a source that failed has completed recovery:
// enough consecutive successful cycles and enough elapsed time since the
// streak began. A zero Since means the source has never failed, so only the
// cycle count applies.
func (p Policy) Recovered(r Recovery, now time.Time) bool {
	if r.Cycles < p.RecoveryCycles {
		return false
	}
	return r.Since.IsZero() || now.Sub(r.Since) >= p.RecoveryWindow
}

// Recovery is the circuit breaker's view of a source's recovery progress:
// consecutive successful cycles and when the current success streak began
// after the last failure.
type Recovery struct {
	Cycles int
	Since  time.Time
}

// SourceProfile describes how a source's readings age.
type SourceProfile struct {
	Kind     observation.SourceKind
	Interval time.Duration
}

// Profiles maps source ids to profiles.
type Profiles map[string]SourceProfile

// Thresholds resolves per-source thresholds. Unknown sources are treated as
// generic with the default interval.
func (p Policy) Thresholds(profiles Profiles, source string) Thresholds {
	prof, ok := profiles[source]
	if !ok {
		return p.For(observation.KindGeneric, 0)
	}
	return p.For(prof.Kind, prof.Interval)
}

func capAt(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
