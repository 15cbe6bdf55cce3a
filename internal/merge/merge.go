// Package merge reconciles a freshly aggregated observation against backup
// sources and the previously cached observation. Every function here is pure:
// the same inputs and clock produce the same output.
package merge

import (
	"fmt"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/policy"
	"github.com/kjstillabower/airfield-weather/internal/validation"
)

// Merger applies staleness thresholds resolved per source.
type Merger struct {
	policy   policy.Policy
	profiles policy.Profiles
}

// New returns a Merger. profiles maps source ids to their kind and nominal
// update interval; unknown sources get generic thresholds at the default
// interval.
func New(p policy.Policy, profiles policy.Profiles) *Merger {
	return &Merger{policy: p, profiles: profiles}
}

func (m *Merger) thresholds(source string) policy.Thresholds {
	return m.policy.Thresholds(m.profiles, source)
}

// candidate is one side's offer for a field.
type candidate struct {
	value   observation.Value
	source  string
	obsTime time.Time
	role    models.Role
	present bool
}

func candidateOf(o models.Observation, f observation.Field, role models.Role) candidate {
	v, ok := o.Get(f)
	t, _ := o.ObsTime(f)
	return candidate{value: v, source: o.FieldSource[f], obsTime: t, role: role, present: ok}
}

func (c candidate) hasValue() bool { return c.present && !c.value.IsNull() }

func (c candidate) newerThan(o candidate) bool { return c.obsTime.After(o.obsTime) }

// check reports whether c can be used now. A value without an observation time
// is treated as stale. The returned rejection is empty when c is simply absent.
func (m *Merger) check(f observation.Field, c candidate, ctx validation.Context, now time.Time) (bool, *models.Rejection) {
	if !c.hasValue() {
		return false, nil
	}
	if c.obsTime.IsZero() {
		return false, &models.Rejection{Field: f, Source: c.source, Kind: models.RejectStale,
			Reason: fmt.Sprintf("%s has no observation time", f)}
	}
	age := now.Sub(c.obsTime)
	if m.thresholds(c.source).Stale(age) {
		return false, &models.Rejection{Field: f, Source: c.source, Kind: models.RejectStale,
			Reason: fmt.Sprintf("%s age %s", f, age.Round(time.Second))}
	}
	if res := validation.Validate(f, c.value, ctx); !res.Valid {
		return false, &models.Rejection{Field: f, Source: c.source, Kind: models.RejectValidation, Reason: res.Reason}
	}
	return true, nil
}

func record(out *models.Observation, r *models.Rejection) {
	if r != nil {
		out.Rejections = append(out.Rejections, *r)
	}
}

func put(out *models.Observation, f observation.Field, c candidate) {
	out.Set(f, c.value, c.source, c.obsTime, c.role)
}

// servedContext cross-references the temperature and wind speed already chosen
// into out, falling back to fallback for a field out does not serve yet.
func servedContext(out models.Observation, fallback validation.Context) validation.Context {
	ctx := fallback
	if out.Has(observation.FieldTemperature) {
		ctx.Temperature = out.Values[observation.FieldTemperature]
	}
	if out.Has(observation.FieldWindSpeed) {
		ctx.WindSpeed = out.Values[observation.FieldWindSpeed]
	}
	return ctx
}

// dropInconsistent re-checks every served scalar against the served
// temperature and removes any that now fail a relationship, such as a
// dewpoint left above a temperature that changed source.
func dropInconsistent(out *models.Observation) {
	ctx := servedContext(*out, validation.Context{})
	for _, f := range observation.ScalarFields {
		if !out.Has(f) {
			continue
		}
		if res := validation.Validate(f, out.Values[f], ctx); !res.Valid {
			out.Reject(f, out.FieldSource[f], models.RejectValidation, res.Reason)
			out.Delete(f)
		}
	}
}

// consistency returns the first relationship failure among o's served
// scalars, or a valid result.
func consistency(o models.Observation) validation.Result {
	ctx := servedContext(o, validation.Context{})
	for _, f := range observation.ScalarFields {
		if !o.Has(f) {
			continue
		}
		if res := validation.Validate(f, o.Values[f], ctx); !res.Valid {
			return res
		}
	}
	return validation.Result{Valid: true}
}

// isMETAR reports whether source is configured as a METAR feed.
func (m *Merger) isMETAR(source string) bool {
	return m.profiles[source].Kind == observation.KindMETAR
}

func (m *Merger) metarPreferred(f observation.Field) bool {
	for _, mf := range m.policy.MetarPreferred {
		if mf == f {
			return true
		}
	}
	return false
}

// Classify applies display-time staleness per present field. Fields without an
// observation time fail closed, except daily fields and the precipitation
// counter reset, which are always fresh.
func (m *Merger) Classify(o models.Observation, now time.Time) map[observation.Field]policy.Freshness {
	out := make(map[observation.Field]policy.Freshness, len(o.Values))
	for f, v := range o.Values {
		if v.IsNull() {
			continue
		}
		if f.Daily() {
			out[f] = policy.Fresh
			continue
		}
		t, ok := o.ObsTime(f)
		if !ok {
			if f == observation.FieldPrecipAccum {
				out[f] = policy.Fresh
			} else {
				out[f] = policy.Error
			}
			continue
		}
		out[f] = m.thresholds(o.FieldSource[f]).Classify(now.Sub(t))
	}
	return out
}

// refreshLastUpdated sets LastUpdated to the newest field observation time,
// or fallback when no field carries one.
func refreshLastUpdated(o *models.Observation, fallback time.Time) {
	o.LastUpdated = time.Time{}
	for _, t := range o.FieldObsTime {
		if t.After(o.LastUpdated) {
			o.LastUpdated = t
		}
	}
	if o.LastUpdated.IsZero() {
		o.LastUpdated = fallback
	}
}
