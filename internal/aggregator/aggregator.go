// Package aggregator fuses an ordered list of source snapshots into one
// observation with per-field provenance. It performs no I/O.
package aggregator

import (
	"fmt"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/policy"
	"github.com/kjstillabower/airfield-weather/internal/validation"
)

// Aggregator selects field values from snapshots supplied in preference order.
type Aggregator struct {
	policy policy.Policy
}

// New returns an Aggregator using p.
func New(p policy.Policy) *Aggregator {
	return &Aggregator{policy: p}
}

// Aggregate merges snapshots (most preferred first) into one observation.
// Staleness is a hard gate at each snapshot's own fail-closed threshold; the
// warning band is applied at display time. An empty or all-invalid list yields
// an empty observation.
func (a *Aggregator) Aggregate(snapshots []observation.Snapshot, now time.Time) models.Observation {
	out := models.NewObservation("")

	usable := make([]observation.Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s.IsValid() {
			usable = append(usable, s)
		}
	}

	a.selectWind(&out, usable, now)
	for _, f := range a.policy.MetarPreferred {
		a.selectMetarPreferred(&out, f, usable, now)
	}
	for _, f := range a.policy.Independent {
		a.selectFirst(&out, f, usable, now)
	}
	summarize(&out, usable, now)
	return out
}

// stale gates on the fail-closed threshold for the snapshot's kind and update
// interval. A reading with no observation time is treated as stale.
func (a *Aggregator) stale(s observation.Snapshot, r observation.Reading, now time.Time) bool {
	age, ok := r.Age(now)
	return !ok || a.policy.For(s.Kind(), s.UpdateInterval()).Stale(age)
}

func ageOf(r observation.Reading, now time.Time) time.Duration {
	age, _ := r.Age(now)
	return age.Round(time.Second)
}

// selectWind copies the first complete, fresh, valid wind group verbatim.
// When none qualifies the wind fields stay absent.
func (a *Aggregator) selectWind(out *models.Observation, snaps []observation.Snapshot, now time.Time) {
	for _, s := range snaps {
		w := s.Wind()
		if !w.IsComplete() {
			if !validation.IsFieldNullValid(observation.FieldWindDirection, s.Values()) {
				out.Reject(observation.FieldWindDirection, s.Source(), models.RejectNullField,
					"wind speed reported without direction")
			}
			continue
		}
		if a.stale(s, w.Speed(), now) {
			out.Reject(observation.FieldWindSpeed, s.Source(), models.RejectStale,
				fmt.Sprintf("wind group age %s", ageOf(w.Speed(), now)))
			continue
		}
		if res := validateWind(w); !res.Valid {
			out.Reject(observation.FieldWindSpeed, s.Source(), models.RejectValidation, res.Reason)
			continue
		}
		setWind(out, w, "")
		return
	}
}

func validateWind(w observation.WindGroup) validation.Result {
	ctx := validation.Context{WindSpeed: w.Speed().Value()}
	for _, f := range observation.WindFields {
		r, _ := w.Reading(f)
		if r.IsExplicitNull() {
			continue
		}
		if res := validation.ValidateReading(f, r, ctx); !res.Valid {
			return res
		}
	}
	return validation.Result{Valid: true}
}

// setWind writes all four wind-derived fields from one group. A group without
// gust records gust and gust factor as explicit nulls from the same source.
func setWind(out *models.Observation, w observation.WindGroup, role models.Role) {
	t, _ := w.ObsTime()
	src := w.Source()
	out.Set(observation.FieldWindSpeed, w.Speed().Value(), src, t, role)
	out.Set(observation.FieldWindDirection, w.Direction().Value(), src, t, role)
	if w.Gust().HasValue() {
		out.Set(observation.FieldGustSpeed, w.Gust().Value(), src, t, role)
	} else {
		out.SetNull(observation.FieldGustSpeed, src, t, role)
	}
	if gf, ok := w.GustFactor(); ok {
		out.Set(observation.FieldGustFactor, observation.Number(gf), src, t, role)
	} else {
		out.SetNull(observation.FieldGustFactor, src, t, role)
	}
}

// selectMetarPreferred takes the field from the first METAR snapshot when it is
// fresh and valid, including an affirmative "none" (explicit null). Otherwise
// the generic first-fresh selection applies.
func (a *Aggregator) selectMetarPreferred(out *models.Observation, f observation.Field, snaps []observation.Snapshot, now time.Time) {
	if s, ok := firstMETAR(snaps); ok {
		r := s.Reading(f)
		fresh := !a.stale(s, r, now)
		t, _ := r.ObsTime()
		if r.IsExplicitNull() && fresh {
			out.SetNull(f, s.Source(), t, "")
			return
		}
		if r.HasValue() && fresh {
			if res := validation.ValidateReading(f, r, contextFor(*out, s)); res.Valid {
				out.Set(f, r.Value(), s.Source(), t, "")
				return
			}
		}
	}
	a.selectFirst(out, f, snaps, now)
}

func firstMETAR(snaps []observation.Snapshot) (observation.Snapshot, bool) {
	for _, s := range snaps {
		if s.IsMETAR() {
			return s, true
		}
	}
	return observation.Snapshot{}, false
}

// selectFirst takes the first reading in preference order that has a value,
// is fresh and passes validation. If nothing qualifies but a fresh snapshot
// explicitly reported null, the field is recorded as an explicit null.
func (a *Aggregator) selectFirst(out *models.Observation, f observation.Field, snaps []observation.Snapshot, now time.Time) {
	var nullFrom *observation.Reading
	for _, s := range snaps {
		r := s.Reading(f)
		if !r.HasValue() {
			if r.IsExplicitNull() && nullFrom == nil && !a.stale(s, r, now) {
				rr := r
				nullFrom = &rr
			}
			if !validation.IsFieldNullValid(f, s.Values()) {
				out.Reject(f, s.Source(), models.RejectNullField,
					fmt.Sprintf("%s missing while sibling fields are present", f))
			}
			if !r.IsValid() {
				out.Reject(f, s.Source(), models.RejectValidation,
					fmt.Sprintf("%s: unusable unit %q", f, r.Unit()))
			}
			continue
		}
		if a.stale(s, r, now) {
			out.Reject(f, s.Source(), models.RejectStale,
				fmt.Sprintf("%s age %s", f, ageOf(r, now)))
			continue
		}
		res := validation.ValidateReading(f, r, contextFor(*out, s))
		if !res.Valid {
			out.Reject(f, s.Source(), models.RejectValidation, res.Reason)
			continue
		}
		t, _ := r.ObsTime()
		out.Set(f, r.Value(), s.Source(), t, "")
		return
	}
	if nullFrom != nil {
		t, _ := nullFrom.ObsTime()
		out.SetNull(f, nullFrom.Source(), t, "")
	}
}

// contextFor cross-references the temperature and wind speed already selected
// into out. A field not selected yet falls back to the snapshot's own reading.
// Policy.Independent lists temperature ahead of dewpoint, so a dewpoint is
// always checked against the temperature that will be served.
func contextFor(out models.Observation, s observation.Snapshot) validation.Context {
	ctx := validation.Context{}
	if out.Has(observation.FieldTemperature) {
		ctx.Temperature = out.Values[observation.FieldTemperature]
	} else if r := s.Reading(observation.FieldTemperature); r.HasValue() {
		ctx.Temperature = r.Value()
	}
	if out.Has(observation.FieldWindSpeed) {
		ctx.WindSpeed = out.Values[observation.FieldWindSpeed]
	} else if r := s.Wind().Speed(); r.HasValue() {
		ctx.WindSpeed = r.Value()
	}
	return ctx
}

func summarize(out *models.Observation, snaps []observation.Snapshot, now time.Time) {
	for _, s := range snaps {
		if s.IsMETAR() {
			if out.LastUpdatedMetar.IsZero() {
				out.LastUpdatedMetar = s.FetchTime()
				out.MetarStationID = s.MetarStationID()
				out.RawMetar = s.RawText()
			}
		} else if out.LastUpdatedPrimary.IsZero() {
			out.LastUpdatedPrimary = s.FetchTime()
		}
	}
	for _, t := range out.FieldObsTime {
		if t.After(out.LastUpdated) {
			out.LastUpdated = t
		}
	}
	if out.LastUpdated.IsZero() {
		out.LastUpdated = now
	}
}
