package merge

import (
	"fmt"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observation"
)

var cacheWindFields = []observation.Field{
	observation.FieldWindSpeed,
	observation.FieldWindDirection,
	observation.FieldGustSpeed,
	observation.FieldGustFactor,
}

// MergeWithCache fills fields absent from fresh with cached values whose own
// observation age is still under the fail-closed threshold of the source that
// produced them and that still satisfy the relationship checks against the
// served values. An explicit null in fresh always wins. The precipitation
// counter is never carried over: a field fresh does not report resets to
// zero, while a fresh explicit null stays null. Daily fields are copied
// verbatim. Wind is carried over only as a whole group. cached may be nil.
func (m *Merger) MergeWithCache(fresh models.Observation, cached *models.Observation, now time.Time) models.Observation {
	out := fresh.Clone()

	if _, present := out.Get(observation.FieldPrecipAccum); !present {
		out.Set(observation.FieldPrecipAccum, observation.Number(0), "", time.Time{}, "")
	}
	if cached == nil {
		refreshLastUpdated(&out, now)
		return out
	}

	for _, f := range observation.ScalarFields {
		if f == observation.FieldPrecipAccum {
			continue
		}
		if _, present := out.Get(f); present || !cached.Has(f) {
			continue
		}
		ok, reason := m.cachedUsable(*cached, f, now)
		if !ok {
			out.Reject(f, cached.FieldSource[f], models.RejectStale, "cached "+reason)
			continue
		}
		trial := out.Clone()
		trial.CopyField(*cached, f)
		if res := consistency(trial); !res.Valid {
			out.Reject(f, cached.FieldSource[f], models.RejectValidation, "cached "+res.Reason)
			continue
		}
		out = trial
	}
	dropInconsistent(&out)

	for _, f := range observation.AllFields() {
		if !f.Daily() {
			continue
		}
		if _, present := out.Get(f); !present {
			if _, cachedPresent := cached.Get(f); cachedPresent {
				out.CopyField(*cached, f)
			}
		}
	}

	m.mergeCachedWind(&out, *cached, now)

	if out.LastUpdatedPrimary.IsZero() {
		out.LastUpdatedPrimary = cached.LastUpdatedPrimary
	}
	if out.LastUpdatedMetar.IsZero() {
		out.LastUpdatedMetar = cached.LastUpdatedMetar
		out.MetarStationID = cached.MetarStationID
		out.RawMetar = cached.RawMetar
	}
	if out.LastUpdatedBackup.IsZero() {
		out.LastUpdatedBackup = cached.LastUpdatedBackup
	}
	refreshLastUpdated(&out, now)
	return out
}

func (m *Merger) cachedUsable(cached models.Observation, f observation.Field, now time.Time) (bool, string) {
	t, ok := cached.ObsTime(f)
	if !ok {
		return false, fmt.Sprintf("%s has no observation time", f)
	}
	age := now.Sub(t)
	if m.thresholds(cached.FieldSource[f]).Stale(age) {
		return false, fmt.Sprintf("%s age %s", f, age.Round(time.Second))
	}
	return true, ""
}

// mergeCachedWind restores the cached wind group when fresh carries no wind
// field at all and every cached wind field is still fresh.
func (m *Merger) mergeCachedWind(out *models.Observation, cached models.Observation, now time.Time) {
	for _, f := range cacheWindFields {
		if _, present := out.Get(f); present {
			return
		}
	}
	if !cached.Has(observation.FieldWindSpeed) || !cached.Has(observation.FieldWindDirection) {
		return
	}
	for _, f := range cacheWindFields {
		if _, present := cached.Get(f); !present {
			continue
		}
		if ok, reason := m.cachedUsable(cached, f, now); !ok {
			out.Reject(observation.FieldWindSpeed, cached.FieldSource[f], models.RejectStale, "cached wind group: "+reason)
			return
		}
	}
	for _, f := range cacheWindFields {
		if _, present := cached.Get(f); present {
			out.CopyField(cached, f)
		}
	}
}
