package merge

import (
	"fmt"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/policy"
	"github.com/kjstillabower/airfield-weather/internal/validation"
)

// softGroups combine across sources when their observation times agree within
// the group tolerance.
var softGroups = [][]observation.Field{
	{observation.FieldTemperature, observation.FieldDewpoint, observation.FieldHumidity},
	{observation.FieldPressure},
}

// MergeWithBackup chooses, field by field, between the primary observation and
// the backup observation. previous holds the roles recorded by the last cycle
// and recovery is the primary source's recovery progress; together they hold
// a field on backup until the primary has completed recovery.
//
// For each field: a field held on backup stays there while backup is valid and
// recovery is incomplete; otherwise the newer of two valid values wins, ties
// going to primary; otherwise whichever is valid; otherwise the field is left
// absent with no provenance. An explicit null reported by either side survives
// when neither side has a usable value.
func (m *Merger) MergeWithBackup(primary, backup models.Observation, previous map[observation.Field]models.Role, recovery policy.Recovery, now time.Time) models.Observation {
	out := models.NewObservation(primary.Airport)
	out.LastUpdatedPrimary = primary.LastUpdatedPrimary
	out.LastUpdatedMetar = primary.LastUpdatedMetar
	out.LastUpdatedBackup = backup.LastUpdatedPrimary
	out.MetarStationID = primary.MetarStationID
	out.RawMetar = primary.RawMetar
	if out.MetarStationID == "" {
		out.MetarStationID = backup.MetarStationID
		out.RawMetar = backup.RawMetar
	}
	if out.LastUpdatedMetar.IsZero() {
		out.LastUpdatedMetar = backup.LastUpdatedMetar
	}
	out.Rejections = append(append(out.Rejections, primary.Rejections...), backup.Rejections...)

	recovered := m.policy.Recovered(recovery, now)

	for _, f := range observation.ScalarFields {
		m.chooseField(&out, f, primary, backup, previous, recovered, now)
	}
	for _, group := range softGroups {
		m.enforceGroup(&out, group, primary, now)
	}
	dropInconsistent(&out)
	m.chooseWind(&out, primary, backup, previous, recovered, now)

	for _, f := range observation.AllFields() {
		if !f.Daily() {
			continue
		}
		if _, ok := primary.Get(f); ok {
			out.CopyField(primary, f)
		} else if _, ok := backup.Get(f); ok {
			out.CopyField(backup, f)
		}
	}

	refreshLastUpdated(&out, now)
	return out
}

// contextFor builds the fallback relationship context for one side, borrowing
// the cross-referenced value from the other side when this side lacks it. It
// applies only until out serves the cross-referenced field itself.
func contextFor(own, other models.Observation) validation.Context {
	pick := func(f observation.Field) observation.Value {
		if own.Has(f) {
			return own.Values[f]
		}
		if other.Has(f) {
			return other.Values[f]
		}
		return observation.Null
	}
	return validation.Context{
		Temperature: pick(observation.FieldTemperature),
		WindSpeed:   pick(observation.FieldWindSpeed),
	}
}

func (m *Merger) chooseField(out *models.Observation, f observation.Field, primary, backup models.Observation,
	previous map[observation.Field]models.Role, recovered bool, now time.Time) {
	p := candidateOf(primary, f, models.RolePrimary)
	b := candidateOf(backup, f, models.RoleBackup)
	pOK, pWhy := m.check(f, p, servedContext(*out, contextFor(primary, backup)), now)
	bOK, bWhy := m.check(f, b, servedContext(*out, contextFor(backup, primary)), now)

	switch {
	case m.metarNull(f, p, now):
		put(out, f, p)
	case previous[f] == models.RoleBackup && bOK && !recovered:
		put(out, f, b)
	case pOK && bOK:
		if b.newerThan(p) {
			put(out, f, b)
		} else {
			put(out, f, p)
		}
	case pOK:
		put(out, f, p)
	case bOK:
		put(out, f, b)
	default:
		record(out, pWhy)
		record(out, bWhy)
		switch {
		case p.present && p.value.IsNull():
			put(out, f, p)
		case b.present && b.value.IsNull():
			put(out, f, b)
		}
	}
}

// metarNull reports a fresh explicit null from a METAR source for a
// METAR-preferred field. METAR reporting "none" (no ceiling, for example) is
// authoritative and is not replaced by a backup value.
func (m *Merger) metarNull(f observation.Field, p candidate, now time.Time) bool {
	if !m.metarPreferred(f) || !p.present || !p.value.IsNull() || !m.isMETAR(p.source) {
		return false
	}
	return !p.obsTime.IsZero() && !m.thresholds(p.source).Stale(now.Sub(p.obsTime))
}

// enforceGroup applies the soft group rule. When the chosen members' observation
// times spread beyond the group tolerance, a backup member is kept only if no
// primary sibling is present or it lies within the lenient backup window of
// every primary sibling. Otherwise it reverts to the primary value when that
// is usable, or is dropped.
func (m *Merger) enforceGroup(out *models.Observation, group []observation.Field, primary models.Observation, now time.Time) {
	var oldest, newest time.Time
	for _, f := range group {
		t, ok := out.ObsTime(f)
		if !ok || !out.Has(f) {
			continue
		}
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
		if t.After(newest) {
			newest = t
		}
	}
	if newest.Sub(oldest) <= m.policy.GroupTolerance {
		return
	}

	for _, f := range group {
		if out.FieldRole[f] != models.RoleBackup || !out.Has(f) {
			continue
		}
		bt, _ := out.ObsTime(f)
		if m.withinLenientWindow(*out, group, f, bt) {
			continue
		}
		p := candidateOf(primary, f, models.RolePrimary)
		if ok, _ := m.check(f, p, servedContext(*out, contextFor(primary, *out)), now); ok {
			put(out, f, p)
			continue
		}
		out.Reject(f, out.FieldSource[f], models.RejectGroup,
			fmt.Sprintf("backup %s too far from primary siblings", f))
		out.Delete(f)
	}
}

func (m *Merger) withinLenientWindow(out models.Observation, group []observation.Field, f observation.Field, bt time.Time) bool {
	for _, s := range group {
		if s == f || out.FieldRole[s] == models.RoleBackup || !out.Has(s) {
			continue
		}
		st, ok := out.ObsTime(s)
		if !ok {
			continue
		}
		d := st.Sub(bt)
		if d < 0 {
			d = -d
		}
		if d > m.policy.LenientBackupWindow {
			return false
		}
	}
	return true
}
