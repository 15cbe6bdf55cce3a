package merge

import (
	"fmt"
	"math"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/models"
	"github.com/kjstillabower/airfield-weather/internal/observation"
	"github.com/kjstillabower/airfield-weather/internal/validation"
)

// windSide is one observation's wind fields.
type windSide struct {
	speed, direction, gust candidate
	role                   models.Role
}

func windOf(o models.Observation, role models.Role) windSide {
	return windSide{
		speed:     candidateOf(o, observation.FieldWindSpeed, role),
		direction: candidateOf(o, observation.FieldWindDirection, role),
		gust:      candidateOf(o, observation.FieldGustSpeed, role),
		role:      role,
	}
}

// group returns the side as a complete single-source group, or false. A
// complete group has speed and direction from one source at one time, fresh
// and valid; a gust, when reported, must match and validate too.
func (m *Merger) group(w windSide, now time.Time) (windSide, bool, *models.Rejection) {
	if !w.speed.hasValue() || !w.direction.hasValue() {
		return w, false, nil
	}
	if w.speed.source != w.direction.source || !w.speed.obsTime.Equal(w.direction.obsTime) {
		return w, false, nil
	}
	ctx := validation.Context{WindSpeed: w.speed.value}
	for _, e := range []struct {
		f observation.Field
		c candidate
	}{
		{observation.FieldWindSpeed, w.speed},
		{observation.FieldWindDirection, w.direction},
		{observation.FieldGustSpeed, w.gust},
	} {
		if e.f == observation.FieldGustSpeed && !e.c.hasValue() {
			continue
		}
		if ok, why := m.check(e.f, e.c, ctx, now); !ok {
			return w, false, why
		}
	}
	if w.gust.hasValue() && (w.gust.source != w.speed.source || !w.gust.obsTime.Equal(w.speed.obsTime)) {
		return w, false, nil
	}
	return w, true, nil
}

// chooseWind applies the three wind tiers: a complete single-source group,
// then a bounded-tolerance merge of components across sources, then nothing.
func (m *Merger) chooseWind(out *models.Observation, primary, backup models.Observation,
	previous map[observation.Field]models.Role, recovered bool, now time.Time) {
	p, pOK, pWhy := m.group(windOf(primary, models.RolePrimary), now)
	b, bOK, bWhy := m.group(windOf(backup, models.RoleBackup), now)

	switch {
	case previous[observation.FieldWindSpeed] == models.RoleBackup && bOK && !recovered:
		writeGroup(out, b)
		return
	case pOK && bOK:
		if b.speed.newerThan(p.speed) {
			writeGroup(out, b)
		} else {
			writeGroup(out, p)
		}
		return
	case pOK:
		writeGroup(out, p)
		return
	case bOK:
		writeGroup(out, b)
		return
	}
	record(out, pWhy)
	record(out, bWhy)
	m.mergeComponents(out, windOf(primary, models.RolePrimary), windOf(backup, models.RoleBackup), now)
}

func writeGroup(out *models.Observation, w windSide) {
	src, t := w.speed.source, w.speed.obsTime
	put(out, observation.FieldWindSpeed, w.speed)
	put(out, observation.FieldWindDirection, w.direction)
	if w.gust.hasValue() {
		put(out, observation.FieldGustSpeed, w.gust)
	} else {
		out.SetNull(observation.FieldGustSpeed, src, t, w.role)
	}
	writeGustFactor(out, w.speed.value, w.gust.value, src, t, w.role)
}

func writeGustFactor(out *models.Observation, speed, gust observation.Value, src string, t time.Time, role models.Role) {
	s, ok1 := speed.Float()
	g, ok2 := gust.Float()
	if ok1 && ok2 {
		out.Set(observation.FieldGustFactor, observation.Number(math.Max(0, g-s)), src, t, role)
		return
	}
	out.SetNull(observation.FieldGustFactor, src, t, role)
}

// mergeComponents assembles speed, direction and gust from whichever sides
// offer the newest usable reading of each, accepted only when every chosen
// reading lies within the wind merge tolerance of the others. The merged
// fields keep their own sources, share the newest observation time, and are
// tagged RoleMerged.
func (m *Merger) mergeComponents(out *models.Observation, p, b windSide, now time.Time) {
	pick := func(f observation.Field, a, c candidate, ctx validation.Context) (candidate, bool) {
		aOK, _ := m.check(f, a, ctx, now)
		cOK, _ := m.check(f, c, ctx, now)
		switch {
		case aOK && cOK:
			if c.newerThan(a) {
				return c, true
			}
			return a, true
		case aOK:
			return a, true
		case cOK:
			return c, true
		}
		return candidate{}, false
	}

	speed, okS := pick(observation.FieldWindSpeed, p.speed, b.speed, validation.Context{})
	direction, okD := pick(observation.FieldWindDirection, p.direction, b.direction, validation.Context{})
	if !okS || !okD {
		if p.speed.hasValue() || p.direction.hasValue() || b.speed.hasValue() || b.direction.hasValue() {
			out.Reject(observation.FieldWindSpeed, "", models.RejectGroup, "no usable wind speed and direction")
		}
		return
	}
	gust, okG := pick(observation.FieldGustSpeed, p.gust, b.gust, validation.Context{WindSpeed: speed.value})

	chosen := []candidate{speed, direction}
	if okG {
		chosen = append(chosen, gust)
	}
	oldest, newest := chosen[0].obsTime, chosen[0].obsTime
	for _, c := range chosen[1:] {
		if c.obsTime.Before(oldest) {
			oldest = c.obsTime
		}
		if c.obsTime.After(newest) {
			newest = c.obsTime
		}
	}
	if spread := newest.Sub(oldest); spread > m.policy.WindMergeTolerance {
		out.Reject(observation.FieldWindSpeed, "", models.RejectGroup,
			fmt.Sprintf("wind components %s apart exceed %s", spread, m.policy.WindMergeTolerance))
		return
	}

	out.Set(observation.FieldWindSpeed, speed.value, speed.source, newest, models.RoleMerged)
	out.Set(observation.FieldWindDirection, direction.value, direction.source, newest, models.RoleMerged)
	if okG {
		out.Set(observation.FieldGustSpeed, gust.value, gust.source, newest, models.RoleMerged)
	} else {
		out.SetNull(observation.FieldGustSpeed, speed.source, newest, models.RoleMerged)
	}
	writeGustFactor(out, speed.value, gust.value, speed.source, newest, models.RoleMerged)
}
