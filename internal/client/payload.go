package client

import (
	"fmt"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/observation"
)

// payload is the provider-normalized observation document. A field key that
// maps to null is an explicit "no data" report; a missing key is simply not
// reported.
type payload struct {
	ObservedAt string                   `json:"observed_at"`
	Station    string                   `json:"station"`
	Raw        string                   `json:"raw"`
	Fields     map[string]*fieldPayload `json:"fields"`
	Wind       *windPayload             `json:"wind"`
}

type fieldPayload struct {
	Value      observation.Value `json:"value"`
	Unit       string            `json:"unit"`
	ObservedAt string            `json:"observed_at"`
}

type windPayload struct {
	Speed      observation.Value `json:"speed"`
	Direction  observation.Value `json:"direction"`
	Gust       observation.Value `json:"gust"`
	Unit       string            `json:"unit"`
	ObservedAt string            `json:"observed_at"`
}

func parseTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: observed_at %q: %v", ErrMalformedPayload, s, err)
	}
	return t.UTC(), nil
}

// toSnapshot converts the payload. Unknown field keys, daily fields and wind
// keys under "fields" are ignored. An unrecognized unit yields an invalid
// reading rather than an error so the other fields stay usable.
func (p payload) toSnapshot(source string, kind observation.SourceKind, fetchTime time.Time, interval time.Duration) (observation.Snapshot, error) {
	obsTime, err := parseTime(p.ObservedAt, fetchTime)
	if err != nil {
		return observation.Snapshot{}, err
	}

	snap := observation.NewSnapshot(source, kind, fetchTime).
		WithUpdateInterval(interval).
		WithMetarStation(p.Station).
		WithRawText(p.Raw)

	for key, fp := range p.Fields {
		f, ok := observation.ParseField(key)
		if !ok || f.Daily() || f.IsWind() {
			continue
		}
		if fp == nil {
			snap = snap.With(f, observation.ExplicitNull(f.Unit(), obsTime))
			continue
		}
		t, err := parseTime(fp.ObservedAt, obsTime)
		if err != nil {
			return observation.Snapshot{}, err
		}
		if fp.Value.IsNull() {
			snap = snap.With(f, observation.ExplicitNull(f.Unit(), t))
			continue
		}
		unit := f.Unit()
		if fp.Unit != "" {
			parsed, ok := observation.ParseUnit(fp.Unit)
			if !ok {
				snap = snap.With(f, observation.NewReading(fp.Value, f.Unit(), t).AsInvalid())
				continue
			}
			unit = parsed
		}
		snap = snap.With(f, observation.NewReading(fp.Value, unit, t))
	}

	if p.Wind != nil {
		t, err := parseTime(p.Wind.ObservedAt, obsTime)
		if err != nil {
			return observation.Snapshot{}, err
		}
		unit := observation.UnitKnots
		valid := true
		if p.Wind.Unit != "" {
			unit, valid = observation.ParseUnit(p.Wind.Unit)
		}
		w := observation.NewWindGroup(source, t, unit, p.Wind.Speed, p.Wind.Direction, p.Wind.Gust)
		if !valid {
			w = w.AsInvalid()
		}
		snap = snap.WithWind(w)
	}
	return snap, nil
}
