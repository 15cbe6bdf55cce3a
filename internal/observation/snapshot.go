package observation

import "time"

// SourceKind separates METAR-family feeds (hourly, aviation-authoritative)
// from every other provider.
type SourceKind string

const (
	KindGeneric SourceKind = "generic"
	KindMETAR   SourceKind = "metar"
)

// ParseSourceKind maps a configuration label to a SourceKind.
func ParseSourceKind(s string) (SourceKind, bool) {
	switch SourceKind(s) {
	case KindGeneric, "":
		return KindGeneric, true
	case KindMETAR, "swob":
		return KindMETAR, true
	}
	return "", false
}

// Snapshot is one source's complete observation from one fetch. It is a value
// type: the With* methods return modified copies.
type Snapshot struct {
	source         string
	kind           SourceKind
	fetchTime      time.Time
	updateInterval time.Duration
	readings       [fieldCount]Reading
	wind           WindGroup
	rawText        string
	metarStationID string
	invalid        bool
}

// NewSnapshot starts an empty snapshot for source fetched at fetchTime.
func NewSnapshot(source string, kind SourceKind, fetchTime time.Time) Snapshot {
	s := Snapshot{source: source, kind: kind, fetchTime: fetchTime}
	for _, f := range ScalarFields {
		s.readings[f] = Missing(f.Unit()).WithSource(source)
	}
	s.wind = WindGroup{
		speed:     Missing(UnitKnots),
		direction: Missing(UnitDegrees),
		gust:      Missing(UnitKnots),
	}.withSource(source)
	return s
}

// With sets the reading for a scalar field. The reading is converted to the
// field's canonical unit and attributed to this snapshot's source; a reading
// that cannot be converted is kept but flagged invalid.
func (s Snapshot) With(f Field, r Reading) Snapshot {
	if !isScalar(f) {
		return s
	}
	conv, err := r.ConvertTo(f.Unit())
	if err != nil {
		conv = r.AsInvalid()
	}
	s.readings[f] = conv.WithSource(s.source)
	return s
}

// WithWind sets the wind group, re-attributing it to this snapshot's source.
func (s Snapshot) WithWind(w WindGroup) Snapshot {
	s.wind = w.withSource(s.source)
	return s
}

// WithUpdateInterval records the source's nominal update interval.
func (s Snapshot) WithUpdateInterval(d time.Duration) Snapshot {
	s.updateInterval = d
	return s
}

// WithRawText attaches the raw report text (e.g. the METAR string).
func (s Snapshot) WithRawText(raw string) Snapshot {
	s.rawText = raw
	return s
}

// WithMetarStation records the reporting METAR station.
func (s Snapshot) WithMetarStation(id string) Snapshot {
	s.metarStationID = id
	return s
}

// AsInvalid marks the whole snapshot unusable.
func (s Snapshot) AsInvalid() Snapshot {
	s.invalid = true
	return s
}

func (s Snapshot) Source() string                { return s.source }
func (s Snapshot) Kind() SourceKind              { return s.kind }
func (s Snapshot) IsMETAR() bool                 { return s.kind == KindMETAR }
func (s Snapshot) FetchTime() time.Time          { return s.fetchTime }
func (s Snapshot) UpdateInterval() time.Duration { return s.updateInterval }
func (s Snapshot) Wind() WindGroup               { return s.wind }
func (s Snapshot) RawText() string               { return s.rawText }
func (s Snapshot) MetarStationID() string        { return s.metarStationID }
func (s Snapshot) IsValid() bool                 { return !s.invalid }

// Reading returns the reading for any snapshot field, wind members included.
func (s Snapshot) Reading(f Field) Reading {
	if r, ok := s.wind.Reading(f); ok {
		return r
	}
	if isScalar(f) {
		return s.readings[f]
	}
	return Missing(f.Unit()).WithSource(s.source)
}

// Values returns every present value keyed by field, for sibling checks.
func (s Snapshot) Values() map[Field]Value {
	out := make(map[Field]Value)
	for _, f := range append(append([]Field{}, ScalarFields...), WindFields...) {
		if r := s.Reading(f); r.HasValue() {
			out[f] = r.Value()
		}
	}
	return out
}

func isScalar(f Field) bool {
	for _, sf := range ScalarFields {
		if sf == f {
			return true
		}
	}
	return false
}
