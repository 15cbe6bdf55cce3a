package observation

import (
	"math"
	"time"
)

// VariableDirection is the METAR text for variable wind direction.
const VariableDirection = "VRB"

// WindGroup holds speed, direction and gust from a single source and a single
// observation time. The only constructors are NewWindGroup and Calm, so the
// three readings always share source and time.
type WindGroup struct {
	speed     Reading
	direction Reading
	gust      Reading
	source    string
}

// NewWindGroup builds a wind group. Speed and gust are converted from speedUnit
// to knots; a group whose speed unit cannot be converted is marked invalid.
// A null gust alongside a reported speed means the source reported no gust.
func NewWindGroup(source string, obsTime time.Time, speedUnit Unit, speed, direction, gust Value) WindGroup {
	sp := NewReading(speed, speedUnit, obsTime).WithSource(source)
	gu := NewReading(gust, speedUnit, obsTime).WithSource(source)
	if gust.IsNull() && !speed.IsNull() {
		gu = ExplicitNull(UnitKnots, obsTime).WithSource(source)
	}
	var err error
	if sp, err = sp.ConvertTo(UnitKnots); err != nil {
		sp = sp.AsInvalid()
		gu = gu.AsInvalid()
	} else if gu, err = gu.ConvertTo(UnitKnots); err != nil {
		gu = gu.AsInvalid()
	}
	return WindGroup{
		speed:     sp,
		direction: NewReading(direction, UnitDegrees, obsTime).WithSource(source),
		gust:      gu,
		source:    source,
	}
}

// Calm is a complete zero-wind group with no gust.
func Calm(source string, obsTime time.Time) WindGroup {
	return NewWindGroup(source, obsTime, UnitKnots, Number(0), Number(0), Null)
}

func (w WindGroup) Speed() Reading     { return w.speed }
func (w WindGroup) Direction() Reading { return w.direction }
func (w WindGroup) Gust() Reading      { return w.gust }
func (w WindGroup) Source() string     { return w.source }

// ObsTime is the shared observation time of the group.
func (w WindGroup) ObsTime() (time.Time, bool) {
	return w.speed.ObsTime()
}

// IsComplete reports speed and direction both present. Gust is optional.
func (w WindGroup) IsComplete() bool {
	return w.speed.HasValue() && w.direction.HasValue()
}

// GustFactor returns max(0, gust-speed) when both are numeric.
func (w WindGroup) GustFactor() (float64, bool) {
	s, ok1 := w.speed.Float()
	g, ok2 := w.gust.Float()
	if !ok1 || !ok2 {
		return 0, false
	}
	return math.Max(0, g-s), true
}

// Reading returns the group member for a wind field.
func (w WindGroup) Reading(f Field) (Reading, bool) {
	switch f {
	case FieldWindSpeed:
		return w.speed, true
	case FieldWindDirection:
		return w.direction, true
	case FieldGustSpeed:
		return w.gust, true
	}
	return Reading{}, false
}

// AsInvalid returns a copy with every member flagged invalid.
func (w WindGroup) AsInvalid() WindGroup {
	w.speed = w.speed.AsInvalid()
	w.direction = w.direction.AsInvalid()
	w.gust = w.gust.AsInvalid()
	return w
}

func (w WindGroup) withSource(source string) WindGroup {
	w.source = source
	w.speed = w.speed.WithSource(source)
	w.direction = w.direction.WithSource(source)
	w.gust = w.gust.WithSource(source)
	return w
}
