package observation

import "time"

// Reading is an immutable single-field measurement from one source.
// Transformations return a new Reading.
type Reading struct {
	value        Value
	unit         Unit
	obsTime      time.Time
	source       string
	valid        bool
	explicitNull bool
}

// NewReading builds a valid reading. A zero obsTime means the observation time is unknown.
func NewReading(v Value, unit Unit, obsTime time.Time) Reading {
	return Reading{value: v, unit: unit, obsTime: obsTime, valid: true}
}

// Missing is a reading the source did not report at all.
func Missing(unit Unit) Reading {
	return Reading{unit: unit, valid: true}
}

// ExplicitNull is a reading the source affirmatively reported as "no data"
// (for example no ceiling under clear skies). It overrides cached values.
func ExplicitNull(unit Unit, obsTime time.Time) Reading {
	return Reading{unit: unit, obsTime: obsTime, valid: true, explicitNull: true}
}

func Celsius(v float64, t time.Time) Reading         { return NewReading(Number(v), UnitCelsius, t) }
func Fahrenheit(v float64, t time.Time) Reading      { return NewReading(Number(v), UnitFahrenheit, t) }
func Percent(v float64, t time.Time) Reading         { return NewReading(Number(v), UnitPercent, t) }
func InHg(v float64, t time.Time) Reading            { return NewReading(Number(v), UnitInHg, t) }
func Hectopascals(v float64, t time.Time) Reading    { return NewReading(Number(v), UnitHectopascals, t) }
func Knots(v float64, t time.Time) Reading           { return NewReading(Number(v), UnitKnots, t) }
func MetersPerSecond(v float64, t time.Time) Reading { return NewReading(Number(v), UnitMetersPerSecond, t) }
func MilesPerHour(v float64, t time.Time) Reading    { return NewReading(Number(v), UnitMilesPerHour, t) }
func Degrees(v float64, t time.Time) Reading         { return NewReading(Number(v), UnitDegrees, t) }
func StatuteMiles(v float64, t time.Time) Reading    { return NewReading(Number(v), UnitStatuteMiles, t) }
func Meters(v float64, t time.Time) Reading          { return NewReading(Number(v), UnitMeters, t) }
func Feet(v float64, t time.Time) Reading            { return NewReading(Number(v), UnitFeet, t) }
func Inches(v float64, t time.Time) Reading          { return NewReading(Number(v), UnitInches, t) }
func Millimeters(v float64, t time.Time) Reading     { return NewReading(Number(v), UnitMillimeters, t) }
func Sky(code string, t time.Time) Reading           { return NewReading(Text(code), UnitSky, t) }

func (r Reading) Value() Value   { return r.value }
func (r Reading) Unit() Unit     { return r.unit }
func (r Reading) Source() string { return r.source }
func (r Reading) IsValid() bool  { return r.valid }

// ObsTime returns the observation time and whether it is known.
func (r Reading) ObsTime() (time.Time, bool) {
	return r.obsTime, !r.obsTime.IsZero()
}

// HasValue reports value != null && valid && observation time known.
func (r Reading) HasValue() bool {
	return !r.value.IsNull() && r.valid && !r.obsTime.IsZero()
}

// IsExplicitNull reports whether the source affirmatively reported no data.
func (r Reading) IsExplicitNull() bool {
	return r.explicitNull && r.value.IsNull() && r.valid
}

// Float returns the numeric value when the reading has one.
func (r Reading) Float() (float64, bool) {
	if !r.HasValue() {
		return 0, false
	}
	return r.value.Float()
}

// Age returns now minus the observation time. ok is false when the time is unknown.
func (r Reading) Age(now time.Time) (time.Duration, bool) {
	if r.obsTime.IsZero() {
		return 0, false
	}
	return now.Sub(r.obsTime), true
}

// WithSource returns a copy attributed to source.
func (r Reading) WithSource(source string) Reading {
	r.source = source
	return r
}

// WithObsTime returns a copy observed at t.
func (r Reading) WithObsTime(t time.Time) Reading {
	r.obsTime = t
	return r
}

// AsInvalid returns a copy flagged invalid. The value is retained for diagnostics.
func (r Reading) AsInvalid() Reading {
	r.valid = false
	return r
}

// ConvertTo returns the reading expressed in unit. Text and null values only
// pass through when the units already match or the value is null.
func (r Reading) ConvertTo(unit Unit) (Reading, error) {
	if r.unit == unit || r.value.IsNull() {
		r.unit = unit
		return r, nil
	}
	f, ok := r.value.Float()
	if !ok {
		return r, ErrIncompatibleUnit
	}
	out, err := Convert(f, r.unit, unit)
	if err != nil {
		return r, err
	}
	r.value = Number(out)
	r.unit = unit
	return r, nil
}
