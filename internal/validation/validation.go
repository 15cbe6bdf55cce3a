package validation

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/airfield-weather/internal/observation"
)

// ErrOutOfRange is returned when a value lies outside physically possible bounds.
var ErrOutOfRange = errors.New("value out of range")

// ErrDewpointAboveTemperature is returned when dewpoint exceeds temperature.
var ErrDewpointAboveTemperature = errors.New("dewpoint above temperature")

// ErrGustBelowSpeed is returned when gust is lower than the sustained wind speed.
var ErrGustBelowSpeed = errors.New("gust below sustained wind")

// ErrWrongKind is returned when a numeric field holds text or vice versa.
var ErrWrongKind = errors.New("wrong value kind")

// ErrUnknownSkyCode is returned when cloud cover is not a METAR sky condition.
var ErrUnknownSkyCode = errors.New("unknown sky condition")

// Climate bounds. Records are rounded outward so genuine extremes still pass.
const (
	TempMinC          = -90.0
	TempMaxC          = 60.0
	HumidityMinPct    = 0.0
	HumidityMaxPct    = 100.0
	PressureMinInHg   = 25.0
	PressureMaxInHg   = 32.5
	WindSpeedMaxKt    = 200.0
	GustMaxKt         = 250.0
	GustFactorMaxKt   = 100.0
	DirectionMinDeg   = 0.0
	DirectionMaxDeg   = 360.0
	VisibilityMaxSM   = 100.0
	CeilingMaxFt      = 60000.0
	PrecipDailyMaxIn  = 80.0
	VisibilityUnlimit = 999.0
	CeilingUnlimited  = 99999.0
)

type bounds struct{ min, max float64 }

var fieldBounds = map[observation.Field]bounds{
	observation.FieldTemperature:   {TempMinC, TempMaxC},
	observation.FieldDewpoint:      {TempMinC, TempMaxC},
	observation.FieldTempHighToday: {TempMinC, TempMaxC},
	observation.FieldTempLowToday:  {TempMinC, TempMaxC},
	observation.FieldHumidity:      {HumidityMinPct, HumidityMaxPct},
	observation.FieldPressure:      {PressureMinInHg, PressureMaxInHg},
	observation.FieldWindSpeed:     {0, WindSpeedMaxKt},
	observation.FieldGustSpeed:     {0, GustMaxKt},
	observation.FieldPeakGustToday: {0, GustMaxKt},
	observation.FieldGustFactor:    {0, GustFactorMaxKt},
	observation.FieldWindDirection: {DirectionMinDeg, DirectionMaxDeg},
	observation.FieldVisibility:    {0, VisibilityMaxSM},
	observation.FieldCeiling:       {0, CeilingMaxFt},
	observation.FieldPrecipAccum:   {0, PrecipDailyMaxIn},
}

var skyCodes = map[string]struct{}{
	"SKC": {}, "CLR": {}, "NSC": {}, "NCD": {}, "CAVOK": {},
	"FEW": {}, "SCT": {}, "BKN": {}, "OVC": {}, "VV": {}, "OVX": {},
}

// Result is the outcome of a validation. Reason is set for every rejection and
// is meant for logs; Err allows errors.Is classification for metrics.
type Result struct {
	Valid  bool
	Reason string
	Err    error
}

var ok = Result{Valid: true}

func reject(err error, format string, args ...interface{}) Result {
	return Result{Reason: fmt.Sprintf(format, args...), Err: err}
}

// Context carries the cross-referenced values for relationship checks. Either
// may be null; a null reference skips its check.
type Context struct {
	Temperature observation.Value
	WindSpeed   observation.Value
}

// Validate checks v against the field's bounds and relationships. Null is
// always valid: absence of data is legal here. See IsFieldNullValid for the
// separate question of whether a missing value is suspicious.
func Validate(f observation.Field, v observation.Value, ctx Context) Result {
	if v.IsNull() {
		return ok
	}
	switch f {
	case observation.FieldCloudCover:
		if !v.IsText() {
			return reject(ErrWrongKind, "%s: expected sky code, got %s", f, v)
		}
		if _, known := skyCodes[v.String()]; !known {
			return reject(ErrUnknownSkyCode, "%s: unknown sky code %q", f, v.String())
		}
		return ok
	case observation.FieldWindDirection:
		if v.IsText() {
			if v.String() == observation.VariableDirection {
				return ok
			}
			return reject(ErrWrongKind, "%s: unexpected text %q", f, v.String())
		}
	}

	n, isNum := v.Float()
	if !isNum {
		return reject(ErrWrongKind, "%s: expected number, got %q", f, v.String())
	}
	if f == observation.FieldVisibility && n == VisibilityUnlimit {
		return ok
	}
	if f == observation.FieldCeiling && n == CeilingUnlimited {
		return ok
	}
	if b, has := fieldBounds[f]; has && (n < b.min || n > b.max) {
		return reject(ErrOutOfRange, "%s: %v outside [%v, %v]", f, n, b.min, b.max)
	}

	switch f {
	case observation.FieldDewpoint:
		if temp, has := ctx.Temperature.Float(); has && n > temp {
			return reject(ErrDewpointAboveTemperature, "dewpoint %v exceeds temperature %v", n, temp)
		}
	case observation.FieldGustSpeed:
		if speed, has := ctx.WindSpeed.Float(); has && n < speed {
			return reject(ErrGustBelowSpeed, "gust %v below sustained wind %v", n, speed)
		}
	}
	return ok
}

// ValidateReading validates a reading's value. A reading already flagged
// invalid (e.g. unconvertible unit) is rejected.
func ValidateReading(f observation.Field, r observation.Reading, ctx Context) Result {
	if !r.IsValid() {
		return reject(ErrWrongKind, "%s: reading flagged invalid (unit %q)", f, r.Unit())
	}
	return Validate(f, r.Value(), ctx)
}

var coreFields = []observation.Field{
	observation.FieldTemperature,
	observation.FieldPressure,
	observation.FieldHumidity,
	observation.FieldWindSpeed,
}

// IsFieldNullValid answers whether a missing value for f is plausible given
// the other values reported by the same source. A null wind direction is only
// valid when wind speed is zero or null. A null core field is invalid when any
// other core field from the same source is present, which indicates a partial
// sensor failure rather than "no measurement".
func IsFieldNullValid(f observation.Field, siblings map[observation.Field]observation.Value) bool {
	if f == observation.FieldWindDirection {
		speed, has := siblings[observation.FieldWindSpeed].Float()
		return !has || speed == 0
	}
	if !isCore(f) {
		return true
	}
	for _, c := range coreFields {
		if c == f {
			continue
		}
		if v, present := siblings[c]; present && !v.IsNull() {
			return false
		}
	}
	return true
}

func isCore(f observation.Field) bool {
	for _, c := range coreFields {
		if c == f {
			return true
		}
	}
	return false
}
