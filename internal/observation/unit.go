package observation

import (
	"errors"
	"fmt"
	"strings"
)

// Unit names the unit a Reading's value is expressed in.
type Unit string

const (
	UnitNone            Unit = ""
	UnitCelsius         Unit = "C"
	UnitFahrenheit      Unit = "F"
	UnitPercent         Unit = "%"
	UnitInHg            Unit = "inHg"
	UnitHectopascals    Unit = "hPa"
	UnitKnots           Unit = "kt"
	UnitMetersPerSecond Unit = "m/s"
	UnitMilesPerHour    Unit = "mph"
	UnitKilometersPerHr Unit = "km/h"
	UnitDegrees         Unit = "deg"
	UnitStatuteMiles    Unit = "SM"
	UnitMeters          Unit = "m"
	UnitKilometers      Unit = "km"
	UnitFeet            Unit = "ft"
	UnitInches          Unit = "in"
	UnitMillimeters     Unit = "mm"
	UnitSky             Unit = "sky"
)

// ErrIncompatibleUnit is returned when a value cannot be converted between two units.
var ErrIncompatibleUnit = errors.New("incompatible units")

var unitAliases = map[string]Unit{
	"c": UnitCelsius, "celsius": UnitCelsius, "degc": UnitCelsius,
	"f": UnitFahrenheit, "fahrenheit": UnitFahrenheit, "degf": UnitFahrenheit,
	"%": UnitPercent, "percent": UnitPercent, "pct": UnitPercent,
	"inhg": UnitInHg, "hpa": UnitHectopascals, "mb": UnitHectopascals, "mbar": UnitHectopascals,
	"kt": UnitKnots, "kts": UnitKnots, "knots": UnitKnots,
	"m/s": UnitMetersPerSecond, "mps": UnitMetersPerSecond,
	"mph": UnitMilesPerHour, "km/h": UnitKilometersPerHr, "kph": UnitKilometersPerHr,
	"deg": UnitDegrees, "degrees": UnitDegrees,
	"sm": UnitStatuteMiles, "mi": UnitStatuteMiles,
	"m": UnitMeters, "km": UnitKilometers,
	"ft": UnitFeet, "feet": UnitFeet,
	"in": UnitInches, "inches": UnitInches, "mm": UnitMillimeters,
	"sky": UnitSky,
}

// ParseUnit normalizes a provider-supplied unit label. Unknown labels return false.
func ParseUnit(s string) (Unit, bool) {
	u, ok := unitAliases[strings.ToLower(strings.TrimSpace(s))]
	return u, ok
}

type dimension int

const (
	dimNone dimension = iota
	dimTemperature
	dimPressure
	dimSpeed
	dimAngle
	dimDistance
	dimHeight
	dimDepth
	dimRatio
	dimSky
)

// linear conversion to the dimension's base unit: base = v*scale + offset
type unitDef struct {
	dim    dimension
	scale  float64
	offset float64
}

var unitDefs = map[Unit]unitDef{
	UnitCelsius:         {dimTemperature, 1, 0},
	UnitFahrenheit:      {dimTemperature, 5.0 / 9.0, -32 * 5.0 / 9.0},
	UnitInHg:            {dimPressure, 1, 0},
	UnitHectopascals:    {dimPressure, 1 / 33.8639, 0},
	UnitKnots:           {dimSpeed, 1, 0},
	UnitMetersPerSecond: {dimSpeed, 1.943844, 0},
	UnitMilesPerHour:    {dimSpeed, 0.868976, 0},
	UnitKilometersPerHr: {dimSpeed, 0.539957, 0},
	UnitDegrees:         {dimAngle, 1, 0},
	UnitStatuteMiles:    {dimDistance, 1, 0},
	UnitMeters:          {dimDistance, 1 / 1609.344, 0},
	UnitKilometers:      {dimDistance, 1 / 1.609344, 0},
	UnitFeet:            {dimHeight, 1, 0},
	UnitInches:          {dimDepth, 1, 0},
	UnitMillimeters:     {dimDepth, 1 / 25.4, 0},
	UnitPercent:         {dimRatio, 1, 0},
	UnitSky:             {dimSky, 1, 0},
}

// Convert converts a numeric value between units of the same dimension.
// Meters convert to statute miles (visibility) and to feet (ceiling).
func Convert(v float64, from, to Unit) (float64, error) {
	if from == to {
		return v, nil
	}
	if from == UnitMeters && to == UnitFeet {
		return v / 0.3048, nil
	}
	if from == UnitFeet && to == UnitMeters {
		return v * 0.3048, nil
	}
	fd, ok1 := unitDefs[from]
	td, ok2 := unitDefs[to]
	if !ok1 || !ok2 || fd.dim != td.dim {
		return 0, fmt.Errorf("%w: %q to %q", ErrIncompatibleUnit, from, to)
	}
	base := v*fd.scale + fd.offset
	return (base - td.offset) / td.scale, nil
}
