package observation

// Field identifies one tracked weather quantity. The wire key (Key) is what
// appears in cached and served JSON.
type Field int

const (
	FieldTemperature Field = iota
	FieldDewpoint
	FieldHumidity
	FieldPressure
	FieldPrecipAccum
	FieldWindSpeed
	FieldWindDirection
	FieldGustSpeed
	FieldGustFactor
	FieldVisibility
	FieldCeiling
	FieldCloudCover

	// Daily-tracking fields are written by the daily extremes layer, never by snapshots.
	FieldTempHighToday
	FieldTempLowToday
	FieldPeakGustToday

	fieldCount
)

type fieldInfo struct {
	key   string
	unit  Unit
	daily bool
}

var fieldTable = [fieldCount]fieldInfo{
	FieldTemperature:   {key: "temperature", unit: UnitCelsius},
	FieldDewpoint:      {key: "dewpoint", unit: UnitCelsius},
	FieldHumidity:      {key: "humidity", unit: UnitPercent},
	FieldPressure:      {key: "pressure", unit: UnitInHg},
	FieldPrecipAccum:   {key: "precip_accum", unit: UnitInches},
	FieldWindSpeed:     {key: "wind_speed", unit: UnitKnots},
	FieldWindDirection: {key: "wind_direction", unit: UnitDegrees},
	FieldGustSpeed:     {key: "gust_speed", unit: UnitKnots},
	FieldGustFactor:    {key: "gust_factor", unit: UnitKnots},
	FieldVisibility:    {key: "visibility", unit: UnitStatuteMiles},
	FieldCeiling:       {key: "ceiling", unit: UnitFeet},
	FieldCloudCover:    {key: "cloud_cover", unit: UnitSky},
	FieldTempHighToday: {key: "temp_high_today", unit: UnitCelsius, daily: true},
	FieldTempLowToday:  {key: "temp_low_today", unit: UnitCelsius, daily: true},
	FieldPeakGustToday: {key: "peak_gust_today", unit: UnitKnots, daily: true},
}

var fieldByKey = func() map[string]Field {
	m := make(map[string]Field, fieldCount)
	for f := Field(0); f < fieldCount; f++ {
		m[fieldTable[f].key] = f
	}
	return m
}()

// Key returns the wire-level name of the field.
func (f Field) Key() string {
	if !f.Valid() {
		return "unknown"
	}
	return fieldTable[f].key
}

func (f Field) String() string { return f.Key() }

// Unit returns the canonical unit values of this field are stored in.
func (f Field) Unit() Unit {
	if !f.Valid() {
		return UnitNone
	}
	return fieldTable[f].unit
}

// Daily reports whether the field is a daily-tracking fact rather than a live reading.
func (f Field) Daily() bool {
	return f.Valid() && fieldTable[f].daily
}

// IsWind reports whether the field is part of the wind group or derived from it.
func (f Field) IsWind() bool {
	switch f {
	case FieldWindSpeed, FieldWindDirection, FieldGustSpeed, FieldGustFactor:
		return true
	}
	return false
}

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	return f >= 0 && f < fieldCount
}

// ParseField looks a field up by its wire key.
func ParseField(key string) (Field, bool) {
	f, ok := fieldByKey[key]
	return f, ok
}

// AllFields returns every known field in declaration order.
func AllFields() []Field {
	out := make([]Field, 0, fieldCount)
	for f := Field(0); f < fieldCount; f++ {
		out = append(out, f)
	}
	return out
}

// ScalarFields are the fields a Snapshot carries outside its wind group.
var ScalarFields = []Field{
	FieldTemperature,
	FieldDewpoint,
	FieldHumidity,
	FieldPressure,
	FieldPrecipAccum,
	FieldVisibility,
	FieldCeiling,
	FieldCloudCover,
}

// WindFields are the three readings of a wind group, in speed/direction/gust order.
var WindFields = []Field{FieldWindSpeed, FieldWindDirection, FieldGustSpeed}
