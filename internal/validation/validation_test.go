package validation

import (
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/airfield-weather/internal/observation"
)

func TestValidate_NullAlwaysValid(t *testing.T) {
	for _, f := range observation.AllFields() {
		if r := Validate(f, observation.Null, Context{}); !r.Valid {
			t.Errorf("Validate(%s, null) = %+v, want valid", f, r)
		}
	}
}

func TestValidate_Bounds(t *testing.T) {
	tests := []struct {
		name  string
		field observation.Field
		value observation.Value
		valid bool
	}{
		{"temperature ok", observation.FieldTemperature, observation.Number(21), true},
		{"temperature too hot", observation.FieldTemperature, observation.Number(75), false},
		{"temperature too cold", observation.FieldTemperature, observation.Number(-120), false},
		{"humidity 100", observation.FieldHumidity, observation.Number(100), true},
		{"humidity over", observation.FieldHumidity, observation.Number(101), false},
		{"pressure in hPa by mistake", observation.FieldPressure, observation.Number(1013), false},
		{"pressure ok", observation.FieldPressure, observation.Number(29.92), true},
		{"wind negative", observation.FieldWindSpeed, observation.Number(-1), false},
		{"direction 360", observation.FieldWindDirection, observation.Number(360), true},
		{"direction VRB", observation.FieldWindDirection, observation.Text("VRB"), true},
		{"direction junk text", observation.FieldWindDirection, observation.Text("NW"), false},
		{"visibility unlimited sentinel", observation.FieldVisibility, observation.Number(VisibilityUnlimit), true},
		{"visibility over max", observation.FieldVisibility, observation.Number(150), false},
		{"ceiling unlimited sentinel", observation.FieldCeiling, observation.Number(CeilingUnlimited), true},
		{"ceiling over max", observation.FieldCeiling, observation.Number(70000), false},
		{"cloud cover code", observation.FieldCloudCover, observation.Text("BKN"), true},
		{"cloud cover unknown code", observation.FieldCloudCover, observation.Text("LOTS"), false},
		{"cloud cover number", observation.FieldCloudCover, observation.Number(3), false},
		{"precip text", observation.FieldPrecipAccum, observation.Text("trace"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Validate(tt.field, tt.value, Context{})
			if r.Valid != tt.valid {
				t.Errorf("Validate() = %+v, want valid=%v", r, tt.valid)
			}
			if !r.Valid && r.Reason == "" {
				t.Error("rejection has empty Reason")
			}
		})
	}
}

func TestValidate_DewpointRelationship(t *testing.T) {
	ctx := Context{Temperature: observation.Number(10)}
	r := Validate(observation.FieldDewpoint, observation.Number(12), ctx)
	if r.Valid {
		t.Fatal("dewpoint above temperature accepted")
	}
	if !errors.Is(r.Err, ErrDewpointAboveTemperature) {
		t.Errorf("Err = %v, want ErrDewpointAboveTemperature", r.Err)
	}
	if r := Validate(observation.FieldDewpoint, observation.Number(10), ctx); !r.Valid {
		t.Errorf("dewpoint equal to temperature rejected: %s", r.Reason)
	}
	if r := Validate(observation.FieldDewpoint, observation.Number(12), Context{}); !r.Valid {
		t.Errorf("dewpoint without temperature rejected: %s", r.Reason)
	}
}

func TestValidate_GustRelationship(t *testing.T) {
	ctx := Context{WindSpeed: observation.Number(15)}
	r := Validate(observation.FieldGustSpeed, observation.Number(10), ctx)
	if r.Valid || !errors.Is(r.Err, ErrGustBelowSpeed) {
		t.Errorf("Validate(gust < speed) = %+v, want ErrGustBelowSpeed", r)
	}
	if r := Validate(observation.FieldGustSpeed, observation.Number(22), ctx); !r.Valid {
		t.Errorf("gust above speed rejected: %s", r.Reason)
	}
}

// TestValidateReading_InvalidFlag verifies that a reading flagged invalid at
// conversion time is rejected even when its value is in range.
func TestValidateReading_InvalidFlag(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r := observation.Celsius(10, ts).AsInvalid()
	if res := ValidateReading(observation.FieldTemperature, r, Context{}); res.Valid {
		t.Error("ValidateReading() accepted a reading flagged invalid")
	}
	if res := ValidateReading(observation.FieldTemperature, observation.Celsius(10, ts), Context{}); !res.Valid {
		t.Errorf("ValidateReading() = %+v, want valid", res)
	}
}

func TestIsFieldNullValid(t *testing.T) {
	tests := []struct {
		name     string
		field    observation.Field
		siblings map[observation.Field]observation.Value
		want     bool
	}{
		{"direction null with calm", observation.FieldWindDirection,
			map[observation.Field]observation.Value{observation.FieldWindSpeed: observation.Number(0)}, true},
		{"direction null with no speed", observation.FieldWindDirection, nil, true},
		{"direction null with wind", observation.FieldWindDirection,
			map[observation.Field]observation.Value{observation.FieldWindSpeed: observation.Number(12)}, false},
		{"temperature null, pressure present", observation.FieldTemperature,
			map[observation.Field]observation.Value{observation.FieldPressure: observation.Number(29.9)}, false},
		{"temperature null, siblings null", observation.FieldTemperature,
			map[observation.Field]observation.Value{observation.FieldPressure: observation.Null}, true},
		{"temperature null, nothing reported", observation.FieldTemperature, nil, true},
		{"visibility null with siblings", observation.FieldVisibility,
			map[observation.Field]observation.Value{observation.FieldTemperature: observation.Number(20)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFieldNullValid(tt.field, tt.siblings); got != tt.want {
				t.Errorf("IsFieldNullValid() = %v, want %v", got, tt.want)
			}
		})
	}
}
