package observation

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type valueKind uint8

const (
	kindNull valueKind = iota
	kindNumber
	kindText
)

// Value is a nullable number or text measurement. The zero Value is null.
type Value struct {
	kind valueKind
	num  float64
	text string
}

// Null is the absent value.
var Null = Value{}

// Number wraps a numeric measurement.
func Number(f float64) Value {
	return Value{kind: kindNumber, num: f}
}

// Text wraps a textual measurement (cloud cover codes, VRB wind direction).
func Text(s string) Value {
	return Value{kind: kindText, text: s}
}

// NumberPtr returns Null for a nil pointer, otherwise Number(*f).
func NumberPtr(f *float64) Value {
	if f == nil {
		return Null
	}
	return Number(*f)
}

func (v Value) IsNull() bool   { return v.kind == kindNull }
func (v Value) IsNumber() bool { return v.kind == kindNumber }
func (v Value) IsText() bool   { return v.kind == kindText }

// Float returns the numeric value and whether v is a number.
func (v Value) Float() (float64, bool) {
	if v.kind != kindNumber {
		return 0, false
	}
	return v.num, true
}

// String returns the text value, or the formatted number.
func (v Value) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindText:
		return v.text
	default:
		return "null"
	}
}

// Equal reports whether two values hold the same kind and content.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.num == o.num && v.text == o.text
}

// MarshalJSON encodes null, a JSON number, or a JSON string.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNumber:
		return json.Marshal(v.num)
	case kindText:
		return json.Marshal(v.text)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, a number, or a string.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Null
	case float64:
		*v = Number(t)
	case string:
		*v = Text(t)
	default:
		return fmt.Errorf("observation: unsupported value %s", string(data))
	}
	return nil
}
