package events

import (
	"encoding/json"
	"strconv"
)

// CoercedValue is the Mapper's coerced representation of a frame's VALUE
// field. It carries the rule's declared type through every
// downstream stage so the Egress Client can put the right JSON shape on
// the wire (a float-typed object serializes as a JSON number, an
// integer as a JSON integer, a boolean as `true`/`false`, never a quoted
// string) while the Delivery Log still gets its fixed-format textual line.
type CoercedValue struct {
	typ  ValueType
	text string
	num  float64
	b    bool
}

// NewIntegerValue builds a CoercedValue for an `integer`-typed rule.
func NewIntegerValue(i int64) CoercedValue {
	return CoercedValue{typ: TypeInteger, text: strconv.FormatInt(i, 10), num: float64(i)}
}

// NewFloatValue builds a CoercedValue for a `float`-typed rule.
func NewFloatValue(f float64) CoercedValue {
	return CoercedValue{typ: TypeFloat, text: strconv.FormatFloat(f, 'g', -1, 64), num: f}
}

// NewTextValue builds a CoercedValue for a `text`-typed rule.
func NewTextValue(s string) CoercedValue {
	return CoercedValue{typ: TypeText, text: s}
}

// NewBooleanValue builds a CoercedValue for a `boolean`-typed rule.
func NewBooleanValue(b bool) CoercedValue {
	text := "false"
	if b {
		text = "true"
	}
	return CoercedValue{typ: TypeBoolean, text: text, b: b}
}

// Type reports the coercion's declared value type.
func (c CoercedValue) Type() ValueType { return c.typ }

// String returns the canonical textual form used by the Delivery Log's
// fixed wire format and by diagnostic logging. It also satisfies
// fmt.Stringer so %s/%v formatting "just works".
func (c CoercedValue) String() string { return c.text }

// MarshalJSON emits the type-correct wire scalar: integers and floats
// as JSON numbers, booleans as JSON booleans, text as a JSON string. This
// is what makes EgressPayload put `"value":37.5665` on the wire instead of
// `"value":"37.5665"` for a float-typed object.
func (c CoercedValue) MarshalJSON() ([]byte, error) {
	switch c.typ {
	case TypeInteger:
		return json.Marshal(int64(c.num))
	case TypeFloat:
		return json.Marshal(c.num)
	case TypeBoolean:
		return json.Marshal(c.b)
	default:
		return json.Marshal(c.text)
	}
}
