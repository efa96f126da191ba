// Package events defines the tuples that move through the pipeline:
// IngressEvent, MappedEvent, ResolvedEvent, and DeliveryRecord.
package events

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a small tagged union over the scalar/mapping/sequence shapes a
// decoded JSON frame can take. Upstream frames attach arbitrary header
// fields we don't want to schema, so raw frame bodies are carried as Value
// trees instead of a fixed struct.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	obj  map[string]Value
	arr  []Value
}

// Kind identifies which field of Value is meaningful.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindObject
	KindArray
)

func Null() Value                  { return Value{kind: KindNull} }
func String(s string) Value        { return Value{kind: KindString, str: s} }
func Number(n float64) Value       { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value            { return Value{kind: KindBool, b: b} }
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }
func Array(a []Value) Value        { return Value{kind: KindArray, arr: a} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Field projects a nested object field, returning Null() if v is not an
// object or the key is absent. Used to walk payload.Equip.Tag-style paths.
func (v Value) Field(key string) Value {
	if v.kind != KindObject || v.obj == nil {
		return Null()
	}
	if child, ok := v.obj[key]; ok {
		return child
	}
	return Null()
}

// AsString returns the value's natural textual representation, matching the
// Mapper's "text" coercion rule: strings pass through, numbers and
// booleans stringify naturally.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return formatNumber(v.num), true
	case KindBool:
		if v.b {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// AsFloat parses the value as a decimal/scientific number.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// AsBool implements the Mapper's boolean coercion table.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindNumber:
		return v.num != 0, true
	case KindString:
		switch lower(v.str) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// FromAny converts a decoded encoding/json value (the result of unmarshalling
// into interface{}) into a Value tree.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case float64:
		return Number(t)
	case bool:
		return Bool(t)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, v := range t {
			m[k] = FromAny(v)
		}
		return Object(m)
	case []any:
		arr := make([]Value, len(t))
		for i, v := range t {
			arr[i] = FromAny(v)
		}
		return Array(arr)
	default:
		return Null()
	}
}
