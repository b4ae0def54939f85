package ruleengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Value is a tagged union over the flag types. The zero Value is null.
type Value struct {
	typ FlagType
	b   bool
	s   string
	n   float64
	raw json.RawMessage
}

// Null returns the null value, used when a flag's type is unknown.
func Null() Value { return Value{} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{typ: TypeBoolean, b: b} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{typ: TypeString, s: s} }

// NumberValue wraps a finite number.
func NumberValue(n float64) Value { return Value{typ: TypeNumber, n: n} }

// JSONValue wraps a structured JSON document. The document is compacted so that
// equal documents compare equal.
func JSONValue(raw json.RawMessage) (Value, error) {
	if !json.Valid(raw) {
		return Value{}, fmt.Errorf("invalid json value: %w", ErrTypeMismatch)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Value{}, fmt.Errorf("compact json value: %w", err)
	}
	return Value{typ: TypeJSON, raw: json.RawMessage(buf.Bytes())}, nil
}

// MustJSONValue is JSONValue for literals known to be valid.
func MustJSONValue(raw string) Value {
	v, err := JSONValue(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return v
}

// ParseValue decodes raw according to t. It is the registry-boundary check that
// keeps untyped storage from leaking mismatched values into evaluation.
func ParseValue(t FlagType, raw json.RawMessage) (Value, error) {
	switch t {
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("decode boolean: %w", ErrTypeMismatch)
		}
		return BoolValue(b), nil
	case TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("decode string: %w", ErrTypeMismatch)
		}
		return StringValue(s), nil
	case TypeNumber:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return Value{}, fmt.Errorf("decode number: %w", ErrTypeMismatch)
		}
		return NumberValue(n), nil
	case TypeJSON:
		return JSONValue(raw)
	default:
		return Value{}, fmt.Errorf("unknown flag type %q", t)
	}
}

// Type returns the discriminant, or "" for null.
func (v Value) Type() FlagType { return v.typ }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return v.typ == "" }

// AsBool returns the boolean payload and whether v is a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.typ == TypeBoolean }

// AsString returns the string payload and whether v is a string.
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }

// AsNumber returns the numeric payload and whether v is a number.
func (v Value) AsNumber() (float64, bool) { return v.n, v.typ == TypeNumber }

// AsJSON returns the JSON payload and whether v is a JSON document.
func (v Value) AsJSON() (json.RawMessage, bool) { return v.raw, v.typ == TypeJSON }

// Interface returns the payload as a plain Go value (bool, string, float64,
// decoded JSON, or nil).
func (v Value) Interface() any {
	switch v.typ {
	case TypeBoolean:
		return v.b
	case TypeString:
		return v.s
	case TypeNumber:
		return v.n
	case TypeJSON:
		var out any
		if err := json.Unmarshal(v.raw, &out); err != nil {
			return nil
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether both values have the same type and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeBoolean:
		return v.b == o.b
	case TypeString:
		return v.s == o.s
	case TypeNumber:
		return v.n == o.n
	case TypeJSON:
		return bytes.Equal(v.raw, o.raw)
	default:
		return true
	}
}

// MarshalJSON emits the bare payload (true, "x", 1.5, {...} or null).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.typ {
	case TypeBoolean:
		return json.Marshal(v.b)
	case TypeString:
		return json.Marshal(v.s)
	case TypeNumber:
		return json.Marshal(v.n)
	case TypeJSON:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

// String renders the value for logs.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}
