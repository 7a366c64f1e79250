package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind identifies the dynamic type carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindBool
	// KindRaw holds nested objects and arrays as opaque JSON.
	KindRaw
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindRaw:
		return "raw"
	default:
		return "null"
	}
}

// Value is a single telemetry field. The zero value is JSON null.
type Value struct {
	kind ValueKind
	num  float64
	str  string
	b    bool
	raw  json.RawMessage
}

func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }
func StringValue(s string) Value  { return Value{kind: KindString, str: s} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }

// RawValue wraps a nested JSON document. The bytes are copied.
func RawValue(raw []byte) Value {
	return Value{kind: KindRaw, raw: append(json.RawMessage(nil), raw...)}
}

func (v Value) Kind() ValueKind { return v.kind }

// Float returns the numeric value and whether v is a number.
func (v Value) Float() (float64, bool) { return v.num, v.kind == KindNumber }

// Text returns the string value and whether v is a string.
func (v Value) Text() (string, bool) { return v.str, v.kind == KindString }

// Bool returns the boolean value and whether v is a bool.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Raw returns the nested JSON document for KindRaw values.
func (v Value) Raw() (json.RawMessage, bool) { return v.raw, v.kind == KindRaw }

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindRaw:
		return bytes.Equal(v.raw, o.raw)
	}
	return true
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindString:
		return json.Marshal(v.str)
	case KindBool:
		return json.Marshal(v.b)
	case KindRaw:
		if len(v.raw) == 0 {
			return []byte("null"), nil
		}
		return v.raw, nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON classifies a JSON token. Objects and arrays are kept as raw
// documents without further interpretation.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case 'n':
		*v = Value{}
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case '{', '[':
		if !json.Valid(data) {
			return fmt.Errorf("invalid nested document")
		}
		*v = RawValue(data)
	default:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", data, err)
		}
		*v = NumberValue(f)
	}
	return nil
}
