package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
	"unicode/utf16"
)

// IRValue is a sealed interface over the value shapes a record payload may
// carry. Only IRNull, IRString, IRInt, IRBool, IRArray and IRObject
// implement it. There is no float variant: decimal quantities travel as
// strings so that encodings stay bit-stable.
type IRValue interface {
	irValue()
}

// IRNull is an explicit JSON null. Absent optional fields are encoded as
// null rather than omitted, so the same record always hashes the same way.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString is a string value.
type IRString string

func (IRString) irValue() {}

// IRInt is an integer value. Always int64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool is a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray is an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject maps field names to values. Use SortedKeys for deterministic
// iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// DateLayout is the rendering used for calendar dates in payloads.
const DateLayout = "2006-01-02"

// NewPayload converts producer-side Go values into a record payload.
//
// Accepted field values: nil (stored as IRNull), string, bool, every signed
// and unsigned integer type that fits in int64, json.Number holding an
// integer, time.Time (rendered RFC 3339 in UTC), Date, and any IRValue
// scalar. Floats are rejected with ErrFloatForbidden. Nested arrays and
// objects are rejected: record fields are scalars.
func NewPayload(fields map[string]any) (IRObject, error) {
	obj := make(IRObject, len(fields))
	for k, v := range fields {
		val, err := scalarValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = val
	}
	return obj, nil
}

// MustPayload is like NewPayload but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPayload(fields map[string]any) IRObject {
	obj, err := NewPayload(fields)
	if err != nil {
		panic(err)
	}
	return obj
}

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format(DateLayout)
}

func scalarValue(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRNull, IRString, IRInt, IRBool:
		return val.(IRValue), nil
	case IRArray, IRObject:
		return nil, ErrNonScalar
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int8:
		return IRInt(val), nil
	case int16:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint:
		return uintValue(uint64(val))
	case uint8:
		return IRInt(val), nil
	case uint16:
		return IRInt(val), nil
	case uint32:
		return IRInt(val), nil
	case uint64:
		return uintValue(val)
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFloatForbidden, val)
		}
		return IRInt(n), nil
	case float32, float64:
		return nil, fmt.Errorf("%w: %v", ErrFloatForbidden, val)
	case time.Time:
		return IRString(FormatTimestamp(val)), nil
	case Date:
		return IRString(val.String()), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

func uintValue(n uint64) (IRValue, error) {
	if n > 1<<63-1 {
		return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, n)
	}
	return IRInt(n), nil
}

// CheckPayload reports whether every field of a decoded payload is a scalar.
func CheckPayload(payload IRObject) error {
	for _, k := range payload.SortedKeys() {
		switch payload[k].(type) {
		case IRNull, IRString, IRInt, IRBool:
		case nil:
			return fmt.Errorf("field %q: %w", k, ErrUnsupportedValue)
		default:
			return fmt.Errorf("field %q: %w", k, ErrNonScalar)
		}
	}
	return nil
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's native string order compares UTF-8 bytes, which differs for
// characters outside the BMP.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < min(len(a16), len(b16)); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	return len(a16) - len(b16)
}

// Get returns the value stored under key, or IRNull when absent.
func (obj IRObject) Get(key string) IRValue {
	if v, ok := obj[key]; ok {
		return v
	}
	return IRNull{}
}

// String returns the field as a Go string and whether it was a string.
func (obj IRObject) String(key string) (string, bool) {
	s, ok := obj[key].(IRString)
	return string(s), ok
}

// Native converts the payload to plain Go values (nil, string, int64, bool).
func (obj IRObject) Native() map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = nativeValue(v)
	}
	return out
}

func nativeValue(v IRValue) any {
	switch val := v.(type) {
	case IRString:
		return string(val)
	case IRInt:
		return int64(val)
	case IRBool:
		return bool(val)
	case IRArray:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = nativeValue(elem)
		}
		return out
	case IRObject:
		return val.Native()
	default:
		return nil
	}
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*obj = make(IRObject, len(raw))
	for k, v := range raw {
		val, err := unmarshalIRValue(v)
		if err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		(*obj)[k] = val
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for IRArray.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*arr = make(IRArray, len(raw))
	for i, v := range raw {
		val, err := unmarshalIRValue(v)
		if err != nil {
			return fmt.Errorf("index %d: %w", i, err)
		}
		(*arr)[i] = val
	}
	return nil
}

func unmarshalIRValue(data []byte) (IRValue, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return IRString(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return IRBool(b), nil
	case 'n':
		return IRNull{}, nil
	case '[':
		var arr IRArray
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, err
		}
		return arr, nil
	case '{':
		var obj IRObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		return obj, nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrFloatForbidden, string(data))
		}
		return IRInt(i), nil
	}
}

// MarshalJSON renders the object with sorted keys. It is not the hashing
// encoding: use MarshalCanonical for that.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalIRValue marshals a single value to JSON.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case IRNull, nil:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			elemBytes, err := MarshalIRValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(elemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case IRObject:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown IRValue type: %T", v)
	}
}

// ParsePayload decodes a JSON object into a payload and checks that every
// field is a scalar.
func ParsePayload(data []byte) (IRObject, error) {
	var obj IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if obj == nil {
		obj = IRObject{}
	}
	if err := CheckPayload(obj); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return obj, nil
}
