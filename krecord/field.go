package krecord

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Field is a single typed value. The zero Field is a null value.
type Field struct {
	typ  FieldType
	num  uint64
	str  string
	raw  []byte
	time time.Time
}

func Int(v int64) Field { return Field{typ: FieldTypeInt, num: uint64(v)} }
func UInt(v uint64) Field { return Field{typ: FieldTypeUInt, num: v} }
func Float(v float64) Field { return Field{typ: FieldTypeFloat, num: math.Float64bits(v)} }
func String(v string) Field { return Field{typ: FieldTypeString, str: v} }
func Text(v string) Field { return Field{typ: FieldTypeText, str: v} }
func Decimal(v string) Field { return Field{typ: FieldTypeDecimal, str: v} }
func Binary(v []byte) Field { return Field{typ: FieldTypeBinary, raw: bytes.Clone(v)} }
func Null() Field { return Field{} }
func Timestamp(v time.Time) Field {
	return Field{typ: FieldTypeTimestamp, time: v.UTC()}
}

func Bool(v bool) Field {
	f := Field{typ: FieldTypeBoolean}
	if v {
		f.num = 1
	}
	return f
}

// Date truncates v to midnight UTC.
func Date(v time.Time) Field {
	y, m, d := v.UTC().Date()
	return Field{typ: FieldTypeDate, time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Type returns the field type, or FieldTypeInvalid for null values.
func (f Field) Type() FieldType { return f.typ }

func (f Field) IsNull() bool { return f.typ == FieldTypeInvalid }

func (f Field) AsInt() (int64, bool) {
	return int64(f.num), f.typ == FieldTypeInt
}

func (f Field) AsUInt() (uint64, bool) {
	return f.num, f.typ == FieldTypeUInt
}

func (f Field) AsFloat() (float64, bool) {
	return math.Float64frombits(f.num), f.typ == FieldTypeFloat
}

func (f Field) AsBool() (bool, bool) {
	return f.num == 1, f.typ == FieldTypeBoolean
}

// AsString returns the value of String, Text and Decimal fields.
func (f Field) AsString() (string, bool) {
	switch f.typ {
	case FieldTypeString, FieldTypeText, FieldTypeDecimal:
		return f.str, true
	}
	return "", false
}

func (f Field) AsBinary() ([]byte, bool) {
	return f.raw, f.typ == FieldTypeBinary
}

// AsTime returns the value of Timestamp and Date fields.
func (f Field) AsTime() (time.Time, bool) {
	switch f.typ {
	case FieldTypeTimestamp, FieldTypeDate:
		return f.time, true
	}
	return time.Time{}, false
}

// Any returns the value as a plain Go value (nil for null).
func (f Field) Any() any {
	switch f.typ {
	case FieldTypeInt:
		return int64(f.num)
	case FieldTypeUInt:
		return f.num
	case FieldTypeFloat:
		return math.Float64frombits(f.num)
	case FieldTypeBoolean:
		return f.num == 1
	case FieldTypeString, FieldTypeText, FieldTypeDecimal:
		return f.str
	case FieldTypeBinary:
		return f.raw
	case FieldTypeTimestamp, FieldTypeDate:
		return f.time
	}
	return nil
}

// Equal compares type and value.
func (f Field) Equal(o Field) bool {
	if f.typ != o.typ {
		return false
	}
	switch f.typ {
	case FieldTypeBinary:
		return bytes.Equal(f.raw, o.raw)
	case FieldTypeTimestamp, FieldTypeDate:
		return f.time.Equal(o.time)
	}
	return f.num == o.num && f.str == o.str
}

func (f Field) String() string {
	switch f.typ {
	case FieldTypeInvalid:
		return "NULL"
	case FieldTypeInt:
		return strconv.FormatInt(int64(f.num), 10)
	case FieldTypeUInt:
		return strconv.FormatUint(f.num, 10)
	case FieldTypeFloat:
		return strconv.FormatFloat(math.Float64frombits(f.num), 'g', -1, 64)
	case FieldTypeBoolean:
		return strconv.FormatBool(f.num == 1)
	case FieldTypeBinary:
		return base64.StdEncoding.EncodeToString(f.raw)
	case FieldTypeTimestamp:
		return f.time.Format(time.RFC3339Nano)
	case FieldTypeDate:
		return f.time.Format(time.DateOnly)
	}
	return f.str
}

func (f Field) MarshalJSON() ([]byte, error) {
	switch f.typ {
	case FieldTypeInvalid:
		return []byte("null"), nil
	case FieldTypeString, FieldTypeText, FieldTypeDecimal, FieldTypeBinary,
		FieldTypeTimestamp, FieldTypeDate:
		return json.Marshal(f.String())
	case FieldTypeFloat:
		v := math.Float64frombits(f.num)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return json.Marshal(f.String())
		}
	}
	return []byte(f.String()), nil
}

// ParseField converts a decoded JSON or YAML value into a field of type t.
// Numbers may be given as float64, json.Number, integers or strings.
func ParseField(t FieldType, v any) (Field, error) {
	if v == nil {
		return Null(), nil
	}
	switch t {
	case FieldTypeInt:
		n, err := toInt(v)
		return Int(n), err
	case FieldTypeUInt:
		n, err := toInt(v)
		if err == nil && n < 0 {
			err = fmt.Errorf("negative value %d for uint", n)
		}
		return UInt(uint64(n)), err
	case FieldTypeFloat:
		n, err := toFloat(v)
		return Float(n), err
	case FieldTypeBoolean:
		switch b := v.(type) {
		case bool:
			return Bool(b), nil
		case string:
			parsed, err := strconv.ParseBool(b)
			return Bool(parsed), err
		}
	case FieldTypeString, FieldTypeText, FieldTypeDecimal:
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case json.Number:
			s = x.String()
		case fmt.Stringer:
			s = x.String()
		default:
			s = fmt.Sprint(x)
		}
		return Field{typ: t, str: s}, nil
	case FieldTypeBinary:
		switch b := v.(type) {
		case []byte:
			return Binary(b), nil
		case string:
			raw, err := base64.StdEncoding.DecodeString(b)
			return Binary(raw), err
		}
	case FieldTypeTimestamp, FieldTypeDate:
		var ts time.Time
		switch x := v.(type) {
		case time.Time:
			ts = x
		case string:
			layout := time.RFC3339Nano
			if t == FieldTypeDate && len(x) == len(time.DateOnly) {
				layout = time.DateOnly
			}
			parsed, err := time.Parse(layout, x)
			if err != nil {
				return Null(), err
			}
			ts = parsed
		default:
			return Null(), fmt.Errorf("cannot convert %T to %s", v, t)
		}
		if t == FieldTypeDate {
			return Date(ts), nil
		}
		return Timestamp(ts), nil
	default:
		return Null(), fmt.Errorf("%w: %d", ErrUnknownFieldType, uint8(t))
	}
	return Null(), fmt.Errorf("cannot convert %T to %s", v, t)
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case uint64:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("non-integral value %v", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to float", v)
}
