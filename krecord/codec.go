package krecord

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	_ msgpack.CustomEncoder = Field{}
	_ msgpack.CustomDecoder = (*Field)(nil)
)

// EncodeMsgpack writes a field as a two element array [type, value].
func (f Field) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(f.typ)); err != nil {
		return err
	}
	switch f.typ {
	case FieldTypeInvalid:
		return enc.EncodeNil()
	case FieldTypeInt:
		return enc.EncodeInt(int64(f.num))
	case FieldTypeUInt, FieldTypeFloat:
		return enc.EncodeUint(f.num)
	case FieldTypeBoolean:
		return enc.EncodeBool(f.num == 1)
	case FieldTypeString, FieldTypeText, FieldTypeDecimal:
		return enc.EncodeString(f.str)
	case FieldTypeBinary:
		return enc.EncodeBytes(f.raw)
	case FieldTypeTimestamp, FieldTypeDate:
		return enc.EncodeInt(f.time.UnixNano())
	}
	return fmt.Errorf("%w: %d", ErrUnknownFieldType, uint8(f.typ))
}

func (f *Field) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("field: expected array of 2, got %d", n)
	}
	typ, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	*f = Field{typ: FieldType(typ)}
	switch f.typ {
	case FieldTypeInvalid:
		return dec.DecodeNil()
	case FieldTypeInt:
		v, err := dec.DecodeInt64()
		f.num = uint64(v)
		return err
	case FieldTypeUInt, FieldTypeFloat:
		f.num, err = dec.DecodeUint64()
		return err
	case FieldTypeBoolean:
		v, err := dec.DecodeBool()
		if v {
			f.num = 1
		}
		return err
	case FieldTypeString, FieldTypeText, FieldTypeDecimal:
		f.str, err = dec.DecodeString()
		return err
	case FieldTypeBinary:
		f.raw, err = dec.DecodeBytes()
		return err
	case FieldTypeTimestamp, FieldTypeDate:
		v, err := dec.DecodeInt64()
		f.time = time.Unix(0, v).UTC()
		return err
	}
	return fmt.Errorf("%w: %d", ErrUnknownFieldType, typ)
}

// MarshalOperation encodes op (including its offset) with msgpack.
func MarshalOperation(op Operation) ([]byte, error) {
	return msgpack.Marshal(op)
}

func UnmarshalOperation(data []byte) (Operation, error) {
	var op Operation
	if err := msgpack.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

func MarshalRecord(r Record) ([]byte, error) {
	return msgpack.Marshal(r)
}

func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// RecordFromMap builds a record of schema s from a decoded JSON object.
// Missing keys become null values.
func RecordFromMap(s Schema, m map[string]any) (Record, error) {
	values := make([]Field, len(s.Fields))
	for i, def := range s.Fields {
		v, err := ParseField(def.Type, m[def.Name])
		if err != nil {
			return Record{}, fmt.Errorf("field %q: %w", def.Name, err)
		}
		values[i] = v
	}
	r := Record{Schema: s.ID, Values: values}
	if err := r.Conforms(s); err != nil {
		return Record{}, err
	}
	return r, nil
}
