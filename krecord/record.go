package krecord

import (
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Record is an ordered set of values conforming to the schema it names.
type Record struct {
	Schema SchemaID `json:"schema" msgpack:"s"`
	Values []Field  `json:"values" msgpack:"v"`
}

func NewRecord(schema SchemaID, values ...Field) Record {
	return Record{Schema: schema, Values: values}
}

func (r Record) IsZero() bool {
	return r.Schema == SchemaID{} && len(r.Values) == 0
}

// Get returns the value at index i, or a null field when i is out of range.
func (r Record) Get(i int) Field {
	if i < 0 || i >= len(r.Values) {
		return Null()
	}
	return r.Values[i]
}

// Clone returns a copy whose Values slice can be modified independently.
func (r Record) Clone() Record {
	values := make([]Field, len(r.Values))
	copy(values, r.Values)
	return Record{Schema: r.Schema, Values: values}
}

func (r Record) Equal(o Record) bool {
	if r.Schema != o.Schema || len(r.Values) != len(o.Values) {
		return false
	}
	for i := range r.Values {
		if !r.Values[i].Equal(o.Values[i]) {
			return false
		}
	}
	return true
}

// Conforms checks arity, field types and nullability against s.
func (r Record) Conforms(s Schema) error {
	if len(r.Values) != len(s.Fields) {
		return fmt.Errorf("%w: %d values for %d fields of schema %s",
			ErrRecordMismatch, len(r.Values), len(s.Fields), s.ID)
	}
	for i, v := range r.Values {
		def := s.Fields[i]
		if v.IsNull() {
			if !def.Nullable {
				return fmt.Errorf("%w: null value for non-nullable field %q", ErrRecordMismatch, def.Name)
			}
			continue
		}
		if v.Type() != def.Type {
			return fmt.Errorf("%w: field %q is %s, got %s", ErrRecordMismatch, def.Name, def.Type, v.Type())
		}
	}
	return nil
}

// Key encodes the values at the given indexes. Equal keys encode to equal
// bytes, so the result is usable as a map or storage key.
func (r Record) Key(index []int) ([]byte, error) {
	key := make([]Field, len(index))
	for i, idx := range index {
		if idx < 0 || idx >= len(r.Values) {
			return nil, fmt.Errorf("%w: key index %d out of range for %d values", ErrRecordMismatch, idx, len(r.Values))
		}
		key[i] = r.Values[idx]
	}
	return msgpack.Marshal(key)
}

func (r Record) String() string {
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
