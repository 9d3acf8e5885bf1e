package krecord

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSchema    = errors.New("invalid schema")
	ErrSchemaMismatch   = errors.New("schema mismatch")
	ErrRecordMismatch   = errors.New("record does not conform to schema")
	ErrUnknownFieldType = errors.New("unknown field type")
	ErrFieldNotFound    = errors.New("field not found")
)

// FieldType is the logical type of a schema field.
type FieldType uint8

const (
	FieldTypeInvalid FieldType = iota
	FieldTypeInt
	FieldTypeUInt
	FieldTypeFloat
	FieldTypeBoolean
	FieldTypeString
	FieldTypeText
	FieldTypeBinary
	FieldTypeDecimal
	FieldTypeTimestamp
	FieldTypeDate
)

var fieldTypeNames = map[FieldType]string{
	FieldTypeInt:       "int",
	FieldTypeUInt:      "uint",
	FieldTypeFloat:     "float",
	FieldTypeBoolean:   "boolean",
	FieldTypeString:    "string",
	FieldTypeText:      "text",
	FieldTypeBinary:    "binary",
	FieldTypeDecimal:   "decimal",
	FieldTypeTimestamp: "timestamp",
	FieldTypeDate:      "date",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", uint8(t))
}

// Valid reports whether t is one of the declared field types.
func (t FieldType) Valid() bool {
	_, ok := fieldTypeNames[t]
	return ok
}

// ParseFieldType parses the lower-case name of a field type ("int", "string", ...).
func ParseFieldType(s string) (FieldType, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for t, name := range fieldTypeNames {
		if name == needle {
			return t, nil
		}
	}
	return FieldTypeInvalid, fmt.Errorf("%w: %q", ErrUnknownFieldType, s)
}

func (t FieldType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFieldType, uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *FieldType) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// FieldDefinition describes a single column of a schema.
type FieldDefinition struct {
	Name       string    `json:"name" yaml:"name" msgpack:"name"`
	Type       FieldType `json:"type" yaml:"type" msgpack:"type"`
	Nullable   bool      `json:"nullable" yaml:"nullable" msgpack:"nullable"`
	PrimaryKey bool      `json:"primary_key" yaml:"primary_key" msgpack:"pk"`
}

// SchemaID identifies a schema and its version.
type SchemaID struct {
	ID      uint32 `json:"id" yaml:"id" msgpack:"id"`
	Version uint16 `json:"version" yaml:"version" msgpack:"v"`
}

func (id SchemaID) String() string {
	return fmt.Sprintf("%d.%d", id.ID, id.Version)
}

// Schema is the ordered list of typed fields carried on an edge.
// A schema must not be modified once it has been bound to a port.
type Schema struct {
	ID     SchemaID          `json:"identifier" yaml:"identifier" msgpack:"id"`
	Fields []FieldDefinition `json:"fields" yaml:"fields" msgpack:"fields"`
}

// Validate checks that the schema has uniquely named fields of known types.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("%w: schema %s has no fields", ErrInvalidSchema, s.ID)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field %d of schema %s has no name", ErrInvalidSchema, i, s.ID)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate field %q in schema %s", ErrInvalidSchema, f.Name, s.ID)
		}
		seen[f.Name] = struct{}{}
		if !f.Type.Valid() {
			return fmt.Errorf("%w: field %q: %w", ErrInvalidSchema, f.Name, ErrUnknownFieldType)
		}
	}
	return nil
}

// PrimaryIndex returns the indexes of all primary key fields in declaration order.
func (s Schema) PrimaryIndex() []int {
	var idx []int
	for i, f := range s.Fields {
		if f.PrimaryKey {
			idx = append(idx, i)
		}
	}
	return idx
}

// FieldIndex returns the position of the named field.
func (s Schema) FieldIndex(name string) (int, error) {
	for i, f := range s.Fields {
		if f.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q in schema %s", ErrFieldNotFound, name, s.ID)
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	fields := make([]FieldDefinition, len(s.Fields))
	copy(fields, s.Fields)
	return Schema{ID: s.ID, Fields: fields}
}

// Equal reports whether both schemas have the same identifier and fields.
func (s Schema) Equal(o Schema) bool {
	if s.ID != o.ID || len(s.Fields) != len(o.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// CompatibleWith checks whether records of schema s can be consumed by a
// port expecting schema in. Field names may differ; arity and types may not,
// and a nullable field cannot feed a non-nullable one.
func (s Schema) CompatibleWith(in Schema) error {
	if len(s.Fields) != len(in.Fields) {
		return fmt.Errorf("%w: %s has %d fields, %s expects %d",
			ErrSchemaMismatch, s.ID, len(s.Fields), in.ID, len(in.Fields))
	}
	for i, f := range s.Fields {
		want := in.Fields[i]
		if f.Type != want.Type {
			return fmt.Errorf("%w: field %d (%s) is %s, expected %s",
				ErrSchemaMismatch, i, f.Name, f.Type, want.Type)
		}
		if f.Nullable && !want.Nullable {
			return fmt.Errorf("%w: nullable field %q feeds non-nullable %q",
				ErrSchemaMismatch, f.Name, want.Name)
		}
	}
	return nil
}
