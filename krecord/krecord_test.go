package krecord

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func testSchema() Schema {
	return Schema{
		ID: SchemaID{ID: 1, Version: 1},
		Fields: []FieldDefinition{
			{Name: "id", Type: FieldTypeInt, PrimaryKey: true},
			{Name: "val", Type: FieldTypeString, Nullable: true},
		},
	}
}

func TestSchemaValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, testSchema().Validate())
	})

	t.Run("duplicate field", func(t *testing.T) {
		s := testSchema()
		s.Fields = append(s.Fields, FieldDefinition{Name: "id", Type: FieldTypeInt})
		err := s.Validate()
		assert.True(t, errors.Is(err, ErrInvalidSchema))
	})

	t.Run("unknown type", func(t *testing.T) {
		s := testSchema()
		s.Fields[1].Type = FieldType(200)
		err := s.Validate()
		assert.True(t, errors.Is(err, ErrUnknownFieldType))
	})

	t.Run("no fields", func(t *testing.T) {
		err := Schema{}.Validate()
		assert.True(t, errors.Is(err, ErrInvalidSchema))
	})
}

func TestSchemaPrimaryIndex(t *testing.T) {
	s := testSchema()
	s.Fields = append(s.Fields, FieldDefinition{Name: "tenant", Type: FieldTypeString, PrimaryKey: true})
	assert.Equal(t, []int{0, 2}, s.PrimaryIndex())

	idx, err := s.FieldIndex("val")
	assert.NoError(t, err)
	assert.Equal(t, 1, idx)

	_, err = s.FieldIndex("missing")
	assert.True(t, errors.Is(err, ErrFieldNotFound))
}

func TestSchemaCompatibleWith(t *testing.T) {
	out := testSchema()

	t.Run("renamed fields are compatible", func(t *testing.T) {
		in := out.Clone()
		in.ID = SchemaID{ID: 2}
		in.Fields[1].Name = "value"
		assert.NoError(t, out.CompatibleWith(in))
		assert.False(t, out.Equal(in))
	})

	t.Run("type change", func(t *testing.T) {
		in := out.Clone()
		in.Fields[0].Type = FieldTypeString
		assert.True(t, errors.Is(out.CompatibleWith(in), ErrSchemaMismatch))
	})

	t.Run("nullable into non-nullable", func(t *testing.T) {
		in := out.Clone()
		in.Fields[1].Nullable = false
		assert.True(t, errors.Is(out.CompatibleWith(in), ErrSchemaMismatch))
	})

	t.Run("arity", func(t *testing.T) {
		in := out.Clone()
		in.Fields = in.Fields[:1]
		assert.True(t, errors.Is(out.CompatibleWith(in), ErrSchemaMismatch))
	})
}

func TestRecordConforms(t *testing.T) {
	s := testSchema()

	assert.NoError(t, NewRecord(s.ID, Int(1), String("a")).Conforms(s))
	assert.NoError(t, NewRecord(s.ID, Int(1), Null()).Conforms(s))

	err := NewRecord(s.ID, Null(), String("a")).Conforms(s)
	assert.True(t, errors.Is(err, ErrRecordMismatch))

	err = NewRecord(s.ID, String("1"), String("a")).Conforms(s)
	assert.True(t, errors.Is(err, ErrRecordMismatch))

	err = NewRecord(s.ID, Int(1)).Conforms(s)
	assert.True(t, errors.Is(err, ErrRecordMismatch))
}

func TestRecordKey(t *testing.T) {
	s := testSchema()
	a, err := NewRecord(s.ID, Int(7), String("a")).Key(s.PrimaryIndex())
	assert.NoError(t, err)
	b, err := NewRecord(s.ID, Int(7), String("b")).Key(s.PrimaryIndex())
	assert.NoError(t, err)
	c, err := NewRecord(s.ID, Int(8), String("a")).Key(s.PrimaryIndex())
	assert.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	_, err = NewRecord(s.ID, Int(7)).Key([]int{3})
	assert.True(t, errors.Is(err, ErrRecordMismatch))
}

func TestOperationCodec(t *testing.T) {
	id := SchemaID{ID: 3, Version: 2}
	ts := time.Date(2024, 5, 1, 12, 30, 0, 500, time.UTC)
	old := NewRecord(id,
		Int(-5), UInt(9), Float(1.5), Bool(true), String("s"), Text("t"),
		Binary([]byte{0, 1, 2}), Decimal("10.25"), Timestamp(ts), Date(ts), Null(),
	)
	updated := old.Clone()
	updated.Values[0] = Int(6)

	op := Update(old, updated).WithOffset(Offset("tx-1"))
	data, err := MarshalOperation(op)
	assert.NoError(t, err)

	decoded, err := UnmarshalOperation(data)
	assert.NoError(t, err)
	assert.True(t, op.Equal(decoded), "decoded %s", decoded)
	assert.Equal(t, Offset("tx-1"), decoded.Offset)
	assert.Equal(t, id, decoded.SchemaID())

	got, ok := decoded.New.Get(9).AsTime()
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestUnmarshalOperationGarbage(t *testing.T) {
	_, err := UnmarshalOperation([]byte{0xc1})
	assert.Error(t, err)
}

func TestOperationValidate(t *testing.T) {
	s := testSchema()
	good := NewRecord(s.ID, Int(1), String("a"))
	bad := NewRecord(s.ID, String("x"), String("a"))

	assert.NoError(t, Insert(good).Validate(s))
	assert.NoError(t, Delete(good).Validate(s))
	assert.Error(t, Update(bad, good).Validate(s))
	assert.Error(t, Update(good, bad).Validate(s))
	assert.Error(t, Operation{}.Validate(s))
}

func TestFieldJSON(t *testing.T) {
	r := NewRecord(SchemaID{ID: 1}, Int(1), String("a"), Null(), Bool(false), Float(2.5))
	data, err := json.Marshal(r.Values)
	assert.NoError(t, err)
	assert.Equal(t, `[1,"a",null,false,2.5]`, string(data))
}

func TestRecordFromMap(t *testing.T) {
	s := testSchema()

	t.Run("json numbers", func(t *testing.T) {
		var m map[string]any
		assert.NoError(t, json.Unmarshal([]byte(`{"id": 42, "val": "x"}`), &m))
		r, err := RecordFromMap(s, m)
		assert.NoError(t, err)
		assert.True(t, r.Equal(NewRecord(s.ID, Int(42), String("x"))))
	})

	t.Run("missing nullable field", func(t *testing.T) {
		r, err := RecordFromMap(s, map[string]any{"id": 1})
		assert.NoError(t, err)
		assert.True(t, r.Get(1).IsNull())
	})

	t.Run("missing primary key", func(t *testing.T) {
		_, err := RecordFromMap(s, map[string]any{"val": "x"})
		assert.True(t, errors.Is(err, ErrRecordMismatch))
	})

	t.Run("fractional int", func(t *testing.T) {
		_, err := RecordFromMap(s, map[string]any{"id": 1.5})
		assert.Error(t, err)
	})
}

func TestParseFieldType(t *testing.T) {
	ft, err := ParseFieldType("Timestamp")
	assert.NoError(t, err)
	assert.Equal(t, FieldTypeTimestamp, ft)

	_, err = ParseFieldType("jsonb")
	assert.True(t, errors.Is(err, ErrUnknownFieldType))

	var decoded FieldType
	assert.NoError(t, decoded.UnmarshalText([]byte("uint")))
	assert.Equal(t, FieldTypeUInt, decoded)
}
