package krecord

import (
	"fmt"
)

// PortID identifies an input or output port of a node.
type PortID uint16

// DefaultPort is the port used by nodes with a single input or output.
const DefaultPort PortID = 0

// Offset is an opaque, source-assigned resume token. Nil means "no offset".
type Offset []byte

// OpKind is the discriminator of an Operation.
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

func (k OpKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OpKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "insert":
		*k = OpInsert
	case "update":
		*k = OpUpdate
	case "delete":
		*k = OpDelete
	default:
		return fmt.Errorf("unknown operation kind %q", text)
	}
	return nil
}

// Operation is a single change: Insert carries New, Delete carries Old and
// Update carries both. Use the constructors to build operations.
type Operation struct {
	Kind   OpKind `json:"kind" msgpack:"k"`
	Old    Record `json:"old" msgpack:"o,omitempty"`
	New    Record `json:"new" msgpack:"n,omitempty"`
	Offset Offset `json:"-" msgpack:"off,omitempty"`
}

func Insert(r Record) Operation { return Operation{Kind: OpInsert, New: r} }

func Update(old, r Record) Operation { return Operation{Kind: OpUpdate, Old: old, New: r} }

func Delete(old Record) Operation { return Operation{Kind: OpDelete, Old: old} }

// WithOffset returns a copy of op carrying the given offset.
func (op Operation) WithOffset(off Offset) Operation {
	op.Offset = off
	return op
}

// SchemaID returns the schema of the record(s) carried by op.
func (op Operation) SchemaID() SchemaID {
	if op.Kind == OpDelete {
		return op.Old.Schema
	}
	return op.New.Schema
}

// Validate checks that op is well formed and its records conform to s.
func (op Operation) Validate(s Schema) error {
	switch op.Kind {
	case OpInsert:
		return op.New.Conforms(s)
	case OpDelete:
		return op.Old.Conforms(s)
	case OpUpdate:
		if err := op.Old.Conforms(s); err != nil {
			return fmt.Errorf("old record: %w", err)
		}
		if err := op.New.Conforms(s); err != nil {
			return fmt.Errorf("new record: %w", err)
		}
		return nil
	}
	return fmt.Errorf("invalid operation kind %d", uint8(op.Kind))
}

// Equal compares kind and records. Offsets are ignored.
func (op Operation) Equal(o Operation) bool {
	return op.Kind == o.Kind && op.Old.Equal(o.Old) && op.New.Equal(o.New)
}

func (op Operation) String() string {
	switch op.Kind {
	case OpInsert:
		return fmt.Sprintf("Insert%s", op.New)
	case OpDelete:
		return fmt.Sprintf("Delete%s", op.Old)
	case OpUpdate:
		return fmt.Sprintf("Update%s->%s", op.Old, op.New)
	}
	return op.Kind.String()
}
