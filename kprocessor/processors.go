package kprocessor

import (
	"context"
	"fmt"

	"github.com/birdayz/dagstream/krecord"
)

// Filter creates a processor that only forwards records matching the predicate.
// Updates are split by how the old and new record evaluate: an update whose
// new record stops matching becomes a Delete, one whose old record did not
// match becomes an Insert.
//
// Example:
//
//	b.AddProcessor("paid-orders",
//	    kprocessor.Filter(func(r krecord.Record) bool {
//	        status, _ := r.Get(2).AsString()
//	        return status == "paid"
//	    }),
//	    []kdag.Port{{ID: krecord.DefaultPort, Schema: orders}},
//	    []kdag.Port{{ID: krecord.DefaultPort, Schema: orders}},
//	)
func Filter(predicate func(r krecord.Record) bool) Processor {
	return NewFunc(func(ctx context.Context, _ krecord.PortID, op krecord.Operation, out Forwarder) error {
		var fwd krecord.Operation
		switch op.Kind {
		case krecord.OpInsert:
			if !predicate(op.New) {
				return nil
			}
			fwd = op
		case krecord.OpDelete:
			if !predicate(op.Old) {
				return nil
			}
			fwd = op
		case krecord.OpUpdate:
			oldOK, newOK := predicate(op.Old), predicate(op.New)
			switch {
			case oldOK && newOK:
				fwd = op
			case oldOK:
				fwd = krecord.Delete(op.Old)
			case newOK:
				fwd = krecord.Insert(op.New)
			default:
				return nil
			}
		default:
			return fmt.Errorf("filter: invalid operation kind %d", op.Kind)
		}
		return out.Forward(ctx, krecord.DefaultPort, fwd.WithOffset(op.Offset))
	})
}

// FilterNot creates a processor that forwards records NOT matching the predicate.
func FilterNot(predicate func(r krecord.Record) bool) Processor {
	return Filter(func(r krecord.Record) bool {
		return !predicate(r)
	})
}

// Map creates a processor that transforms every record carried by an
// operation. The operation kind is preserved.
//
// Example:
//
//	kprocessor.Map(func(r krecord.Record) (krecord.Record, error) {
//	    name, _ := r.Get(1).AsString()
//	    return krecord.NewRecord(out.ID, r.Get(0), krecord.String(strings.ToUpper(name))), nil
//	})
func Map(mapFunc func(r krecord.Record) (krecord.Record, error)) Processor {
	return NewFunc(func(ctx context.Context, _ krecord.PortID, op krecord.Operation, out Forwarder) error {
		mapped, err := mapOperation(op, mapFunc)
		if err != nil {
			return err
		}
		return out.Forward(ctx, krecord.DefaultPort, mapped)
	})
}

func mapOperation(op krecord.Operation, mapFunc func(krecord.Record) (krecord.Record, error)) (krecord.Operation, error) {
	var err error
	if op.Kind == krecord.OpUpdate || op.Kind == krecord.OpDelete {
		if op.Old, err = mapFunc(op.Old); err != nil {
			return op, err
		}
	}
	if op.Kind == krecord.OpUpdate || op.Kind == krecord.OpInsert {
		if op.New, err = mapFunc(op.New); err != nil {
			return op, err
		}
	}
	return op, nil
}

// Project creates a processor that keeps the fields at the given indexes
// and relabels records with the output schema id.
func Project(out krecord.SchemaID, fields []int) Processor {
	return Map(func(r krecord.Record) (krecord.Record, error) {
		values := make([]krecord.Field, len(fields))
		for i, idx := range fields {
			if idx < 0 || idx >= len(r.Values) {
				return krecord.Record{}, fmt.Errorf("project: field index %d out of range for %d values", idx, len(r.Values))
			}
			values[i] = r.Values[idx]
		}
		return krecord.NewRecord(out, values...), nil
	})
}

// ProjectSchema derives the output schema for Project.
func ProjectSchema(in krecord.Schema, id krecord.SchemaID, fields []int) (krecord.Schema, error) {
	out := krecord.Schema{ID: id, Fields: make([]krecord.FieldDefinition, len(fields))}
	for i, idx := range fields {
		if idx < 0 || idx >= len(in.Fields) {
			return krecord.Schema{}, fmt.Errorf("%w: field index %d out of range", krecord.ErrFieldNotFound, idx)
		}
		out.Fields[i] = in.Fields[idx]
	}
	return out, nil
}

// Union creates a processor that merges all of its inputs into its default
// output port. Records are relabeled with the output schema id.
func Union(out krecord.SchemaID) Processor {
	return Map(func(r krecord.Record) (krecord.Record, error) {
		r.Schema = out
		return r, nil
	})
}

// Peek creates a processor that invokes an action for each operation
// without modifying it.
func Peek(peekFunc func(in krecord.PortID, op krecord.Operation)) Processor {
	return NewFunc(func(ctx context.Context, in krecord.PortID, op krecord.Operation, out Forwarder) error {
		peekFunc(in, op)
		return out.Forward(ctx, krecord.DefaultPort, op)
	})
}
