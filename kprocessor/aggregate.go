package kprocessor

import (
	"context"
	"fmt"

	"github.com/birdayz/dagstream/krecord"
	"github.com/birdayz/dagstream/kstate"
)

// MeasureKind selects an aggregation function.
type MeasureKind uint8

const (
	MeasureCount MeasureKind = iota + 1
	MeasureSum
)

// Measure is one aggregated output column. Field is ignored for MeasureCount.
type Measure struct {
	Kind  MeasureKind
	Field int
	Name  string
}

type aggregateGroup struct {
	Key   []krecord.Field `msgpack:"k"`
	Count int64           `msgpack:"c"`
	Sums  []krecord.Field `msgpack:"s"`
}

// AggregateProcessor maintains COUNT and SUM measures per group and emits
// the changed aggregate row for every input operation: Insert when a group
// appears, Update while it exists and Delete once its last row is removed.
type AggregateProcessor struct {
	groupBy  []int
	measures []Measure
	out      krecord.SchemaID
	sumTypes []krecord.FieldType
	groups   *kstate.InMemory[string, aggregateGroup]
}

var (
	_ Processor = (*AggregateProcessor)(nil)
	_ Stateful  = (*AggregateProcessor)(nil)
)

// Aggregate groups records of schema in by the fields at groupBy.
// Sums are supported over int, uint and float fields.
func Aggregate(in krecord.Schema, out krecord.SchemaID, groupBy []int, measures []Measure) (*AggregateProcessor, error) {
	p := &AggregateProcessor{
		groupBy:  groupBy,
		measures: measures,
		out:      out,
		groups:   kstate.NewInMemory[string, aggregateGroup]("aggregate"),
	}
	for _, idx := range groupBy {
		if idx < 0 || idx >= len(in.Fields) {
			return nil, fmt.Errorf("aggregate: %w: group index %d", krecord.ErrFieldNotFound, idx)
		}
	}
	for _, m := range measures {
		switch m.Kind {
		case MeasureCount:
			p.sumTypes = append(p.sumTypes, krecord.FieldTypeInt)
		case MeasureSum:
			if m.Field < 0 || m.Field >= len(in.Fields) {
				return nil, fmt.Errorf("aggregate: %w: measure index %d", krecord.ErrFieldNotFound, m.Field)
			}
			typ := in.Fields[m.Field].Type
			switch typ {
			case krecord.FieldTypeInt, krecord.FieldTypeUInt, krecord.FieldTypeFloat:
			default:
				return nil, fmt.Errorf("aggregate: cannot sum %s field %q", typ, in.Fields[m.Field].Name)
			}
			p.sumTypes = append(p.sumTypes, typ)
		default:
			return nil, fmt.Errorf("aggregate: unknown measure kind %d", m.Kind)
		}
	}
	return p, nil
}

// AggregateSchema derives the output schema: the group fields (as primary
// key) followed by one column per measure.
func AggregateSchema(in krecord.Schema, id krecord.SchemaID, groupBy []int, measures []Measure) (krecord.Schema, error) {
	out := krecord.Schema{ID: id}
	for _, idx := range groupBy {
		if idx < 0 || idx >= len(in.Fields) {
			return krecord.Schema{}, fmt.Errorf("%w: group index %d", krecord.ErrFieldNotFound, idx)
		}
		def := in.Fields[idx]
		def.PrimaryKey = true
		out.Fields = append(out.Fields, def)
	}
	for _, m := range measures {
		def := krecord.FieldDefinition{Name: m.Name}
		switch m.Kind {
		case MeasureCount:
			def.Type = krecord.FieldTypeInt
			if def.Name == "" {
				def.Name = "count"
			}
		case MeasureSum:
			if m.Field < 0 || m.Field >= len(in.Fields) {
				return krecord.Schema{}, fmt.Errorf("%w: measure index %d", krecord.ErrFieldNotFound, m.Field)
			}
			def.Type = in.Fields[m.Field].Type
			if def.Name == "" {
				def.Name = "sum_" + in.Fields[m.Field].Name
			}
		}
		out.Fields = append(out.Fields, def)
	}
	return out, out.Validate()
}

func (p *AggregateProcessor) Init(NodeContext) error { return nil }

func (p *AggregateProcessor) Close() error { return nil }

func (p *AggregateProcessor) Snapshot() ([]byte, error) { return p.groups.Snapshot() }

func (p *AggregateProcessor) Restore(blob []byte) error { return p.groups.Restore(blob) }

func (p *AggregateProcessor) Process(ctx context.Context, _ krecord.PortID, op krecord.Operation, out Forwarder) error {
	switch op.Kind {
	case krecord.OpInsert:
		return p.apply(ctx, op.New, 1, out)
	case krecord.OpDelete:
		return p.apply(ctx, op.Old, -1, out)
	case krecord.OpUpdate:
		if err := p.apply(ctx, op.Old, -1, out); err != nil {
			return err
		}
		return p.apply(ctx, op.New, 1, out)
	}
	return fmt.Errorf("aggregate: invalid operation kind %d", op.Kind)
}

func (p *AggregateProcessor) apply(ctx context.Context, r krecord.Record, sign int64, out Forwarder) error {
	rawKey, err := r.Key(p.groupBy)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	key := string(rawKey)

	group, err := p.groups.Get(key)
	existed := err == nil
	if !existed {
		group = aggregateGroup{Sums: p.zeroSums()}
		for _, idx := range p.groupBy {
			group.Key = append(group.Key, r.Get(idx))
		}
	}
	if !existed && sign < 0 {
		return fmt.Errorf("aggregate: delete for unknown group %s", r)
	}

	var before krecord.Record
	if existed {
		before = p.row(group)
	}

	group.Count += sign
	group.Sums = append([]krecord.Field(nil), group.Sums...)
	for i, m := range p.measures {
		if m.Kind != MeasureSum {
			continue
		}
		group.Sums[i] = addField(group.Sums[i], r.Get(m.Field), sign)
	}

	if group.Count <= 0 {
		p.groups.Delete(key)
		return out.Forward(ctx, krecord.DefaultPort, krecord.Delete(before))
	}
	p.groups.Set(key, group)
	if !existed {
		return out.Forward(ctx, krecord.DefaultPort, krecord.Insert(p.row(group)))
	}
	return out.Forward(ctx, krecord.DefaultPort, krecord.Update(before, p.row(group)))
}

func (p *AggregateProcessor) zeroSums() []krecord.Field {
	sums := make([]krecord.Field, len(p.measures))
	for i, typ := range p.sumTypes {
		switch typ {
		case krecord.FieldTypeUInt:
			sums[i] = krecord.UInt(0)
		case krecord.FieldTypeFloat:
			sums[i] = krecord.Float(0)
		default:
			sums[i] = krecord.Int(0)
		}
	}
	return sums
}

func (p *AggregateProcessor) row(g aggregateGroup) krecord.Record {
	values := append([]krecord.Field(nil), g.Key...)
	for i, m := range p.measures {
		if m.Kind == MeasureCount {
			values = append(values, krecord.Int(g.Count))
			continue
		}
		values = append(values, g.Sums[i])
	}
	return krecord.NewRecord(p.out, values...)
}

// addField adds sign*v to acc. Null inputs leave the sum unchanged.
func addField(acc, v krecord.Field, sign int64) krecord.Field {
	if v.IsNull() {
		return acc
	}
	switch acc.Type() {
	case krecord.FieldTypeInt:
		a, _ := acc.AsInt()
		b, _ := v.AsInt()
		return krecord.Int(a + sign*b)
	case krecord.FieldTypeUInt:
		a, _ := acc.AsUInt()
		b, _ := v.AsUInt()
		if sign < 0 {
			return krecord.UInt(a - b)
		}
		return krecord.UInt(a + b)
	case krecord.FieldTypeFloat:
		a, _ := acc.AsFloat()
		b, _ := v.AsFloat()
		return krecord.Float(a + float64(sign)*b)
	}
	return acc
}
