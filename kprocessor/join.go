package kprocessor

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/birdayz/dagstream/krecord"
	"github.com/birdayz/dagstream/kstate"
)

// Input ports of a join processor.
const (
	JoinLeftPort  krecord.PortID = 0
	JoinRightPort krecord.PortID = 1
)

// JoinProcessor is an inner equi-join of two inputs. Both sides are kept in
// state; every change on one side is joined against the current rows of the
// other side. Output rows are the left values followed by the right values.
type JoinProcessor struct {
	leftKey  []int
	rightKey []int
	out      krecord.SchemaID
	left     *kstate.InMemory[string, []krecord.Record]
	right    *kstate.InMemory[string, []krecord.Record]
}

var (
	_ Processor = (*JoinProcessor)(nil)
	_ Stateful  = (*JoinProcessor)(nil)
)

func Join(leftKey, rightKey []int, out krecord.SchemaID) (*JoinProcessor, error) {
	if len(leftKey) == 0 || len(leftKey) != len(rightKey) {
		return nil, fmt.Errorf("join: key arity mismatch: %d left, %d right", len(leftKey), len(rightKey))
	}
	return &JoinProcessor{
		leftKey:  leftKey,
		rightKey: rightKey,
		out:      out,
		left:     kstate.NewInMemory[string, []krecord.Record]("join-left"),
		right:    kstate.NewInMemory[string, []krecord.Record]("join-right"),
	}, nil
}

// JoinSchema concatenates the fields of both inputs. Right-hand fields whose
// names collide with a left-hand field are prefixed with "right_".
func JoinSchema(left, right krecord.Schema, id krecord.SchemaID) (krecord.Schema, error) {
	out := krecord.Schema{ID: id}
	names := make(map[string]struct{}, len(left.Fields))
	for _, f := range left.Fields {
		names[f.Name] = struct{}{}
		out.Fields = append(out.Fields, f)
	}
	for _, f := range right.Fields {
		if _, dup := names[f.Name]; dup {
			f.Name = "right_" + f.Name
		}
		out.Fields = append(out.Fields, f)
	}
	return out, out.Validate()
}

func (p *JoinProcessor) Init(NodeContext) error { return nil }

func (p *JoinProcessor) Close() error { return nil }

type joinSnapshot struct {
	Left  []byte `msgpack:"l"`
	Right []byte `msgpack:"r"`
}

func (p *JoinProcessor) Snapshot() ([]byte, error) {
	left, err := p.left.Snapshot()
	if err != nil {
		return nil, err
	}
	right, err := p.right.Snapshot()
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(joinSnapshot{Left: left, Right: right})
}

func (p *JoinProcessor) Restore(blob []byte) error {
	var snap joinSnapshot
	if len(blob) > 0 {
		if err := msgpack.Unmarshal(blob, &snap); err != nil {
			return fmt.Errorf("join: restore: %w", err)
		}
	}
	if err := p.left.Restore(snap.Left); err != nil {
		return err
	}
	return p.right.Restore(snap.Right)
}

func (p *JoinProcessor) Process(ctx context.Context, in krecord.PortID, op krecord.Operation, out Forwarder) error {
	switch op.Kind {
	case krecord.OpInsert:
		return p.change(ctx, in, op.New, true, out)
	case krecord.OpDelete:
		return p.change(ctx, in, op.Old, false, out)
	case krecord.OpUpdate:
		if err := p.change(ctx, in, op.Old, false, out); err != nil {
			return err
		}
		return p.change(ctx, in, op.New, true, out)
	}
	return fmt.Errorf("join: invalid operation kind %d", op.Kind)
}

func (p *JoinProcessor) change(ctx context.Context, in krecord.PortID, r krecord.Record, insert bool, out Forwarder) error {
	var (
		own, other *kstate.InMemory[string, []krecord.Record]
		keyIdx     []int
	)
	switch in {
	case JoinLeftPort:
		own, other, keyIdx = p.left, p.right, p.leftKey
	case JoinRightPort:
		own, other, keyIdx = p.right, p.left, p.rightKey
	default:
		return fmt.Errorf("join: unexpected input port %d", in)
	}

	rawKey, err := r.Key(keyIdx)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	key := string(rawKey)

	rows, _ := own.Get(key)
	if insert {
		rows = append(rows, r)
	} else {
		idx := -1
		for i, existing := range rows {
			if existing.Equal(r) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("join: delete of unknown row %s", r)
		}
		rows = append(rows[:idx:idx], rows[idx+1:]...)
	}
	if len(rows) == 0 {
		own.Delete(key)
	} else {
		own.Set(key, rows)
	}

	matches, _ := other.Get(key)
	for _, m := range matches {
		joined := p.combine(in, r, m)
		fwd := krecord.Insert(joined)
		if !insert {
			fwd = krecord.Delete(joined)
		}
		if err := out.Forward(ctx, krecord.DefaultPort, fwd); err != nil {
			return err
		}
	}
	return nil
}

func (p *JoinProcessor) combine(in krecord.PortID, r, match krecord.Record) krecord.Record {
	left, right := r, match
	if in == JoinRightPort {
		left, right = match, r
	}
	values := make([]krecord.Field, 0, len(left.Values)+len(right.Values))
	values = append(values, left.Values...)
	values = append(values, right.Values...)
	return krecord.NewRecord(p.out, values...)
}
