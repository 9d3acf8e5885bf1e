package kprocessor

import (
	"context"
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/krecord"
)

type forwarded struct {
	port krecord.PortID
	op   krecord.Operation
}

// mockForwarder records forwarded operations and optionally fails.
type mockForwarder struct {
	ops []forwarded
	err error
}

func (m *mockForwarder) Forward(_ context.Context, port krecord.PortID, op krecord.Operation) error {
	if m.err != nil {
		return m.err
	}
	m.ops = append(m.ops, forwarded{port: port, op: op})
	return nil
}

func (m *mockForwarder) operations() []string {
	res := make([]string, len(m.ops))
	for i, f := range m.ops {
		res[i] = f.op.String()
	}
	return res
}

var ordersID = krecord.SchemaID{ID: 1, Version: 1}

func orders() krecord.Schema {
	return krecord.Schema{
		ID: ordersID,
		Fields: []krecord.FieldDefinition{
			{Name: "id", Type: krecord.FieldTypeInt, PrimaryKey: true},
			{Name: "customer", Type: krecord.FieldTypeString},
			{Name: "total", Type: krecord.FieldTypeInt},
		},
	}
}

func order(id int64, customer string, total int64) krecord.Record {
	return krecord.NewRecord(ordersID, krecord.Int(id), krecord.String(customer), krecord.Int(total))
}

func bigOrder(r krecord.Record) bool {
	total, _ := r.Get(2).AsInt()
	return total >= 100
}

func TestFilter(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts and deletes", func(t *testing.T) {
		out := &mockForwarder{}
		p := Filter(bigOrder)
		assert.NoError(t, p.Init(nil))
		assert.NoError(t, p.Process(ctx, 0, krecord.Insert(order(1, "a", 150)), out))
		assert.NoError(t, p.Process(ctx, 0, krecord.Insert(order(2, "a", 50)), out))
		assert.NoError(t, p.Process(ctx, 0, krecord.Delete(order(1, "a", 150)), out))
		assert.Equal(t, []string{"Insert(1, a, 150)", "Delete(1, a, 150)"}, out.operations())
		assert.NoError(t, p.Close())
	})

	t.Run("updates crossing the predicate", func(t *testing.T) {
		out := &mockForwarder{}
		p := Filter(bigOrder)
		assert.NoError(t, p.Process(ctx, 0, krecord.Update(order(1, "a", 150), order(1, "a", 200)), out))
		assert.NoError(t, p.Process(ctx, 0, krecord.Update(order(1, "a", 200), order(1, "a", 10)), out))
		assert.NoError(t, p.Process(ctx, 0, krecord.Update(order(1, "a", 10), order(1, "a", 300)), out))
		assert.NoError(t, p.Process(ctx, 0, krecord.Update(order(1, "a", 10), order(1, "a", 20)), out))
		assert.Equal(t, []string{
			"Update(1, a, 150)->(1, a, 200)",
			"Delete(1, a, 200)",
			"Insert(1, a, 300)",
		}, out.operations())
	})

	t.Run("offset is kept", func(t *testing.T) {
		out := &mockForwarder{}
		op := krecord.Update(order(1, "a", 10), order(1, "a", 300)).WithOffset(krecord.Offset("o1"))
		assert.NoError(t, Filter(bigOrder).Process(ctx, 0, op, out))
		assert.Equal(t, krecord.Offset("o1"), out.ops[0].op.Offset)
	})

	t.Run("filter not", func(t *testing.T) {
		out := &mockForwarder{}
		assert.NoError(t, FilterNot(bigOrder).Process(ctx, 0, krecord.Insert(order(2, "a", 50)), out))
		assert.Equal(t, 1, len(out.ops))
	})

	t.Run("forward error is returned", func(t *testing.T) {
		boom := errors.New("boom")
		err := Filter(bigOrder).Process(ctx, 0, krecord.Insert(order(1, "a", 150)), &mockForwarder{err: boom})
		assert.True(t, errors.Is(err, boom))
	})
}

func TestProject(t *testing.T) {
	ctx := context.Background()
	outID := krecord.SchemaID{ID: 2}

	schema, err := ProjectSchema(orders(), outID, []int{0, 2})
	assert.NoError(t, err)
	assert.Equal(t, []string{"id", "total"}, []string{schema.Fields[0].Name, schema.Fields[1].Name})

	out := &mockForwarder{}
	p := Project(outID, []int{0, 2})
	assert.NoError(t, p.Process(ctx, 0, krecord.Update(order(1, "a", 5), order(1, "b", 6)), out))
	assert.Equal(t, []string{"Update(1, 5)->(1, 6)"}, out.operations())
	assert.Equal(t, outID, out.ops[0].op.SchemaID())

	_, err = ProjectSchema(orders(), outID, []int{7})
	assert.True(t, errors.Is(err, krecord.ErrFieldNotFound))
	assert.Error(t, Project(outID, []int{7}).Process(ctx, 0, krecord.Insert(order(1, "a", 5)), out))
}

func TestUnion(t *testing.T) {
	ctx := context.Background()
	outID := krecord.SchemaID{ID: 9}
	out := &mockForwarder{}
	p := Union(outID)
	assert.NoError(t, p.Process(ctx, 0, krecord.Insert(order(1, "a", 5)), out))
	assert.NoError(t, p.Process(ctx, 1, krecord.Insert(order(2, "b", 6)), out))
	assert.Equal(t, 2, len(out.ops))
	for _, f := range out.ops {
		assert.Equal(t, krecord.DefaultPort, f.port)
		assert.Equal(t, outID, f.op.SchemaID())
	}
}

func TestPeek(t *testing.T) {
	var seen []krecord.PortID
	out := &mockForwarder{}
	p := Peek(func(in krecord.PortID, _ krecord.Operation) { seen = append(seen, in) })
	assert.NoError(t, p.Process(context.Background(), 3, krecord.Insert(order(1, "a", 5)), out))
	assert.Equal(t, []krecord.PortID{3}, seen)
	assert.Equal(t, 1, len(out.ops))
}

func TestNewFuncHooks(t *testing.T) {
	var initCalled, closeCalled bool
	p := NewFunc(
		func(context.Context, krecord.PortID, krecord.Operation, Forwarder) error { return nil },
		WithInit(func(NodeContext) error { initCalled = true; return nil }),
		WithClose(func() error { closeCalled = true; return nil }),
	)
	assert.NoError(t, p.Init(nil))
	assert.NoError(t, p.Close())
	assert.True(t, initCalled)
	assert.True(t, closeCalled)
}
