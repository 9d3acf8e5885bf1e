package kdag

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/krecord"
)

func TestNewBuilder(t *testing.T) {
	tb := NewBuilder()
	assert.NotZero(t, tb)
	assert.NotZero(t, tb.GetGraph())
	assert.NotEqual(t, (map[NodeID]*Node)(nil), tb.GetGraph().Nodes)
}

func TestNodeIDValidate(t *testing.T) {
	assert.NoError(t, NodeID("orders").Validate())
	assert.True(t, errors.Is(NodeID("").Validate(), ErrInvalidNodeID))
	assert.True(t, errors.Is(NodeID("my node").Validate(), ErrInvalidNodeID))
}

func TestAddNodes(t *testing.T) {
	t.Run("valid source registration", func(t *testing.T) {
		tb := NewBuilder()
		assert.NoError(t, addTestSource(tb, "source1"))

		node, exists := tb.GetNode("source1")
		assert.True(t, exists)
		assert.Equal(t, NodeTypeSource, node.Type)
		assert.Equal(t, 1, len(node.Outputs))
	})

	t.Run("duplicate node name", func(t *testing.T) {
		tb := NewBuilder()
		assert.NoError(t, addTestSource(tb, "source1"))
		err := addTestProcessor(tb, "source1")
		assert.True(t, errors.Is(err, ErrNodeAlreadyExists))
	})

	t.Run("duplicate port", func(t *testing.T) {
		tb := NewBuilder()
		err := tb.AddProcessor("p", passThrough(), ports(0, 0), ports(0))
		assert.True(t, errors.Is(err, ErrInvalidTopology))
	})

	t.Run("invalid port schema", func(t *testing.T) {
		tb := NewBuilder()
		err := tb.AddSink("s", mockSink{}, Port{ID: 0, Schema: krecord.Schema{}})
		assert.True(t, errors.Is(err, krecord.ErrInvalidSchema))
	})

	t.Run("nil implementations", func(t *testing.T) {
		tb := NewBuilder()
		assert.True(t, errors.Is(tb.AddSource("s", nil, ports(0)...), ErrInvalidTopology))
		assert.True(t, errors.Is(tb.AddProcessor("p", nil, ports(0), ports(0)), ErrInvalidTopology))
		assert.True(t, errors.Is(tb.AddSink("k", nil, ports(0)...), ErrInvalidTopology))
	})

	t.Run("ports are copied", func(t *testing.T) {
		tb := NewBuilder()
		in := ports(0)
		assert.NoError(t, tb.AddSink("sink", mockSink{}, in...))
		in[0].Schema.Fields[0].Name = "changed"

		node, _ := tb.GetNode("sink")
		assert.Equal(t, "id", node.Inputs[0].Schema.Fields[0].Name)
	})
}

func TestConnect(t *testing.T) {
	t.Run("parent child relationship", func(t *testing.T) {
		tb := linearBuilder()
		source, _ := tb.GetNode("source")
		processor, _ := tb.GetNode("processor")
		assert.Equal(t, []NodeID{"processor"}, source.Children)
		assert.Equal(t, []NodeID{"source"}, processor.Parents)
		assert.Equal(t, 2, len(tb.GetGraph().Edges))
	})

	t.Run("unknown node", func(t *testing.T) {
		tb := NewBuilder()
		assert.NoError(t, addTestSource(tb, "source"))
		err := tb.Connect(At("source", 0), At("missing", 0))
		assert.True(t, errors.Is(err, ErrNodeNotFound))
	})

	t.Run("unknown port", func(t *testing.T) {
		tb := NewBuilder()
		assert.NoError(t, addTestSource(tb, "source"))
		assert.NoError(t, addTestSink(tb, "sink"))
		err := tb.Connect(At("source", 3), At("sink", 0))
		assert.True(t, errors.Is(err, ErrPortNotFound))

		err = tb.Connect(At("source", 0), At("sink", 3))
		assert.True(t, errors.Is(err, ErrPortNotFound))
	})

	t.Run("wrong direction", func(t *testing.T) {
		tb := NewBuilder()
		assert.NoError(t, addTestSource(tb, "source"))
		assert.NoError(t, addTestSink(tb, "sink"))
		err := tb.Connect(At("sink", 0), At("source", 0))
		assert.True(t, errors.Is(err, ErrPortNotFound))
	})

	t.Run("capacity option", func(t *testing.T) {
		tb := NewBuilder()
		assert.NoError(t, addTestSource(tb, "source"))
		assert.NoError(t, addTestSink(tb, "sink"))
		assert.NoError(t, tb.Connect(At("source", 0), At("sink", 0), WithCapacity(4)))
		assert.Equal(t, 4, tb.GetGraph().Edges[0].Capacity)

		err := tb.Connect(At("source", 0), At("sink", 0), WithCapacity(-1))
		assert.True(t, errors.Is(err, ErrInvalidTopology))
	})
}

func TestBuild(t *testing.T) {
	dag, err := linearBuilder().Build()
	assert.NoError(t, err)

	assert.Equal(t, 3, dag.Len())
	assert.Equal(t, []NodeID{"source"}, dag.Sources())
	assert.Equal(t, []NodeID{"processor"}, dag.Processors())
	assert.Equal(t, []NodeID{"sink"}, dag.Sinks())
	assert.Equal(t, []NodeID{"source", "processor", "sink"}, dag.TopologicalOrder())

	edges := dag.Edges()
	assert.Equal(t, 2, len(edges))
	assert.Equal(t, EdgeID(1), edges[1].ID)
	assert.Equal(t, []EdgeID{0}, dag.InEdges("processor"))
	assert.Equal(t, []EdgeID{1}, dag.OutEdges("processor", 0))
	assert.Equal(t, At("sink", 0), dag.Edge(1).To)

	node, ok := dag.Node("processor")
	assert.True(t, ok)
	assert.Equal(t, NodeTypeProcessor, node.Type)
}

func TestMustBuildPanics(t *testing.T) {
	tb := NewBuilder()
	assert.Panics(t, func() { tb.MustBuild() })
}
