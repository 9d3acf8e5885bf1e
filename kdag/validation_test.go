package kdag

import (
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/krecord"
)

func TestValidateCycle(t *testing.T) {
	t.Run("two processors feeding each other", func(t *testing.T) {
		tb := NewBuilder()
		Must(addTestSource(tb, "source"))
		Must(tb.AddProcessor("a", passThrough(), ports(0, 1), ports(0, 1)))
		Must(addTestProcessor(tb, "b"))
		Must(addTestSink(tb, "sink"))
		Must(tb.Connect(At("source", 0), At("a", 0)))
		Must(tb.Connect(At("a", 0), At("b", 0)))
		Must(tb.Connect(At("b", 0), At("a", 1)))
		Must(tb.Connect(At("a", 1), At("sink", 0)))

		_, err := tb.Build()
		assert.True(t, errors.Is(err, ErrCycleDetected))
		assert.Contains(t, err.Error(), "a -> b -> a")
	})

	t.Run("self loop", func(t *testing.T) {
		tb := NewBuilder()
		Must(addTestSource(tb, "source"))
		Must(tb.AddProcessor("p", passThrough(), ports(0, 1), ports(0, 1)))
		Must(addTestSink(tb, "sink"))
		Must(tb.Connect(At("source", 0), At("p", 0)))
		Must(tb.Connect(At("p", 0), At("p", 1)))
		Must(tb.Connect(At("p", 1), At("sink", 0)))

		_, err := tb.Build()
		assert.True(t, errors.Is(err, ErrCycleDetected))
	})
}

func TestValidateWiring(t *testing.T) {
	t.Run("fan-in on one input port", func(t *testing.T) {
		tb := NewBuilder()
		Must(addTestSource(tb, "s1"))
		Must(addTestSource(tb, "s2"))
		Must(addTestSink(tb, "sink"))
		Must(tb.Connect(At("s1", 0), At("sink", 0)))
		Must(tb.Connect(At("s2", 0), At("sink", 0)))

		_, err := tb.Build()
		assert.True(t, errors.Is(err, ErrPortFanIn))
	})

	t.Run("merge through a processor with two inputs", func(t *testing.T) {
		tb := NewBuilder()
		Must(addTestSource(tb, "s1"))
		Must(addTestSource(tb, "s2"))
		Must(addTestProcessor(tb, "union", 0, 1))
		Must(addTestSink(tb, "sink"))
		Must(tb.Connect(At("s1", 0), At("union", 0)))
		Must(tb.Connect(At("s2", 0), At("union", 1)))
		Must(tb.Connect(At("union", 0), At("sink", 0)))

		dag, err := tb.Build()
		assert.NoError(t, err)
		assert.Equal(t, 2, len(dag.InEdges("union")))
	})

	t.Run("fan-out from one output port", func(t *testing.T) {
		tb := NewBuilder()
		Must(addTestSource(tb, "source"))
		Must(addTestSink(tb, "a"))
		Must(addTestSink(tb, "b"))
		Must(tb.Connect(At("source", 0), At("a", 0)))
		Must(tb.Connect(At("source", 0), At("b", 0)))

		dag, err := tb.Build()
		assert.NoError(t, err)
		assert.Equal(t, 2, len(dag.OutEdges("source", 0)))
	})

	t.Run("unconnected input", func(t *testing.T) {
		tb := NewBuilder()
		Must(addTestSource(tb, "source"))
		Must(addTestProcessor(tb, "p", 0, 1))
		Must(addTestSink(tb, "sink"))
		Must(tb.Connect(At("source", 0), At("p", 0)))
		Must(tb.Connect(At("p", 0), At("sink", 0)))

		_, err := tb.Build()
		assert.True(t, errors.Is(err, ErrUnconnectedPort))
	})

	t.Run("unconnected output", func(t *testing.T) {
		tb := NewBuilder()
		Must(addTestSource(tb, "source"))

		_, err := tb.Build()
		assert.True(t, errors.Is(err, ErrUnconnectedPort))
	})

	t.Run("dangling edge in raw graph", func(t *testing.T) {
		g := linearBuilder().GetGraph()
		g.Edges[1].To = At("ghost", 0)

		err := g.Validate()
		assert.True(t, errors.Is(err, ErrNodeNotFound))
	})

	t.Run("empty graph", func(t *testing.T) {
		_, err := NewBuilder().Build()
		assert.True(t, errors.Is(err, ErrInvalidTopology))
	})
}

func TestValidateSchemas(t *testing.T) {
	renamed := testSchema()
	renamed.ID = krecord.SchemaID{ID: 2}
	renamed.Fields[1].Name = "value"

	build := func(declare bool, in krecord.Schema) error {
		tb := NewBuilder()
		Must(addTestSource(tb, "source"))
		Must(tb.AddSink("sink", mockSink{}, Port{ID: 0, Schema: in}))
		Must(tb.Connect(At("source", 0), At("sink", 0)))
		if declare {
			tb.DeclareCompatible(testSchemaID, in.ID)
		}
		_, err := tb.Build()
		return err
	}

	t.Run("mismatch", func(t *testing.T) {
		assert.True(t, errors.Is(build(false, renamed), ErrSchemaMismatch))
	})

	t.Run("declared compatible", func(t *testing.T) {
		assert.NoError(t, build(true, renamed))
	})

	t.Run("declared but structurally incompatible", func(t *testing.T) {
		broken := renamed.Clone()
		broken.Fields[1].Type = krecord.FieldTypeFloat
		err := build(true, broken)
		assert.True(t, errors.Is(err, ErrSchemaMismatch))
		assert.True(t, errors.Is(err, krecord.ErrSchemaMismatch))
	})
}

func TestValidateRoles(t *testing.T) {
	g := NewGraph()
	Must(g.AddNode(&Node{ID: "sink", Type: NodeTypeSink, Sink: mockSink{}, Inputs: ports(0), Outputs: ports(0)}))

	err := g.Validate()
	assert.True(t, errors.Is(err, ErrInvalidTopology))
	assert.True(t, strings.HasPrefix(err.Error(), "DAG validation failed"))
}

func TestValidateCycleWithoutSource(t *testing.T) {
	g := linearBuilder().GetGraph()
	Must(g.AddNode(&Node{ID: "p2", Type: NodeTypeProcessor, Processor: passThrough(), Inputs: ports(0), Outputs: ports(0)}))
	Must(g.AddNode(&Node{ID: "p3", Type: NodeTypeProcessor, Processor: passThrough(), Inputs: ports(0), Outputs: ports(0)}))
	_, err := g.AddEdge(At("p2", 0), At("p3", 0), 0)
	assert.NoError(t, err)
	_, err = g.AddEdge(At("p3", 0), At("p2", 0), 0)
	assert.NoError(t, err)

	err = g.Validate()
	assert.True(t, errors.Is(err, ErrCycleDetected))
}

func TestValidateDisconnectedComponents(t *testing.T) {
	g := linearBuilder().GetGraph()
	Must(g.AddNode(&Node{ID: "other-source", Type: NodeTypeSource, Source: mockConnector{}, Outputs: ports(0)}))
	Must(g.AddNode(&Node{ID: "other-sink", Type: NodeTypeSink, Sink: mockSink{}, Inputs: ports(0)}))
	_, err := g.AddEdge(At("other-source", 0), At("other-sink", 0), 0)
	assert.NoError(t, err)

	assert.NoError(t, g.Validate())
}
