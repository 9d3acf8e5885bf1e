package kdag

import (
	"context"

	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

var testSchemaID = krecord.SchemaID{ID: 1, Version: 1}

func testSchema() krecord.Schema {
	return krecord.Schema{
		ID: testSchemaID,
		Fields: []krecord.FieldDefinition{
			{Name: "id", Type: krecord.FieldTypeInt, PrimaryKey: true},
			{Name: "val", Type: krecord.FieldTypeString},
		},
	}
}

func ports(ids ...krecord.PortID) []Port {
	res := make([]Port, len(ids))
	for i, id := range ids {
		res[i] = Port{ID: id, Schema: testSchema()}
	}
	return res
}

// mockConnector is never started in kdag tests.
type mockConnector struct{}

func (mockConnector) Start(context.Context, krecord.Offset) (kconnector.Stream, error) {
	return nil, nil
}

type mockSink struct{}

func (mockSink) Init(kprocessor.NodeContext) error { return nil }

func (mockSink) Commit(context.Context, krecord.PortID, krecord.Operation) error { return nil }

func (mockSink) OnEpochCommitted(context.Context, uint64) error { return nil }

func (mockSink) Close() error { return nil }

func passThrough() kprocessor.Processor {
	return kprocessor.Union(testSchemaID)
}

func addTestSource(b *Builder, name NodeID) error {
	return b.AddSource(name, mockConnector{}, ports(0)...)
}

func addTestProcessor(b *Builder, name NodeID, inputs ...krecord.PortID) error {
	if len(inputs) == 0 {
		inputs = []krecord.PortID{0}
	}
	return b.AddProcessor(name, passThrough(), ports(inputs...), ports(0))
}

func addTestSink(b *Builder, name NodeID) error {
	return b.AddSink(name, mockSink{}, ports(0)...)
}

// linearBuilder wires source -> processor -> sink.
func linearBuilder() *Builder {
	b := NewBuilder()
	Must(addTestSource(b, "source"))
	Must(addTestProcessor(b, "processor"))
	Must(addTestSink(b, "sink"))
	Must(b.Connect(At("source", 0), At("processor", 0)))
	Must(b.Connect(At("processor", 0), At("sink", 0)))
	return b
}
