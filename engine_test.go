package dagstream_test

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/birdayz/dagstream"
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kconnector/events"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
	"github.com/birdayz/dagstream/ksink/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var users = krecord.Schema{
	ID: krecord.SchemaID{ID: 7, Version: 1},
	Fields: []krecord.FieldDefinition{
		{Name: "id", Type: krecord.FieldTypeInt, PrimaryKey: true},
		{Name: "name", Type: krecord.FieldTypeString},
	},
}

func user(id int64, name string) krecord.Record {
	return krecord.NewRecord(users.ID, krecord.Int(id), krecord.String(name))
}

func usersDAG(t *testing.T, src *events.Connector, sink *memory.Collector) *kdag.DAG {
	t.Helper()
	port := kdag.Port{ID: krecord.DefaultPort, Schema: users}
	b := kdag.NewBuilder()
	assert.NoError(t, b.AddSource("users", src, port))
	assert.NoError(t, b.AddProcessor("not-bob", kprocessor.Filter(func(r krecord.Record) bool {
		name, _ := r.Get(1).AsString()
		return name != "bob"
	}), []kdag.Port{port}, []kdag.Port{port}))
	assert.NoError(t, b.AddSink("sink", sink, port))
	assert.NoError(t, b.Connect(kdag.At("users", 0), kdag.At("not-bob", 0)))
	assert.NoError(t, b.Connect(kdag.At("not-bob", 0), kdag.At("sink", 0)))
	return b.MustBuild()
}

func TestNew(t *testing.T) {
	d := usersDAG(t, events.New(), memory.New())
	store := kcheckpoint.NewMemoryStore()

	_, err := dagstream.New(nil, store)
	assert.IsError(t, err, dagstream.ErrNoDAG)

	_, err = dagstream.New(d, nil)
	assert.IsError(t, err, dagstream.ErrNoStore)

	_, err = dagstream.New(d, store, dagstream.WithEpochInterval(-time.Second))
	assert.IsError(t, err, dagstream.ErrInvalidOption)

	_, err = dagstream.New(d, store, dagstream.WithChannelCapacity(-1))
	assert.IsError(t, err, dagstream.ErrInvalidOption)

	e, err := dagstream.New(d, store, dagstream.WithRunID("run-1"))
	assert.NoError(t, err)
	assert.Equal(t, "run-1", e.RunID())
	assert.Equal(t, dagstream.StateCreated, e.Status().State)

	e, err = dagstream.New(d, store)
	assert.NoError(t, err)
	assert.NotEqual(t, "", e.RunID())
}

func TestEngineRun(t *testing.T) {
	src := events.New()
	sink := memory.New()
	store := kcheckpoint.NewMemoryStore()
	registry := prometheus.NewRegistry()

	src.Push(krecord.DefaultPort, krecord.Insert(user(1, "alice")))
	src.Push(krecord.DefaultPort, krecord.Insert(user(2, "bob")))
	src.Push(krecord.DefaultPort, krecord.Update(user(1, "alice"), user(1, "bob")))
	src.Push(krecord.DefaultPort, krecord.Insert(user(3, "carol")))
	src.Finish()

	e, err := dagstream.New(usersDAG(t, src, sink), store,
		dagstream.WithLogger(testr.New(t)),
		dagstream.WithMetrics(registry),
		dagstream.WithSourcePollInterval(time.Millisecond),
		dagstream.WithChannelCapacity(1),
	)
	assert.NoError(t, err)
	assert.NoError(t, e.Run(context.Background()))

	assert.Equal(t, []krecord.Operation{
		krecord.Insert(user(1, "alice")),
		krecord.Delete(user(1, "alice")),
		krecord.Insert(user(3, "carol")),
	}, stripOffsets(sink.Operations()))

	st := e.Status()
	assert.Equal(t, dagstream.StateClosed, st.State)
	assert.Equal(t, uint64(1), st.LastCommittedEpoch)
	assert.NoError(t, st.Failure)

	count, err := testutil.GatherAndCount(registry, "dagstream_epochs_committed_total")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEngineStop(t *testing.T) {
	src := events.New()
	sink := memory.New()
	e := dagstream.MustNew(usersDAG(t, src, sink), kcheckpoint.NewMemoryStore(),
		dagstream.WithEpochInterval(time.Millisecond),
		dagstream.WithSourcePollInterval(time.Millisecond),
	)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	src.Push(krecord.DefaultPort, krecord.Insert(user(1, "alice")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, sink.WaitFor(ctx, func(c *memory.Collector) bool { return len(c.Epochs()) >= 2 }))

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.True(t, e.Status().LastCommittedEpoch >= 1)
}

func stripOffsets(ops []krecord.Operation) []krecord.Operation {
	out := make([]krecord.Operation, len(ops))
	for i, op := range ops {
		out[i] = op.WithOffset(nil)
	}
	return out
}
