package runtime

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/kconnector/events"
	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

func sourceNode(conn *events.Connector) *kdag.Node {
	return &kdag.Node{ID: "source", Type: kdag.NodeTypeSource, Outputs: []kdag.Port{port(0)}, Source: conn}
}

func TestSourceForwardsEventsAndFinalBarrier(t *testing.T) {
	env := newTestEnv(t)
	conn := events.New()
	for i := int64(1); i <= 3; i++ {
		conn.Push(0, insert(i))
	}
	last := conn.Push(0, insert(4))
	conn.Finish()

	out := channel.New(16)
	barriers := make(chan channel.Barrier, 1)
	r := NewSourceRunner(sourceNode(conn), Outputs{0: {out}}, barriers, nil, env.Env)
	wait := run(t, r)

	eof := env.nextReport(t)
	assert.True(t, eof.EOF)
	assert.Equal(t, kdag.NodeID("source"), eof.Node)

	barriers <- channel.Barrier{Epoch: 1, Final: true}

	ready := env.nextReport(t)
	assert.Equal(t, uint64(1), ready.Epoch)
	assert.Equal(t, last, ready.Offset)

	assert.NoError(t, wait())
	assert.Equal(t, []string{"Insert(1)", "Insert(2)", "Insert(3)", "Insert(4)", "Barrier(1)"}, drain(t, out))
}

func TestSourceResumesAfterOffset(t *testing.T) {
	env := newTestEnv(t)
	conn := events.New()
	conn.Push(0, insert(1))
	resume := conn.Push(0, insert(2))
	conn.Push(0, insert(3))
	conn.Finish()

	out := channel.New(16)
	barriers := make(chan channel.Barrier, 1)
	wait := run(t, NewSourceRunner(sourceNode(conn), Outputs{0: {out}}, barriers, resume, env.Env))

	assert.True(t, env.nextReport(t).EOF)
	barriers <- channel.Barrier{Epoch: 6, Final: true}
	assert.Equal(t, uint64(6), env.nextReport(t).Epoch)

	assert.NoError(t, wait())
	assert.Equal(t, []string{"Insert(3)", "Barrier(6)"}, drain(t, out))
}

func TestSourceStop(t *testing.T) {
	env := newTestEnv(t)
	conn := events.New()
	conn.Push(0, insert(1))

	out := channel.New(16)
	wait := run(t, NewSourceRunner(sourceNode(conn), Outputs{0: {out}}, nil, nil, env.Env))

	item, ok, err := out.Recv(context.Background())
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Insert(1)", item.String())

	close(env.stop)
	assert.NoError(t, wait())
	assert.Equal(t, 0, len(drain(t, out)))
}

func TestSourceReadError(t *testing.T) {
	env := newTestEnv(t)
	conn := events.New()
	boom := errors.New("boom")
	conn.Fail(boom)

	wait := run(t, NewSourceRunner(sourceNode(conn), Outputs{0: {channel.New(1)}}, nil, nil, env.Env))
	err := wait()
	assertStage(t, err, StageRead, boom)
}

func TestSourceBackpressure(t *testing.T) {
	env := newTestEnv(t)
	conn := events.New()
	for i := int64(1); i <= 10; i++ {
		conn.Push(0, insert(i))
	}

	out := channel.New(1)
	wait := run(t, NewSourceRunner(sourceNode(conn), Outputs{0: {out}}, nil, nil, env.Env))

	// The producer fills the single slot and then blocks.
	deadline := time.Now().Add(5 * time.Second)
	for out.Len() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	sent, _ := out.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, 1, out.Len())

	var got []string
	for range 10 {
		item, ok, err := out.Recv(context.Background())
		assert.NoError(t, err)
		assert.True(t, ok)
		got = append(got, item.String())
	}
	assert.Equal(t, "Insert(1)", got[0])
	assert.Equal(t, "Insert(10)", got[9])

	close(env.stop)
	assert.NoError(t, wait())
}

func TestSourceKilledWhileBlocked(t *testing.T) {
	env := newTestEnv(t)
	conn := events.New()
	conn.Push(0, insert(1))
	conn.Push(0, insert(2))

	out := channel.New(1)
	wait := run(t, NewSourceRunner(sourceNode(conn), Outputs{0: {out}}, nil, nil, env.Env))

	for out.Len() < 1 {
		time.Sleep(time.Millisecond)
	}
	env.cancel()

	err := wait()
	var pe *ProcessingError
	assert.True(t, errors.As(err, &pe))
	assert.IsError(t, err, context.Canceled)
}

func unionNode(inputs ...krecord.PortID) *kdag.Node {
	n := &kdag.Node{ID: "union", Type: kdag.NodeTypeProcessor, Outputs: []kdag.Port{port(0)}, Processor: kprocessor.Union(testSchemaID)}
	for _, p := range inputs {
		n.Inputs = append(n.Inputs, port(p))
	}
	return n
}

func TestProcessorAlignsTwoInputs(t *testing.T) {
	env := newTestEnv(t)
	left, right, out := channel.New(8), channel.New(8), channel.New(8)

	send(t, left, channel.OpItem(insert(1)), barrier(1), channel.OpItem(insert(3)))
	send(t, right, channel.OpItem(insert(2)))

	r := NewProcessorRunner(unionNode(0, 1), []Input{{0, left}, {1, right}}, Outputs{0: {out}}, 0, nil, env.Env)
	wait := run(t, r)

	// Until the right input delivers its barrier, nothing behind the left
	// barrier may be processed.
	first := make([]string, 0, 2)
	for range 2 {
		item, _, err := out.Recv(context.Background())
		assert.NoError(t, err)
		first = append(first, item.String())
	}
	slices.Sort(first)
	assert.Equal(t, []string{"Insert(1)", "Insert(2)"}, first)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, out.Len())

	send(t, right, barrier(1))
	left.Close()
	right.Close()

	report := env.nextReport(t)
	assert.Equal(t, uint64(1), report.Epoch)
	assert.Equal(t, kdag.NodeID("union"), report.Node)

	assert.NoError(t, wait())
	assert.Equal(t, []string{"Barrier(1)", "Insert(3)"}, drain(t, out))
}

func TestProcessorClosedInputCountsAsAligned(t *testing.T) {
	env := newTestEnv(t)
	left, right, out := channel.New(8), channel.New(8), channel.New(8)
	left.Close()
	send(t, right, channel.OpItem(insert(1)), barrier(1))
	right.Close()

	wait := run(t, NewProcessorRunner(unionNode(0, 1), []Input{{0, left}, {1, right}}, Outputs{0: {out}}, 0, nil, env.Env))

	assert.Equal(t, uint64(1), env.nextReport(t).Epoch)
	assert.NoError(t, wait())
	assert.Equal(t, []string{"Insert(1)", "Barrier(1)"}, drain(t, out))
}

func TestProcessorBarrierOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	in, out := channel.New(8), channel.New(8)
	send(t, in, barrier(2), barrier(2))
	in.Close()

	wait := run(t, NewProcessorRunner(unionNode(0), []Input{{0, in}}, Outputs{0: {out}}, 0, nil, env.Env))
	assertStage(t, wait(), StageBarrier, ErrBarrierOutOfOrder)
}

func TestProcessorBarrierBelowRestoredEpoch(t *testing.T) {
	env := newTestEnv(t)
	in, out := channel.New(8), channel.New(8)
	send(t, in, barrier(3))
	in.Close()

	wait := run(t, NewProcessorRunner(unionNode(0), []Input{{0, in}}, Outputs{0: {out}}, 3, nil, env.Env))
	assertStage(t, wait(), StageBarrier, ErrBarrierOutOfOrder)
}

func TestProcessorBarrierMismatch(t *testing.T) {
	env := newTestEnv(t)
	left, right, out := channel.New(8), channel.New(8), channel.New(8)
	send(t, left, barrier(1))
	send(t, right, barrier(2))
	left.Close()
	right.Close()

	wait := run(t, NewProcessorRunner(unionNode(0, 1), []Input{{0, left}, {1, right}}, Outputs{0: {out}}, 0, nil, env.Env))
	assertStage(t, wait(), StageBarrier, ErrBarrierMismatch)
}

func TestProcessorError(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("boom")
	node := &kdag.Node{
		ID:      "failing",
		Type:    kdag.NodeTypeProcessor,
		Inputs:  []kdag.Port{port(0)},
		Outputs: []kdag.Port{port(0)},
		Processor: kprocessor.NewFunc(func(context.Context, krecord.PortID, krecord.Operation, kprocessor.Forwarder) error {
			return boom
		}),
	}
	in, out := channel.New(8), channel.New(8)
	send(t, in, barrier(1), channel.OpItem(insert(1)))
	in.Close()

	wait := run(t, NewProcessorRunner(node, []Input{{0, in}}, Outputs{0: {out}}, 0, nil, env.Env))
	err := wait()
	assertStage(t, err, StageProcess, boom)

	var pe *ProcessingError
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, kdag.NodeID("failing"), pe.Node)
	assert.Equal(t, uint64(2), pe.Epoch)

	// Outputs are closed even when the processor fails.
	assert.Equal(t, []string{"Barrier(1)"}, drain(t, out))
}

func TestProcessorFanOut(t *testing.T) {
	env := newTestEnv(t)
	in, a, b := channel.New(8), channel.New(8), channel.New(8)
	send(t, in, channel.OpItem(insert(1)), barrier(1), channel.OpItem(insert(2)))
	in.Close()

	wait := run(t, NewProcessorRunner(unionNode(0), []Input{{0, in}}, Outputs{0: {a, b}}, 0, nil, env.Env))
	assert.Equal(t, uint64(1), env.nextReport(t).Epoch)
	assert.NoError(t, wait())

	want := []string{"Insert(1)", "Barrier(1)", "Insert(2)"}
	assert.Equal(t, want, drain(t, a))
	assert.Equal(t, want, drain(t, b))
}

func TestSinkCommitsAndAligns(t *testing.T) {
	env := newTestEnv(t)
	sink := &mockSink{}
	node := &kdag.Node{ID: "sink", Type: kdag.NodeTypeSink, Inputs: []kdag.Port{port(0)}, Sink: sink}

	in := channel.New(8)
	send(t, in, channel.OpItem(insert(1)), channel.OpItem(insert(2)), barrier(1), channel.OpItem(insert(3)))
	in.Close()

	wait := run(t, NewSinkRunner(node, []Input{{0, in}}, 0, []byte("restored"), env.Env))

	report := env.nextReport(t)
	assert.Equal(t, uint64(1), report.Epoch)
	assert.Equal(t, "restored++", string(report.State))

	assert.NoError(t, wait())
	assert.Equal(t, "restored", sink.restored)
	assert.Equal(t, []string{"Insert(1)", "Insert(2)", "epoch 1", "Insert(3)"}, sink.recorded())
}

func TestSinkCommitError(t *testing.T) {
	env := newTestEnv(t)
	boom := errors.New("boom")
	sink := &mockSink{commitErr: boom}
	node := &kdag.Node{ID: "sink", Type: kdag.NodeTypeSink, Inputs: []kdag.Port{port(0)}, Sink: sink}

	in := channel.New(8)
	send(t, in, channel.OpItem(insert(1)))
	in.Close()

	wait := run(t, NewSinkRunner(node, []Input{{0, in}}, 0, nil, env.Env))
	assertStage(t, wait(), StageCommit, boom)
}
