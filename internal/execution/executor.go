// Package execution runs a DAG: it recovers the last committed epoch,
// starts one runner per node plus the coordinator, and supervises them
// until the graph finishes or is stopped.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/internal/coordination"
	"github.com/birdayz/dagstream/internal/metrics"
	"github.com/birdayz/dagstream/internal/runtime"
	"github.com/birdayz/dagstream/internal/shutdown"
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
)

type State string

const (
	StateCreated        State = "CREATED"
	StateRecovering     State = "RECOVERING"
	StateRunning        State = "RUNNING"
	StateCloseRequested State = "CLOSE_REQUESTED"
	StateClosed         State = "CLOSED"
)

var ErrAlreadyStarted = errors.New("executor already started")

const (
	DefaultShutdownGracePeriod = 30 * time.Second
	DefaultDepthSampleInterval = time.Second
)

type Config struct {
	Coordination coordination.Config

	// ChannelCapacity is used for edges without an explicit capacity.
	ChannelCapacity int

	ShutdownGracePeriod time.Duration
	PollInterval        time.Duration

	// DepthSampleInterval is how often channel depths are exported. Zero
	// uses DefaultDepthSampleInterval.
	DepthSampleInterval time.Duration
}

// Status is a point-in-time view of an executor.
type Status struct {
	State              State
	LastCommittedEpoch uint64
	Failure            error
	FailedNode         kdag.NodeID
}

type Executor struct {
	log     logr.Logger
	dag     *kdag.DAG
	store   kcheckpoint.Store
	cfg     Config
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	coordinator *coordination.Coordinator
	controller  *shutdown.Controller
	recovered   uint64
	result      shutdown.Result

	stopOnce      sync.Once
	stopRequested chan struct{}

	recovery coordination.Recovery
	results  chan shutdown.Result
	sampler  sync.WaitGroup
	err      error
}

func New(d *kdag.DAG, store kcheckpoint.Store, cfg Config, log logr.Logger, m *metrics.Metrics) *Executor {
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = channel.DefaultCapacity
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = runtime.DefaultPollInterval
	}
	if cfg.DepthSampleInterval <= 0 {
		cfg.DepthSampleInterval = DefaultDepthSampleInterval
	}
	return &Executor{
		log:           log.WithName("executor"),
		dag:           d,
		store:         store,
		cfg:           cfg,
		metrics:       m,
		state:         StateCreated,
		stopRequested: make(chan struct{}),
		results:       make(chan shutdown.Result, 1),
	}
}

func (x *Executor) changeState(s State) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.log.Info("Change state", "from", x.state, "to", s)
	x.state = s
}

func (x *Executor) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Run executes the graph once. It returns nil when the graph finished or
// was stopped cleanly, and the first fatal error otherwise.
func (x *Executor) Run(ctx context.Context) error {
	if x.State() != StateCreated {
		return ErrAlreadyStarted
	}

	// State transitions may only be done from within the loop.
	for {
		switch x.State() {
		case StateCreated:
			x.handleCreated()
		case StateRecovering:
			x.handleRecovering(ctx)
		case StateRunning:
			x.handleRunning(ctx)
		case StateCloseRequested:
			x.handleCloseRequested()
		case StateClosed:
			return x.err
		}
	}
}

// Stop requests a graceful shutdown. It may be called before or during Run.
func (x *Executor) Stop() {
	x.stopOnce.Do(func() { close(x.stopRequested) })
}

// TriggerEpoch asks the coordinator for an epoch. It does nothing while no
// graph is running.
func (x *Executor) TriggerEpoch() {
	x.mu.Lock()
	c := x.coordinator
	x.mu.Unlock()
	if c != nil {
		c.TriggerEpoch()
	}
}

func (x *Executor) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	st := Status{
		State:              x.state,
		LastCommittedEpoch: x.recovered,
		Failure:            x.result.Reason,
		FailedNode:         x.result.FailedNode,
	}
	if x.coordinator != nil {
		st.LastCommittedEpoch = x.coordinator.LastCommitted()
	}
	return st
}

// Result returns how the run ended. It is only meaningful once Run returned.
func (x *Executor) Result() shutdown.Result {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.result
}

func (x *Executor) handleCreated() {
	select {
	case <-x.stopRequested:
		x.changeState(StateClosed)
	default:
		x.changeState(StateRecovering)
	}
}

func (x *Executor) handleRecovering(ctx context.Context) {
	rec, err := coordination.Recover(ctx, x.store, x.dag, x.log)
	if err != nil {
		x.log.Error(err, "Recovery failed")
		x.err = err
		x.mu.Lock()
		x.result = shutdown.Result{Reason: err}
		x.mu.Unlock()
		x.changeState(StateClosed)
		return
	}
	x.recovery = rec
	x.mu.Lock()
	x.recovered = rec.Epoch
	x.mu.Unlock()

	if err := x.start(); err != nil {
		x.err = err
		x.changeState(StateClosed)
		return
	}
	x.changeState(StateRunning)
}

// start wires the channels and launches every runner and the coordinator.
func (x *Executor) start() error {
	controller := shutdown.New(x.log)
	wiring := runtime.Wire(x.dag, x.cfg.ChannelCapacity)

	// Every node reports at most once for the epoch in flight and each
	// source once more on EOF, so this buffer never blocks a runner.
	reports := make(chan runtime.Report, 2*x.dag.Len()+1)

	barriers := map[kdag.NodeID]chan<- channel.Barrier{}
	requests := map[kdag.NodeID]chan channel.Barrier{}
	for _, id := range x.dag.Sources() {
		ch := make(chan channel.Barrier, 1)
		requests[id] = ch
		barriers[id] = ch
	}

	coord := coordination.New(x.cfg.Coordination, x.dag, x.store, barriers, reports,
		controller.Stopping(), x.recovery.Epoch, x.log, x.metrics)

	env := &runtime.Env{
		Log:          x.log,
		Metrics:      x.metrics,
		Reports:      reports,
		Stop:         controller.Stopping(),
		Kill:         controller.Kill(),
		OnIngest:     coord.RecordIngested,
		PollInterval: x.cfg.PollInterval,
	}

	var runners []runtime.Runner
	for _, node := range x.dag.Nodes() {
		cp := x.recovery.Checkpoints[node.ID]
		switch node.Type {
		case kdag.NodeTypeSource:
			runners = append(runners, runtime.NewSourceRunner(node, wiring.Outputs(node), requests[node.ID], cp.SourceOffset, env))
		case kdag.NodeTypeProcessor:
			runners = append(runners, runtime.NewProcessorRunner(node, wiring.Inputs(node.ID), wiring.Outputs(node), x.recovery.Epoch, cp.State, env))
		case kdag.NodeTypeSink:
			runners = append(runners, runtime.NewSinkRunner(node, wiring.Inputs(node.ID), x.recovery.Epoch, cp.State, env))
		default:
			return fmt.Errorf("node %s has unknown type %s", node.ID, node.Type)
		}
	}

	x.mu.Lock()
	x.controller = controller
	x.coordinator = coord
	x.mu.Unlock()

	for _, r := range runners {
		controller.Go(r.ID(), r.Run)
	}
	controller.Go("", func() error {
		return coord.Run(controller.Kill())
	})

	x.sampler.Add(1)
	go x.sampleDepths(wiring, controller.Kill())

	go func() {
		x.results <- controller.Wait(x.cfg.ShutdownGracePeriod)
	}()

	x.log.Info("Started", "nodes", x.dag.Len(), "edges", len(x.dag.Edges()), "epoch", x.recovery.Epoch+1)
	return nil
}

func (x *Executor) handleRunning(ctx context.Context) {
	select {
	case res := <-x.results:
		x.finish(res)
	case <-ctx.Done():
		x.controller.Stop("context cancelled")
		x.changeState(StateCloseRequested)
	case <-x.stopRequested:
		x.controller.Stop("stop requested")
		x.changeState(StateCloseRequested)
	case <-x.controller.Stopping():
		x.changeState(StateCloseRequested)
	}
}

func (x *Executor) handleCloseRequested() {
	x.finish(<-x.results)
}

func (x *Executor) finish(res shutdown.Result) {
	x.sampler.Wait()
	res.LastCommittedEpoch = x.coordinator.LastCommitted()

	x.mu.Lock()
	x.result = res
	x.mu.Unlock()

	x.err = res.Reason
	if res.Clean {
		x.log.Info("Closed", "lastCommittedEpoch", res.LastCommittedEpoch, "finished", x.coordinator.Finished())
	} else {
		x.log.Error(res.Reason, "Closed unclean", "node", res.FailedNode, "lastCommittedEpoch", res.LastCommittedEpoch)
	}
	x.changeState(StateClosed)
}

// sampleDepths exports the number of buffered items per edge until the
// run ends. done is cancelled by the controller when all workers returned.
func (x *Executor) sampleDepths(w *runtime.Wiring, done context.Context) {
	defer x.sampler.Done()
	if x.metrics == nil {
		return
	}
	ticker := time.NewTicker(x.cfg.DepthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done.Done():
			return
		case <-ticker.C:
			for id, depth := range w.Depths() {
				x.metrics.QueueDepth(w.EdgeName(id), depth)
			}
		}
	}
}
