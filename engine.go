// Package dagstream runs change-data-capture pipelines. A pipeline is a
// DAG of sources, processors and sinks built with kdag; the engine runs it
// and checkpoints it consistently into a kcheckpoint.Store, so that it
// resumes after a crash from the last committed epoch.
package dagstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/birdayz/dagstream/internal/execution"
	"github.com/birdayz/dagstream/internal/metrics"
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
)

var (
	ErrNoDAG         = errors.New("dagstream: a DAG is required")
	ErrNoStore       = errors.New("dagstream: a checkpoint store is required")
	ErrInvalidOption = errors.New("dagstream: invalid option")
)

const (
	DefaultEpochInterval     = 5 * time.Second
	DefaultCheckpointRetries = 5
	DefaultReadinessTimeout  = 30 * time.Second
)

type (
	State  = execution.State
	Status = execution.Status
)

const (
	StateCreated        = execution.StateCreated
	StateRecovering     = execution.StateRecovering
	StateRunning        = execution.StateRunning
	StateCloseRequested = execution.StateCloseRequested
	StateClosed         = execution.StateClosed
)

type Engine struct {
	dag   *kdag.DAG
	store kcheckpoint.Store
	log   logr.Logger
	runID string

	cfg        execution.Config
	registerer prometheus.Registerer
	metrics    *metrics.Metrics

	exec *execution.Executor
}

// New creates an engine for d that checkpoints into store. The engine runs
// the graph once; to run it again create a new engine on the same store.
func New(d *kdag.DAG, store kcheckpoint.Store, opts ...Option) (*Engine, error) {
	if d == nil {
		return nil, ErrNoDAG
	}
	if store == nil {
		return nil, ErrNoStore
	}

	e := &Engine{
		dag:   d,
		store: store,
		log:   logr.Discard(),
		cfg: execution.Config{
			ShutdownGracePeriod: execution.DefaultShutdownGracePeriod,
		},
	}
	e.cfg.Coordination.Interval = DefaultEpochInterval
	e.cfg.Coordination.CheckpointRetries = DefaultCheckpointRetries
	e.cfg.Coordination.ReadinessTimeout = DefaultReadinessTimeout

	for _, opt := range opts {
		opt(e)
	}

	if err := e.validate(); err != nil {
		return nil, err
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}

	e.metrics = metrics.New()
	if e.registerer != nil {
		if err := e.metrics.InitMetrics(e.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	e.exec = execution.New(d, store, e.cfg, e.log.WithValues("run", e.runID), e.metrics)
	return e, nil
}

// MustNew is like New but panics on configuration errors.
func MustNew(d *kdag.DAG, store kcheckpoint.Store, opts ...Option) *Engine {
	e, err := New(d, store, opts...)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Engine) validate() error {
	switch {
	case e.cfg.Coordination.Interval < 0:
		return fmt.Errorf("%w: negative epoch interval", ErrInvalidOption)
	case e.cfg.Coordination.ReadinessTimeout < 0:
		return fmt.Errorf("%w: negative readiness timeout", ErrInvalidOption)
	case e.cfg.ChannelCapacity < 0:
		return fmt.Errorf("%w: negative channel capacity", ErrInvalidOption)
	case e.cfg.ShutdownGracePeriod < 0:
		return fmt.Errorf("%w: negative shutdown grace period", ErrInvalidOption)
	case e.cfg.PollInterval < 0:
		return fmt.Errorf("%w: negative source poll interval", ErrInvalidOption)
	}
	return nil
}

// Run recovers the last committed epoch and runs the graph until every
// source reached the end of its stream, Stop is called, ctx is cancelled
// or a node fails. It returns nil for an orderly end and the first fatal
// error otherwise.
func (e *Engine) Run(ctx context.Context) error {
	return e.exec.Run(ctx)
}

// Stop requests a graceful shutdown. In-flight epochs are abandoned; the
// next run resumes from the last committed one.
func (e *Engine) Stop() {
	e.exec.Stop()
}

// TriggerEpoch requests a checkpoint now.
func (e *Engine) TriggerEpoch() {
	e.exec.TriggerEpoch()
}

func (e *Engine) Status() Status {
	return e.exec.Status()
}

// RunID identifies this engine in logs.
func (e *Engine) RunID() string {
	return e.runID
}
