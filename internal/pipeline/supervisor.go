package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/birdayz/dagstream"
	"github.com/birdayz/dagstream/internal/config"
)

var ErrNotRunning = errors.New("pipeline is not running")

// Loader returns the config to build the next generation from.
type Loader func() (config.Config, error)

// Status of the supervised pipeline.
type Status struct {
	Generation int              `json:"generation"`
	Running    bool             `json:"running"`
	Halted     bool             `json:"halted,omitempty"`
	State      dagstream.State  `json:"state,omitempty"`
	Engine     dagstream.Status `json:"-"`
	Epoch      uint64           `json:"last_committed_epoch"`
	Failure    *Failure         `json:"failure,omitempty"`
}

type Failure struct {
	Node   string `json:"node,omitempty"`
	Reason string `json:"reason"`
}

// Supervisor runs one pipeline at a time. Restart stops the current
// generation gracefully, reloads the config and builds the next one. A
// generation that finishes cleanly ends Run. One that fails leaves the
// supervisor halted: Status reports the failure and the next Restart builds
// a new generation. There is no automatic restart.
type Supervisor struct {
	load       Loader
	log        logr.Logger
	registerer prometheus.Registerer
	hub        *Hub
	restart    chan struct{}

	mu         sync.Mutex
	generation int
	cfg        config.Config
	current    *Pipeline
	engine     *dagstream.Engine
	last       dagstream.Status
	halted     bool

	// fault is a load or build error of the last attempted generation.
	fault error
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logr.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = log
	}
}

// WithMetrics registers engine metrics with r.
func WithMetrics(r prometheus.Registerer) SupervisorOption {
	return func(s *Supervisor) {
		s.registerer = r
	}
}

func NewSupervisor(load Loader, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		load:    load,
		log:     logr.Discard(),
		hub:     NewHub(),
		restart: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithName("supervisor")
	return s
}

// Hub carries the cache events of every generation.
func (s *Supervisor) Hub() *Hub { return s.hub }

// Restart asks Run to replace the running generation. Requests made while
// a restart is pending are coalesced.
func (s *Supervisor) Restart() {
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// Config returns the config of the current generation.
func (s *Supervisor) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Pipeline returns the current generation, if one is running.
func (s *Supervisor) Pipeline() (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNotRunning
	}
	return s.current, nil
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Generation: s.generation, Halted: s.halted, Engine: s.last}
	if s.engine != nil {
		st.Engine = s.engine.Status()
		st.Running = st.Engine.State != dagstream.StateClosed
	}
	st.State = st.Engine.State
	st.Epoch = st.Engine.LastCommittedEpoch
	switch {
	case s.fault != nil:
		st.Failure = &Failure{Reason: s.fault.Error()}
	case st.Engine.Failure != nil:
		st.Failure = &Failure{Node: string(st.Engine.FailedNode), Reason: st.Engine.Failure.Error()}
	}
	return st
}

// Run builds and runs generations until ctx is cancelled or a generation
// finishes cleanly. If the very first generation cannot be built, Run
// returns that error right away. Later failures halt the supervisor until
// Restart or ctx cancellation; in the latter case Run returns the failure.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		restart, err := s.runGeneration(ctx)
		if restart {
			continue
		}
		if err == nil || ctx.Err() != nil || s.Status().Generation == 0 {
			return err
		}
		if !s.halt(ctx, err) {
			return err
		}
	}
}

// halt blocks until Restart or ctx is done. It reports whether a restart
// was requested.
func (s *Supervisor) halt(ctx context.Context, cause error) bool {
	s.mu.Lock()
	s.halted = true
	s.mu.Unlock()
	s.log.Error(cause, "Pipeline halted, waiting for restart")

	defer func() {
		s.mu.Lock()
		s.halted = false
		s.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return false
	case <-s.restart:
		s.log.Info("Restart requested")
		return true
	}
}

func (s *Supervisor) setFault(err error) error {
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
	return err
}

func (s *Supervisor) runGeneration(ctx context.Context) (restart bool, err error) {
	cfg, err := s.load()
	if err != nil {
		return false, s.setFault(fmt.Errorf("load config: %w", err))
	}

	p, err := Build(ctx, cfg, s.log, s.hub)
	if err != nil {
		return false, s.setFault(fmt.Errorf("build pipeline: %w", err))
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			s.log.Error(cerr, "Failed to close pipeline")
		}
	}()

	engine, err := dagstream.New(p.DAG, p.Store, EngineOptions(cfg, s.log, s.registerer)...)
	if err != nil {
		return false, s.setFault(err)
	}

	s.mu.Lock()
	s.fault = nil
	s.generation++
	s.cfg = cfg
	s.current = p
	s.engine = engine
	gen := s.generation
	s.mu.Unlock()

	log := s.log.WithValues("generation", gen, "run", engine.RunID())
	log.Info("Starting pipeline", "sources", len(cfg.Sources), "endpoints", len(cfg.Endpoints))

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()

	select {
	case err = <-done:
	case <-s.restart:
		log.Info("Restart requested")
		engine.Stop()
		err = <-done
		restart = err == nil && ctx.Err() == nil
	}

	s.mu.Lock()
	s.last = engine.Status()
	s.current = nil
	s.engine = nil
	s.mu.Unlock()

	log.Info("Pipeline ended", "last_committed_epoch", s.last.LastCommittedEpoch, "restart", restart)
	return restart, err
}

// EngineOptions translates the engine section of cfg.
func EngineOptions(cfg config.Config, log logr.Logger, r prometheus.Registerer) []dagstream.Option {
	e := cfg.Engine
	opts := []dagstream.Option{
		dagstream.WithLogger(log.WithName("engine")),
		dagstream.WithEpochInterval(e.EpochInterval),
		dagstream.WithEpochRecordThreshold(e.EpochRecordThreshold),
		dagstream.WithChannelCapacity(e.ChannelCapacity),
		dagstream.WithReadinessTimeout(e.ReadinessTimeout),
		dagstream.WithCheckpointRetries(e.CheckpointRetries),
		dagstream.WithRetainEpochs(e.RetainEpochs),
		dagstream.WithShutdownGracePeriod(e.ShutdownGracePeriod),
		dagstream.WithSourcePollInterval(e.SourcePollInterval),
	}
	if r != nil {
		opts = append(opts, dagstream.WithMetrics(r))
	}
	return opts
}
