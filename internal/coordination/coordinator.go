// Package coordination drives epochs: it asks sources for barriers,
// collects readiness reports, and commits checkpoints.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/internal/channel"
	"github.com/birdayz/dagstream/internal/metrics"
	"github.com/birdayz/dagstream/internal/runtime"
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
)

var (
	ErrCheckpointWrite = errors.New("checkpoint write failed")
	ErrProtocol        = errors.New("epoch protocol violation")

	// errStopped ends an epoch that was interrupted by shutdown.
	errStopped = errors.New("coordinator stopped")
)

type Config struct {
	// Interval between epochs. Zero disables the timer.
	Interval time.Duration

	// RecordThreshold triggers an epoch once this many operations were
	// ingested since the last one. Zero disables it.
	RecordThreshold uint64

	// ReadinessTimeout is how long an epoch may wait for reports before
	// it is counted as stalled. Zero disables stall detection.
	ReadinessTimeout time.Duration

	// CheckpointRetries bounds retries of each store call.
	CheckpointRetries uint64

	// RetainEpochs is the number of committed epochs kept in the store.
	// Zero keeps everything.
	RetainEpochs uint64

	// Backoff overrides the retry policy. Used in tests.
	Backoff func() backoff.BackOff
}

type Coordinator struct {
	cfg     Config
	store   kcheckpoint.Store
	log     logr.Logger
	metrics *metrics.Metrics

	nodes    []kdag.NodeID
	sources  map[kdag.NodeID]chan<- channel.Barrier
	reports  <-chan runtime.Report
	stop     <-chan struct{}
	trigger  chan struct{}
	ingested atomic.Uint64

	last  atomic.Uint64
	eof   map[kdag.NodeID]bool
	final atomic.Bool
}

// New creates a coordinator for the nodes of d. Barrier requests are sent
// to the source channels; reports are read from reports. lastCommitted is
// the epoch recovery restored.
func New(
	cfg Config,
	d *kdag.DAG,
	store kcheckpoint.Store,
	sources map[kdag.NodeID]chan<- channel.Barrier,
	reports <-chan runtime.Report,
	stop <-chan struct{},
	lastCommitted uint64,
	log logr.Logger,
	m *metrics.Metrics,
) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		store:   store,
		log:     log.WithName("coordinator"),
		metrics: m,
		sources: sources,
		reports: reports,
		stop:    stop,
		trigger: make(chan struct{}, 1),
		eof:     map[kdag.NodeID]bool{},
	}
	for _, n := range d.Nodes() {
		c.nodes = append(c.nodes, n.ID)
	}
	slices.Sort(c.nodes)
	c.last.Store(lastCommitted)
	return c
}

// TriggerEpoch requests an epoch. Requests made while an epoch is in
// flight are coalesced into one.
func (c *Coordinator) TriggerEpoch() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// RecordIngested counts one operation read by a source.
func (c *Coordinator) RecordIngested() {
	if c.cfg.RecordThreshold == 0 {
		return
	}
	if c.ingested.Add(1) == c.cfg.RecordThreshold {
		c.TriggerEpoch()
	}
}

func (c *Coordinator) LastCommitted() uint64 {
	return c.last.Load()
}

// Finished reports whether the final epoch was committed.
func (c *Coordinator) Finished() bool {
	return c.final.Load()
}

// Run triggers and commits epochs until stop is closed or the final epoch
// has been committed. ctx is the kill context of the engine.
func (c *Coordinator) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if c.allSourcesDone() {
			err := c.epoch(ctx, true)
			if errors.Is(err, errStopped) {
				return nil
			}
			if err == nil {
				c.final.Store(true)
				c.log.Info("Final epoch committed", "epoch", c.LastCommitted())
			}
			return err
		}

		select {
		case <-c.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case r := <-c.reports:
			if err := c.idleReport(r); err != nil {
				return err
			}
			continue
		case <-tick:
		case <-c.trigger:
		}

		if err := c.epoch(ctx, false); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}
}

func (c *Coordinator) allSourcesDone() bool {
	return len(c.eof) == len(c.sources)
}

// idleReport handles a report that arrives while no epoch is in flight.
func (c *Coordinator) idleReport(r runtime.Report) error {
	if r.EOF {
		c.markEOF(r.Node)
		return nil
	}
	return fmt.Errorf("%w: node %s reported epoch %d with no epoch in flight", ErrProtocol, r.Node, r.Epoch)
}

func (c *Coordinator) markEOF(node kdag.NodeID) {
	if _, ok := c.sources[node]; !ok {
		return
	}
	c.eof[node] = true
	c.log.V(1).Info("Source finished", "node", node, "remaining", len(c.sources)-len(c.eof))
}

func (c *Coordinator) epoch(ctx context.Context, final bool) error {
	epoch := c.last.Load() + 1
	started := time.Now()
	c.ingested.Store(0)

	log := c.log.WithValues("epoch", epoch)
	log.V(1).Info("Triggering epoch", "final", final)

	for id, ch := range c.sources {
		select {
		case ch <- channel.Barrier{Epoch: epoch, Final: final}:
		default:
			return fmt.Errorf("%w: barrier request to %s not consumed", ErrProtocol, id)
		}
	}

	reports, err := c.collect(ctx, epoch, log)
	if err != nil {
		return err
	}

	if err := c.commit(ctx, epoch, reports); err != nil {
		return err
	}
	c.last.Store(epoch)
	c.metrics.EpochCommitted(epoch, time.Since(started).Seconds())
	log.V(1).Info("Epoch committed", "duration", time.Since(started))

	c.prune(ctx, epoch, log)
	return nil
}

// collect waits until every node reported epoch. There is no deadline:
// when the readiness timeout passes the stall is counted and logged and
// the wait goes on.
func (c *Coordinator) collect(ctx context.Context, epoch uint64, log logr.Logger) (map[kdag.NodeID]runtime.Report, error) {
	reports := make(map[kdag.NodeID]runtime.Report, len(c.nodes))

	var stall <-chan time.Time
	var timer *time.Timer
	if c.cfg.ReadinessTimeout > 0 {
		timer = time.NewTimer(c.cfg.ReadinessTimeout)
		defer timer.Stop()
		stall = timer.C
	}

	for len(reports) < len(c.nodes) {
		select {
		case <-c.stop:
			log.Info("Epoch abandoned on shutdown", "missing", c.missing(reports))
			return nil, errStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stall:
			c.metrics.Stall()
			log.Info("Epoch stalled waiting for readiness", "missing", c.missing(reports), "timeout", c.cfg.ReadinessTimeout)
			timer.Reset(c.cfg.ReadinessTimeout)
		case r := <-c.reports:
			if r.EOF {
				c.markEOF(r.Node)
				continue
			}
			if r.Epoch != epoch {
				return nil, fmt.Errorf("%w: node %s reported epoch %d while collecting %d", ErrProtocol, r.Node, r.Epoch, epoch)
			}
			if _, dup := reports[r.Node]; dup {
				return nil, fmt.Errorf("%w: node %s reported epoch %d twice", ErrProtocol, r.Node, epoch)
			}
			if !slices.Contains(c.nodes, r.Node) {
				return nil, fmt.Errorf("%w: report from unknown node %s", ErrProtocol, r.Node)
			}
			reports[r.Node] = r
		}
	}
	return reports, nil
}

func (c *Coordinator) missing(reports map[kdag.NodeID]runtime.Report) []kdag.NodeID {
	var missing []kdag.NodeID
	for _, id := range c.nodes {
		if _, ok := reports[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// commit writes one checkpoint per node and then the commit marker. The
// marker is written last: an epoch whose marker is missing does not exist
// for recovery.
func (c *Coordinator) commit(ctx context.Context, epoch uint64, reports map[kdag.NodeID]runtime.Report) error {
	now := time.Now().UTC()
	for _, id := range c.nodes {
		r := reports[id]
		cp := kcheckpoint.Checkpoint{
			Node:         id,
			Epoch:        epoch,
			State:        r.State,
			SourceOffset: r.Offset,
			CreatedAt:    now,
		}
		if err := c.retry(ctx, "put", func() error { return c.store.Put(ctx, cp) }); err != nil {
			return fmt.Errorf("%w: node %s epoch %d: %w", ErrCheckpointWrite, id, epoch, err)
		}
	}
	if err := c.retry(ctx, "mark", func() error { return c.store.MarkEpochCommitted(ctx, epoch) }); err != nil {
		return fmt.Errorf("%w: marker of epoch %d: %w", ErrCheckpointWrite, epoch, err)
	}
	return nil
}

func (c *Coordinator) retry(ctx context.Context, op string, fn func() error) error {
	var policy backoff.BackOff
	if c.cfg.Backoff != nil {
		policy = c.cfg.Backoff()
	} else {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 50 * time.Millisecond
		exp.MaxInterval = 5 * time.Second
		exp.MaxElapsedTime = 0
		policy = exp
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.CheckpointRetries), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if errors.Is(err, kcheckpoint.ErrStoreClosed) || errors.Is(err, kcheckpoint.ErrEpochOrder) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.metrics.Retry()
		c.log.Error(err, "Checkpoint store call failed, retrying", "op", op, "wait", wait)
	})
}

// prune drops epochs that fell out of the retention window. Failures are
// logged; the next epoch prunes again.
func (c *Coordinator) prune(ctx context.Context, epoch uint64, log logr.Logger) {
	if c.cfg.RetainEpochs == 0 || epoch < c.cfg.RetainEpochs {
		return
	}
	before := epoch - c.cfg.RetainEpochs + 1
	if err := c.store.Prune(ctx, before); err != nil {
		log.Error(err, "Failed to prune checkpoints", "before", before)
	}
}
