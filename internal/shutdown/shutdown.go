// Package shutdown broadcasts stop requests to the workers of a running
// graph, records the first fault and enforces the grace period.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/birdayz/dagstream/kdag"
)

// ErrShutdownTimeout is the reason of a shutdown that had to kill workers
// after the grace period.
var ErrShutdownTimeout = errors.New("shutdown grace period exceeded")

// maxUnwind bounds how long Wait keeps waiting for workers after the kill.
// Workers still running after that are abandoned.
const maxUnwind = time.Second

// Result describes how a run ended.
type Result struct {
	// Clean is true when every worker returned on its own and no fault was
	// recorded.
	Clean bool

	// Reason is the first fatal error, or ErrShutdownTimeout.
	Reason error

	// FailedNode is the node that reported Reason. Empty for engine-level
	// failures.
	FailedNode kdag.NodeID

	// Stuck lists the workers that did not return after the kill. They
	// keep running in the background.
	Stuck []kdag.NodeID

	LastCommittedEpoch uint64
}

type Controller struct {
	log logr.Logger

	stopOnce sync.Once
	stop     chan struct{}

	kill       context.Context
	cancelKill context.CancelFunc

	workers errgroup.Group

	mu         sync.Mutex
	stopReason string
	failure    error
	failedNode kdag.NodeID
	killed     bool
	live       map[kdag.NodeID]int
}

func New(log logr.Logger) *Controller {
	kill, cancel := context.WithCancel(context.Background())
	return &Controller{
		log:        log.WithName("shutdown"),
		stop:       make(chan struct{}),
		kill:       kill,
		cancelKill: cancel,
		live:       map[kdag.NodeID]int{},
	}
}

// Stopping is closed once Stop was called.
func (c *Controller) Stopping() <-chan struct{} {
	return c.stop
}

// Kill is cancelled when the grace period ran out. Every blocking channel
// operation of a worker must watch it.
func (c *Controller) Kill() context.Context {
	return c.kill
}

// Stop asks all workers to finish. Only the first call has an effect.
func (c *Controller) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopReason = reason
		c.mu.Unlock()
		c.log.Info("Stopping", "reason", reason)
		close(c.stop)
	})
}

// Fail records err as the failure of node and stops the graph. Only the
// first failure is kept. Cancellation errors that follow a kill are
// consequences, not causes, and are dropped.
func (c *Controller) Fail(node kdag.NodeID, err error) {
	if err == nil {
		return
	}
	if c.kill.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}

	c.mu.Lock()
	first := c.failure == nil
	if first {
		c.failure = err
		c.failedNode = node
	}
	c.mu.Unlock()

	if first {
		c.log.Error(err, "Fatal error", "node", node)
	} else {
		c.log.V(1).Info("Ignoring subsequent error", "node", node, "error", err.Error())
	}
	c.Stop(fmt.Sprintf("failure in %q", node))
}

// Go runs fn as a worker. A non-nil return is passed to Fail.
func (c *Controller) Go(node kdag.NodeID, fn func() error) {
	c.mu.Lock()
	c.live[node]++
	c.mu.Unlock()

	c.workers.Go(func() error {
		defer c.exited(node)
		if err := fn(); err != nil {
			c.Fail(node, err)
		}
		return nil
	})
}

func (c *Controller) exited(node kdag.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live[node]--; c.live[node] <= 0 {
		delete(c.live, node)
	}
}

// Wait blocks until every worker returned. Once a stop was requested the
// workers have grace to comply. After that the kill context is cancelled
// and the workers get a short unwind period. Workers that are still running
// then are reported in Result.Stuck and no longer waited for.
func (c *Controller) Wait(grace time.Duration) Result {
	done := make(chan struct{})
	go func() {
		_ = c.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-c.stop:
		timer := time.NewTimer(grace)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			c.log.Error(ErrShutdownTimeout, "Killing workers", "grace", grace)
			c.mu.Lock()
			c.killed = true
			c.mu.Unlock()
			c.cancelKill()
			c.unwind(done, min(grace, maxUnwind))
		}
	}
	c.cancelKill()

	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{
		Reason:     c.failure,
		FailedNode: c.failedNode,
	}
	for node := range c.live {
		res.Stuck = append(res.Stuck, node)
	}
	slices.Sort(res.Stuck)
	if res.Reason == nil && c.killed {
		res.Reason = ErrShutdownTimeout
		if len(res.Stuck) > 0 {
			res.Reason = fmt.Errorf("%w: %v did not return", ErrShutdownTimeout, res.Stuck)
		}
	}
	res.Clean = res.Reason == nil
	return res
}

func (c *Controller) unwind(done <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.mu.Lock()
		stuck := len(c.live)
		c.mu.Unlock()
		c.log.Error(ErrShutdownTimeout, "Abandoning workers", "count", stuck)
	}
}

// StopReason returns the reason passed to the first Stop, empty while
// running.
func (c *Controller) StopReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}
