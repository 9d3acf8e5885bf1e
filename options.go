package dagstream

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
)

// Option is a function that configures an Engine
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
var WithLogger = func(log logr.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithEpochInterval triggers an epoch at a fixed interval. Zero disables
// the timer.
var WithEpochInterval = func(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.Coordination.Interval = d
	}
}

// WithEpochRecordThreshold triggers an epoch once sources ingested n
// operations since the previous one. Zero disables it.
var WithEpochRecordThreshold = func(n uint64) Option {
	return func(e *Engine) {
		e.cfg.Coordination.RecordThreshold = n
	}
}

// WithChannelCapacity sets the capacity of edges that do not configure one.
var WithChannelCapacity = func(n int) Option {
	return func(e *Engine) {
		e.cfg.ChannelCapacity = n
	}
}

// WithReadinessTimeout sets how long an epoch waits for all nodes before
// it is reported as stalled.
var WithReadinessTimeout = func(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.Coordination.ReadinessTimeout = d
	}
}

// WithCheckpointRetries bounds the retries of every checkpoint store call.
var WithCheckpointRetries = func(n uint64) Option {
	return func(e *Engine) {
		e.cfg.Coordination.CheckpointRetries = n
	}
}

// WithRetainEpochs keeps the last n committed epochs in the store. Zero
// keeps all of them.
var WithRetainEpochs = func(n uint64) Option {
	return func(e *Engine) {
		e.cfg.Coordination.RetainEpochs = n
	}
}

// WithShutdownGracePeriod sets how long nodes may take to drain after a
// stop before they are killed.
var WithShutdownGracePeriod = func(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.ShutdownGracePeriod = d
	}
}

// WithMetrics registers the engine's collectors.
var WithMetrics = func(r prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = r
	}
}

// WithSourcePollInterval sets how long a source waits when its connector
// has no data.
var WithSourcePollInterval = func(d time.Duration) Option {
	return func(e *Engine) {
		e.cfg.PollInterval = d
	}
}

// WithRunID sets the id attached to every log line. A random one is used
// by default.
var WithRunID = func(id string) Option {
	return func(e *Engine) {
		e.runID = id
	}
}
