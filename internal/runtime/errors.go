package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/birdayz/dagstream/kdag"
	"github.com/birdayz/dagstream/krecord"
)

var (
	// ErrBarrierOutOfOrder is returned when a barrier arrives whose epoch is
	// not greater than the last epoch the node aligned on.
	ErrBarrierOutOfOrder = errors.New("barrier out of order")

	// ErrBarrierMismatch is returned when two inputs of a node deliver
	// barriers of different epochs while the node is aligning.
	ErrBarrierMismatch = errors.New("barrier epoch mismatch across inputs")

	ErrUnknownPort = errors.New("unknown port")
)

// ProcessingStage indicates where in a node an error occurred.
type ProcessingStage string

const (
	StageInit      ProcessingStage = "init"
	StageRestore   ProcessingStage = "restore"
	StageStart     ProcessingStage = "start"
	StageRead      ProcessingStage = "read"
	StageProcess   ProcessingStage = "process"
	StageCommit    ProcessingStage = "commit"
	StageForward   ProcessingStage = "forward"
	StageBarrier   ProcessingStage = "barrier"
	StageFlush     ProcessingStage = "flush"
	StageSnapshot  ProcessingStage = "snapshot"
	StageEpochDone ProcessingStage = "epoch_committed"
	StageReport    ProcessingStage = "report"
	StageClose     ProcessingStage = "close"
)

// ProcessingError attributes a fatal error to the node, stage and port it
// happened in. Epoch is the epoch the node was working on.
type ProcessingError struct {
	Node  kdag.NodeID
	Stage ProcessingStage
	Port  krecord.PortID
	Epoch uint64
	Cause error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s error in node %q (port=%d epoch=%d): %v", e.Stage, e.Node, e.Port, e.Epoch, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// attribute wraps errors that do not yet carry node attribution.
func attribute(err error, fail func(ProcessingStage, error) error) error {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fail(StageRead, err)
	}
	return fail(StageBarrier, err)
}
