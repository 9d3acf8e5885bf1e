// Package kconnector defines the contract between a source node and the
// external system it reads changes from.
package kconnector

import (
	"context"
	"errors"

	"github.com/birdayz/dagstream/krecord"
)

var (
	// ErrNoData is returned by Stream.Next when nothing is available right
	// now. The caller retries later; it is not a terminal condition.
	ErrNoData = errors.New("connector: no data available")

	// ErrResume is returned by Connector.Start when the stream cannot be
	// resumed from the requested offset.
	ErrResume = errors.New("connector: cannot resume from offset")
)

// Event is a single change read from a connector.
type Event struct {
	// Port is the output port of the source node the operation belongs to.
	Port krecord.PortID
	Op   krecord.Operation

	// Offset is the resume token after this event. Restarting the
	// connector from Offset yields the events that followed this one.
	Offset krecord.Offset
}

// Connector opens restartable change streams.
type Connector interface {
	// Start opens a stream that yields the events after from. A nil
	// offset starts at the beginning of the stream.
	Start(ctx context.Context, from krecord.Offset) (Stream, error)
}

// Stream is a lazy, possibly infinite sequence of events.
//
// Next returns ErrNoData when no event is available yet and io.EOF when a
// finite stream has ended. Any other error is terminal.
type Stream interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}
