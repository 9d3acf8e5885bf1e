// Package events is an in-process connector: operations are pushed by the
// application and kept in an append-only log, so a stream can be reopened
// from any offset handed out by Push.
package events

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/krecord"
	"github.com/birdayz/dagstream/kserde"
)

type Connector struct {
	mu       sync.Mutex
	log      []kconnector.Event
	finished bool
	err      error
	streams  int
}

var _ kconnector.Connector = (*Connector)(nil)

func New() *Connector {
	return &Connector{}
}

// Push appends op for the given output port and returns its offset.
func (c *Connector) Push(port krecord.PortID, op krecord.Operation) krecord.Offset {
	c.mu.Lock()
	defer c.mu.Unlock()
	off := encodeOffset(uint64(len(c.log)) + 1)
	c.log = append(c.log, kconnector.Event{Port: port, Op: op.WithOffset(off), Offset: off})
	return off
}

// Finish ends the stream: readers get io.EOF once they consumed the log.
func (c *Connector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
}

// Fail makes every open and future stream return err.
func (c *Connector) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Len returns the number of events pushed so far.
func (c *Connector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

// Starts returns how many streams have been opened.
func (c *Connector) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams
}

func (c *Connector) Start(_ context.Context, from krecord.Offset) (kconnector.Stream, error) {
	pos, err := decodeOffset(from)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pos > uint64(len(c.log)) {
		return nil, fmt.Errorf("%w: offset %d beyond log end %d", kconnector.ErrResume, pos, len(c.log))
	}
	c.streams++
	return &stream{c: c, pos: int(pos)}, nil
}

type stream struct {
	c      *Connector
	pos    int
	closed bool
}

func (s *stream) Next(ctx context.Context) (kconnector.Event, error) {
	if err := ctx.Err(); err != nil {
		return kconnector.Event{}, err
	}
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	switch {
	case s.closed:
		return kconnector.Event{}, io.ErrClosedPipe
	case s.c.err != nil:
		return kconnector.Event{}, s.c.err
	case s.pos < len(s.c.log):
		ev := s.c.log[s.pos]
		s.pos++
		return ev, nil
	case s.c.finished:
		return kconnector.Event{}, io.EOF
	}
	return kconnector.Event{}, kconnector.ErrNoData
}

func (s *stream) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.closed = true
	return nil
}

func encodeOffset(seq uint64) krecord.Offset {
	b, _ := kserde.Uint64.Serializer(seq)
	return b
}

func decodeOffset(off krecord.Offset) (uint64, error) {
	if len(off) == 0 {
		return 0, nil
	}
	seq, err := kserde.Uint64.Deserializer(off)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", kconnector.ErrResume, err)
	}
	return seq, nil
}
