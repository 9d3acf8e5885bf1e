// Package kafka is a connector that reads change events from Kafka
// topics. Every topic feeds one output port of the source node. The
// resume token records the next offset of every partition, so a restarted
// stream continues exactly after the last forwarded record without a
// consumer group.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"

	"github.com/birdayz/dagstream/kconnector"
	"github.com/birdayz/dagstream/krecord"
)

var ErrNoTopics = errors.New("kafka: no topics configured")

const (
	DefaultPollTimeout    = 100 * time.Millisecond
	DefaultMaxPollRecords = 10000
)

// Topic binds a topic to an output port.
type Topic struct {
	Name   string
	Port   krecord.PortID
	Schema krecord.Schema
}

type Option func(*Connector)

func WithDecoder(d Decoder) Option {
	return func(c *Connector) {
		c.decoder = d
	}
}

func WithLogger(log logr.Logger) Option {
	return func(c *Connector) {
		c.log = log
	}
}

// WithPollTimeout bounds how long a single poll waits for records before
// the stream reports that no data is available.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.pollTimeout = d
	}
}

func WithMaxPollRecords(n int) Option {
	return func(c *Connector) {
		c.maxPollRecords = n
	}
}

// WithBounded makes streams finite: a stream ends with io.EOF once it has
// read every partition up to its end offset at the time of Start.
func WithBounded() Option {
	return func(c *Connector) {
		c.bounded = true
	}
}

// WithClientOpts passes extra options to the franz-go clients.
func WithClientOpts(opts ...kgo.Opt) Option {
	return func(c *Connector) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}

type Connector struct {
	brokers        []string
	topics         map[string]Topic
	decoder        Decoder
	log            logr.Logger
	pollTimeout    time.Duration
	maxPollRecords int
	bounded        bool
	clientOpts     []kgo.Opt
}

var _ kconnector.Connector = (*Connector)(nil)

func New(brokers []string, topics []Topic, opts ...Option) (*Connector, error) {
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	c := &Connector{
		brokers:        brokers,
		topics:         make(map[string]Topic, len(topics)),
		decoder:        JSONEnvelope,
		log:            logr.Discard(),
		pollTimeout:    DefaultPollTimeout,
		maxPollRecords: DefaultMaxPollRecords,
	}
	for _, t := range topics {
		if _, dup := c.topics[t.Name]; dup {
			return nil, fmt.Errorf("kafka: topic %s configured twice", t.Name)
		}
		c.topics[t.Name] = t
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Connector) topicNames() []string {
	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	return names
}

// resolveStarts picks the consume offset of every listed partition: the
// position from the token, or the log start if that is later. pos is
// updated in place. Failed partitions are collected into one error.
func (c *Connector) resolveStarts(starts kadm.ListedOffsets, pos positions) (map[string]map[int32]kgo.Offset, error) {
	offsets := make(map[string]map[int32]kgo.Offset)
	var listErr error
	starts.Each(func(lo kadm.ListedOffset) {
		if lo.Err != nil {
			listErr = multierr.Append(listErr, fmt.Errorf("%s/%d: %w", lo.Topic, lo.Partition, lo.Err))
			return
		}
		next, ok := pos.get(lo.Topic, lo.Partition)
		if !ok || next < lo.Offset {
			next = lo.Offset
		}
		pos.set(lo.Topic, lo.Partition, next)
		if offsets[lo.Topic] == nil {
			offsets[lo.Topic] = map[int32]kgo.Offset{}
		}
		offsets[lo.Topic][lo.Partition] = kgo.NewOffset().At(next)
		c.log.V(1).Info("Resuming partition", "topic", lo.Topic, "partition", lo.Partition, "offset", next)
	})
	if listErr != nil {
		return nil, listErr
	}
	return offsets, nil
}

// Start resolves the offset of every partition and opens a consumer on
// them. Partitions missing from the token start at the log start.
func (c *Connector) Start(ctx context.Context, from krecord.Offset) (kconnector.Stream, error) {
	pos, err := decodePositions(from)
	if err != nil {
		return nil, err
	}

	admin, err := kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(c.brokers...)}, c.clientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()
	adm := kadm.NewClient(admin)

	starts, err := adm.ListStartOffsets(ctx, c.topicNames()...)
	if err != nil {
		return nil, fmt.Errorf("list start offsets: %w", err)
	}

	offsets, err := c.resolveStarts(starts, pos)
	if err != nil {
		return nil, fmt.Errorf("list start offsets: %w", err)
	}

	s := &stream{c: c, positions: pos}
	if c.bounded {
		ends, err := adm.ListEndOffsets(ctx, c.topicNames()...)
		if err != nil {
			return nil, fmt.Errorf("list end offsets: %w", err)
		}
		s.ends = positions{}
		ends.Each(func(lo kadm.ListedOffset) {
			if lo.Err == nil {
				s.ends.set(lo.Topic, lo.Partition, lo.Offset)
			}
		})
	}

	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumePartitions(offsets),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	}, c.clientOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	s.client = client

	c.log.Info("Stream started", "topics", len(c.topics), "bounded", c.bounded)
	return s, nil
}

type stream struct {
	c         *Connector
	client    *kgo.Client
	positions positions
	ends      positions
	pending   []*kgo.Record
}

func (s *stream) Next(ctx context.Context) (kconnector.Event, error) {
	for {
		if len(s.pending) == 0 {
			if s.ends != nil && s.drained() {
				return kconnector.Event{}, io.EOF
			}
			if err := s.poll(ctx); err != nil {
				return kconnector.Event{}, err
			}
			if len(s.pending) == 0 {
				return kconnector.Event{}, kconnector.ErrNoData
			}
		}

		r := s.pending[0]
		s.pending = s.pending[1:]
		s.positions.set(r.Topic, r.Partition, r.Offset+1)

		topic := s.c.topics[r.Topic]
		op, ok, err := s.c.decoder(topic.Schema, r)
		if err != nil {
			return kconnector.Event{}, fmt.Errorf("%s/%d@%d: %w", r.Topic, r.Partition, r.Offset, err)
		}
		if !ok {
			continue
		}

		off, err := s.positions.encode()
		if err != nil {
			return kconnector.Event{}, err
		}
		return kconnector.Event{Port: topic.Port, Op: op.WithOffset(off), Offset: off}, nil
	}
}

// drained reports whether every partition was read up to its end offset.
func (s *stream) drained() bool {
	for topic, parts := range s.ends {
		for partition, end := range parts {
			next, _ := s.positions.get(topic, partition)
			if next < end {
				return false
			}
		}
	}
	return true
}

func (s *stream) poll(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.c.pollTimeout)
	defer cancel()

	f := s.client.PollRecords(pollCtx, s.c.maxPollRecords)
	if f.IsClientClosed() {
		return io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, fe := range f.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		return fmt.Errorf("fetch error on topic %s, partition %d: %w", fe.Topic, fe.Partition, fe.Err)
	}
	f.EachRecord(func(r *kgo.Record) {
		s.pending = append(s.pending, r)
	})
	return nil
}

func (s *stream) Close() error {
	s.client.Close()
	return nil
}
