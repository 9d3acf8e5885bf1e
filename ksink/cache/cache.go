// Package cache is a sink that materializes one endpoint into a pebble
// database, keyed by primary key. Writes of an epoch are staged in a batch
// and become visible when the epoch's barrier reaches the sink.
//
// Replays after a recovery are harmless: inserts and updates overwrite the
// row stored under the key, and deletes of missing rows are skipped.
package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/go-logr/logr"

	"github.com/birdayz/dagstream/internal/pebblelog"
	"github.com/birdayz/dagstream/kprocessor"
	"github.com/birdayz/dagstream/krecord"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrNoKey    = errors.New("schema has no primary key")
	ErrClosed   = errors.New("cache closed")
)

// Key layout:
//
//	r/<primary key>  msgpack record
//	e                last applied epoch (be64)
var (
	rowPrefix = []byte("r/")
	epochKey  = []byte("e")
)

type EventKind string

const (
	EventSchema    EventKind = "schema"
	EventOperation EventKind = "op"
)

// Event is published for every schema announcement and applied operation.
type Event struct {
	Endpoint string             `json:"endpoint"`
	Kind     EventKind          `json:"kind"`
	Epoch    uint64             `json:"epoch,omitempty"`
	Schema   *krecord.Schema    `json:"schema,omitempty"`
	Op       *krecord.Operation `json:"op,omitempty"`
}

type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

type Option func(*Cache)

func WithPublisher(p Publisher) Option {
	return func(c *Cache) {
		c.publisher = p
	}
}

// WithInMemory keeps the database in memory.
func WithInMemory() Option {
	return func(c *Cache) {
		c.options.FS = vfs.NewMem()
	}
}

func WithLogger(log logr.Logger) Option {
	return func(c *Cache) {
		c.log = log
		c.options.Logger = pebblelog.New(log)
	}
}

type Cache struct {
	endpoint  string
	schema    krecord.Schema
	pk        []int
	publisher Publisher
	log       logr.Logger
	options   *pebble.Options

	mu     sync.RWMutex
	db     *pebble.DB
	batch  *pebble.Batch
	staged []krecord.Operation
	epoch  uint64
	closed bool
}

var _ kprocessor.Sink = (*Cache)(nil)

// Open opens the cache database of endpoint in dir.
func Open(dir, endpoint string, schema krecord.Schema, opts ...Option) (*Cache, error) {
	pk := schema.PrimaryIndex()
	if len(pk) == 0 {
		return nil, fmt.Errorf("%w: endpoint %s", ErrNoKey, endpoint)
	}
	c := &Cache{
		endpoint: endpoint,
		schema:   schema.Clone(),
		pk:       pk,
		log:      logr.Discard(),
		options:  &pebble.Options{},
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := pebble.Open(dir, c.options)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", endpoint, err)
	}
	c.db = db

	epoch, err := c.readEpoch()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	c.epoch = epoch
	c.batch = db.NewIndexedBatch()
	return c, nil
}

func (c *Cache) readEpoch() (uint64, error) {
	v, closer, err := c.db.Get(epochKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, fmt.Errorf("cache %s: malformed epoch %x", c.endpoint, v)
	}
	return binary.BigEndian.Uint64(v), nil
}

func (c *Cache) Init(ctx kprocessor.NodeContext) error {
	c.log = ctx.Logger().WithValues("endpoint", c.endpoint)
	c.publish(Event{Kind: EventSchema, Schema: &c.schema})
	c.log.Info("Cache opened", "epoch", c.Epoch())
	return nil
}

func rowKey(key []byte) []byte {
	return append(bytes.Clone(rowPrefix), key...)
}

func (c *Cache) key(r krecord.Record) ([]byte, error) {
	k, err := r.Key(c.pk)
	if err != nil {
		return nil, err
	}
	return rowKey(k), nil
}

// Commit stages op. Update and Delete act on the row stored under the key
// of the old record.
func (c *Cache) Commit(_ context.Context, _ krecord.PortID, op krecord.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch op.Kind {
	case krecord.OpInsert:
		if err := c.set(op.New); err != nil {
			return err
		}
	case krecord.OpDelete:
		stored, found, err := c.lookup(op.Old)
		if err != nil {
			return err
		}
		if !found {
			c.log.V(1).Info("Skipping delete of missing record", "record", op.Old.String())
			return nil
		}
		if err := c.delete(stored); err != nil {
			return err
		}
		op = krecord.Delete(stored)
	case krecord.OpUpdate:
		stored, found, err := c.lookup(op.Old)
		if err != nil {
			return err
		}
		if found {
			oldKey, _ := c.key(stored)
			newKey, err := c.key(op.New)
			if err != nil {
				return err
			}
			if !bytes.Equal(oldKey, newKey) {
				if err := c.delete(stored); err != nil {
					return err
				}
			}
			op = krecord.Update(stored, op.New)
		} else {
			op = krecord.Insert(op.New)
		}
		if err := c.set(op.New); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cache %s: invalid operation kind %d", c.endpoint, op.Kind)
	}

	c.staged = append(c.staged, op.WithOffset(nil))
	return nil
}

func (c *Cache) set(r krecord.Record) error {
	if err := r.Conforms(c.schema); err != nil {
		return err
	}
	key, err := c.key(r)
	if err != nil {
		return err
	}
	v, err := krecord.MarshalRecord(r)
	if err != nil {
		return err
	}
	return c.batch.Set(key, v, nil)
}

func (c *Cache) delete(r krecord.Record) error {
	key, err := c.key(r)
	if err != nil {
		return err
	}
	return c.batch.Delete(key, nil)
}

// lookup reads through the staged batch.
func (c *Cache) lookup(r krecord.Record) (krecord.Record, bool, error) {
	key, err := c.key(r)
	if err != nil {
		return krecord.Record{}, false, err
	}
	v, closer, err := c.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return krecord.Record{}, false, nil
	}
	if err != nil {
		return krecord.Record{}, false, err
	}
	defer closer.Close()
	stored, err := krecord.UnmarshalRecord(v)
	return stored, err == nil, err
}

// OnEpochCommitted applies the staged batch durably and publishes the
// operations it contained.
func (c *Cache) OnEpochCommitted(_ context.Context, epoch uint64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.batch.Set(epochKey, binary.BigEndian.AppendUint64(nil, epoch), nil); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.batch.Commit(pebble.Sync); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("cache %s: apply epoch %d: %w", c.endpoint, epoch, err)
	}
	_ = c.batch.Close()
	c.batch = c.db.NewIndexedBatch()
	c.epoch = epoch
	staged := c.staged
	c.staged = nil
	c.mu.Unlock()

	for i := range staged {
		c.publish(Event{Kind: EventOperation, Epoch: epoch, Op: &staged[i]})
	}
	c.log.V(1).Info("Applied epoch", "epoch", epoch, "operations", len(staged))
	return nil
}

func (c *Cache) publish(e Event) {
	if c.publisher == nil {
		return
	}
	e.Endpoint = c.endpoint
	c.publisher.Publish(e)
}

// Close discards operations that were not applied and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if len(c.staged) > 0 {
		c.log.Info("Discarding unapplied operations", "operations", len(c.staged))
	}
	_ = c.batch.Close()
	return c.db.Close()
}

func (c *Cache) Endpoint() string { return c.endpoint }

func (c *Cache) Schema() krecord.Schema { return c.schema.Clone() }

// Epoch returns the last applied epoch.
func (c *Cache) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Get returns the applied record whose primary key fields equal key, in
// primary key order.
func (c *Cache) Get(key ...krecord.Field) (krecord.Record, error) {
	if len(key) != len(c.pk) {
		return krecord.Record{}, fmt.Errorf("cache %s: key has %d fields, want %d", c.endpoint, len(key), len(c.pk))
	}
	probe := krecord.Record{Schema: c.schema.ID, Values: make([]krecord.Field, len(c.schema.Fields))}
	for i, idx := range c.pk {
		probe.Values[idx] = key[i]
	}
	k, err := c.key(probe)
	if err != nil {
		return krecord.Record{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return krecord.Record{}, ErrClosed
	}
	v, closer, err := c.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return krecord.Record{}, ErrNotFound
	}
	if err != nil {
		return krecord.Record{}, err
	}
	defer closer.Close()
	return krecord.UnmarshalRecord(v)
}

// Records returns every applied record in primary key order.
func (c *Cache) Records() ([]krecord.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	iter := c.db.NewIter(&pebble.IterOptions{
		LowerBound: rowPrefix,
		UpperBound: []byte{rowPrefix[0], rowPrefix[1] + 1},
	})
	defer iter.Close()

	var out []krecord.Record
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := krecord.UnmarshalRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// Len returns the number of applied records.
func (c *Cache) Len() (int, error) {
	records, err := c.Records()
	return len(records), err
}
