// Package pebble is a kcheckpoint.Store on top of a pebble database.
package pebble

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
	"github.com/birdayz/dagstream/kcheckpoint"
	"github.com/birdayz/dagstream/kdag"
)

// Key layout:
//
//	c/<epoch be64>/<node>  checkpoint envelope
//	m/<epoch be64>         commit marker
const (
	checkpointPrefix = 'c'
	markerPrefix     = 'm'
)

type Store struct {
	db *pebble.DB

	mu     sync.RWMutex
	closed bool
}

var _ kcheckpoint.Store = (*Store)(nil)

type Option func(*pebble.Options)

// WithLogger routes pebble's own logging to log.
func WithLogger(log logr.Logger) Option {
	return func(o *pebble.Options) {
		o.Logger = pebblelog.New(log)
	}
}

// WithInMemory keeps the database in memory. Used in tests.
func WithInMemory() Option {
	return func(o *pebble.Options) {
		o.FS = vfs.NewMem()
	}
}

func Open(dir string, opts ...Option) (*Store, error) {
	options := &pebble.Options{}
	for _, opt := range opts {
		opt(options)
	}
	db, err := pebble.Open(dir, options)
	if err != nil {
		return nil, fmt.Errorf("open pebble checkpoint store: %w", err)
	}
	return &Store{db: db}, nil
}

func epochKey(prefix byte, epoch uint64) []byte {
	key := make([]byte, 0, 2+8+1)
	key = append(key, prefix, '/')
	key = binary.BigEndian.AppendUint64(key, epoch)
	return key
}

func checkpointKey(node kdag.NodeID, epoch uint64) []byte {
	key := epochKey(checkpointPrefix, epoch)
	key = append(key, '/')
	return append(key, string(node)...)
}

func (s *Store) Put(_ context.Context, cp kcheckpoint.Checkpoint) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}
	data, err := kcheckpoint.Encode(cp)
	if err != nil {
		return err
	}
	return s.db.Set(checkpointKey(cp.Node, cp.Epoch), data, pebble.Sync)
}

func (s *Store) Get(_ context.Context, node kdag.NodeID, epoch uint64) (kcheckpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.Checkpoint{}, kcheckpoint.ErrStoreClosed
	}
	return s.get(node, epoch)
}

func (s *Store) get(node kdag.NodeID, epoch uint64) (kcheckpoint.Checkpoint, error) {
	v, closer, err := s.db.Get(checkpointKey(node, epoch))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return kcheckpoint.Checkpoint{}, kcheckpoint.ErrNotFound
		}
		return kcheckpoint.Checkpoint{}, err
	}
	defer closer.Close()

	cp, err := kcheckpoint.Decode(v)
	if err != nil {
		return kcheckpoint.Checkpoint{}, fmt.Errorf("%s@%d: %w", node, epoch, err)
	}
	return cp, nil
}

func (s *Store) Latest(_ context.Context, node kdag.NodeID) (kcheckpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return kcheckpoint.Checkpoint{}, kcheckpoint.ErrStoreClosed
	}

	epochs, err := s.committed()
	if err != nil {
		return kcheckpoint.Checkpoint{}, err
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		cp, err := s.get(node, epochs[i])
		if errors.Is(err, kcheckpoint.ErrNotFound) {
			continue
		}
		return cp, err
	}
	return kcheckpoint.Checkpoint{}, kcheckpoint.ErrNotFound
}

func (s *Store) MarkEpochCommitted(_ context.Context, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	last, ok, err := s.last()
	if err != nil {
		return err
	}
	done, err := kcheckpoint.CheckMarkOrder(epoch, last, ok)
	if err != nil || done {
		return err
	}
	return s.db.Set(epochKey(markerPrefix, epoch), nil, pebble.Sync)
}

func (s *Store) LastCommittedEpoch(context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, kcheckpoint.ErrStoreClosed
	}
	return s.last()
}

func (s *Store) CommittedEpochs(context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kcheckpoint.ErrStoreClosed
	}
	return s.committed()
}

func (s *Store) Prune(_ context.Context, before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kcheckpoint.ErrStoreClosed
	}

	last, ok, err := s.last()
	if err != nil {
		return err
	}
	if ok {
		before = min(before, last)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, prefix := range []byte{checkpointPrefix, markerPrefix} {
		if err := batch.DeleteRange(epochKey(prefix, 0), epochKey(prefix, before), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) markerIter() *pebble.Iterator {
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{markerPrefix, '/'},
		UpperBound: []byte{markerPrefix, '/' + 1},
	})
}

func (s *Store) committed() ([]uint64, error) {
	iter := s.markerIter()
	defer iter.Close()

	var epochs []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		epoch, err := decodeEpoch(iter.Key())
		if err != nil {
			return nil, err
		}
		epochs = append(epochs, epoch)
	}
	return epochs, iter.Error()
}

func (s *Store) last() (uint64, bool, error) {
	iter := s.markerIter()
	defer iter.Close()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	epoch, err := decodeEpoch(iter.Key())
	if err != nil {
		return 0, false, err
	}
	return epoch, true, nil
}

func decodeEpoch(key []byte) (uint64, error) {
	rest, ok := bytes.CutPrefix(key, []byte{markerPrefix, '/'})
	if !ok || len(rest) != 8 {
		return 0, fmt.Errorf("%w: marker key %x", kcheckpoint.ErrCorrupt, key)
	}
	return binary.BigEndian.Uint64(rest), nil
}
