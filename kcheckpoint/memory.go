package kcheckpoint

import (
	"context"
	"slices"
	"sync"

	"github.com/birdayz/dagstream/kdag"
)

type memoryKey struct {
	node  kdag.NodeID
	epoch uint64
}

// MemoryStore keeps checkpoints in process memory. It is meant for tests
// and for pipelines that do not need to survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[memoryKey]Checkpoint
	committed   []uint64
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: map[memoryKey]Checkpoint{}}
}

func (s *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp.State = slices.Clone(cp.State)
	cp.SourceOffset = slices.Clone(cp.SourceOffset)
	s.checkpoints[memoryKey{cp.Node, cp.Epoch}] = cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, node kdag.NodeID, epoch uint64) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Checkpoint{}, ErrStoreClosed
	}
	cp, ok := s.checkpoints[memoryKey{node, epoch}]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cloneCheckpoint(cp), nil
}

func (s *MemoryStore) Latest(_ context.Context, node kdag.NodeID) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Checkpoint{}, ErrStoreClosed
	}
	for i := len(s.committed) - 1; i >= 0; i-- {
		if cp, ok := s.checkpoints[memoryKey{node, s.committed[i]}]; ok {
			return cloneCheckpoint(cp), nil
		}
	}
	return Checkpoint{}, ErrNotFound
}

func (s *MemoryStore) MarkEpochCommitted(_ context.Context, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	last, ok := s.last()
	done, err := CheckMarkOrder(epoch, last, ok)
	if err != nil || done {
		return err
	}
	s.committed = append(s.committed, epoch)
	return nil
}

func (s *MemoryStore) LastCommittedEpoch(context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrStoreClosed
	}
	last, ok := s.last()
	return last, ok, nil
}

func (s *MemoryStore) CommittedEpochs(context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return slices.Clone(s.committed), nil
}

func (s *MemoryStore) Prune(_ context.Context, before uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if last, ok := s.last(); ok {
		before = min(before, last)
	}
	for key := range s.checkpoints {
		if key.epoch < before {
			delete(s.checkpoints, key)
		}
	}
	s.committed = slices.DeleteFunc(s.committed, func(e uint64) bool { return e < before })
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) last() (uint64, bool) {
	if len(s.committed) == 0 {
		return 0, false
	}
	return s.committed[len(s.committed)-1], true
}

func cloneCheckpoint(cp Checkpoint) Checkpoint {
	cp.State = slices.Clone(cp.State)
	cp.SourceOffset = slices.Clone(cp.SourceOffset)
	return cp
}
