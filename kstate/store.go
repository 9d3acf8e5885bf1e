// Package kstate holds the keyed state owned by a single processor.
// State is never shared between nodes; it is captured into the node's
// checkpoint blob with Snapshot and rebuilt with Restore on recovery.
package kstate

import (
	"cmp"
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"

	"github.com/birdayz/dagstream/kserde"
)

var (
	ErrKeyNotFound = errors.New("store: key not found")
)

// StateStore is the base interface for all state stores.
type StateStore interface {
	// Name returns the store name
	Name() string

	// Snapshot serializes the full store contents.
	Snapshot() ([]byte, error)

	// Restore replaces the store contents with a previous Snapshot.
	// An empty blob resets the store.
	Restore([]byte) error
}

// KeyValueStore is a key-value state store interface.
type KeyValueStore[K cmp.Ordered, V any] interface {
	StateStore

	// Get retrieves a value by key.
	// Returns (zero, ErrKeyNotFound) if not found.
	Get(key K) (V, error)

	// Set stores a key-value pair
	Set(key K, value V)

	// Delete removes a key
	Delete(key K)

	// All returns an iterator over all entries in key order.
	All() iter.Seq2[K, V]

	Len() int
}

// InMemory is a map-backed KeyValueStore.
type InMemory[K cmp.Ordered, V any] struct {
	name  string
	data  map[K]V
	serde kserde.Serde[map[K]V]
}

var _ KeyValueStore[string, int] = (*InMemory[string, int])(nil)

// NewInMemory creates a store whose snapshots are msgpack encoded.
func NewInMemory[K cmp.Ordered, V any](name string) *InMemory[K, V] {
	return &InMemory[K, V]{
		name:  name,
		data:  make(map[K]V),
		serde: kserde.Msgpack[map[K]V](),
	}
}

func (s *InMemory[K, V]) Name() string {
	return s.name
}

func (s *InMemory[K, V]) Get(key K) (V, error) {
	v, ok := s.data[key]
	if !ok {
		return v, ErrKeyNotFound
	}
	return v, nil
}

func (s *InMemory[K, V]) Set(key K, value V) {
	s.data[key] = value
}

func (s *InMemory[K, V]) Delete(key K) {
	delete(s.data, key)
}

func (s *InMemory[K, V]) Len() int {
	return len(s.data)
}

func (s *InMemory[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, k := range slices.Sorted(maps.Keys(s.data)) {
			if !yield(k, s.data[k]) {
				return
			}
		}
	}
}

func (s *InMemory[K, V]) Snapshot() ([]byte, error) {
	data, err := s.serde.Serializer(s.data)
	if err != nil {
		return nil, fmt.Errorf("store %s: snapshot: %w", s.name, err)
	}
	return data, nil
}

func (s *InMemory[K, V]) Restore(blob []byte) error {
	if len(blob) == 0 {
		s.data = make(map[K]V)
		return nil
	}
	data, err := s.serde.Deserializer(blob)
	if err != nil {
		return fmt.Errorf("store %s: restore: %w", s.name, err)
	}
	if data == nil {
		data = make(map[K]V)
	}
	s.data = data
	return nil
}
