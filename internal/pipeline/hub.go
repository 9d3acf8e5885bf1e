package pipeline

import (
	"errors"
	"sync"

	"github.com/birdayz/dagstream/ksink/cache"
)

var ErrLagged = errors.New("subscriber fell behind")

const DefaultSubscriptionBuffer = 1024

// Hub fans cache events out to subscribers of an endpoint. It remembers
// the last schema event of every endpoint and hands it to new subscribers
// first. A subscriber whose buffer is full is dropped with ErrLagged.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	schemas map[string]cache.Event
}

var _ cache.Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		subs:    map[string]map[*Subscription]struct{}{},
		schemas: map[string]cache.Event{},
	}
}

type Subscription struct {
	Endpoint string

	hub  *Hub
	ch   chan cache.Event
	once sync.Once
	err  error
}

// Events is closed when the subscription ends. Err tells why.
func (s *Subscription) Events() <-chan cache.Event { return s.ch }

func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s, nil)
}

// Subscribe starts a subscription on endpoint with the given buffer size.
func (h *Hub) Subscribe(endpoint string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	s := &Subscription{Endpoint: endpoint, hub: h, ch: make(chan cache.Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev, ok := h.schemas[endpoint]; ok {
		s.ch <- ev
	}
	if h.subs[endpoint] == nil {
		h.subs[endpoint] = map[*Subscription]struct{}{}
	}
	h.subs[endpoint][s] = struct{}{}
	return s
}

func (h *Hub) Publish(ev cache.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Kind == cache.EventSchema {
		h.schemas[ev.Endpoint] = ev
	}
	for s := range h.subs[ev.Endpoint] {
		select {
		case s.ch <- ev:
		default:
			h.remove(s, ErrLagged)
		}
	}
}

// Subscribers returns the number of live subscriptions on endpoint.
func (h *Hub) Subscribers(endpoint string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[endpoint])
}

func (h *Hub) remove(s *Subscription, err error) {
	s.once.Do(func() {
		s.err = err
		delete(h.subs[s.Endpoint], s)
		close(s.ch)
	})
}
