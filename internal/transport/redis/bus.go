package redis

import (
	"context"
	"sync"

	"github.com/paclab/soundloc/internal/metrics"
)

// Bus is an in-process parameter channel with the same at-most-once
// semantics as PubSub. A subscriber that falls behind misses records.
type Bus struct {
	mu     sync.Mutex
	subs   map[*busSubscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*busSubscription]struct{})}
}

func (b *Bus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		msg := append([]byte(nil), payload...)
		select {
		case sub.out <- msg:
		default:
		}
	}
	metrics.TransportParamMessages.WithLabelValues("out").Inc()
	return nil
}

func (b *Bus) Subscribe(_ context.Context) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &busSubscription{bus: b, out: make(chan []byte, 16)}
	if b.closed {
		close(sub.out)
		return sub, nil
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.out)
		delete(b.subs, sub)
	}
	return nil
}

type busSubscription struct {
	bus *Bus
	out chan []byte
}

func (s *busSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *busSubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.out)
	}
	return nil
}
