// Package network reports connectivity to the admission controller.
package network

import (
	"sync"
)

// Provider exposes current connectivity and change notifications.
type Provider interface {
	Online() bool

	// Subscribe returns a channel receiving every transition and a function
	// that ends the subscription.
	Subscribe() (<-chan bool, func())
}

// broadcaster tracks a connectivity flag and fans transitions out to
// subscribers. Slow subscribers only ever see the latest state.
type broadcaster struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

func newBroadcaster(online bool) *broadcaster {
	return &broadcaster{online: online, subs: make(map[int]chan bool)}
}

func (b *broadcaster) Online() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.online
}

func (b *broadcaster) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan bool, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// set records online and reports whether it changed.
func (b *broadcaster) set(online bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.online == online {
		return false
	}
	b.online = online
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	connectivity.Set(boolGauge(online))
	transitions.Inc()
	return true
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// Manual is a Provider whose state is set by the caller.
type Manual struct {
	*broadcaster
}

// NewManual creates a Manual provider in the given state.
func NewManual(online bool) *Manual {
	return &Manual{broadcaster: newBroadcaster(online)}
}

// Set changes the connectivity state, notifying subscribers on a transition.
func (m *Manual) Set(online bool) {
	m.set(online)
}

// Always is a Provider that is permanently online.
type Always struct{}

func (Always) Online() bool { return true }

func (Always) Subscribe() (<-chan bool, func()) {
	return make(chan bool), func() {}
}
