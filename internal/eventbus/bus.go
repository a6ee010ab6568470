package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight in-memory signal used to decouple the scheduler from
// whoever renders or records capture status.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe returns a channel receiving events whose Type is in types
	// (all events when types is empty).
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch    chan Event
	types map[string]struct{}
}

func (s *sub) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		// A concurrent unsubscribe may close ch; recover from send-on-closed.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}
