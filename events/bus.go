package events

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
	"prism-board/metrics"
)

// Handler reacts to an emitted event. Handlers run on the emitting goroutine,
// inside the store's critical section, and must not block.
type Handler func(ev domain.Event)

type subscription struct {
	id      int
	kinds   map[domain.Kind]struct{}
	handler Handler
}

func (s *subscription) wants(k domain.Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus is the in-process publish/subscribe point for domain events. It keeps
// a bounded history of the most recent events.
type Bus struct {
	logger *log.Logger

	mu      sync.Mutex
	subs    []*subscription
	nextID  int
	seq     uint64
	history []domain.Event
	next    int
	full    bool
}

// New creates a Bus keeping the last size events.
func New(size int, logger *log.Logger) *Bus {
	if size <= 0 {
		size = 512
	}
	return &Bus{logger: logger, history: make([]domain.Event, size)}
}

// Subscribe registers handler for the given kinds, or for every kind when
// none are given. Handlers run in registration order. The returned func
// removes the subscription.
func (b *Bus) Subscribe(handler Handler, kinds ...domain.Kind) func() {
	sub := &subscription{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[domain.Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == sub.id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit stamps the next sequence number on ev, records it and hands it to
// every matching subscriber before returning.
func (b *Bus) Emit(ev domain.Event) domain.Event {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	b.history[b.next] = ev
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(ev.Kind()) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	metrics.EventsEmittedTotal.WithLabelValues(string(ev.Kind())).Inc()
	for _, s := range targets {
		b.dispatch(s, ev)
	}
	return ev
}

func (b *Bus) dispatch(s *subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanicsTotal.Inc()
			b.logger.WithFields(log.Fields{
				"kind":  ev.Kind(),
				"seq":   ev.Seq,
				"panic": fmt.Sprint(r),
			}).Error("event handler panicked")
		}
	}()
	s.handler(ev)
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Recent returns up to n of the most recent events, oldest first.
func (b *Bus) Recent(n int) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := b.next
	if b.full {
		count = len(b.history)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]domain.Event, n)
	start := b.next - n
	if start < 0 {
		start += len(b.history)
	}
	for i := 0; i < n; i++ {
		out[i] = b.history[(start+i)%len(b.history)]
	}
	return out
}
