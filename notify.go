package forkdb

import (
	"sync"
)

// mailbox is an unbounded FIFO with a single consumer. put never blocks, so
// a slow consumer can not stall the producer.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{signal: make(chan struct{}, 1)}
}

func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.wake()
	return true
}

func (m *mailbox[T]) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// next blocks until an item is available. It returns false once the mailbox
// is closed and empty, or when stop is closed.
func (m *mailbox[T]) next(stop <-chan struct{}) (T, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			var zero T
			return zero, false
		}

		select {
		case <-m.signal:
		case <-stop:
			var zero T
			return zero, false
		}
	}
}

// drain takes every queued item without blocking.
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// ready fires after put; the consumer then calls drain or next.
func (m *mailbox[T]) ready() <-chan struct{} {
	return m.signal
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wake()
}

type commitEvent struct {
	Commit
	source any
}

// notifier fans commit-created events out to subscribers. Every subscriber
// has its own unbounded mailbox, so no event is dropped and publishing never
// waits for a subscriber.
type notifier struct {
	mu     sync.Mutex
	subs   map[*mailbox[commitEvent]]struct{}
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: map[*mailbox[commitEvent]]struct{}{}}
}

func (n *notifier) subscribe() *mailbox[commitEvent] {
	sub := newMailbox[commitEvent]()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		sub.close()
		return sub
	}
	n.subs[sub] = struct{}{}
	return sub
}

func (n *notifier) unsubscribe(sub *mailbox[commitEvent]) {
	n.mu.Lock()
	delete(n.subs, sub)
	n.mu.Unlock()
	sub.close()
}

func (n *notifier) publish(ev commitEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		sub.put(ev)
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for sub := range n.subs {
		sub.close()
	}
	n.subs = map[*mailbox[commitEvent]]struct{}{}
}

// Subscribe returns a channel receiving every commit written after the call,
// local or replicated, until cancel is called or the store is closed.
func (db *ForkDB) Subscribe() (<-chan Commit, func()) {
	sub := db.notify.subscribe()
	out := make(chan Commit)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for {
			ev, ok := sub.next(stop)
			if !ok {
				return
			}
			select {
			case out <- ev.Commit:
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(stop)
			db.notify.unsubscribe(sub)
		})
	}
}
