package engine

import "sync"

// Mailbox is the signal buffer of one execution. It outlives epochs, so
// signals delivered during a continuation hand-off are not lost.
type Mailbox struct {
	mu    sync.Mutex
	items []interface{}
	wake  chan struct{}
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

// Put appends v and wakes the reader.
func (m *Mailbox) Put(v interface{}) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Drain removes and returns every buffered item in arrival order.
func (m *Mailbox) Drain() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	m.items = nil
	return items
}

// Len returns the number of buffered items.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Wake fires after Put. A single pending wake-up is kept, so readers must
// drain fully after each receive.
func (m *Mailbox) Wake() <-chan struct{} {
	return m.wake
}
