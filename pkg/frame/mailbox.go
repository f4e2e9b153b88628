package frame

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot buffer between the capture callback and the frame
// worker. Publishing overwrites (and releases) an unconsumed frame, so the
// worker always sees the newest one and never falls behind.
type Mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frame  *Frame
	closed bool

	drops     atomic.Uint64
	published atomic.Uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Publish stores f, replacing any unconsumed frame. Returns false (and
// releases f) once the mailbox is closed.
func (m *Mailbox) Publish(f *Frame) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		f.Release()
		return false
	}

	old := m.frame
	m.frame = f
	m.published.Add(1)
	m.cond.Signal()
	m.mu.Unlock()

	if old != nil {
		m.drops.Add(1)
		old.Release()
	}
	return true
}

// Next blocks until a frame is available or the mailbox is closed.
// Returns nil after Close.
func (m *Mailbox) Next() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.frame == nil && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil
	}

	f := m.frame
	m.frame = nil
	return f
}

// Close stops accepting frames, releases any pending frame and wakes the consumer.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pending := m.frame
	m.frame = nil
	m.cond.Broadcast()
	m.mu.Unlock()

	pending.Release()
}

// Stats reports how many frames were published and how many were dropped
// unconsumed.
func (m *Mailbox) Stats() (published, dropped uint64) {
	return m.published.Load(), m.drops.Load()
}
