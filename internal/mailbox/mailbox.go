// Package mailbox is the per-session queue of user turns feeding the
// agent's inference loop. Producers never block; the single consumer
// suspends while the queue is empty.
package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// Turn is one user-originated prompt. Source distinguishes organic human
// input from synthetic turns injected by a manager supervisor.
type Turn struct {
	Content string
	Source  string
}

const (
	SourceUser       = "user"
	SourceChildEvent = "child_event"
)

type Mailbox struct {
	mu     sync.Mutex
	queue  []Turn
	wake   chan struct{}
	closed bool
}

func New() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

// Push appends a turn without blocking. Turns pushed after Close are dropped.
func (m *Mailbox) Push(t Turn) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, t)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued turn, blocking until one arrives, the
// mailbox closes, or ctx is cancelled. Queued turns drain before ErrClosed.
func (m *Mailbox) Next(ctx context.Context) (Turn, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			t := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return t, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Turn{}, ErrClosed
		}

		select {
		case <-m.wake:
		case <-ctx.Done():
			return Turn{}, ctx.Err()
		}
	}
}

// Close is idempotent and wakes a waiting consumer.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of queued turns.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
