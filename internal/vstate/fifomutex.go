package vstate

import (
	"context"
	"sync"
)

// fifoMutex is an async mutex whose waiters acquire in strict arrival order.
// Plain sync.Mutex makes no fairness promise, and the update protocol needs
// concurrent mutations of one slot to reach the server in FIFO order.
type fifoMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// Lock blocks until the mutex is acquired or ctx expires.
func (m *fifoMutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	m.waiters = append(m.waiters, ticket)
	m.mu.Unlock()

	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range m.waiters {
			if w == ticket {
				m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
				m.mu.Unlock()
				return ctx.Err()
			}
		}
		m.mu.Unlock()
		// The ticket was already handed the lock; pass it on.
		<-ticket
		m.unlock()
		return ctx.Err()
	}
}

// Unlock releases the mutex, handing it to the oldest waiter if any.
func (m *fifoMutex) Unlock() {
	m.unlock()
}

func (m *fifoMutex) unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(next)
		return
	}
	m.locked = false
}
