package kernel

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/roasbeef/xosc/internal/wire"
)

// mailbox is an actor's FIFO inbox of envelopes. It is backed by a Go
// channel with a close discipline that prevents send-on-closed panics:
// senders hold a read lock for the duration of the send, Close takes the
// write lock before closing the channel.
//
// Send may be called concurrently from many goroutines; Receive and Drain
// belong to the actor's single process loop.
type mailbox struct {
	ch chan *wire.Envelope

	closed    atomic.Bool
	mu        sync.RWMutex
	closeOnce sync.Once

	// actorCtx governs the owning actor's lifecycle; receive operations
	// stop when it cancels.
	actorCtx context.Context
}

func newMailbox(actorCtx context.Context, capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 1
	}

	return &mailbox{
		ch:       make(chan *wire.Envelope, capacity),
		actorCtx: actorCtx,
	}
}

// Send enqueues an envelope, blocking until the inbox accepts it, the
// caller's context cancels, or the actor terminates. It returns true on
// success.
func (m *mailbox) Send(ctx context.Context, env *wire.Envelope) bool {
	if ctx.Err() != nil || m.actorCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true

	case <-ctx.Done():
		return false

	case <-m.actorCtx.Done():
		return false
	}
}

// Len returns the current queue depth.
func (m *mailbox) Len() int {
	return len(m.ch)
}

// Receive iterates envelopes as they arrive, stopping when the context
// cancels or the mailbox closes and empties.
func (m *mailbox) Receive(ctx context.Context) iter.Seq[*wire.Envelope] {
	return func(yield func(*wire.Envelope) bool) {
		for {
			// Deterministic shutdown: check the context before
			// racing it against a ready channel.
			if ctx.Err() != nil {
				return
			}

			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				if !yield(env) {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}
}

// Close rejects further sends. Idempotent.
func (m *mailbox) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed reports whether Close has run.
func (m *mailbox) IsClosed() bool {
	return m.closed.Load()
}

// Drain yields whatever remains after Close without blocking.
func (m *mailbox) Drain() iter.Seq[*wire.Envelope] {
	return func(yield func(*wire.Envelope) bool) {
		if !m.IsClosed() {
			return
		}

		for {
			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				if !yield(env) {
					return
				}

			default:
				return
			}
		}
	}
}
