package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
)

// Mode selects how Set wakes blocked waiters.
type Mode uint8

const (
	// WakeOne hands each signal to a single waiter, oldest first.
	WakeOne Mode = iota
	// WakeAll wakes every waiter on each signal; the pending count is
	// consumed by the broadcast.
	WakeAll
)

// Notification is a counting signal object. Set increments the count
// and wakes waiters; Wait blocks until the count is positive, then
// decrements atomically. Signals delivered while a waiter is parked
// are handed off directly, so no wakeup is ever lost.
type Notification struct {
	mode Mode

	mu      sync.Mutex
	count   uint64
	waiters []*waiter
	err     error // set once on revoke/close; sticky
}

type waiter struct {
	fired atomic.Bool
	ch    chan error
}

// New creates a notification in the given wake mode.
func New(mode Mode) *Notification {
	return &Notification{mode: mode}
}

// Set increments the counter and wakes waiters. It never blocks and
// holds the lock only for O(1) (WakeOne) or O(waiters) list mutation,
// so it is safe to call from the interrupt delivery path.
func (n *Notification) Set() {
	n.mu.Lock()
	if n.err != nil {
		n.mu.Unlock()
		return
	}
	if n.mode == WakeAll {
		if len(n.waiters) > 0 {
			// Broadcast consumes the signal: every parked waiter
			// returns, the count stays drained.
			ws := n.waiters
			n.waiters = nil
			n.mu.Unlock()
			for _, w := range ws {
				w.deliver(nil)
			}
			return
		}
		n.count++
		n.mu.Unlock()
		return
	}

	// Hand the token to the oldest waiter that has not timed out yet.
	for len(n.waiters) > 0 {
		w := n.waiters[0]
		n.waiters = n.waiters[1:]
		if w.fired.CompareAndSwap(false, true) {
			n.mu.Unlock()
			w.ch <- nil
			return
		}
	}
	n.count++
	n.mu.Unlock()
}

// Wait blocks until the count is positive, then decrements and
// returns. A context deadline or cancellation yields ErrTimedOut; a
// revoked notification yields the revocation error.
func (n *Notification) Wait(ctx context.Context) error {
	n.mu.Lock()
	if n.err != nil {
		err := n.err
		n.mu.Unlock()
		return err
	}
	if n.count > 0 {
		n.count--
		n.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan error, 1)}
	n.waiters = append(n.waiters, w)
	n.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		if w.fired.CompareAndSwap(false, true) {
			n.removeWaiter(w)
			return errdefs.ErrTimedOut
		}
		// Lost the race: a signal was already handed to us.
		return <-w.ch
	}
}

// TryWait consumes one pending signal without blocking.
func (n *Notification) TryWait() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil || n.count == 0 {
		return false
	}
	n.count--
	return true
}

// Count returns the pending signal count. Telemetry only.
func (n *Notification) Count() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

// OnRevoke wakes every waiter with ErrRevoked. Called by the object
// registry after the generation mark, and by task-destruction cascade
// via CloseWith.
func (n *Notification) OnRevoke() {
	n.CloseWith(errdefs.ErrRevoked)
}

// CloseWith poisons the notification: waiters wake with err and every
// later Wait fails fast with it.
func (n *Notification) CloseWith(err error) {
	n.mu.Lock()
	if n.err != nil {
		n.mu.Unlock()
		return
	}
	n.err = err
	ws := n.waiters
	n.waiters = nil
	n.mu.Unlock()

	for _, w := range ws {
		w.deliver(err)
	}
}

func (n *Notification) removeWaiter(w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cand := range n.waiters {
		if cand == w {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			return
		}
	}
}

func (w *waiter) deliver(err error) {
	if w.fired.CompareAndSwap(false, true) {
		w.ch <- err
	}
}
