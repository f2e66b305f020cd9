package port

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// DefaultDepth is the queue bound used when creation passes 0.
const DefaultDepth = 8

// Port is a bounded FIFO message channel owned by one task. The
// per-port lock is held only for O(1) queue and wait-list mutation;
// blocked threads park outside it on their waiter record.
//
// Messages from one sender are delivered in send order: enqueue and
// direct hand-off both happen under the lock, and a blocked sender
// cannot issue its next send until its parked message is accepted.
type Port struct {
	owner types.TaskID
	depth int

	// dropOldest marks a subscription port: overflow evicts the
	// oldest message and counts it instead of blocking producers.
	dropOldest bool
	filter     Filter
	dropped    atomic.Uint64

	mu          sync.Mutex
	queue       ring
	recvWaiters []*recvWaiter
	sendWaiters []*sendWaiter
	err         error // sticky close/revoke reason
}

type recvWaiter struct {
	fired atomic.Bool
	ch    chan recvResult
}

type recvResult struct {
	msg Message
	err error
}

type sendWaiter struct {
	fired atomic.Bool
	msg   Message
	ch    chan error
}

// New creates a port owned by owner with the given queue depth.
// depth <= 0 selects DefaultDepth.
func New(owner types.TaskID, depth int) *Port {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Port{owner: owner, depth: depth}
}

// NewSubscription creates a receive-only event-stream port feeding
// from published events matching filter. Overflow drops the oldest
// queued event and increments the visible drop counter: bounded
// buffering is the explicit backpressure choice here.
func NewSubscription(owner types.TaskID, depth int, filter Filter) *Port {
	p := New(owner, depth)
	p.dropOldest = true
	p.filter = filter
	return p
}

// Owner returns the owning task.
func (p *Port) Owner() types.TaskID { return p.owner }

// Depth returns the queue bound.
func (p *Port) Depth() int { return p.depth }

// Send enqueues msg. With block=false a full queue fails ErrFull;
// with block=true the caller parks until a slot frees, the context
// deadline elapses (ErrTimedOut), or the port dies (sticky error).
func (p *Port) Send(ctx context.Context, msg Message, block bool) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}

	// Direct hand-off to the oldest parked receiver. The queue is
	// necessarily empty when receivers are parked.
	for len(p.recvWaiters) > 0 {
		w := p.recvWaiters[0]
		p.recvWaiters = p.recvWaiters[1:]
		if w.fired.CompareAndSwap(false, true) {
			p.mu.Unlock()
			w.ch <- recvResult{msg: msg}
			return nil
		}
	}

	if p.queue.len() < p.depth {
		p.queue.push(msg)
		p.mu.Unlock()
		return nil
	}

	if p.dropOldest {
		p.queue.pop()
		p.queue.push(msg)
		p.mu.Unlock()
		p.dropped.Add(1)
		return nil
	}

	if !block {
		p.mu.Unlock()
		return errdefs.ErrFull
	}

	w := &sendWaiter{msg: msg, ch: make(chan error, 1)}
	p.sendWaiters = append(p.sendWaiters, w)
	p.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		if w.fired.CompareAndSwap(false, true) {
			p.removeSendWaiter(w)
			return errdefs.ErrTimedOut
		}
		// The message was accepted while we were timing out.
		return <-w.ch
	}
}

// Recv dequeues the oldest message, parking the caller while the
// queue is empty. The context deadline yields ErrTimedOut; port death
// yields the sticky error. Queued messages drain before the sticky
// error is reported.
func (p *Port) Recv(ctx context.Context) (Message, error) {
	p.mu.Lock()
	if msg, ok := p.queue.popOK(); ok {
		p.admitParkedSenderLocked()
		p.mu.Unlock()
		return msg, nil
	}
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return Message{}, err
	}

	w := &recvWaiter{ch: make(chan recvResult, 1)}
	p.recvWaiters = append(p.recvWaiters, w)
	p.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.msg, res.err
	case <-ctx.Done():
		if w.fired.CompareAndSwap(false, true) {
			p.removeRecvWaiter(w)
			return Message{}, errdefs.ErrTimedOut
		}
		res := <-w.ch
		return res.msg, res.err
	}
}

// TryRecv dequeues without blocking.
func (p *Port) TryRecv() (Message, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg, ok := p.queue.popOK(); ok {
		p.admitParkedSenderLocked()
		return msg, true, nil
	}
	if p.err != nil {
		return Message{}, false, p.err
	}
	return Message{}, false, nil
}

// Publish offers an event to a subscription port, applying its
// filter. Non-subscription ports accept unconditionally (used by the
// kernel's internal event routing).
func (p *Port) Publish(msg Message) error {
	if p.dropOldest && !p.filter.Match(&msg) {
		return nil
	}
	return p.Send(context.Background(), msg, false)
}

// Dropped returns how many events drop-oldest overflow has evicted.
func (p *Port) Dropped() uint64 { return p.dropped.Load() }

// Len returns the queued message count.
func (p *Port) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.len()
}

// OnRevoke wakes every blocked sender and receiver with ErrRevoked.
// Invoked by the object registry after the generation mark.
func (p *Port) OnRevoke() {
	p.CloseWith(errdefs.ErrRevoked)
}

// CloseWith poisons the port with err (ErrClosedPeer on owner exit,
// ErrTaskDestroyed on destruction cascade) and unblocks both sides.
func (p *Port) CloseWith(err error) {
	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	rws := p.recvWaiters
	sws := p.sendWaiters
	p.recvWaiters = nil
	p.sendWaiters = nil
	p.mu.Unlock()

	for _, w := range rws {
		if w.fired.CompareAndSwap(false, true) {
			w.ch <- recvResult{err: err}
		}
	}
	for _, w := range sws {
		if w.fired.CompareAndSwap(false, true) {
			w.ch <- err
		}
	}
}

// Closed reports the sticky error, if any.
func (p *Port) Closed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// admitParkedSenderLocked moves the oldest parked sender's message
// into the slot just freed, preserving arrival order.
func (p *Port) admitParkedSenderLocked() {
	for len(p.sendWaiters) > 0 && p.queue.len() < p.depth {
		w := p.sendWaiters[0]
		p.sendWaiters = p.sendWaiters[1:]
		if w.fired.CompareAndSwap(false, true) {
			p.queue.push(w.msg)
			w.ch <- nil
		}
	}
}

func (p *Port) removeRecvWaiter(w *recvWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.recvWaiters {
		if cand == w {
			p.recvWaiters = append(p.recvWaiters[:i], p.recvWaiters[i+1:]...)
			return
		}
	}
}

func (p *Port) removeSendWaiter(w *sendWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cand := range p.sendWaiters {
		if cand == w {
			p.sendWaiters = append(p.sendWaiters[:i], p.sendWaiters[i+1:]...)
			return
		}
	}
}

// Stats is a point-in-time snapshot for telemetry.
type Stats struct {
	Owner       types.TaskID `json:"owner"`
	Depth       int          `json:"depth"`
	Queued      int          `json:"queued"`
	RecvWaiters int          `json:"recv_waiters"`
	SendWaiters int          `json:"send_waiters"`
	Dropped     uint64       `json:"dropped"`
}

// StatsSnapshot returns current port counters.
func (p *Port) StatsSnapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Owner:       p.owner,
		Depth:       p.depth,
		Queued:      p.queue.len(),
		RecvWaiters: len(p.recvWaiters),
		SendWaiters: len(p.sendWaiters),
		Dropped:     p.dropped.Load(),
	}
}
