package sched

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts one dispatch loop per core and blocks until ctx is
// cancelled. Exactly one thread runs per core at any instant; loops
// never touch a sibling core's lock while dispatching.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.cores {
		c := c
		g.Go(func() error {
			s.runCore(ctx, c)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runCore(ctx context.Context, c *core) {
	for {
		t := s.dequeue(c)
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		if t.State() == StateExited {
			continue
		}
		s.dispatch(ctx, c, t)
		if ctx.Err() != nil {
			return
		}
	}
}

// dequeue picks the highest-precedence runnable thread: RT by level,
// then earliest-deadline DL, then round-robin BE. Throttled DL
// threads whose period boundary has passed are replenished first.
func (s *Scheduler) dequeue(c *core) *Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.replenishLocked(c)
	if t := c.ready.popRT(); t != nil {
		return t
	}
	if t := c.ready.popDL(); t != nil {
		return t
	}
	return c.ready.popBE()
}

// replenishLocked restores throttled DL threads whose next period has
// started: fresh budget, new absolute deadline, back in the EDF heap.
func (s *Scheduler) replenishLocked(c *core) {
	now := s.clock()
	for i := 0; i < len(c.ready.be); {
		t := c.ready.be[i]
		if t.class != ClassDL || !t.throttled {
			i++
			continue
		}
		boundary := t.periodStart.Add(t.params.Period)
		if now.Before(boundary) {
			i++
			continue
		}
		c.ready.be = append(c.ready.be[:i], c.ready.be[i+1:]...)
		s.replenishThread(t, now)
		c.ready.pushDL(t)
	}
}

func (s *Scheduler) replenishThread(t *Thread, now time.Time) {
	// Catch up skipped periods so the deadline stays in the future.
	for !t.periodStart.Add(t.params.Period).After(now) {
		t.periodStart = t.periodStart.Add(t.params.Period)
	}
	t.deadline = t.periodStart.Add(t.params.Period)
	t.budgetLeft = t.params.Budget
	t.throttled = false
}

// dispatch runs one quantum of t on c and requeues it according to
// the step outcome.
func (s *Scheduler) dispatch(ctx context.Context, c *core, t *Thread) {
	if !t.tryTransition(StateRunning, "") {
		// Suspended or exited between dequeue and dispatch.
		return
	}

	quantum := s.quantumFor(t)
	stepCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if quantum > 0 {
		timer = time.AfterFunc(quantum, cancel)
	}

	c.mu.Lock()
	c.running = t
	c.cancelStep = cancel
	c.preemptReq = false
	c.mu.Unlock()

	start := s.clock()
	step := t.body(stepCtx)
	end := s.clock()

	if timer != nil {
		timer.Stop()
	}
	cancel()

	c.mu.Lock()
	preempted := c.preemptReq
	c.running = nil
	c.cancelStep = nil
	c.preemptReq = false
	c.mu.Unlock()

	elapsed := end.Sub(start)
	t.addRuntime(elapsed)
	missed := s.charge(c, t, elapsed)

	s.dispatches[t.class].Add(1)
	ev := Event{
		Thread:         t.ID,
		Task:           t.Task,
		Core:           c.id,
		Class:          t.class,
		Start:          start,
		End:            end,
		DeadlineMissed: missed,
		Preempted:      preempted,
	}
	s.ring.Record(ev)
	if s.obs != nil {
		s.obs.DispatchRecorded(ev)
	}

	// The step has returned, so any parameter change staged while it
	// ran can now take effect.
	s.applyPending(t)

	switch step.Action {
	case ActionExit:
		s.Exit(t)
	case ActionBlock:
		if step.Wake == nil {
			s.Exit(t)
			return
		}
		s.Block(t, "step")
		wake := step.Wake
		go func() {
			select {
			case <-wake:
				s.Ready(t)
			case <-ctx.Done():
			}
		}()
	default:
		// Continue and Yield both requeue; preemption lands here too.
		if t.State() != StateRunning {
			// A concurrent suspend claimed the thread mid-step.
			return
		}
		if preempted && t.class == ClassRT {
			// A preempted RT thread keeps its FIFO position at its
			// level rather than rotating to the back.
			s.readyFront(c, t)
			return
		}
		s.Ready(t)
	}
}

func (s *Scheduler) readyFront(c *core, t *Thread) {
	if !t.tryTransition(StateReady, "") {
		return
	}
	c.mu.Lock()
	t.core = c.id
	c.ready.pushRT(t, true)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// charge accounts elapsed run time against a DL thread's budget.
// Exhausting the budget before the deadline is an overrun: the miss
// counter increments and the thread is demoted to best effort until
// its next period boundary. It is never killed.
func (s *Scheduler) charge(c *core, t *Thread, elapsed time.Duration) bool {
	if t.class != ClassDL {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.throttled {
		return false
	}
	t.budgetLeft -= elapsed
	if t.budgetLeft > 0 {
		return false
	}
	now := s.clock()
	if now.After(t.deadline) {
		// Period already over; replenish instead of throttling.
		s.replenishThread(t, now)
		return false
	}
	t.throttled = true
	t.addMiss()
	s.misses.Add(1)
	if s.obs != nil {
		s.obs.DeadlineMissed(t.ID)
	}
	return true
}

// quantumFor sizes t's slice: RT honors the configured round-robin
// quantum (0 = run until yield or preemption), DL gets its remaining
// budget, BE gets the base quantum scaled by weight.
func (s *Scheduler) quantumFor(t *Thread) time.Duration {
	switch t.class {
	case ClassRT:
		return s.cfg.RTQuantum
	case ClassDL:
		if t.throttled {
			return s.cfg.BEQuantum
		}
		return t.budgetLeft
	default:
		return s.cfg.BEQuantum * time.Duration(t.params.Weight)
	}
}
