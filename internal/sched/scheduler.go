package sched

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// utilizationSlack absorbs float rounding in the admission sum so a
// workload at exactly the cap is accepted.
const utilizationSlack = 1e-9

// Config tunes the scheduler.
type Config struct {
	// Cores is the number of dispatch loops and ready sets.
	Cores int
	// UtilizationCap bounds the DL budget/period sum per core.
	// Clamped to at most 1.0.
	UtilizationCap float64
	// RTQuantum enables round robin among equal-priority RT threads;
	// 0 selects strict FIFO.
	RTQuantum time.Duration
	// BEQuantum is the base best-effort time slice, scaled by thread
	// weight.
	BEQuantum time.Duration
	// RingSize is the dispatch-event ring capacity.
	RingSize int
	// Clock overrides time.Now, for deterministic tests.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Cores <= 0 {
		c.Cores = 1
	}
	if c.UtilizationCap <= 0 || c.UtilizationCap > 1.0 {
		c.UtilizationCap = 1.0
	}
	if c.BEQuantum <= 0 {
		c.BEQuantum = 10 * time.Millisecond
	}
	if c.RingSize <= 0 {
		c.RingSize = 1024
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Observer receives scheduler events for metrics export. Methods must
// not block; they run on dispatch paths.
type Observer interface {
	DispatchRecorded(ev Event)
	PreemptionRequested(core types.CoreID)
	DeadlineMissed(thread types.ThreadID)
	AdmissionRejected()
}

// Scheduler owns per-core ready sets and the dispatch-event ring.
// Each core's state is guarded by its own lock; cross-core influence
// happens only through Ready's core selection and the preemption
// signal, so no dispatch loop ever blocks on a remote core.
type Scheduler struct {
	cfg   Config
	clock func() time.Time
	ring  *Ring
	obs   Observer

	cores []*core

	// admitMu serializes DL reservation moves (Admit, SetParams, Exit)
	// so concurrent parameter changes cannot double-book a core.
	admitMu sync.Mutex

	dispatches  [3]atomic.Uint64
	preemptions atomic.Uint64
	misses      atomic.Uint64
	rejections  atomic.Uint64
}

type core struct {
	id types.CoreID

	mu         sync.Mutex
	ready      readySet
	running    *Thread
	cancelStep func()
	preemptReq bool
	dlUtil     float64

	wake chan struct{}
}

// New creates a scheduler with cfg.Cores dispatch domains. obs may be
// nil.
func New(cfg Config, obs Observer) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:   cfg,
		clock: cfg.Clock,
		ring:  NewRing(cfg.RingSize),
		obs:   obs,
	}
	for i := 0; i < cfg.Cores; i++ {
		s.cores = append(s.cores, &core{id: types.CoreID(i), wake: make(chan struct{}, 1)})
	}
	return s
}

// Ring returns the dispatch-event ring.
func (s *Scheduler) Ring() *Ring { return s.ring }

// Cores returns the configured core count.
func (s *Scheduler) Cores() int { return len(s.cores) }

// Admit runs admission control for t and makes it Ready. RT and BE
// threads are always admitted. A DL thread is accepted only if its
// budget/period utilization fits under the per-core cap; it is pinned
// to the reserving core so the cap stays exact.
func (s *Scheduler) Admit(t *Thread) error {
	if t.class == ClassDL {
		if t.params.Period <= 0 || t.params.Budget <= 0 || t.params.Budget > t.params.Period {
			return errdefs.ErrAdmissionRejected
		}
		s.admitMu.Lock()
		err := s.reserveLocked(t, t.params.Utilization())
		s.admitMu.Unlock()
		if err != nil {
			s.rejections.Add(1)
			if s.obs != nil {
				s.obs.AdmissionRejected()
			}
			return err
		}
		now := s.clock()
		t.periodStart = now
		t.deadline = now.Add(t.params.Period)
		t.budgetLeft = t.params.Budget
		t.core = t.resCore
	}
	s.Ready(t)
	return nil
}

// reserveLocked places u utilization on t's pinned core, or the
// least-utilized core when unpinned, and pins t there. Caller holds
// admitMu.
func (s *Scheduler) reserveLocked(t *Thread, u float64) error {
	var c *core
	if t.pinned != types.AnyCore && int(t.pinned) < len(s.cores) {
		c = s.cores[int(t.pinned)]
	} else {
		c = s.cores[0]
		for _, cand := range s.cores[1:] {
			if s.utilOf(cand) < s.utilOf(c) {
				c = cand
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dlUtil+u > s.cfg.UtilizationCap+utilizationSlack {
		return errdefs.ErrAdmissionRejected
	}
	c.dlUtil += u
	t.resCore, t.resUtil = c.id, u
	t.pinned = c.id
	return nil
}

// releaseLocked returns t's DL reservation, if any, and drops the
// admission pin. Caller holds admitMu.
func (s *Scheduler) releaseLocked(t *Thread) {
	if t.resCore == types.AnyCore {
		return
	}
	c := s.cores[int(t.resCore)]
	c.mu.Lock()
	c.dlUtil = math.Max(0, c.dlUtil-t.resUtil)
	c.mu.Unlock()
	t.resCore, t.resUtil = types.AnyCore, 0
	t.pinned = types.AnyCore
}

// restoreLocked puts back a reservation released by a rejected
// parameter change. Caller holds admitMu.
func (s *Scheduler) restoreLocked(t *Thread, core types.CoreID, u float64) {
	if core == types.AnyCore {
		return
	}
	c := s.cores[int(core)]
	c.mu.Lock()
	c.dlUtil += u
	c.mu.Unlock()
	t.resCore, t.resUtil = core, u
	t.pinned = core
}

// Ready transitions t to Ready and, for dispatcher-driven threads,
// enqueues it. Suspended and exited threads stay put. A newly ready
// thread that outranks the core's running thread triggers a preemption
// request: the running step's context is cancelled and it vacates at
// its next preemption point.
func (s *Scheduler) Ready(t *Thread) {
	if !t.tryTransition(StateReady, "") {
		return
	}
	s.applyPending(t)
	if t.body == nil {
		// Externally driven thread: state bookkeeping only, the
		// caller's goroutine is its execution context.
		return
	}

	c := s.coreFor(t)
	c.mu.Lock()
	t.core = c.id
	switch t.class {
	case ClassRT:
		c.ready.pushRT(t, false)
	case ClassDL:
		if t.throttled {
			c.ready.pushBE(t)
		} else {
			c.ready.pushDL(t)
		}
	default:
		c.ready.pushBE(t)
	}
	preempt := c.running != nil && precedes(t, c.running)
	if preempt && !c.preemptReq {
		c.preemptReq = true
		if c.cancelStep != nil {
			c.cancelStep()
		}
	}
	c.mu.Unlock()

	if preempt {
		s.preemptions.Add(1)
		if s.obs != nil {
			s.obs.PreemptionRequested(c.id)
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Block marks t Blocked with a wait reason. Externally driven threads
// call this through the kernel before parking on a wait condition.
func (s *Scheduler) Block(t *Thread, reason string) {
	if t.body != nil {
		c := s.coreOf(t)
		if c != nil {
			c.mu.Lock()
			c.ready.remove(t)
			c.mu.Unlock()
		}
	}
	t.tryTransition(StateBlocked, reason)
}

// Suspend parks t pending supervisor action (fault handling). The
// state flips before the ready-set removal so a wake racing the
// suspension cannot requeue the thread.
func (s *Scheduler) Suspend(t *Thread) {
	if !t.tryTransition(StateSuspended, "fault") {
		return
	}
	c := s.coreOf(t)
	if c != nil {
		c.mu.Lock()
		c.ready.remove(t)
		c.mu.Unlock()
	}
}

// Exit retires t, removing it from its ready set and releasing its DL
// reservation.
func (s *Scheduler) Exit(t *Thread) {
	t.tryTransition(StateExited, "")
	c := s.coreOf(t)
	if c != nil {
		c.mu.Lock()
		c.ready.remove(t)
		c.mu.Unlock()
	}
	s.admitMu.Lock()
	s.releaseLocked(t)
	s.admitMu.Unlock()
}

// SetParams changes t's class parameters, re-running DL admission.
// The utilization reservation moves synchronously, but the fields of
// a thread that is running or blocked change only at its next
// scheduling boundary, so an in-flight step never observes a partial
// update and the thread is never enqueued twice. On rejection the
// thread keeps its previous parameters.
func (s *Scheduler) SetParams(t *Thread, class Class, params Params) error {
	if params.Weight <= 0 {
		params.Weight = 1
	}
	if class == ClassDL && (params.Period <= 0 || params.Budget <= 0 || params.Budget > params.Period) {
		return errdefs.ErrAdmissionRejected
	}

	s.admitMu.Lock()
	prevCore, prevUtil := t.resCore, t.resUtil
	s.releaseLocked(t)
	var err error
	if class == ClassDL {
		if err = s.reserveLocked(t, params.Utilization()); err != nil {
			s.restoreLocked(t, prevCore, prevUtil)
		}
	}
	s.admitMu.Unlock()
	if err != nil {
		s.rejections.Add(1)
		if s.obs != nil {
			s.obs.AdmissionRejected()
		}
		return err
	}

	if t.body == nil {
		s.applyChange(t, class, params)
		return nil
	}
	if c := s.coreOf(t); c != nil {
		c.mu.Lock()
		queued := c.ready.remove(t)
		c.mu.Unlock()
		if queued {
			// Dequeued by us, so nothing else can be running it.
			s.applyChange(t, class, params)
			s.Ready(t)
			return nil
		}
	}
	// Running, blocked, or not yet enqueued: stage the change for the
	// next scheduling boundary.
	t.setPending(class, params)
	return nil
}

// applyChange installs a new class and parameters. Callers must own
// the thread: not in any ready set, not running.
func (s *Scheduler) applyChange(t *Thread, class Class, params Params) {
	t.class = class
	t.params = params
	t.throttled = false
	if class == ClassDL {
		now := s.clock()
		t.periodStart = now
		t.deadline = now.Add(params.Period)
		t.budgetLeft = params.Budget
	}
}

// applyPending installs a staged parameter change, if one exists.
func (s *Scheduler) applyPending(t *Thread) {
	if ch, ok := t.takePending(); ok {
		s.applyChange(t, ch.class, ch.params)
	}
}

// Utilization returns core's admitted DL utilization.
func (s *Scheduler) Utilization(core types.CoreID) float64 {
	c := s.cores[int(core)]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dlUtil
}

// precedes reports strict dispatch precedence of a over b.
func precedes(a, b *Thread) bool {
	ac, bc := effectiveClass(a), effectiveClass(b)
	if ac != bc {
		return ac < bc // RT < DL < BE in enum order
	}
	switch ac {
	case ClassRT:
		return a.params.Priority > b.params.Priority
	case ClassDL:
		return a.deadline.Before(b.deadline)
	default:
		return false
	}
}

// effectiveClass accounts for DL throttling: an over-budget DL thread
// competes as best effort until its period boundary.
func effectiveClass(t *Thread) Class {
	if t.class == ClassDL && t.throttled {
		return ClassBE
	}
	return t.class
}

// coreFor selects the core a newly ready thread lands on: its pin if
// set, otherwise the least-loaded core. Free migration of unpinned
// threads is the load-balancing mechanism.
func (s *Scheduler) coreFor(t *Thread) *core {
	if t.pinned != types.AnyCore && int(t.pinned) < len(s.cores) {
		return s.cores[int(t.pinned)]
	}
	best := s.cores[0]
	if t.class == ClassDL {
		for _, c := range s.cores[1:] {
			if s.utilOf(c) < s.utilOf(best) {
				best = c
			}
		}
		return best
	}
	bestLen := s.readyLen(best)
	for _, c := range s.cores[1:] {
		if l := s.readyLen(c); l < bestLen {
			best, bestLen = c, l
		}
	}
	return best
}

func (s *Scheduler) coreOf(t *Thread) *core {
	if t.core == types.AnyCore || int(t.core) >= len(s.cores) {
		return nil
	}
	return s.cores[int(t.core)]
}

func (s *Scheduler) utilOf(c *core) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dlUtil
}

func (s *Scheduler) readyLen(c *core) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.len()
}

// Stats is a scheduler-wide snapshot.
type Stats struct {
	Dispatches  map[string]uint64 `json:"dispatches"`
	Preemptions uint64            `json:"preemptions"`
	Misses      uint64            `json:"deadline_misses"`
	Rejections  uint64            `json:"admission_rejections"`
	Cores       []CoreStats       `json:"cores"`
}

// CoreStats is one core's snapshot.
type CoreStats struct {
	Core          types.CoreID `json:"core"`
	ReadyThreads  int          `json:"ready_threads"`
	DLUtilization float64      `json:"dl_utilization"`
}

// StatsSnapshot returns current counters.
func (s *Scheduler) StatsSnapshot() Stats {
	st := Stats{
		Dispatches: map[string]uint64{
			ClassRT.String(): s.dispatches[ClassRT].Load(),
			ClassDL.String(): s.dispatches[ClassDL].Load(),
			ClassBE.String(): s.dispatches[ClassBE].Load(),
		},
		Preemptions: s.preemptions.Load(),
		Misses:      s.misses.Load(),
		Rejections:  s.rejections.Load(),
	}
	for _, c := range s.cores {
		c.mu.Lock()
		st.Cores = append(st.Cores, CoreStats{
			Core:          c.id,
			ReadyThreads:  c.ready.len(),
			DLUtilization: c.dlUtil,
		})
		c.mu.Unlock()
	}
	return st
}
