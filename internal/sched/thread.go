package sched

import (
	"context"
	"sync"
	"time"

	"github.com/CopperlineOS/exec-rt/internal/types"
)

// State is a thread's lifecycle state. Only the scheduler moves
// threads between Ready, Running, and Blocked. Suspended and Exited
// are sink states for the dispatch loop: a suspended thread leaves
// only through Exit.
type State uint8

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSuspended
	StateExited
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSuspended:
		return "suspended"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Action is what a dispatched step asks the scheduler to do next.
type Action uint8

const (
	// ActionContinue keeps the thread runnable; it is requeued and
	// dispatched again (possibly immediately).
	ActionContinue Action = iota
	// ActionYield voluntarily gives up the core.
	ActionYield
	// ActionBlock parks the thread until Step.Wake fires.
	ActionBlock
	// ActionExit retires the thread.
	ActionExit
)

// Step is the outcome of one dispatched quantum.
type Step struct {
	Action Action
	// Wake must be non-nil for ActionBlock; the thread becomes Ready
	// when it fires. This is the stored wake condition of the
	// Ready<->Blocked state machine.
	Wake <-chan struct{}
}

// StepFunc runs one quantum of a thread's work. The context is
// cancelled when the quantum expires or a higher-priority thread
// preempts; the function should return at its next preemption point.
type StepFunc func(ctx context.Context) Step

// paramChange is a class/parameter update staged for a scheduling
// boundary so it never touches a thread mid-step.
type paramChange struct {
	class  Class
	params Params
}

// Thread is the per-thread control record: identity, class
// parameters, state, and accounting.
type Thread struct {
	ID   types.ThreadID
	Task types.TaskID

	class  Class
	params Params
	pinned types.CoreID // AnyCore if migratable

	body StepFunc

	// DL reservation bookkeeping, serialized by the scheduler's
	// admission lock. resCore is AnyCore when nothing is reserved.
	resCore types.CoreID
	resUtil float64

	mu      sync.Mutex
	state   State
	pending *paramChange
	core    types.CoreID
	runtime time.Duration
	reason  string // wait reason while Blocked

	// DL accounting, guarded by the owning core's lock.
	periodStart time.Time
	deadline    time.Time
	budgetLeft  time.Duration
	throttled   bool
	missCount   uint64
}

// NewThread creates a thread control record. body may be nil for
// threads driven externally (kernel ABI callers) rather than by the
// dispatcher.
func NewThread(id types.ThreadID, task types.TaskID, class Class, params Params, body StepFunc) *Thread {
	if params.Weight <= 0 {
		params.Weight = 1
	}
	return &Thread{
		ID:      id,
		Task:    task,
		class:   class,
		params:  params,
		pinned:  types.AnyCore,
		body:    body,
		resCore: types.AnyCore,
		state:   StateNew,
		core:    types.AnyCore,
	}
}

// Pin restricts the thread to core. RT and DL threads may be pinned;
// DL threads are additionally pinned by admission.
func (t *Thread) Pin(core types.CoreID) { t.pinned = core }

// Class returns the scheduling class.
func (t *Thread) Class() Class { return t.class }

// Params returns the class parameters.
func (t *Thread) Params() Params { return t.params }

// State returns the current lifecycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Runtime returns accumulated run time.
func (t *Thread) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runtime
}

// Misses returns the deadline-miss count.
func (t *Thread) Misses() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missCount
}

// WaitReason returns why the thread is blocked, empty otherwise.
func (t *Thread) WaitReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// tryTransition moves the thread to next unless it has exited, or is
// suspended and next is not an exit. Reports whether the transition
// happened.
func (t *Thread) tryTransition(next State, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateExited:
		return false
	case StateSuspended:
		if next != StateExited && next != StateSuspended {
			return false
		}
	}
	t.state = next
	t.reason = reason
	return true
}

func (t *Thread) setPending(class Class, params Params) {
	t.mu.Lock()
	t.pending = &paramChange{class: class, params: params}
	t.mu.Unlock()
}

func (t *Thread) takePending() (paramChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		return paramChange{}, false
	}
	ch := *t.pending
	t.pending = nil
	return ch, true
}

func (t *Thread) addRuntime(d time.Duration) {
	t.mu.Lock()
	t.runtime += d
	t.mu.Unlock()
}

func (t *Thread) addMiss() {
	t.mu.Lock()
	t.missCount++
	t.mu.Unlock()
}
