package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDLAdmissionUtilization(t *testing.T) {
	s := New(Config{Cores: 1, UtilizationCap: 1.0}, nil)
	params := Params{Period: 10 * time.Millisecond, Budget: 5 * time.Millisecond}

	// 0.5 utilization: accepted.
	a := NewThread(1, 1, ClassDL, params, nil)
	require.NoError(t, s.Admit(a))
	assert.InDelta(t, 0.5, s.Utilization(0), 1e-9)

	// 1.0 exactly at the cap: accepted.
	b := NewThread(2, 1, ClassDL, params, nil)
	require.NoError(t, s.Admit(b))
	assert.InDelta(t, 1.0, s.Utilization(0), 1e-9)

	// 1.5: rejected.
	c := NewThread(3, 1, ClassDL, params, nil)
	assert.ErrorIs(t, s.Admit(c), errdefs.ErrAdmissionRejected)

	st := s.StatsSnapshot()
	assert.Equal(t, uint64(1), st.Rejections)

	// Exiting a thread releases its reservation.
	s.Exit(a)
	assert.InDelta(t, 0.5, s.Utilization(0), 1e-9)
	d := NewThread(4, 1, ClassDL, params, nil)
	assert.NoError(t, s.Admit(d))
}

func TestDLAdmissionInvalidParams(t *testing.T) {
	s := New(Config{Cores: 1}, nil)
	tests := []struct {
		name   string
		params Params
	}{
		{"zero period", Params{Budget: time.Millisecond}},
		{"zero budget", Params{Period: time.Millisecond}},
		{"budget exceeds period", Params{Period: time.Millisecond, Budget: 2 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := NewThread(1, 1, ClassDL, tt.params, nil)
			assert.ErrorIs(t, s.Admit(th), errdefs.ErrAdmissionRejected)
		})
	}
}

func TestDLAdmissionSpreadsAcrossCores(t *testing.T) {
	s := New(Config{Cores: 2, UtilizationCap: 1.0}, nil)
	params := Params{Period: 10 * time.Millisecond, Budget: 8 * time.Millisecond}

	require.NoError(t, s.Admit(NewThread(1, 1, ClassDL, params, nil)))
	// Does not fit on core 0; lands on core 1.
	require.NoError(t, s.Admit(NewThread(2, 1, ClassDL, params, nil)))

	assert.InDelta(t, 0.8, s.Utilization(0), 1e-9)
	assert.InDelta(t, 0.8, s.Utilization(1), 1e-9)

	// Nothing fits anywhere now.
	th := NewThread(3, 1, ClassDL, params, nil)
	assert.ErrorIs(t, s.Admit(th), errdefs.ErrAdmissionRejected)
}

func TestPrecedes(t *testing.T) {
	now := time.Now()
	rtHigh := NewThread(1, 1, ClassRT, Params{Priority: 10}, nil)
	rtLow := NewThread(2, 1, ClassRT, Params{Priority: 2}, nil)
	dlSoon := NewThread(3, 1, ClassDL, Params{}, nil)
	dlSoon.deadline = now.Add(time.Millisecond)
	dlLate := NewThread(4, 1, ClassDL, Params{}, nil)
	dlLate.deadline = now.Add(time.Second)
	be := NewThread(5, 1, ClassBE, Params{}, nil)

	assert.True(t, precedes(rtLow, dlSoon))
	assert.True(t, precedes(rtLow, be))
	assert.True(t, precedes(dlLate, be))
	assert.True(t, precedes(rtHigh, rtLow))
	assert.False(t, precedes(rtLow, rtHigh))
	assert.True(t, precedes(dlSoon, dlLate))
	assert.False(t, precedes(be, be))

	// A throttled DL thread competes as best effort.
	dlSoon.throttled = true
	assert.False(t, precedes(dlSoon, dlLate))
	assert.False(t, precedes(dlSoon, be))
}

func TestDequeueOrdering(t *testing.T) {
	s := New(Config{Cores: 1}, nil)
	body := func(ctx context.Context) Step { return Step{Action: ActionYield} }

	be := NewThread(1, 1, ClassBE, Params{}, body)
	dl := NewThread(2, 1, ClassDL, Params{Period: 10 * time.Millisecond, Budget: time.Millisecond}, body)
	rt := NewThread(3, 1, ClassRT, Params{Priority: 4}, body)

	s.Ready(be)
	require.NoError(t, s.Admit(dl))
	s.Ready(rt)

	c := s.cores[0]
	assert.Same(t, rt, s.dequeue(c))
	assert.Same(t, dl, s.dequeue(c))
	assert.Same(t, be, s.dequeue(c))
	assert.Nil(t, s.dequeue(c))
}

func TestRTLevelFIFO(t *testing.T) {
	s := New(Config{Cores: 1}, nil)
	body := func(ctx context.Context) Step { return Step{Action: ActionYield} }

	first := NewThread(1, 1, ClassRT, Params{Priority: 5}, body)
	second := NewThread(2, 1, ClassRT, Params{Priority: 5}, body)
	higher := NewThread(3, 1, ClassRT, Params{Priority: 9}, body)

	s.Ready(first)
	s.Ready(second)
	s.Ready(higher)

	c := s.cores[0]
	assert.Same(t, higher, s.dequeue(c))
	assert.Same(t, first, s.dequeue(c))
	assert.Same(t, second, s.dequeue(c))
}

func TestDispatcherRunsBEThread(t *testing.T) {
	s := New(Config{Cores: 1, BEQuantum: time.Millisecond}, nil)

	var steps atomic.Int32
	done := make(chan struct{})
	th := NewThread(1, 1, ClassBE, Params{}, func(ctx context.Context) Step {
		if steps.Add(1) >= 3 {
			close(done)
			return Step{Action: ActionExit}
		}
		return Step{Action: ActionYield}
	})
	s.Ready(th)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("thread never ran to completion")
	}
	cancel()
	require.NoError(t, <-runDone)

	assert.Equal(t, StateExited, th.State())
	assert.GreaterOrEqual(t, s.Ring().Total(), uint64(3))
}

func TestDispatcherBlockAndWake(t *testing.T) {
	s := New(Config{Cores: 1, BEQuantum: time.Millisecond}, nil)

	wake := make(chan struct{})
	resumed := make(chan struct{})
	var phase atomic.Int32
	th := NewThread(1, 1, ClassBE, Params{}, func(ctx context.Context) Step {
		switch phase.Add(1) {
		case 1:
			return Step{Action: ActionBlock, Wake: wake}
		default:
			close(resumed)
			return Step{Action: ActionExit}
		}
	})
	s.Ready(th)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	// Let it block, then fire the wake condition.
	require.Eventually(t, func() bool { return th.State() == StateBlocked }, time.Second, time.Millisecond)
	close(wake)

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked thread was not re-dispatched after wake")
	}
	cancel()
	require.NoError(t, <-runDone)
}

func TestRTPreemptsRunningBE(t *testing.T) {
	// An RT thread becoming ready preempts a running BE thread within
	// a bounded, measurable latency.
	s := New(Config{Cores: 1, BEQuantum: time.Second}, nil)

	rtRan := make(chan time.Time, 1)
	beSpinning := make(chan struct{})
	var once atomic.Bool

	be := NewThread(1, 1, ClassBE, Params{}, func(ctx context.Context) Step {
		if once.CompareAndSwap(false, true) {
			close(beSpinning)
		}
		// Busy loop with a preemption point.
		for {
			select {
			case <-ctx.Done():
				return Step{Action: ActionYield}
			case <-time.After(100 * time.Microsecond):
			}
		}
	})
	rt := NewThread(2, 1, ClassRT, Params{Priority: 8}, func(ctx context.Context) Step {
		select {
		case rtRan <- time.Now():
		default:
		}
		return Step{Action: ActionExit}
	})

	s.Ready(be)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	<-beSpinning
	readyAt := time.Now()
	s.Ready(rt)

	select {
	case ranAt := <-rtRan:
		assert.Less(t, ranAt.Sub(readyAt), time.Second, "preemption latency unbounded")
	case <-time.After(2 * time.Second):
		t.Fatal("RT thread never preempted the running BE thread")
	}
	cancel()
	require.NoError(t, <-runDone)

	assert.GreaterOrEqual(t, s.StatsSnapshot().Preemptions, uint64(1))
}

func TestDLBudgetOverrunThrottles(t *testing.T) {
	s := New(Config{Cores: 1, BEQuantum: time.Millisecond}, nil)

	exhausted := make(chan struct{})
	var fired atomic.Bool
	th := NewThread(1, 1, ClassDL, Params{Period: 500 * time.Millisecond, Budget: 2 * time.Millisecond},
		func(ctx context.Context) Step {
			// Overrun the declared budget.
			time.Sleep(5 * time.Millisecond)
			if fired.CompareAndSwap(false, true) {
				close(exhausted)
			}
			return Step{Action: ActionYield}
		})
	require.NoError(t, s.Admit(th))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	<-exhausted
	require.Eventually(t, func() bool { return th.Misses() >= 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-runDone)

	// Throttled, demoted, never killed.
	assert.NotEqual(t, StateExited, th.State())
	assert.GreaterOrEqual(t, s.StatsSnapshot().Misses, uint64(1))
}

func TestSetParamsReadmission(t *testing.T) {
	s := New(Config{Cores: 1, UtilizationCap: 1.0}, nil)
	full := Params{Period: 10 * time.Millisecond, Budget: 10 * time.Millisecond}

	a := NewThread(1, 1, ClassDL, full, nil)
	require.NoError(t, s.Admit(a))

	// Upgrading a BE thread into a saturated core is rejected and the
	// thread keeps its previous parameters.
	b := NewThread(2, 1, ClassBE, Params{}, nil)
	s.Ready(b)
	err := s.SetParams(b, ClassDL, Params{Period: 10 * time.Millisecond, Budget: 5 * time.Millisecond})
	assert.ErrorIs(t, err, errdefs.ErrAdmissionRejected)
	assert.Equal(t, ClassBE, b.Class())

	// Shrinking the running reservation frees room.
	require.NoError(t, s.SetParams(a, ClassDL, Params{Period: 10 * time.Millisecond, Budget: 2 * time.Millisecond}))
	require.NoError(t, s.SetParams(b, ClassDL, Params{Period: 10 * time.Millisecond, Budget: 5 * time.Millisecond}))
	assert.Equal(t, ClassDL, b.Class())
}

func TestSetParamsOnRunningThreadNeverOverlaps(t *testing.T) {
	// A parameter change against a running thread must wait for the
	// dispatch boundary; requeueing it early would let a second core
	// execute the same body concurrently.
	s := New(Config{Cores: 2, BEQuantum: time.Millisecond}, nil)

	var inBody atomic.Int32
	var overlaps atomic.Int32
	th := NewThread(1, 1, ClassBE, Params{}, func(ctx context.Context) Step {
		if inBody.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(200 * time.Microsecond)
		inBody.Add(-1)
		return Step{Action: ActionYield}
	})
	s.Ready(th)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	deadline := time.Now().Add(50 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		if i%2 == 0 {
			require.NoError(t, s.SetParams(th, ClassRT, Params{Priority: i % NumRTPriorities}))
		} else {
			require.NoError(t, s.SetParams(th, ClassBE, Params{Weight: 1 + i%3}))
		}
	}
	cancel()
	require.NoError(t, <-runDone)

	assert.Zero(t, overlaps.Load(), "thread body ran on two cores at once")
}

func TestSetParamsOnBlockedThreadDefersRequeue(t *testing.T) {
	s := New(Config{Cores: 1, BEQuantum: time.Millisecond}, nil)

	wake := make(chan struct{})
	var steps atomic.Int32
	th := NewThread(1, 1, ClassBE, Params{}, func(ctx context.Context) Step {
		if steps.Add(1) == 1 {
			return Step{Action: ActionBlock, Wake: wake}
		}
		return Step{Action: ActionExit}
	})
	s.Ready(th)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return th.State() == StateBlocked }, time.Second, time.Millisecond)

	// The change is staged, not applied: the thread stays blocked with
	// its current class until the wake condition fires.
	require.NoError(t, s.SetParams(th, ClassRT, Params{Priority: 7}))
	assert.Equal(t, StateBlocked, th.State())
	assert.Equal(t, ClassBE, th.Class())

	close(wake)
	require.Eventually(t, func() bool { return th.State() == StateExited }, time.Second, time.Millisecond)
	assert.Equal(t, ClassRT, th.Class())

	cancel()
	require.NoError(t, <-runDone)
}

func TestSuspendDuringStepIsNotRequeued(t *testing.T) {
	s := New(Config{Cores: 1, BEQuantum: time.Millisecond}, nil)

	inStep := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	var steps atomic.Int32
	th := NewThread(1, 1, ClassBE, Params{}, func(ctx context.Context) Step {
		steps.Add(1)
		if once.CompareAndSwap(false, true) {
			close(inStep)
			<-release
		}
		return Step{Action: ActionYield}
	})
	s.Ready(th)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx) }()

	<-inStep
	s.Suspend(th)
	close(release)

	// The returning step must not put a suspended thread back in the
	// ready set.
	require.Eventually(t, func() bool { return th.State() == StateSuspended }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), steps.Load(), "suspended thread was dispatched again")
	assert.Equal(t, StateSuspended, th.State())

	cancel()
	require.NoError(t, <-runDone)
}

func TestRingSnapshot(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Record(Event{Thread: types.ThreadID(i)})
	}

	events := r.Snapshot(0)
	require.Len(t, events, 3)
	assert.Equal(t, types.ThreadID(3), events[0].Thread)
	assert.Equal(t, types.ThreadID(5), events[2].Thread)

	events = r.Snapshot(2)
	require.Len(t, events, 2)
	assert.Equal(t, types.ThreadID(4), events[0].Thread)
	assert.Equal(t, uint64(5), r.Total())
}

func TestExternallyDrivenThreadStates(t *testing.T) {
	// Threads without a body are driven by their caller's goroutine;
	// the scheduler tracks their state machine only.
	s := New(Config{Cores: 1}, nil)
	th := NewThread(1, 1, ClassBE, Params{}, nil)

	s.Ready(th)
	assert.Equal(t, StateReady, th.State())

	s.Block(th, "port_recv")
	assert.Equal(t, StateBlocked, th.State())
	assert.Equal(t, "port_recv", th.WaitReason())

	s.Ready(th)
	assert.Equal(t, StateReady, th.State())

	s.Exit(th)
	assert.Equal(t, StateExited, th.State())

	// Ready after exit stays exited.
	s.Ready(th)
	assert.Equal(t, StateExited, th.State())
}
