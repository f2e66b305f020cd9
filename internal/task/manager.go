package task

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/CopperlineOS/exec-rt/internal/captable"
	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// FaultTag marks fault-report messages enqueued to supervisor ports.
const FaultTag uint32 = 0xFA

// Observer receives task lifecycle events for metrics export.
type Observer interface {
	TaskCreated()
	TaskDestroyed()
	FaultReported()
}

// Manager owns task lifecycle: creation with quota charging, thread
// spawning, fault routing, and the destruction cascade.
type Manager struct {
	registry  *captable.Registry
	scheduler *sched.Scheduler
	log       *zap.Logger
	obs       Observer

	mu    sync.RWMutex
	tasks map[types.TaskID]*Task

	nextTask   atomic.Uint32
	nextThread atomic.Uint32
}

// NewManager creates a task manager. obs may be nil.
func NewManager(registry *captable.Registry, scheduler *sched.Scheduler, log *zap.Logger, obs Observer) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		registry:  registry,
		scheduler: scheduler,
		log:       log,
		obs:       obs,
		tasks:     make(map[types.TaskID]*Task),
	}
}

// Create builds a task with an empty address space and one initial
// thread, admitted to the scheduler in Ready state. creator is nil
// only for the root task; otherwise the child is charged against the
// creator's task quota.
func (m *Manager) Create(creator *Task, name string, class sched.Class, params sched.Params, quotas Quotas, body sched.StepFunc) (*Task, error) {
	var parent types.TaskID
	if creator != nil {
		creator.mu.Lock()
		if creator.destroyed {
			creator.mu.Unlock()
			return nil, errdefs.ErrTaskDestroyed
		}
		if creator.quotas.MaxTasks > 0 && creator.children >= creator.quotas.MaxTasks {
			creator.mu.Unlock()
			return nil, errdefs.ErrQuotaExceeded
		}
		creator.children++
		creator.mu.Unlock()
		parent = creator.ID
	}

	t := &Task{
		ID:      types.TaskID(m.nextTask.Add(1)),
		Name:    name,
		Parent:  parent,
		quotas:  quotas,
		regions: make(map[uint32]*Region),
		threads: make(map[types.ThreadID]*sched.Thread),
	}
	t.Caps = captable.NewTable(m.registry, quotas.MaxHandles)
	t.ref = m.registry.Register(types.KindTask, t)

	if _, err := m.SpawnThread(t, class, params, body); err != nil {
		_, _ = m.registry.Revoke(t.ref)
		if creator != nil {
			creator.mu.Lock()
			creator.children--
			creator.mu.Unlock()
		}
		return nil, err
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	if m.obs != nil {
		m.obs.TaskCreated()
	}
	m.log.Info("task created",
		zap.Uint32("task", uint32(t.ID)),
		zap.String("name", name),
		zap.String("class", class.String()))
	return t, nil
}

// SpawnThread adds a thread to t, running it through scheduler
// admission.
func (m *Manager) SpawnThread(t *Task, class sched.Class, params sched.Params, body sched.StepFunc) (*sched.Thread, error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, errdefs.ErrTaskDestroyed
	}
	t.mu.Unlock()

	th := sched.NewThread(types.ThreadID(m.nextThread.Add(1)), t.ID, class, params, body)
	if err := m.scheduler.Admit(th); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.threads[th.ID] = th
	t.mu.Unlock()
	return th, nil
}

// Get returns a live task.
func (m *Manager) Get(id types.TaskID) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errdefs.ErrNotFound
	}
	return t, nil
}

// List snapshots the live tasks.
func (m *Manager) List() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

// Count returns the live task count.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// ReportFault suspends the faulting thread and reports to the task's
// supervisor port. A task without a supervisor, or whose supervisor
// cannot accept the report, is terminated.
func (m *Manager) ReportFault(t *Task, th *sched.Thread, payload []byte) {
	m.scheduler.Suspend(th)

	t.mu.Lock()
	sink := t.supervisor
	t.mu.Unlock()

	if m.obs != nil {
		m.obs.FaultReported()
	}
	if sink != nil {
		if err := sink.Publish(payload, FaultTag, t.ID); err == nil {
			m.log.Warn("fault reported to supervisor",
				zap.Uint32("task", uint32(t.ID)),
				zap.Uint32("thread", uint32(th.ID)))
			return
		}
	}

	m.log.Error("unhandled fault, terminating task",
		zap.Uint32("task", uint32(t.ID)),
		zap.Uint32("thread", uint32(th.ID)))
	m.Destroy(t)
}

// Destroy tears a task down. The cascade: owned objects are poisoned
// (waiters unblock with ClosedPeer/TaskDestroyed) and revoked, every
// capability in the task's table dies with it, regions are unmapped,
// and all threads leave the ready sets.
func (m *Manager) Destroy(t *Task) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	owned := t.owned
	t.owned = nil
	regions := t.regions
	t.regions = map[uint32]*Region{}
	t.memUsed = 0
	threads := t.threads
	t.threads = map[types.ThreadID]*sched.Thread{}
	t.mu.Unlock()

	// Poison before revoke: blocked peers wake with the cascade
	// error, then the generation bump kills outstanding capabilities.
	for _, o := range owned {
		if o.close != nil {
			o.close(errdefs.ErrClosedPeer)
		}
		_, _ = m.registry.Revoke(o.ref)
	}
	for _, r := range regions {
		if r.release != nil {
			r.release()
		}
	}
	for _, th := range threads {
		m.scheduler.Exit(th)
	}
	t.Caps.Clear()
	_, _ = m.registry.Revoke(t.ref)

	m.mu.Lock()
	delete(m.tasks, t.ID)
	m.mu.Unlock()

	if parent, err := m.Get(t.Parent); err == nil {
		parent.mu.Lock()
		parent.children--
		parent.mu.Unlock()
	}
	if m.obs != nil {
		m.obs.TaskDestroyed()
	}
	m.log.Info("task destroyed", zap.Uint32("task", uint32(t.ID)), zap.String("name", t.Name))
}
