package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopperlineOS/exec-rt/internal/captable"
	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

func newManager(t *testing.T) (*Manager, *captable.Registry) {
	t.Helper()
	reg := captable.NewRegistry()
	s := sched.New(sched.Config{Cores: 1}, nil)
	return NewManager(reg, s, nil, nil), reg
}

func TestCreateTask(t *testing.T) {
	m, reg := newManager(t)

	root, err := m.Create(nil, "root", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	require.NoError(t, err)
	assert.Equal(t, types.TaskID(1), root.ID)
	assert.NoError(t, reg.Validate(root.Ref()))

	threads := root.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, sched.StateReady, threads[0].State())
	assert.Equal(t, 1, m.Count())
}

func TestCreateChildChargedAgainstQuota(t *testing.T) {
	m, _ := newManager(t)
	parent, err := m.Create(nil, "supervisor", sched.ClassBE, sched.Params{}, Quotas{MaxTasks: 1}, nil)
	require.NoError(t, err)

	child, err := m.Create(parent, "driver", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, child.Parent)

	_, err = m.Create(parent, "another", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	assert.ErrorIs(t, err, errdefs.ErrQuotaExceeded)

	// Destroying the child refunds the slot.
	m.Destroy(child)
	_, err = m.Create(parent, "again", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	assert.NoError(t, err)
}

func TestCreateDLTaskAdmission(t *testing.T) {
	m, _ := newManager(t)
	params := sched.Params{Period: 10 * time.Millisecond, Budget: 10 * time.Millisecond}

	_, err := m.Create(nil, "dl-full", sched.ClassDL, params, Quotas{}, nil)
	require.NoError(t, err)

	// The core is saturated; a second full reservation is rejected
	// and no half-created task remains.
	_, err = m.Create(nil, "dl-reject", sched.ClassDL, params, Quotas{}, nil)
	assert.ErrorIs(t, err, errdefs.ErrAdmissionRejected)
	assert.Equal(t, 1, m.Count())
}

func TestMapRegionQuota(t *testing.T) {
	m, _ := newManager(t)
	task, err := m.Create(nil, "t", sched.ClassBE, sched.Params{}, Quotas{MaxMemory: 8192}, nil)
	require.NoError(t, err)

	r1, err := task.MapRegion(4096, types.RightRead|types.RightWrite)
	require.NoError(t, err)
	_, err = task.MapRegion(4096, types.RightRead)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), task.MemUsed())

	_, err = task.MapRegion(1, types.RightRead)
	assert.ErrorIs(t, err, errdefs.ErrQuotaExceeded)

	// Unmap refunds quota.
	require.NoError(t, task.UnmapRegion(r1.ID))
	assert.Equal(t, int64(4096), task.MemUsed())
	_, err = task.MapRegion(4096, types.RightRead)
	assert.NoError(t, err)

	assert.ErrorIs(t, task.UnmapRegion(999), errdefs.ErrNotFound)
}

func TestHandleQuotaFlowsIntoCapTable(t *testing.T) {
	m, reg := newManager(t)
	task, err := m.Create(nil, "t", sched.ClassBE, sched.Params{}, Quotas{MaxHandles: 1}, nil)
	require.NoError(t, err)

	ref := reg.Register(types.KindPort, "p")
	c := captable.Capability{Kind: types.KindPort, Ref: ref, Rights: types.RightSend}
	_, err = task.Caps.Insert(c)
	require.NoError(t, err)
	_, err = task.Caps.Insert(c)
	assert.ErrorIs(t, err, errdefs.ErrQuotaExceeded)
}

type sinkStub struct {
	published [][]byte
	fail      bool
}

func (s *sinkStub) Publish(payload []byte, tag uint32, from types.TaskID) error {
	if s.fail {
		return errdefs.ErrFull
	}
	s.published = append(s.published, payload)
	return nil
}

func TestReportFaultToSupervisor(t *testing.T) {
	m, _ := newManager(t)
	task, err := m.Create(nil, "t", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	require.NoError(t, err)
	th := task.Threads()[0]

	sink := &sinkStub{}
	task.SetSupervisor(sink)

	m.ReportFault(task, th, []byte("page fault at 0xdead"))

	// Faulting thread suspended, task alive, report delivered.
	assert.Equal(t, sched.StateSuspended, th.State())
	assert.False(t, task.Destroyed())
	require.Len(t, sink.published, 1)
	assert.Equal(t, "page fault at 0xdead", string(sink.published[0]))
}

func TestReportFaultWithoutSupervisorTerminates(t *testing.T) {
	m, _ := newManager(t)
	task, err := m.Create(nil, "t", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	require.NoError(t, err)
	th := task.Threads()[0]

	m.ReportFault(task, th, []byte("invalid capability trap"))

	assert.True(t, task.Destroyed())
	assert.Equal(t, 0, m.Count())
}

func TestReportFaultSupervisorFullTerminates(t *testing.T) {
	m, _ := newManager(t)
	task, err := m.Create(nil, "t", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	require.NoError(t, err)
	task.SetSupervisor(&sinkStub{fail: true})

	m.ReportFault(task, task.Threads()[0], []byte("fault"))
	assert.True(t, task.Destroyed())
}

func TestDestroyCascade(t *testing.T) {
	m, reg := newManager(t)
	task, err := m.Create(nil, "t", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	require.NoError(t, err)
	th := task.Threads()[0]

	portRef := reg.Register(types.KindPort, "owned-port")
	var closedWith error
	task.AddOwned(portRef, func(err error) { closedWith = err })

	released := false
	_, err = task.MapGrantRegion(4096, types.RightRead, func() { released = true })
	require.NoError(t, err)

	m.Destroy(task)

	// Owned objects poisoned then revoked, regions released, threads
	// off the scheduler, self reference dead.
	assert.ErrorIs(t, closedWith, errdefs.ErrClosedPeer)
	assert.ErrorIs(t, reg.Validate(portRef), errdefs.ErrRevoked)
	assert.True(t, released)
	assert.Equal(t, sched.StateExited, th.State())
	assert.ErrorIs(t, reg.Validate(task.Ref()), errdefs.ErrRevoked)
	assert.Equal(t, 0, m.Count())

	// Idempotent.
	m.Destroy(task)

	// Operations on a destroyed task fail cleanly.
	_, err = task.MapRegion(16, types.RightRead)
	assert.ErrorIs(t, err, errdefs.ErrTaskDestroyed)
	_, err = m.SpawnThread(task, sched.ClassBE, sched.Params{}, nil)
	assert.ErrorIs(t, err, errdefs.ErrTaskDestroyed)
}

func TestSpawnThread(t *testing.T) {
	m, _ := newManager(t)
	task, err := m.Create(nil, "t", sched.ClassBE, sched.Params{}, Quotas{}, nil)
	require.NoError(t, err)

	th, err := m.SpawnThread(task, sched.ClassRT, sched.Params{Priority: 7}, nil)
	require.NoError(t, err)
	assert.Equal(t, sched.ClassRT, th.Class())
	assert.Len(t, task.Threads(), 2)
}
