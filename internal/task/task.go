package task

import (
	"sync"
	"time"

	"github.com/CopperlineOS/exec-rt/internal/captable"
	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Quotas bounds a task's resource consumption. Zero means unlimited.
type Quotas struct {
	// MaxMemory bounds the bytes of mapped regions.
	MaxMemory int64 `json:"max_memory,omitempty"`
	// MaxHandles bounds the capability table size.
	MaxHandles int `json:"max_handles,omitempty"`
	// MaxTasks bounds how many live children the task may create.
	MaxTasks int `json:"max_tasks,omitempty"`
	// CPUBudget is the advisory accumulated-runtime allowance,
	// surfaced through telemetry; hard CPU reservation belongs to the
	// DL scheduling class.
	CPUBudget time.Duration `json:"cpu_budget,omitempty"`
}

// Region is one address-space entry: either anonymous task memory or
// a window established by a grant mapping.
type Region struct {
	ID    uint32       `json:"id"`
	Size  int64        `json:"size"`
	Perms types.Rights `json:"perms"`

	// release tears down the backing (grant unmap); nil for
	// anonymous regions.
	release func()
}

// ownedObject is a kernel object the task owns, remembered so
// destruction can cascade. close poisons waiters with the cascade
// error before the registry revoke invalidates capabilities.
type ownedObject struct {
	ref   captable.Ref
	close func(error)
}

// Task is one protection domain: an address space, threads, a
// capability table, and quotas.
type Task struct {
	ID     types.TaskID
	Name   string
	Parent types.TaskID

	Caps *captable.Table
	ref  captable.Ref

	quotas Quotas

	mu         sync.Mutex
	regions    map[uint32]*Region
	nextRegion uint32
	memUsed    int64
	threads    map[types.ThreadID]*sched.Thread
	owned      []ownedObject
	supervisor FaultSink
	children   int
	destroyed  bool
}

// FaultSink receives fault-report messages for a task. The supervisor
// port fulfils this; the indirection keeps the task package free of a
// port dependency.
type FaultSink interface {
	Publish(payload []byte, tag uint32, from types.TaskID) error
}

// Ref returns the task's own registry reference.
func (t *Task) Ref() captable.Ref { return t.ref }

// Quotas returns the task's limits.
func (t *Task) Quotas() Quotas { return t.quotas }

// MemUsed returns mapped bytes.
func (t *Task) MemUsed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memUsed
}

// Destroyed reports whether the task has been torn down.
func (t *Task) Destroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// Threads returns the task's live thread records.
func (t *Task) Threads() []*sched.Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*sched.Thread, 0, len(t.threads))
	for _, th := range t.threads {
		out = append(out, th)
	}
	return out
}

// AddOwned records an owned kernel object for the destruction
// cascade. close may be nil.
func (t *Task) AddOwned(ref captable.Ref, close func(error)) {
	t.mu.Lock()
	t.owned = append(t.owned, ownedObject{ref: ref, close: close})
	t.mu.Unlock()
}

// SetSupervisor registers the fault-report sink.
func (t *Task) SetSupervisor(sink FaultSink) {
	t.mu.Lock()
	t.supervisor = sink
	t.mu.Unlock()
}

// Runtime sums accumulated run time across the task's threads.
func (t *Task) Runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum time.Duration
	for _, th := range t.threads {
		sum += th.Runtime()
	}
	return sum
}

// MapRegion reserves size bytes of anonymous address space, subject
// to the memory quota.
func (t *Task) MapRegion(size int64, perms types.Rights) (*Region, error) {
	return t.mapRegion(size, perms, nil)
}

// MapGrantRegion enters a grant-backed window into the address space;
// release runs on unmap and on destruction.
func (t *Task) MapGrantRegion(size int64, perms types.Rights, release func()) (*Region, error) {
	return t.mapRegion(size, perms, release)
}

func (t *Task) mapRegion(size int64, perms types.Rights, release func()) (*Region, error) {
	if size <= 0 {
		return nil, errdefs.ErrOutOfMemory
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return nil, errdefs.ErrTaskDestroyed
	}
	if t.quotas.MaxMemory > 0 && t.memUsed+size > t.quotas.MaxMemory {
		return nil, errdefs.ErrQuotaExceeded
	}
	t.nextRegion++
	r := &Region{ID: t.nextRegion, Size: size, Perms: perms, release: release}
	t.regions[r.ID] = r
	t.memUsed += size
	return r, nil
}

// UnmapRegion removes a region and refunds its quota charge.
func (t *Task) UnmapRegion(id uint32) error {
	t.mu.Lock()
	r, ok := t.regions[id]
	if !ok {
		t.mu.Unlock()
		return errdefs.ErrNotFound
	}
	delete(t.regions, id)
	t.memUsed -= r.Size
	t.mu.Unlock()
	if r.release != nil {
		r.release()
	}
	return nil
}

// Regions snapshots the address-space map.
func (t *Task) Regions() []Region {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Region, 0, len(t.regions))
	for _, r := range t.regions {
		out = append(out, *r)
	}
	return out
}
