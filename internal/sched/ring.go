package sched

import (
	"sync"
	"time"

	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Event records one dispatch: which thread ran, where, for how long,
// and whether it missed its deadline or was preempted during the
// slice.
type Event struct {
	Thread         types.ThreadID `json:"thread"`
	Task           types.TaskID   `json:"task"`
	Core           types.CoreID   `json:"core"`
	Class          Class          `json:"class"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	DeadlineMissed bool           `json:"deadline_missed"`
	Preempted      bool           `json:"preempted"`
}

// Ring is the fixed-size dispatch-event log queried through the
// telemetry capability. Old events are overwritten; the ring never
// grows.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
	total uint64
}

// NewRing creates a ring holding size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1024
	}
	return &Ring{buf: make([]Event, size)}
}

// Record appends an event, overwriting the oldest once full.
func (r *Ring) Record(ev Event) {
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++
	r.mu.Unlock()
}

// Snapshot returns up to limit most recent events, oldest first.
// limit <= 0 returns everything retained.
func (r *Ring) Snapshot(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Total returns how many events have ever been recorded.
func (r *Ring) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
