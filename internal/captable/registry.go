package captable

import (
	"sync"
	"sync/atomic"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Ref is a generation-tagged index into the object registry. Refs are
// how capabilities name kernel objects: never pointers, so a recycled
// slot can never be impersonated.
type Ref struct {
	Index uint32           `json:"index"`
	Gen   types.Generation `json:"gen"`
}

// Revocable objects are signalled after their registry slot is marked
// dead, so they can wake blocked waiters. The mark happens first; by
// the time OnRevoke runs, no Resolve can succeed against the old
// generation.
type Revocable interface {
	OnRevoke()
}

// slot generations are even when dead, odd when live. Register bumps
// the generation to odd, Revoke to even, both with a single atomic
// store, so a validation decided by one atomic load has no window in
// which a stale capability appears valid.
type slot struct {
	gen  atomic.Uint32
	kind types.Kind
	obj  any
}

// Registry is the flat object table shared by all tasks.
type Registry struct {
	mu    sync.RWMutex
	slots []*slot
	free  []uint32
}

// NewRegistry creates an empty object registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register assigns obj a slot and returns its generation-tagged ref.
func (r *Registry) Register(kind types.Kind, obj any) Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, &slot{})
		idx = uint32(len(r.slots) - 1)
	}

	s := r.slots[idx]
	s.kind = kind
	s.obj = obj
	gen := s.gen.Load() + 1 // even -> odd: live
	s.gen.Store(gen)
	return Ref{Index: idx, Gen: types.Generation(gen)}
}

// Resolve returns the live object named by ref. It fails ErrRevoked if
// the slot has moved past ref's generation and ErrNotFound if ref
// never named a live object.
func (r *Registry) Resolve(ref Ref) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.lookupLocked(ref)
	if err != nil {
		return nil, err
	}
	return s.obj, nil
}

// Kind returns the object kind behind ref, if it is still live.
func (r *Registry) Kind(ref Ref) (types.Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, err := r.lookupLocked(ref)
	if err != nil {
		return 0, err
	}
	return s.kind, nil
}

// Validate checks ref without touching the object.
func (r *Registry) Validate(ref Ref) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.lookupLocked(ref)
	return err
}

// Revoke marks ref's slot dead and recycles it. Revocation is O(1):
// descendants are never enumerated, they simply fail validation on
// their next use. The returned object lets the caller cascade;
// Revocable objects are signalled here, after the mark.
func (r *Registry) Revoke(ref Ref) (any, error) {
	r.mu.Lock()
	s, err := r.lookupLocked(ref)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	obj := s.obj
	s.obj = nil
	s.gen.Store(uint32(ref.Gen) + 1) // odd -> even: dead
	r.free = append(r.free, ref.Index)
	r.mu.Unlock()

	if rv, ok := obj.(Revocable); ok {
		rv.OnRevoke()
	}
	return obj, nil
}

// Live returns the number of live slots. Telemetry only.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.slots {
		if s.gen.Load()%2 == 1 {
			n++
		}
	}
	return n
}

func (r *Registry) lookupLocked(ref Ref) (*slot, error) {
	if int(ref.Index) >= len(r.slots) || ref.Gen == 0 {
		return nil, errdefs.ErrNotFound
	}
	s := r.slots[ref.Index]
	gen := s.gen.Load()
	switch {
	case gen == uint32(ref.Gen) && gen%2 == 1:
		return s, nil
	case gen > uint32(ref.Gen):
		return nil, errdefs.ErrRevoked
	default:
		return nil, errdefs.ErrNotFound
	}
}
