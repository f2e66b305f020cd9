package captable

import (
	"sync"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Capability is an unforgeable token: an object reference plus the
// rights the holder may exercise over it. Capabilities live inside a
// task's Table and are only ever named by task-local handles.
type Capability struct {
	Kind   types.Kind   `json:"kind"`
	Ref    Ref          `json:"ref"`
	Rights types.Rights `json:"rights"`
}

// Table is one task's capability table. Handles index into it; handle
// 0 is never issued.
type Table struct {
	registry *Registry

	mu         sync.Mutex
	caps       map[types.Handle]Capability
	next       types.Handle
	maxHandles int
}

// NewTable creates a capability table bound to the shared registry.
// maxHandles <= 0 means unlimited.
func NewTable(registry *Registry, maxHandles int) *Table {
	return &Table{
		registry:   registry,
		caps:       make(map[types.Handle]Capability),
		next:       1,
		maxHandles: maxHandles,
	}
}

// Insert adds a capability and returns its new handle. It fails
// ErrQuotaExceeded once the task's handle quota is reached.
func (t *Table) Insert(c Capability) (types.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(c)
}

// Get returns the capability behind h.
func (t *Table) Get(h types.Handle) (Capability, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.caps[h]
	if !ok {
		return Capability{}, errdefs.ErrNotFound
	}
	return c, nil
}

// Resolve validates h against the registry and checks that the
// capability grants want. The generation check happens on every
// resolve, so a revoked object is dead from the caller's very next
// operation.
func (t *Table) Resolve(h types.Handle, want types.Rights) (Capability, error) {
	c, err := t.Get(h)
	if err != nil {
		return Capability{}, err
	}
	if err := t.registry.Validate(c.Ref); err != nil {
		return Capability{}, err
	}
	if !c.Rights.Contains(want) {
		return Capability{}, errdefs.ErrPermissionDenied
	}
	return c, nil
}

// Derive mints a new capability to the same object with rights mask.
// The mask must be a subset of the parent's rights: the lattice only
// ever descends.
func (t *Table) Derive(h types.Handle, mask types.Rights) (types.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.caps[h]
	if !ok {
		return 0, errdefs.ErrNotFound
	}
	if err := t.registry.Validate(parent.Ref); err != nil {
		return 0, err
	}
	if !parent.Rights.Contains(mask) {
		return 0, errdefs.ErrPermissionDenied
	}
	return t.insertLocked(Capability{Kind: parent.Kind, Ref: parent.Ref, Rights: mask})
}

// Remove deletes h and returns the capability it held. Used when a
// handle is moved into a message.
func (t *Table) Remove(h types.Handle) (Capability, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.caps[h]
	if !ok {
		return Capability{}, errdefs.ErrNotFound
	}
	delete(t.caps, h)
	return c, nil
}

// Attenuate returns a copy of c restricted to mask. The mask must be
// a subset of c's rights.
func Attenuate(c Capability, mask types.Rights) (Capability, error) {
	if !c.Rights.Contains(mask) {
		return Capability{}, errdefs.ErrPermissionDenied
	}
	c.Rights = mask
	return c, nil
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.caps)
}

// Clear drops every handle. Called on task destruction: the task's
// capabilities die with its table.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.caps = make(map[types.Handle]Capability)
}

func (t *Table) insertLocked(c Capability) (types.Handle, error) {
	if t.maxHandles > 0 && len(t.caps) >= t.maxHandles {
		return 0, errdefs.ErrQuotaExceeded
	}
	h := t.next
	t.next++
	t.caps[h] = c
	return h, nil
}
