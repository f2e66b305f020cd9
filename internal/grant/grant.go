package grant

import (
	"sync"
	"sync/atomic"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// MaxSize bounds a single grant's backing region.
const MaxSize = 16 << 20 // 16 MiB

// PermMask is the set of rights a grant can confer through a mapping.
const PermMask = types.RightRead | types.RightWrite

// Grant is a capability-governed shared-memory region. The descriptor
// is immutable after creation: owner, size, and maximum permission
// mask never change. Mappings share the one backing buffer, so data
// written through one mapping is visible through all others without
// copying.
//
// Revocation is mark-then-signal: the revoked flag is set first (one
// atomic store), then every existing mapping faults on its next
// access check. No mapper observes stale validity, and no core blocks
// on a remote lock to find out.
type Grant struct {
	owner    types.TaskID
	size     int
	maxPerms types.Rights

	// data holds the backing buffer behind one pointer so access paths
	// pin it with a single atomic load; a concurrent teardown can then
	// never release it mid-copy. Set nil once the owner has revoked and
	// the last mapping is gone.
	data atomic.Pointer[[]byte]

	revoked atomic.Bool

	mu            sync.Mutex
	mappings      map[uint64]*Mapping
	nextMappingID uint64
	ownerReleased bool
}

// Mapping is one task's window onto a grant, restricted to the
// permissions requested at map time.
type Mapping struct {
	id     uint64
	task   types.TaskID
	perms  types.Rights
	grant  *Grant
	active atomic.Bool
}

// New registers a region of size bytes with the given maximum
// permission mask. Bits outside PermMask are rejected.
func New(owner types.TaskID, size int, maxPerms types.Rights) (*Grant, error) {
	if size <= 0 || size > MaxSize {
		return nil, errdefs.ErrOutOfMemory
	}
	if !PermMask.Contains(maxPerms) || maxPerms == 0 {
		return nil, errdefs.ErrPermissionDenied
	}
	g := &Grant{
		owner:    owner,
		size:     size,
		maxPerms: maxPerms,
		mappings: make(map[uint64]*Mapping),
	}
	buf := make([]byte, size)
	g.data.Store(&buf)
	return g, nil
}

// Owner returns the owning task.
func (g *Grant) Owner() types.TaskID { return g.owner }

// Size returns the region size in bytes.
func (g *Grant) Size() int { return g.size }

// MaxPerms returns the maximum permission mask.
func (g *Grant) MaxPerms() types.Rights { return g.maxPerms }

// Map creates a mapping for task with perms. Mapped permissions are
// always a subset of the grant's maximum; a wider request fails
// ErrPermissionDenied. Any number of tasks may map concurrently.
func (g *Grant) Map(task types.TaskID, perms types.Rights) (*Mapping, error) {
	if g.revoked.Load() {
		return nil, errdefs.ErrRevoked
	}
	if !g.maxPerms.Contains(perms) || perms == 0 {
		return nil, errdefs.ErrPermissionDenied
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextMappingID++
	m := &Mapping{id: g.nextMappingID, task: task, perms: perms, grant: g}
	m.active.Store(true)
	g.mappings[m.id] = m
	return m, nil
}

// Unmap tears down one mapping. Other mappings are unaffected.
func (g *Grant) Unmap(m *Mapping) {
	if !m.active.CompareAndSwap(true, false) {
		return
	}
	g.mu.Lock()
	delete(g.mappings, m.id)
	g.maybeReleaseLocked()
	g.mu.Unlock()
}

// OnRevoke marks the grant dead. Existing mappings fault on their
// next access; the backing buffer is freed once the last mapping is
// torn down.
func (g *Grant) OnRevoke() {
	g.revoked.Store(true)
	g.mu.Lock()
	g.ownerReleased = true
	g.maybeReleaseLocked()
	g.mu.Unlock()
}

// Mappings returns the live mapping count. Telemetry only.
func (g *Grant) Mappings() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.mappings)
}

// Revoked reports whether the grant has been revoked.
func (g *Grant) Revoked() bool { return g.revoked.Load() }

// maybeReleaseLocked frees the backing buffer once the owner has
// revoked and every mapping is gone; the grant's lifetime is the
// longer of the two.
func (g *Grant) maybeReleaseLocked() {
	if g.ownerReleased && len(g.mappings) == 0 {
		g.data.Store(nil)
	}
}

// Task returns the mapping's task.
func (m *Mapping) Task() types.TaskID { return m.task }

// Perms returns the mapped permissions.
func (m *Mapping) Perms() types.Rights { return m.perms }

// Read copies len(buf) bytes starting at off into buf.
func (m *Mapping) Read(off int, buf []byte) error {
	data, err := m.check(types.RightRead, off, len(buf))
	if err != nil {
		return err
	}
	copy(buf, data[off:off+len(buf)])
	return nil
}

// Write copies data into the region starting at off. A write through
// a read-only mapping fails ErrPermissionDenied.
func (m *Mapping) Write(off int, data []byte) error {
	dst, err := m.check(types.RightWrite, off, len(data))
	if err != nil {
		return err
	}
	copy(dst[off:off+len(data)], data)
	return nil
}

// check is the per-access fault path: revocation and unmap are
// observed here, before any byte moves. The returned slice pins the
// backing buffer for the duration of the copy.
func (m *Mapping) check(want types.Rights, off, n int) ([]byte, error) {
	if m.grant.revoked.Load() || !m.active.Load() {
		return nil, errdefs.ErrRevoked
	}
	if !m.perms.Contains(want) {
		return nil, errdefs.ErrPermissionDenied
	}
	if off < 0 || n < 0 || off+n > m.grant.size {
		return nil, errdefs.ErrPermissionDenied
	}
	data := m.grant.data.Load()
	if data == nil {
		return nil, errdefs.ErrRevoked
	}
	return *data, nil
}
