package types

// TaskID identifies a task for the lifetime of the kernel.
type TaskID uint32

// ThreadID identifies a thread for the lifetime of the kernel.
type ThreadID uint32

// CoreID indexes a logical core's dispatch loop and ready set.
type CoreID int

// AnyCore marks a thread as migratable across cores.
const AnyCore CoreID = -1

// Generation tags an object-table slot incarnation. Capabilities store
// the generation observed at creation; a mismatch on resolve means the
// object was revoked or its slot recycled.
type Generation uint32

// Handle is a task-local index into that task's capability table.
// Handles are meaningless outside their owning task.
type Handle uint32

// NilHandle is never a valid capability table index.
const NilHandle Handle = 0
