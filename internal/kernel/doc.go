// Package kernel wires the subsystems behind the operation-call
// boundary: handle resolution against the caller's capability table,
// rights checks before any mutation, and the fixed enumerable op set
// exposed both as typed methods and through Invoke.
package kernel
