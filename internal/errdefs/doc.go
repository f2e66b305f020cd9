// Package errdefs defines the kernel error taxonomy.
//
// Every kernel operation returns a typed error from this package (or
// nil); callers decide retry or abort. The four classes:
//
//   - capability: NotFound, PermissionDenied, Revoked
//   - resource: QuotaExceeded, Full, OutOfMemory
//   - timing: TimedOut, DeadlineMissed (advisory), AdmissionRejected
//   - protocol: InvalidMessage, ClosedPeer, TaskDestroyed
//
// All four classes are recoverable and reported synchronously. Errors
// outside the taxonomy are internal invariant violations and fatal to
// the offending task or core only.
package errdefs
