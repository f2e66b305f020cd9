// Package grant implements capability-governed shared memory: an
// immutable region descriptor mappable into many tasks at once, with
// per-mapping permission masks and mark-then-signal revocation.
package grant
