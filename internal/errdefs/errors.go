package errdefs

import "errors"

// Capability errors.
var (
	ErrNotFound         = errors.New("capability not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRevoked          = errors.New("capability revoked")
)

// Resource errors.
var (
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrFull          = errors.New("queue full")
	ErrOutOfMemory   = errors.New("out of memory")
)

// Timing errors.
var (
	ErrTimedOut = errors.New("timed out")
	// ErrDeadlineMissed is advisory: the thread keeps running, demoted
	// until its next period boundary.
	ErrDeadlineMissed    = errors.New("deadline missed")
	ErrAdmissionRejected = errors.New("admission rejected")
)

// Protocol errors.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrClosedPeer     = errors.New("peer closed")
	ErrTaskDestroyed  = errors.New("task destroyed")
)

// Class buckets errors for metrics labels and propagation policy.
type Class string

const (
	ClassCapability Class = "capability"
	ClassResource   Class = "resource"
	ClassTiming     Class = "timing"
	ClassProtocol   Class = "protocol"
	ClassInternal   Class = "internal"
)

// ClassOf returns the taxonomy class of err. Unrecognized errors are
// internal: they indicate an invariant violation, not a caller mistake.
func ClassOf(err error) Class {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrRevoked):
		return ClassCapability
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrFull), errors.Is(err, ErrOutOfMemory):
		return ClassResource
	case errors.Is(err, ErrTimedOut), errors.Is(err, ErrDeadlineMissed), errors.Is(err, ErrAdmissionRejected):
		return ClassTiming
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrClosedPeer), errors.Is(err, ErrTaskDestroyed):
		return ClassProtocol
	default:
		return ClassInternal
	}
}

// Recoverable reports whether the caller may retry or handle err.
// Everything in the taxonomy is recoverable; internal errors are not.
func Recoverable(err error) bool {
	return ClassOf(err) != ClassInternal
}
