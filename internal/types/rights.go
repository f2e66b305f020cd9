package types

import "strings"

// Kind enumerates the kernel object kinds a capability may reference.
type Kind uint8

const (
	KindPort Kind = iota + 1
	KindGrant
	KindTask
	KindIrqLine
	KindNotification
	KindTelemetry
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindPort:
		return "port"
	case KindGrant:
		return "grant"
	case KindTask:
		return "task"
	case KindIrqLine:
		return "irqline"
	case KindNotification:
		return "notification"
	case KindTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// Rights is a bitmask over object operations. Rights form a lattice
// under subset ordering: derivation may only clear bits.
type Rights uint32

const (
	// RightSend permits enqueueing messages to a port.
	RightSend Rights = 1 << iota
	// RightRecv permits dequeuing messages from a port.
	RightRecv
	// RightRead permits read access through a grant mapping.
	RightRead
	// RightWrite permits write access through a grant mapping.
	RightWrite
	// RightMap permits mapping a grant into an address space.
	RightMap
	// RightSignal permits notify_set on a notification.
	RightSignal
	// RightWait permits notify_wait on a notification.
	RightWait
	// RightManage permits lifecycle operations on the object
	// (revoke, destroy, bind, scheduling-parameter changes).
	RightManage
	// RightTelemetry permits querying the dispatch-event ring.
	RightTelemetry
)

// RightsAll grants every defined right.
const RightsAll = RightSend | RightRecv | RightRead | RightWrite |
	RightMap | RightSignal | RightWait | RightManage | RightTelemetry

// Contains reports whether r includes every bit of want.
func (r Rights) Contains(want Rights) bool {
	return r&want == want
}

// Intersect returns the rights common to r and mask. Used when a
// sender attenuates a handle attached to a message.
func (r Rights) Intersect(mask Rights) Rights {
	return r & mask
}

// String renders the set bits as a pipe-joined list.
func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	names := []struct {
		bit  Rights
		name string
	}{
		{RightSend, "send"},
		{RightRecv, "recv"},
		{RightRead, "read"},
		{RightWrite, "write"},
		{RightMap, "map"},
		{RightSignal, "signal"},
		{RightWait, "wait"},
		{RightManage, "manage"},
		{RightTelemetry, "telemetry"},
	}
	var parts []string
	for _, n := range names {
		if r&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}
