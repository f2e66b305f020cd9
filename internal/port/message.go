package port

import (
	"github.com/CopperlineOS/exec-rt/internal/captable"
	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// MaxPayload bounds a message payload in bytes.
const MaxPayload = 4096

// MaxAttachedCaps bounds the number of handles a message may carry.
const MaxAttachedCaps = 8

// Message is the fixed-shape envelope moved through ports. Attached
// capabilities have already been removed from the sender's table
// (optionally attenuated) and are materialized into the receiver's
// table on delivery. Tag carries the device-operation variant for
// event routing.
type Message struct {
	Sender  types.TaskID          `json:"sender"`
	Tag     uint32                `json:"tag"`
	Payload []byte                `json:"payload"`
	Caps    []captable.Capability `json:"caps,omitempty"`
}

// Validate checks the envelope shape.
func (m *Message) Validate() error {
	if len(m.Payload) > MaxPayload {
		return errdefs.ErrInvalidMessage
	}
	if len(m.Caps) > MaxAttachedCaps {
		return errdefs.ErrInvalidMessage
	}
	return nil
}

// Filter selects which published events reach a subscription. Empty
// fields match everything.
type Filter struct {
	Tags    []uint32       `json:"tags,omitempty"`
	Senders []types.TaskID `json:"senders,omitempty"`
}

// Match reports whether msg passes the filter.
func (f Filter) Match(msg *Message) bool {
	if len(f.Tags) > 0 {
		ok := false
		for _, tag := range f.Tags {
			if tag == msg.Tag {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Senders) > 0 {
		ok := false
		for _, s := range f.Senders {
			if s == msg.Sender {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
