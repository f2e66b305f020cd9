package notify

import (
	"sync"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
)

// Line identifies a hardware interrupt line.
type Line uint32

// IrqController routes interrupt lines to notifications. Drivers bind
// a line at registration time; the interrupt handler calls Trigger,
// which must stay non-blocking: one read-locked map lookup plus the
// notification's O(1) signal path.
type IrqController struct {
	mu    sync.RWMutex
	lines map[Line]*Notification
}

// NewIrqController creates an empty interrupt router.
func NewIrqController() *IrqController {
	return &IrqController{lines: make(map[Line]*Notification)}
}

// Bind attaches a notification to line. A line holds at most one
// binding; rebinding requires an Unbind first.
func (c *IrqController) Bind(line Line, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lines[line]; ok {
		return errdefs.ErrFull
	}
	c.lines[line] = n
	return nil
}

// Unbind detaches line. Pending signals already delivered to the
// notification stay consumable.
func (c *IrqController) Unbind(line Line) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lines, line)
}

// Trigger delivers one interrupt on line. Unbound lines are counted
// as spurious and dropped.
func (c *IrqController) Trigger(line Line) bool {
	c.mu.RLock()
	n, ok := c.lines[line]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	n.Set()
	return true
}

// Bound reports whether line has a binding. Telemetry only.
func (c *IrqController) Bound(line Line) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.lines[line]
	return ok
}
