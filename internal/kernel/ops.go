package kernel

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/CopperlineOS/exec-rt/internal/captable"
	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/grant"
	"github.com/CopperlineOS/exec-rt/internal/notify"
	"github.com/CopperlineOS/exec-rt/internal/port"
	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/task"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Attach names a handle moved into an outgoing message. A non-zero
// Mask attenuates the moved capability; the mask must be a subset of
// the capability's rights.
type Attach struct {
	Handle types.Handle `json:"handle"`
	Mask   types.Rights `json:"mask,omitempty"`
}

// RecvResult is a delivered message with its capabilities already
// materialized as handles in the receiver's table.
type RecvResult struct {
	Sender  types.TaskID   `json:"sender"`
	Tag     uint32         `json:"tag"`
	Payload []byte         `json:"payload"`
	Handles []types.Handle `json:"handles,omitempty"`
}

// PortCreate makes a port owned by caller and returns a full-rights
// handle to it. The port dies with the task.
func (k *Kernel) PortCreate(caller *task.Task, depth int) (types.Handle, error) {
	p := port.New(caller.ID, depth)
	ref := k.registry.Register(types.KindPort, p)
	caller.AddOwned(ref, p.CloseWith)
	return caller.Caps.Insert(captable.Capability{
		Kind:   types.KindPort,
		Ref:    ref,
		Rights: types.RightSend | types.RightRecv | types.RightManage,
	})
}

// PortSubscribe makes a receive-only event-stream port fed by
// PublishEvent, filtered and with drop-oldest overflow.
func (k *Kernel) PortSubscribe(caller *task.Task, depth int, filter port.Filter) (types.Handle, error) {
	p := port.NewSubscription(caller.ID, depth, filter)
	ref := k.registry.Register(types.KindPort, p)
	k.mu.Lock()
	k.subs[p] = struct{}{}
	k.mu.Unlock()
	caller.AddOwned(ref, func(err error) {
		k.dropSubscription(p)
		p.CloseWith(err)
	})
	return caller.Caps.Insert(captable.Capability{
		Kind:   types.KindPort,
		Ref:    ref,
		Rights: types.RightRecv | types.RightManage,
	})
}

// PortSend enqueues a message on the port behind h. Attached handles
// are moved out of the caller's table, attenuated per their masks, and
// travel with the message; a failed send returns them to the caller's
// table under fresh handles.
func (k *Kernel) PortSend(ctx context.Context, caller *task.Task, h types.Handle, tag uint32, payload []byte, attach []Attach, block bool) error {
	c, err := caller.Caps.Resolve(h, types.RightSend)
	if err != nil {
		return err
	}
	p, err := k.portOf(c)
	if err != nil {
		return err
	}

	var originals, moved []captable.Capability
	restore := func() {
		for _, o := range originals {
			if _, err := caller.Caps.Insert(o); err != nil {
				k.log.Warn("capability dropped restoring a failed send",
					zap.Uint32("task", uint32(caller.ID)),
					zap.String("kind", o.Kind.String()),
					zap.Error(err))
			}
		}
	}
	for _, a := range attach {
		orig, err := caller.Caps.Remove(a.Handle)
		if err != nil {
			restore()
			return err
		}
		originals = append(originals, orig)
		out := orig
		if a.Mask != 0 {
			out, err = captable.Attenuate(orig, a.Mask)
			if err != nil {
				restore()
				return err
			}
		}
		moved = append(moved, out)
	}

	msg := port.Message{Sender: caller.ID, Tag: tag, Payload: payload, Caps: moved}
	if err := p.Send(ctx, msg, block); err != nil {
		restore()
		return err
	}
	if k.obs != nil {
		k.obs.IPCSent()
	}
	return nil
}

// PortRecv dequeues the oldest message from the port behind h,
// blocking until one arrives or ctx expires. Attached capabilities are
// materialized into the caller's table; a handle-quota overflow
// discards the remainder and reports ErrQuotaExceeded alongside the
// delivered payload.
func (k *Kernel) PortRecv(ctx context.Context, caller *task.Task, h types.Handle) (RecvResult, error) {
	c, err := caller.Caps.Resolve(h, types.RightRecv)
	if err != nil {
		return RecvResult{}, err
	}
	p, err := k.portOf(c)
	if err != nil {
		return RecvResult{}, err
	}
	msg, err := p.Recv(ctx)
	if err != nil {
		return RecvResult{}, err
	}
	if k.obs != nil {
		k.obs.IPCReceived()
	}

	res := RecvResult{Sender: msg.Sender, Tag: msg.Tag, Payload: msg.Payload}
	for _, moved := range msg.Caps {
		nh, err := caller.Caps.Insert(moved)
		if err != nil {
			return res, err
		}
		res.Handles = append(res.Handles, nh)
	}
	return res, nil
}

// GrantCreate registers a shared-memory region and returns a handle
// carrying the region's maximum permissions plus map and manage.
func (k *Kernel) GrantCreate(caller *task.Task, size int, maxPerms types.Rights) (types.Handle, error) {
	g, err := grant.New(caller.ID, size, maxPerms)
	if err != nil {
		return 0, err
	}
	ref := k.registry.Register(types.KindGrant, g)
	caller.AddOwned(ref, nil)
	return caller.Caps.Insert(captable.Capability{
		Kind:   types.KindGrant,
		Ref:    ref,
		Rights: maxPerms | types.RightMap | types.RightManage,
	})
}

// GrantMap maps the grant behind h into the caller's address space
// with perms. The handle must carry both the map right and every
// requested access right, so an attenuated read-only handle cannot
// produce a writable mapping.
func (k *Kernel) GrantMap(caller *task.Task, h types.Handle, perms types.Rights) (*grant.Mapping, uint32, error) {
	c, err := caller.Caps.Resolve(h, types.RightMap|perms)
	if err != nil {
		return nil, 0, err
	}
	g, err := k.grantOf(c)
	if err != nil {
		return nil, 0, err
	}
	m, err := g.Map(caller.ID, perms)
	if err != nil {
		return nil, 0, err
	}
	region, err := caller.MapGrantRegion(int64(g.Size()), perms, func() { g.Unmap(m) })
	if err != nil {
		g.Unmap(m)
		return nil, 0, err
	}
	return m, region.ID, nil
}

// GrantUnmap tears down one grant mapping by its region ID. Other
// mappings of the same grant stay valid.
func (k *Kernel) GrantUnmap(caller *task.Task, region uint32) error {
	return caller.UnmapRegion(region)
}

// NotifyCreate makes a counting notification owned by caller.
func (k *Kernel) NotifyCreate(caller *task.Task, mode notify.Mode) (types.Handle, error) {
	n := notify.New(mode)
	ref := k.registry.Register(types.KindNotification, n)
	caller.AddOwned(ref, n.CloseWith)
	return caller.Caps.Insert(captable.Capability{
		Kind:   types.KindNotification,
		Ref:    ref,
		Rights: types.RightSignal | types.RightWait | types.RightManage,
	})
}

// NotifySet signals the notification behind h. Never blocks.
func (k *Kernel) NotifySet(caller *task.Task, h types.Handle) error {
	c, err := caller.Caps.Resolve(h, types.RightSignal)
	if err != nil {
		return err
	}
	n, err := k.notifyOf(c)
	if err != nil {
		return err
	}
	n.Set()
	return nil
}

// NotifyWait consumes one pending signal, blocking until one arrives
// or ctx expires.
func (k *Kernel) NotifyWait(ctx context.Context, caller *task.Task, h types.Handle) error {
	c, err := caller.Caps.Resolve(h, types.RightWait)
	if err != nil {
		return err
	}
	n, err := k.notifyOf(c)
	if err != nil {
		return err
	}
	return n.Wait(ctx)
}

// CapDerive mints a new handle to the same object with a subset of the
// parent handle's rights.
func (k *Kernel) CapDerive(caller *task.Task, h types.Handle, mask types.Rights) (types.Handle, error) {
	return caller.Caps.Derive(h, mask)
}

// CapRevoke kills the object behind h. The generation bump invalidates
// every derived capability in every task on its next use; no
// enumeration happens.
func (k *Kernel) CapRevoke(caller *task.Task, h types.Handle) error {
	c, err := caller.Caps.Resolve(h, types.RightManage)
	if err != nil {
		return err
	}
	if _, err := k.registry.Revoke(c.Ref); err != nil {
		return err
	}
	_, _ = caller.Caps.Remove(h)
	if k.obs != nil {
		k.obs.Revoked(c.Kind)
	}
	return nil
}

// TaskCreate spawns a child task charged against the caller's task
// quota. The caller receives a manage handle to the child.
func (k *Kernel) TaskCreate(caller *task.Task, name string, class sched.Class, params sched.Params, quotas task.Quotas, body sched.StepFunc) (types.Handle, *task.Task, error) {
	child, err := k.tasks.Create(caller, name, class, params, quotas, body)
	if err != nil {
		return 0, nil, err
	}
	h, err := caller.Caps.Insert(captable.Capability{
		Kind:   types.KindTask,
		Ref:    child.Ref(),
		Rights: types.RightManage,
	})
	if err != nil {
		k.tasks.Destroy(child)
		return 0, nil, err
	}
	return h, child, nil
}

// TaskDestroy tears down the task behind h and everything it owns.
func (k *Kernel) TaskDestroy(caller *task.Task, h types.Handle) error {
	t, err := k.taskOf(caller, h)
	if err != nil {
		return err
	}
	k.tasks.Destroy(t)
	_, _ = caller.Caps.Remove(h)
	return nil
}

// TaskSetSupervisor routes the target task's fault reports to the port
// behind portH. taskH zero names the caller's own task; otherwise it
// must be a manage handle.
func (k *Kernel) TaskSetSupervisor(caller *task.Task, taskH, portH types.Handle) error {
	c, err := caller.Caps.Resolve(portH, types.RightSend)
	if err != nil {
		return err
	}
	p, err := k.portOf(c)
	if err != nil {
		return err
	}
	target := caller
	if taskH != types.NilHandle {
		if target, err = k.taskOf(caller, taskH); err != nil {
			return err
		}
	}
	target.SetSupervisor(portSink{p})
	return nil
}

// ReportFault runs the fault path for a thread of the caller's task:
// suspend, report to the supervisor port, terminate if unsupervised.
func (k *Kernel) ReportFault(t *task.Task, th *sched.Thread, payload []byte) {
	k.tasks.ReportFault(t, th, payload)
}

// SchedSetParams changes a thread's class parameters, re-running DL
// admission. taskH zero names the caller's own task. On rejection the
// thread keeps its previous parameters.
func (k *Kernel) SchedSetParams(caller *task.Task, taskH types.Handle, thread types.ThreadID, class sched.Class, params sched.Params) error {
	target := caller
	if taskH != types.NilHandle {
		var err error
		if target, err = k.taskOf(caller, taskH); err != nil {
			return err
		}
	}
	for _, th := range target.Threads() {
		if th.ID == thread {
			return k.sched.SetParams(th, class, params)
		}
	}
	return errdefs.ErrNotFound
}

// SpawnThread adds a thread to the caller's task.
func (k *Kernel) SpawnThread(caller *task.Task, class sched.Class, params sched.Params, body sched.StepFunc) (*sched.Thread, error) {
	return k.tasks.SpawnThread(caller, class, params, body)
}

// Yield gives up the caller's core until the scheduler runs it again.
func (k *Kernel) Yield(caller *task.Task) {
	k.yields.Add(1)
	runtime.Gosched()
}

// IrqBind attaches the notification behind notifyH to an interrupt
// line and returns a manage handle to the binding. Revoking the handle
// unbinds the line.
func (k *Kernel) IrqBind(caller *task.Task, line notify.Line, notifyH types.Handle) (types.Handle, error) {
	c, err := caller.Caps.Resolve(notifyH, types.RightSignal)
	if err != nil {
		return 0, err
	}
	n, err := k.notifyOf(c)
	if err != nil {
		return 0, err
	}
	if err := k.irq.Bind(line, n); err != nil {
		return 0, err
	}
	b := &irqBinding{line: line, ctrl: k.irq}
	ref := k.registry.Register(types.KindIrqLine, b)
	caller.AddOwned(ref, nil)
	return caller.Caps.Insert(captable.Capability{
		Kind:   types.KindIrqLine,
		Ref:    ref,
		Rights: types.RightManage,
	})
}

// IrqUnbind detaches the interrupt line behind h.
func (k *Kernel) IrqUnbind(caller *task.Task, h types.Handle) error {
	c, err := caller.Caps.Resolve(h, types.RightManage)
	if err != nil {
		return err
	}
	if c.Kind != types.KindIrqLine {
		return errdefs.ErrPermissionDenied
	}
	if _, err := k.registry.Revoke(c.Ref); err != nil {
		return err
	}
	_, _ = caller.Caps.Remove(h)
	return nil
}

// Snapshot is the privileged telemetry view.
type Snapshot struct {
	BootID      string        `json:"boot_id"`
	Uptime      time.Duration `json:"uptime"`
	Tasks       int           `json:"tasks"`
	LiveObjects int           `json:"live_objects"`
	Yields      uint64        `json:"yields"`
	Sched       sched.Stats   `json:"sched"`
	Events      []sched.Event `json:"events,omitempty"`
}

// TelemetryQuery returns scheduler counters and up to limit recent
// dispatch-ring events. h must carry the telemetry right.
func (k *Kernel) TelemetryQuery(caller *task.Task, h types.Handle, limit int) (Snapshot, error) {
	c, err := caller.Caps.Resolve(h, types.RightTelemetry)
	if err != nil {
		return Snapshot{}, err
	}
	if c.Kind != types.KindTelemetry {
		return Snapshot{}, errdefs.ErrPermissionDenied
	}
	return k.snapshot(limit), nil
}

func (k *Kernel) snapshot(limit int) Snapshot {
	return Snapshot{
		BootID:      k.BootID.String(),
		Uptime:      time.Since(k.BootTime),
		Tasks:       k.tasks.Count(),
		LiveObjects: k.registry.Live(),
		Yields:      k.yields.Load(),
		Sched:       k.sched.StatsSnapshot(),
		Events:      k.sched.Ring().Snapshot(limit),
	}
}

// irqBinding ties an interrupt line's registry slot to its routing
// entry so revocation unbinds the line.
type irqBinding struct {
	line notify.Line
	ctrl *notify.IrqController
}

func (b *irqBinding) OnRevoke() { b.ctrl.Unbind(b.line) }

// portSink adapts a port to the task manager's fault-report sink.
// Reports are enqueued without blocking; a full supervisor queue is an
// unhandled fault.
type portSink struct {
	p *port.Port
}

func (s portSink) Publish(payload []byte, tag uint32, from types.TaskID) error {
	return s.p.Send(context.Background(), port.Message{Sender: from, Tag: tag, Payload: payload}, false)
}

func (k *Kernel) portOf(c captable.Capability) (*port.Port, error) {
	if c.Kind != types.KindPort {
		return nil, errdefs.ErrPermissionDenied
	}
	obj, err := k.registry.Resolve(c.Ref)
	if err != nil {
		return nil, err
	}
	return obj.(*port.Port), nil
}

func (k *Kernel) grantOf(c captable.Capability) (*grant.Grant, error) {
	if c.Kind != types.KindGrant {
		return nil, errdefs.ErrPermissionDenied
	}
	obj, err := k.registry.Resolve(c.Ref)
	if err != nil {
		return nil, err
	}
	return obj.(*grant.Grant), nil
}

func (k *Kernel) notifyOf(c captable.Capability) (*notify.Notification, error) {
	if c.Kind != types.KindNotification {
		return nil, errdefs.ErrPermissionDenied
	}
	obj, err := k.registry.Resolve(c.Ref)
	if err != nil {
		return nil, err
	}
	return obj.(*notify.Notification), nil
}

func (k *Kernel) taskOf(caller *task.Task, h types.Handle) (*task.Task, error) {
	c, err := caller.Caps.Resolve(h, types.RightManage)
	if err != nil {
		return nil, err
	}
	if c.Kind != types.KindTask {
		return nil, errdefs.ErrPermissionDenied
	}
	obj, err := k.registry.Resolve(c.Ref)
	if err != nil {
		return nil, err
	}
	return obj.(*task.Task), nil
}
