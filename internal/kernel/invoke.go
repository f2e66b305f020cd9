package kernel

import (
	"context"

	"github.com/CopperlineOS/exec-rt/internal/errdefs"
	"github.com/CopperlineOS/exec-rt/internal/notify"
	"github.com/CopperlineOS/exec-rt/internal/port"
	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/task"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Op names one kernel operation. The set is fixed and enumerable so
// the boundary can be audited.
type Op string

const (
	OpPortCreate        Op = "port_create"
	OpPortSend          Op = "port_send"
	OpPortRecv          Op = "port_recv"
	OpPortSubscribe     Op = "port_subscribe"
	OpGrantCreate       Op = "grant_create"
	OpGrantMap          Op = "grant_map"
	OpGrantUnmap        Op = "grant_unmap"
	OpNotifyCreate      Op = "notify_create"
	OpNotifySet         Op = "notify_set"
	OpNotifyWait        Op = "notify_wait"
	OpCapDerive         Op = "cap_derive"
	OpCapRevoke         Op = "cap_revoke"
	OpTaskCreate        Op = "task_create"
	OpTaskDestroy       Op = "task_destroy"
	OpTaskSetSupervisor Op = "task_set_supervisor"
	OpSchedSetParams    Op = "sched_setparams"
	OpTelemetryQuery    Op = "telemetry_query"
	OpYield             Op = "yield"
	OpIrqBind           Op = "irq_bind"
	OpIrqUnbind         Op = "irq_unbind"
)

// Ops lists every operation the boundary exposes.
func Ops() []Op {
	return []Op{
		OpPortCreate, OpPortSend, OpPortRecv, OpPortSubscribe,
		OpGrantCreate, OpGrantMap, OpGrantUnmap,
		OpNotifyCreate, OpNotifySet, OpNotifyWait,
		OpCapDerive, OpCapRevoke,
		OpTaskCreate, OpTaskDestroy, OpTaskSetSupervisor,
		OpSchedSetParams, OpTelemetryQuery, OpYield,
		OpIrqBind, OpIrqUnbind,
	}
}

// Request carries the parameters of one Invoke call. Fields irrelevant
// to the invoked op are ignored.
type Request struct {
	Handle     types.Handle  `json:"handle,omitempty"`
	TaskHandle types.Handle  `json:"task_handle,omitempty"`
	Depth      int           `json:"depth,omitempty"`
	Tag        uint32        `json:"tag,omitempty"`
	Payload    []byte        `json:"payload,omitempty"`
	Attach     []Attach      `json:"attach,omitempty"`
	Block      bool          `json:"block,omitempty"`
	Filter     port.Filter   `json:"filter,omitempty"`
	Size       int           `json:"size,omitempty"`
	Perms      types.Rights  `json:"perms,omitempty"`
	Region     uint32        `json:"region,omitempty"`
	Mode       notify.Mode   `json:"mode,omitempty"`
	Mask       types.Rights  `json:"mask,omitempty"`
	Name       string        `json:"name,omitempty"`
	Class      sched.Class   `json:"class,omitempty"`
	Params     sched.Params  `json:"params,omitempty"`
	Quotas     task.Quotas   `json:"quotas,omitempty"`
	Thread     types.ThreadID `json:"thread,omitempty"`
	Line       notify.Line   `json:"line,omitempty"`
	Limit      int           `json:"limit,omitempty"`
}

// Invoke dispatches one operation by name on behalf of caller. Typed
// callers should prefer the direct methods; Invoke exists for generic
// frontends and keeps the boundary a single auditable switch.
func (k *Kernel) Invoke(ctx context.Context, caller *task.Task, op Op, req Request) (any, error) {
	switch op {
	case OpPortCreate:
		return k.PortCreate(caller, req.Depth)
	case OpPortSend:
		return nil, k.PortSend(ctx, caller, req.Handle, req.Tag, req.Payload, req.Attach, req.Block)
	case OpPortRecv:
		return k.PortRecv(ctx, caller, req.Handle)
	case OpPortSubscribe:
		return k.PortSubscribe(caller, req.Depth, req.Filter)
	case OpGrantCreate:
		return k.GrantCreate(caller, req.Size, req.Perms)
	case OpGrantMap:
		_, region, err := k.GrantMap(caller, req.Handle, req.Perms)
		return region, err
	case OpGrantUnmap:
		return nil, k.GrantUnmap(caller, req.Region)
	case OpNotifyCreate:
		return k.NotifyCreate(caller, req.Mode)
	case OpNotifySet:
		return nil, k.NotifySet(caller, req.Handle)
	case OpNotifyWait:
		return nil, k.NotifyWait(ctx, caller, req.Handle)
	case OpCapDerive:
		return k.CapDerive(caller, req.Handle, req.Mask)
	case OpCapRevoke:
		return nil, k.CapRevoke(caller, req.Handle)
	case OpTaskCreate:
		h, _, err := k.TaskCreate(caller, req.Name, req.Class, req.Params, req.Quotas, nil)
		return h, err
	case OpTaskDestroy:
		return nil, k.TaskDestroy(caller, req.Handle)
	case OpTaskSetSupervisor:
		return nil, k.TaskSetSupervisor(caller, req.TaskHandle, req.Handle)
	case OpSchedSetParams:
		return nil, k.SchedSetParams(caller, req.TaskHandle, req.Thread, req.Class, req.Params)
	case OpTelemetryQuery:
		return k.TelemetryQuery(caller, req.Handle, req.Limit)
	case OpYield:
		k.Yield(caller)
		return nil, nil
	case OpIrqBind:
		return k.IrqBind(caller, req.Line, req.Handle)
	case OpIrqUnbind:
		return nil, k.IrqUnbind(caller, req.Handle)
	default:
		return nil, errdefs.ErrNotFound
	}
}
