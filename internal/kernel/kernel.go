package kernel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CopperlineOS/exec-rt/internal/captable"
	"github.com/CopperlineOS/exec-rt/internal/notify"
	"github.com/CopperlineOS/exec-rt/internal/port"
	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/task"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

// Config tunes kernel boot.
type Config struct {
	// Sched configures cores, quanta, the DL utilization cap, and the
	// dispatch-event ring.
	Sched sched.Config
	// RootQuotas bounds the root task. Zero values mean unlimited.
	RootQuotas task.Quotas
}

// Observer aggregates the per-subsystem metric hooks.
type Observer interface {
	sched.Observer
	task.Observer
	IPCSent()
	IPCReceived()
	Revoked(kind types.Kind)
}

// Kernel composes the subsystems behind the operation-call boundary.
// Every entry point takes the calling task and resolves handles
// against that task's capability table before touching any object.
type Kernel struct {
	BootID   uuid.UUID
	BootTime time.Time

	log      *zap.Logger
	obs      Observer
	registry *captable.Registry
	sched    *sched.Scheduler
	tasks    *task.Manager
	irq      *notify.IrqController

	telemetryRef captable.Ref
	root         *task.Task
	rootTelH     types.Handle

	mu   sync.Mutex
	subs map[*port.Port]struct{}

	yields atomic.Uint64
}

// New boots a kernel: registry, scheduler, task manager, interrupt
// controller, and the root task holding the telemetry capability and a
// manage capability to itself. log and obs may be nil.
func New(cfg Config, log *zap.Logger, obs Observer) (*Kernel, error) {
	if log == nil {
		log = zap.NewNop()
	}
	registry := captable.NewRegistry()

	var schedObs sched.Observer
	var taskObs task.Observer
	if obs != nil {
		schedObs = obs
		taskObs = obs
	}
	scheduler := sched.New(cfg.Sched, schedObs)

	k := &Kernel{
		BootID:   uuid.New(),
		BootTime: time.Now(),
		log:      log,
		obs:      obs,
		registry: registry,
		sched:    scheduler,
		irq:      notify.NewIrqController(),
		subs:     make(map[*port.Port]struct{}),
	}
	k.tasks = task.NewManager(registry, scheduler, log, taskObs)
	k.telemetryRef = registry.Register(types.KindTelemetry, k)

	root, err := k.tasks.Create(nil, "root", sched.ClassBE, sched.Params{}, cfg.RootQuotas, nil)
	if err != nil {
		return nil, err
	}
	k.root = root
	telH, err := root.Caps.Insert(captable.Capability{
		Kind:   types.KindTelemetry,
		Ref:    k.telemetryRef,
		Rights: types.RightTelemetry,
	})
	if err != nil {
		return nil, err
	}
	k.rootTelH = telH
	if _, err := root.Caps.Insert(captable.Capability{
		Kind:   types.KindTask,
		Ref:    root.Ref(),
		Rights: types.RightManage,
	}); err != nil {
		return nil, err
	}

	log.Info("kernel booted",
		zap.String("boot_id", k.BootID.String()),
		zap.Int("cores", scheduler.Cores()))
	return k, nil
}

// Root returns the root task.
func (k *Kernel) Root() *task.Task { return k.root }

// RootTelemetryHandle returns the root task's telemetry handle.
func (k *Kernel) RootTelemetryHandle() types.Handle { return k.rootTelH }

// Scheduler exposes the scheduler for dispatch-loop wiring.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Tasks exposes the task manager.
func (k *Kernel) Tasks() *task.Manager { return k.tasks }

// Registry exposes the shared object registry.
func (k *Kernel) Registry() *captable.Registry { return k.registry }

// Run drives the per-core dispatch loops until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	k.log.Info("dispatch loops starting", zap.Int("cores", k.sched.Cores()))
	err := k.sched.Run(ctx)
	k.log.Info("dispatch loops stopped")
	return err
}

// TriggerIRQ delivers one interrupt on line. This is the embedding
// environment's interrupt-context entry point; it never blocks.
func (k *Kernel) TriggerIRQ(line notify.Line) bool {
	return k.irq.Trigger(line)
}

// PublishEvent offers an event to every live subscription port,
// applying each port's filter. Full subscriptions drop their oldest
// queued event; publishers never block.
func (k *Kernel) PublishEvent(msg port.Message) {
	k.mu.Lock()
	subs := make([]*port.Port, 0, len(k.subs))
	for p := range k.subs {
		subs = append(subs, p)
	}
	k.mu.Unlock()
	for _, p := range subs {
		_ = p.Publish(msg)
	}
}

func (k *Kernel) dropSubscription(p *port.Port) {
	k.mu.Lock()
	delete(k.subs, p)
	k.mu.Unlock()
}
