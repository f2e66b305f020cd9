package http

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/CopperlineOS/exec-rt/internal/kernel"
	"github.com/CopperlineOS/exec-rt/internal/types"
)

const defaultRingLimit = 256

// Handlers serves the read-only telemetry surface. Queries run as the
// root task through its telemetry capability, the same gate every
// in-kernel consumer passes.
type Handlers struct {
	kernel *kernel.Kernel
	log    *zap.Logger
}

// NewHandlers creates the telemetry handlers.
func NewHandlers(k *kernel.Kernel, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{kernel: k, log: log}
}

// Root returns service identity.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "exec-rt",
		"boot_id": h.kernel.BootID.String(),
		"ops":     kernel.Ops(),
	})
}

// Health reports liveness.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.kernel.BootTime).String(),
		"tasks":  h.kernel.Tasks().Count(),
	})
}

// Stats returns scheduler counters and per-core state.
func (h *Handlers) Stats(c *gin.Context) {
	snap, err := h.query(0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Ring returns the most recent dispatch-ring events, newest last.
// Query parameter limit caps the count.
func (h *Handlers) Ring(c *gin.Context) {
	limit := queryInt(c, "limit", defaultRingLimit)
	snap, err := h.query(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total":  snap.Sched.Dispatches,
		"events": snap.Events,
	})
}

// LatencyReport summarizes step durations from the dispatch ring.
type LatencyReport struct {
	Class   string  `json:"class"`
	Samples int     `json:"samples"`
	MeanUs  float64 `json:"mean_us"`
	P50Us   float64 `json:"p50_us"`
	P90Us   float64 `json:"p90_us"`
	P99Us   float64 `json:"p99_us"`
}

// Latency returns per-class dispatch-duration quantiles over the
// recent ring window.
func (h *Handlers) Latency(c *gin.Context) {
	limit := queryInt(c, "limit", 4096)
	snap, err := h.query(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	byClass := make(map[string][]float64)
	for _, ev := range snap.Events {
		us := float64(ev.End.Sub(ev.Start).Microseconds())
		byClass[ev.Class.String()] = append(byClass[ev.Class.String()], us)
	}

	reports := make([]LatencyReport, 0, len(byClass))
	for class, samples := range byClass {
		sort.Float64s(samples)
		reports = append(reports, LatencyReport{
			Class:   class,
			Samples: len(samples),
			MeanUs:  stat.Mean(samples, nil),
			P50Us:   stat.Quantile(0.50, stat.Empirical, samples, nil),
			P90Us:   stat.Quantile(0.90, stat.Empirical, samples, nil),
			P99Us:   stat.Quantile(0.99, stat.Empirical, samples, nil),
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Class < reports[j].Class })
	c.JSON(http.StatusOK, gin.H{"classes": reports})
}

// TaskInfo is the per-task telemetry row.
type TaskInfo struct {
	ID      types.TaskID  `json:"id"`
	Name    string        `json:"name"`
	Parent  types.TaskID  `json:"parent,omitempty"`
	Threads []ThreadInfo  `json:"threads"`
	Handles int           `json:"handles"`
	MemUsed int64         `json:"mem_used"`
	Runtime time.Duration `json:"runtime"`
}

// ThreadInfo is the per-thread telemetry row.
type ThreadInfo struct {
	ID     types.ThreadID `json:"id"`
	Class  string         `json:"class"`
	State  string         `json:"state"`
	Misses uint64         `json:"misses,omitempty"`
}

// Tasks lists live tasks with their threads.
func (h *Handlers) Tasks(c *gin.Context) {
	tasks := h.kernel.Tasks().List()
	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		info := TaskInfo{
			ID:      t.ID,
			Name:    t.Name,
			Parent:  t.Parent,
			Handles: t.Caps.Len(),
			MemUsed: t.MemUsed(),
			Runtime: t.Runtime(),
		}
		for _, th := range t.Threads() {
			info.Threads = append(info.Threads, ThreadInfo{
				ID:     th.ID,
				Class:  th.Class().String(),
				State:  th.State().String(),
				Misses: th.Misses(),
			})
		}
		sort.Slice(info.Threads, func(i, j int) bool { return info.Threads[i].ID < info.Threads[j].ID })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (h *Handlers) query(limit int) (kernel.Snapshot, error) {
	return h.kernel.TelemetryQuery(h.kernel.Root(), h.kernel.RootTelemetryHandle(), limit)
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
