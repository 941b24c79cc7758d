package host

import (
	"context"
	"fmt"
	"time"

	"github.com/meshboard/meshboard/internal/event"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	pluginFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshboard_plugin_faults_total",
			Help: "Plugin handler faults by plugin and kind.",
		},
		[]string{"plugin", "kind"},
	)
	pluginRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshboard_plugin_restarts_total",
			Help: "Health-monitor restart attempts by plugin.",
		},
		[]string{"plugin"},
	)
)

func init() {
	prometheus.MustRegister(pluginFaults, pluginRestarts)
}

// onFault feeds router, scheduler, and hub faults into the health monitor.
func (h *Host) onFault(ctx context.Context, ev event.Event) {
	f, ok := ev.Payload.(event.Fault)
	if !ok {
		return
	}
	pluginFaults.WithLabelValues(f.Plugin, f.Kind).Inc()
	h.recordFault(f.Plugin, f.Detail)
}

// onTaskDisabled treats a task crossing its failure threshold as one fault
// against the owning plugin.
func (h *Host) onTaskDisabled(ctx context.Context, ev event.Event) {
	td, ok := ev.Payload.(event.TaskDisabled)
	if !ok {
		return
	}
	pluginFaults.WithLabelValues(td.Plugin, "task").Inc()
	h.recordFault(td.Plugin, fmt.Sprintf("task %q auto-disabled after %d failures", td.Name, td.Failures))
}

// recordFault updates the plugin's sliding failure window. Crossing the
// threshold while Running moves the plugin to Degraded and starts the
// restart loop.
func (h *Host) recordFault(name, detail string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	inst, ok := h.instances[name]
	if !ok {
		return
	}

	now := time.Now()
	inst.faultCount++
	inst.lastError = detail
	inst.faults = append(inst.faults, now)

	cutoff := now.Add(-h.cfg.FailureWindow)
	kept := inst.faults[:0]
	for _, t := range inst.faults {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	inst.faults = kept

	if inst.state != StateRunning || inst.restarting {
		return
	}
	if len(inst.faults) < h.cfg.FailureThreshold {
		return
	}

	h.transition(inst, StateDegraded,
		fmt.Sprintf("%d faults within %s", len(inst.faults), h.cfg.FailureWindow))
	inst.restarting = true
	h.wg.Add(1)
	go h.restartLoop(name)
}

// restartLoop restarts a degraded plugin with exponential backoff. Attempts
// are bounded; exhaustion lands in Failed and withdraws the plugin from
// routing until an operator intervenes.
func (h *Host) restartLoop(name string) {
	defer h.wg.Done()

	backoff := h.cfg.RestartBackoffBase
	for attempt := 1; attempt <= h.cfg.MaxRestarts; attempt++ {
		select {
		case <-h.ctx.Done():
			h.clearRestarting(name)
			return
		case <-time.After(backoff):
		}

		h.mu.Lock()
		inst, ok := h.instances[name]
		if !ok || inst.disabled {
			if ok {
				inst.restarting = false
			}
			h.mu.Unlock()
			return
		}
		inst.restartCount++
		active := inst.state == StateRunning || inst.state == StateDegraded
		h.mu.Unlock()

		pluginRestarts.WithLabelValues(name).Inc()
		h.logger.Info("restarting degraded plugin",
			zap.String("plugin", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)

		if active {
			h.stopInstance(h.ctx, inst, StateStopped, "health restart")
		}
		err := h.startInstance(h.ctx, inst)
		if err == nil {
			h.clearRestarting(name)
			return
		}
		h.logger.Warn("restart attempt failed",
			zap.String("plugin", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		backoff *= 2
		if backoff > h.cfg.RestartBackoffCap {
			backoff = h.cfg.RestartBackoffCap
		}
	}

	h.mu.Lock()
	if inst, ok := h.instances[name]; ok {
		inst.restarting = false
		if inst.state != StateFailed {
			h.transition(inst, StateFailed, "restart attempts exhausted")
		}
	}
	h.mu.Unlock()
	h.logger.Error("plugin restart attempts exhausted", zap.String("plugin", name))
}

func (h *Host) clearRestarting(name string) {
	h.mu.Lock()
	if inst, ok := h.instances[name]; ok {
		inst.restarting = false
		inst.faults = nil
	}
	h.mu.Unlock()
}
