// Package metrics exposes provisioning state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brizzbuzz/opnix/internal/supervisor"
	"github.com/brizzbuzz/opnix/internal/task"
)

const namespace = "opnix"

// Collector holds every opnix metric on its own registry.
type Collector struct {
	Registry *prometheus.Registry

	InstallsTotal      *prometheus.CounterVec
	ProbeAttemptsTotal *prometheus.CounterVec
	RestartsTotal      *prometheus.CounterVec
	TaskState          *prometheus.GaugeVec
	BarrierReady       prometheus.Gauge
}

// NewCollector registers all metrics on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		InstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "secret",
			Name:      "installs_total",
			Help:      "Secret install cycles by result.",
		}, []string{"task", "result"}),

		ProbeAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "attempts_total",
			Help:      "Connectivity checks against the secret store by result.",
		}, []string{"result"}),

		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "restarts_total",
			Help:      "Task restarts issued by the supervisor.",
		}, []string{"task"}),

		TaskState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "state",
			Help:      "1 for the state each task is currently in.",
		}, []string{"task", "state"}),

		BarrierReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "barrier",
			Name:      "ready",
			Help:      "1 once every secret has been installed at least once.",
		}),
	}

	reg.MustRegister(
		c.InstallsTotal,
		c.ProbeAttemptsTotal,
		c.RestartsTotal,
		c.TaskState,
		c.BarrierReady,
	)

	return c
}

// StateChanged is a task.Observer.
func (c *Collector) StateChanged(id string, from, to task.State) {
	for _, s := range task.States {
		v := 0.0
		if s == to {
			v = 1
		}
		c.TaskState.WithLabelValues(id, s.String()).Set(v)
	}

	switch {
	case to == task.Installed:
		c.InstallsTotal.WithLabelValues(id, "success").Inc()
	case from == task.Installing && to == task.Failed:
		c.InstallsTotal.WithLabelValues(id, "failure").Inc()
	}
}

// ProbeAttempt records one liveness check.
func (c *Collector) ProbeAttempt(err error) {
	result := "reachable"
	if err != nil {
		result = "unreachable"
	}
	c.ProbeAttemptsTotal.WithLabelValues(result).Inc()
}

// TaskExited records supervisor restarts.
func (c *Collector) TaskExited(e supervisor.Exit) {
	if e.Restarting {
		c.RestartsTotal.WithLabelValues(e.ID).Inc()
	}
}

// Ready marks the barrier open.
func (c *Collector) Ready() {
	c.BarrierReady.Set(1)
}
