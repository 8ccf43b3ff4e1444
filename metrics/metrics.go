// Package metrics exposes Prometheus collectors for runs, the coordinator
// and workers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "semflow"

const readHeaderTimeout = 10 * time.Second

// Metrics holds the collectors, registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	completions      *prometheus.CounterVec
	tasksExecuted    *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	slotsBusy        prometheus.Gauge
}

// New creates the collectors on a fresh registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs launched",
		}, []string{"workflow"}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs that reached a terminal status",
		}, []string{"workflow", "status"}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_transitions_total",
			Help:      "Transitions fired between states",
		}, []string{"workflow", "from", "to"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "coordinator_completions_total",
			Help:      "Completion notifications handled by the coordinator",
		}, []string{"result"}),
		tasksExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_executed_total",
			Help:      "Tasks executed by workers",
		}, []string{"capability", "status"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "task_duration_seconds",
			Help:      "Executor call duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"capability"}),
		slotsBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "worker_slots_busy",
			Help:      "Worker slots currently executing a task",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunStarted counts a launched run.
func (m *Metrics) RunStarted(workflow string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
}

// RunFinished counts a run reaching a terminal status.
func (m *Metrics) RunFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(workflow, status).Inc()
}

// StateTransition counts a fired transition.
func (m *Metrics) StateTransition(workflow, from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(workflow, from, to).Inc()
}

// Completion counts one completion handled by the coordinator. result is
// one of "processed", "dropped", "retried".
func (m *Metrics) Completion(result string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(result).Inc()
}

// TaskExecuted records an executor call.
func (m *Metrics) TaskExecuted(capability, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(capability, status).Inc()
	m.taskDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// SlotBusy adjusts the busy worker slot gauge by delta.
func (m *Metrics) SlotBusy(delta float64) {
	if m == nil {
		return
	}
	m.slotsBusy.Add(delta)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
