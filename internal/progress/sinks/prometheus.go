package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/autoapply/internal/progress"
)

// PrometheusSink exports per-worker progress via Prometheus: cycles, exits,
// running workers, and apply latency by outcome.
type PrometheusSink struct {
	cyclesTotal     *prometheus.CounterVec
	exitsTotal      *prometheus.CounterVec
	workersRunning  prometheus.Gauge
	applyDuration   *prometheus.HistogramVec
	dependentEvents *prometheus.CounterVec

	tracker *workerTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoapply_worker_cycles_total",
			Help: "Discover/apply cycles started, labeled by worker.",
		}, []string{"worker"}),
		exitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoapply_worker_exits_total",
			Help: "Worker exits partitioned by reason (stopped or error).",
		}, []string{"reason"}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoapply_workers_running",
			Help: "Workers that reported a start without a matching exit.",
		}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoapply_apply_duration_seconds",
			Help:    "Apply latency including the in-cycle retry, partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		dependentEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoapply_dependent_transitions_total",
			Help: "Supervisor state transitions, partitioned by dependent and new state.",
		}, []string{"dependent", "state"}),
		tracker: newWorkerTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesTotal,
		s.exitsTotal,
		s.workersRunning,
		s.applyDuration,
		s.dependentEvents,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageWorkerStart:
			if s.tracker.start(evt.WorkerID) {
				s.workersRunning.Inc()
			}
		case progress.StageCycleStart:
			s.cyclesTotal.WithLabelValues(evt.WorkerID).Inc()
		case progress.StageApplyDone:
			if evt.Dur > 0 {
				s.applyDuration.WithLabelValues(string(evt.Result.Outcome)).Observe(evt.Dur.Seconds())
			}
		case progress.StageWorkerExit:
			reason := "stopped"
			if evt.Note != "" {
				reason = "error"
			}
			s.exitsTotal.WithLabelValues(reason).Inc()
			if s.tracker.exit(evt.WorkerID) {
				s.workersRunning.Dec()
			}
		case progress.StageDependent:
			s.dependentEvents.WithLabelValues(evt.Dependent, evt.State).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type workerTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newWorkerTracker() *workerTracker {
	return &workerTracker{running: make(map[string]struct{})}
}

func (t *workerTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *workerTracker) exit(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
