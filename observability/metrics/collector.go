// Package metrics exposes pipeline execution events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/GoCodeAlone/stepflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Namespace: "stepflow"}
}

// Collector implements stepflow.EventRecorder on top of its own Prometheus
// registry.
type Collector struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveRuns    *prometheus.GaugeVec
	Steps         *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	Validations   *prometheus.CounterVec
	CacheLookups  *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time // run ID -> start
}

var _ stepflow.EventRecorder = (*Collector)(nil)

// NewCollector creates a Collector with its own registry.
func NewCollector(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		registry: reg,
		started:  make(map[string]time.Time),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs by outcome",
		}, []string{"pipeline", "success", "status_code"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_run_duration_seconds",
			Help:      "Duration of pipeline runs in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		ActiveRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_active_runs",
			Help:      "Number of pipeline runs in progress",
		}, []string{"pipeline"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_steps_total",
			Help:      "Total number of step executions by status",
		}, []string{"pipeline", "step", "status"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_compensations_total",
			Help:      "Total number of compensators run",
		}, []string{"pipeline", "step"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_validation_failures_total",
			Help:      "Total number of requests rejected by validation",
		}, []string{"pipeline"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "pipeline_cache_lookups_total",
			Help:      "Snapshot lookups by result (hit, resume, miss)",
		}, []string{"pipeline", "result"}),
	}
	reg.MustRegister(c.Runs, c.RunDuration, c.ActiveRuns, c.Steps, c.Compensations, c.Validations, c.CacheLookups)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordEvent updates metrics from a pipeline event.
func (c *Collector) RecordEvent(_ context.Context, runID, eventType string, data map[string]any) error {
	pipeline := str(data["pipeline"])

	switch eventType {
	case stepflow.EventPipelineStarted:
		c.mu.Lock()
		c.started[runID] = time.Now()
		c.mu.Unlock()
		c.ActiveRuns.WithLabelValues(pipeline).Inc()

	case stepflow.EventPipelineCompleted:
		c.mu.Lock()
		start, ok := c.started[runID]
		delete(c.started, runID)
		c.mu.Unlock()
		if ok {
			c.ActiveRuns.WithLabelValues(pipeline).Dec()
			c.RunDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
		}
		success, _ := data["success"].(bool)
		status, _ := data["status_code"].(int)
		c.Runs.WithLabelValues(pipeline, strconv.FormatBool(success), strconv.Itoa(status)).Inc()

	case stepflow.EventStepCompleted:
		c.Steps.WithLabelValues(pipeline, str(data["step"]), "completed").Inc()
	case stepflow.EventStepSkipped:
		c.Steps.WithLabelValues(pipeline, str(data["step"]), "skipped").Inc()
	case stepflow.EventStepFailed:
		c.Steps.WithLabelValues(pipeline, str(data["step"]), "failed").Inc()
	case stepflow.EventStepCompensated:
		c.Compensations.WithLabelValues(pipeline, str(data["step"])).Inc()
	case stepflow.EventValidationFailed:
		c.Validations.WithLabelValues(pipeline).Inc()
	case stepflow.EventCacheHit:
		c.CacheLookups.WithLabelValues(pipeline, "hit").Inc()
	case stepflow.EventCacheResume:
		c.CacheLookups.WithLabelValues(pipeline, "resume").Inc()
	case stepflow.EventCacheMiss:
		c.CacheLookups.WithLabelValues(pipeline, "miss").Inc()
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
