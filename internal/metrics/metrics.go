// Package metrics exports run results in the node_exporter textfile format.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Chapsvision-dev/backups/internal/orchestrator"
)

const namespace = "backups"

// Collector accumulates the outcomes of one run. It implements orchestrator.Recorder.
type Collector struct {
	reg *prometheus.Registry

	outcomes            *prometheus.CounterVec
	duration            *prometheus.GaugeVec
	lastSuccess         *prometheus.GaugeVec
	destinationFailures *prometheus.CounterVec
	runTimestamp        prometheus.Gauge

	now func() float64
}

// New returns a Collector backed by its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_outcomes_total",
			Help:      "Per-source backup outcomes by result (success, failure).",
		}, []string{"source", "type", "result"}),
		duration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_duration_seconds",
			Help:      "Wall time of the last step for each source.",
		}, []string{"source", "type"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful backup of each source in this run.",
		}, []string{"source", "type"}),
		destinationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destination_failures_total",
			Help:      "Store failures by destination.",
		}, []string{"destination"}),
		runTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_timestamp_seconds",
			Help:      "Unix time at which the last run finished.",
		}),
		now: nowSeconds,
	}
}

// Record implements orchestrator.Recorder.
func (c *Collector) Record(o orchestrator.Outcome) {
	result := "success"
	if !o.Succeeded() {
		result = "failure"
	}
	c.outcomes.WithLabelValues(o.SourceID, o.SourceType, result).Inc()
	c.duration.WithLabelValues(o.SourceID, o.SourceType).Set(o.Duration.Seconds())
	if o.Succeeded() {
		c.lastSuccess.WithLabelValues(o.SourceID, o.SourceType).Set(c.now())
	}
	var de *orchestrator.DestinationError
	if errors.As(o.Err, &de) {
		c.destinationFailures.WithLabelValues(de.Destination).Inc()
	}
}

// WriteTextfile stamps the run time and writes every metric to path atomically.
func (c *Collector) WriteTextfile(path string) error {
	c.runTimestamp.Set(c.now())
	return prometheus.WriteToTextfile(path, c.reg)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
