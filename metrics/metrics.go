// Package metrics holds the pipeline counters and gauges. Collectors are
// registered on a private prometheus registry; the control surface reads a
// flattened snapshot from it rather than exposing a scrape endpoint.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Set bundles every collector the pipeline increments. One Set exists per
// bridge process.
type Set struct {
	Registry *prometheus.Registry

	RecordsReceived   *prometheus.CounterVec // by source
	RecordsNormalized *prometheus.CounterVec // by source
	RecordsEnqueued   *prometheus.CounterVec // by target
	RecordsDropped    *prometheus.CounterVec // by target (dropped_for_overflow)
	RecordsSent       *prometheus.CounterVec // by target
	RecordsDLQ        *prometheus.CounterVec // by target
	BatchesSent       *prometheus.CounterVec // by target
	Retries           *prometheus.CounterVec // by target
	CircuitOpens      *prometheus.CounterVec // by target
	TokenRefreshes    *prometheus.CounterVec // by workspace host
	SpoolErrors       *prometheus.CounterVec // by target
	Reconnections     *prometheus.CounterVec // by source

	QueueDepth *prometheus.GaugeVec // by target
	SpoolBytes *prometheus.GaugeVec // by target
}

// New creates a Set with all collectors registered.
func New() *Set {
	reg := prometheus.NewRegistry()
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otbridge",
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "otbridge",
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(g)
		return g
	}

	return &Set{
		Registry:          reg,
		RecordsReceived:   counter("records_received_total", "Raw reads received from protocol clients.", "source"),
		RecordsNormalized: counter("records_normalized_total", "Records emitted by the normaliser.", "source"),
		RecordsEnqueued:   counter("records_enqueued_total", "Records accepted by a backpressure manager.", "target"),
		RecordsDropped:    counter("records_dropped_overflow_total", "Records discarded by the drop policy.", "target"),
		RecordsSent:       counter("records_sent_total", "Records acknowledged by ZeroBus.", "target"),
		RecordsDLQ:        counter("records_dlq_total", "Records moved to the dead letter queue.", "target"),
		BatchesSent:       counter("batches_sent_total", "Batches acknowledged by ZeroBus.", "target"),
		Retries:           counter("send_retries_total", "Batch send retries.", "target"),
		CircuitOpens:      counter("circuit_opens_total", "Circuit breaker open transitions.", "target"),
		TokenRefreshes:    counter("token_refreshes_total", "OAuth2 token refreshes performed.", "workspace"),
		SpoolErrors:       counter("spool_errors_total", "Spool write failures.", "target"),
		Reconnections:     counter("source_reconnections_total", "Protocol client reconnect attempts.", "source"),
		QueueDepth:        gauge("queue_depth", "Records currently in the memory tier.", "target"),
		SpoolBytes:        gauge("spool_bytes", "Bytes currently in the disk spool.", "target"),
	}
}

// Snapshot flattens every registered metric into name{labels} -> value.
// Counter and gauge values only; the bridge registers nothing else.
func (s *Set) Snapshot() (map[string]float64, error) {
	families, err := s.Registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			key := fam.GetName()
			if labels := formatLabels(m); labels != "" {
				key += "{" + labels + "}"
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}

func formatLabels(m *dto.Metric) string {
	pairs := make([]string, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
	}
	return strings.Join(pairs, ",")
}
