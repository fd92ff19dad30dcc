// Package metrics collects per-process counters about the process group
// transport and the timed broadcasts.
//
// Every Metrics value owns its own registry, so several peers can live in
// the same process (tests, in-process launches) without colliding on the
// prometheus default registerer.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics represents the collection of all Prometheus metrics of one rank.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent      *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	SendRetries       prometheus.Counter
	Timeouts          *prometheus.CounterVec
	BroadcastDuration *prometheus.HistogramVec
}

// Sample is one flattened time series of the registry.
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcast_messages_sent_total",
			Help: "Point-to-point messages accepted by the destination",
		},
		[]string{"kind"},
	)
	m.BytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcast_bytes_sent_total",
			Help: "Payload bytes accepted by the destination",
		},
		[]string{"kind"},
	)
	m.MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcast_messages_received_total",
			Help: "Point-to-point messages handed to a receiver",
		},
		[]string{"kind"},
	)
	m.SendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bcast_send_retries_total",
			Help: "Send attempts that had to be repeated",
		},
	)
	m.Timeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcast_timeouts_total",
			Help: "Blocking operations that exceeded the peer timeout",
		},
		[]string{"op"},
	)
	m.BroadcastDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bcast_broadcast_duration_seconds",
			Help:    "Barrier-delimited broadcast duration",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 12),
		},
		[]string{"strategy"},
	)

	m.registry.MustRegister(
		m.MessagesSent,
		m.BytesSent,
		m.MessagesReceived,
		m.SendRetries,
		m.Timeouts,
		m.BroadcastDuration,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The helpers below are nil-safe so that callers can keep metrics optional.

func (m *Metrics) MessageSent(kind string, size int) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
	m.BytesSent.WithLabelValues(kind).Add(float64(size))
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.SendRetries.Inc()
}

func (m *Metrics) Timeout(op string) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveBroadcast(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.BroadcastDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// Snapshot gathers the registry and flattens it into samples sorted by name
// and labels. Histograms contribute a _count and a _sum sample.
func (m *Metrics) Snapshot() ([]Sample, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	var samples []Sample
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			labels := formatLabels(metric.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				samples = append(samples, Sample{Name: mf.GetName(), Labels: labels, Value: metric.GetCounter().GetValue()})
			case dto.MetricType_GAUGE:
				samples = append(samples, Sample{Name: mf.GetName(), Labels: labels, Value: metric.GetGauge().GetValue()})
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				samples = append(samples,
					Sample{Name: mf.GetName() + "_count", Labels: labels, Value: float64(h.GetSampleCount())},
					Sample{Name: mf.GetName() + "_sum", Labels: labels, Value: h.GetSampleSum()},
				)
			}
		}
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Name != samples[j].Name {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Labels < samples[j].Labels
	})
	return samples, nil
}

func formatLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	return strings.Join(parts, ",")
}
