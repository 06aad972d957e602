// Package exporter exposes the collected monitors as Prometheus metrics.
package exporter

import (
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmslite/hwsentry/internal/channels"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

const namespace = "hwsentry"

const (
	monitorInfoMetricName    = namespace + "_monitor_info"
	hostMonitorsMetricName   = namespace + "_host_monitors"
	cyclesMetricName         = namespace + "_cycles_total"
	sourceFailuresMetricName = namespace + "_source_failures_total"
)

var monitorLabels = []string{"hostname", "connector", "monitor_type", "monitor_id"}

// SessionSource lists the telemetry sessions to export.
type SessionSource interface {
	Sessions() []*telemetry.Manager
}

// Collector turns every monitor metric into a gauge. Metric names are only
// known at scrape time, so the collector is unchecked.
type Collector struct {
	sessions SessionSource
	logger   *slog.Logger
	reserved map[string]bool

	monitorInfo  *prometheus.Desc
	hostMonitors *prometheus.Desc
}

// NewCollector creates a collector over the given sessions. Monitor metrics
// whose exported name is one of reserved, or one of the names used by this
// package, are skipped.
func NewCollector(sessions SessionSource, logger *slog.Logger, reserved ...string) *Collector {
	names := map[string]bool{
		monitorInfoMetricName:    true,
		hostMonitorsMetricName:   true,
		cyclesMetricName:         true,
		sourceFailuresMetricName: true,
	}
	for _, name := range reserved {
		names[name] = true
	}

	return &Collector{
		sessions: sessions,
		logger:   logger.With("component", "exporter"),
		reserved: names,
		monitorInfo: prometheus.NewDesc(
			monitorInfoMetricName,
			"Monitors discovered on a host.",
			monitorLabels, nil,
		),
		hostMonitors: prometheus.NewDesc(
			hostMonitorsMetricName,
			"Number of monitors discovered on a host.",
			[]string{"hostname"}, nil,
		),
	}
}

// Describe implements prometheus.Collector. Nothing is sent so that the
// per-monitor metrics are accepted whatever their name.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	descs := make(map[string]*prometheus.Desc)
	// exported name -> source metric name owning it
	owners := make(map[string]string)
	// exported name + label values already sent
	sent := make(map[string]bool)

	for _, session := range c.sessions.Sessions() {
		monitors := session.Monitors()
		ch <- prometheus.MustNewConstMetric(c.hostMonitors, prometheus.GaugeValue, float64(len(monitors)), session.Hostname())

		for _, mon := range monitors {
			labels := []string{session.Hostname(), mon.ConnectorID, mon.Type, mon.ID}
			ch <- prometheus.MustNewConstMetric(c.monitorInfo, prometheus.GaugeValue, 1, labels...)

			for _, metric := range mon.Metrics() {
				if metric.Value == nil || strings.HasSuffix(metric.Name, telemetry.RawMetricSuffix) {
					continue
				}
				name := MetricName(metric.Name)
				if c.reserved[name] {
					c.logger.Debug("Skipping metric with reserved name", "metric", metric.Name, "name", name)
					continue
				}
				if owner, ok := owners[name]; ok && owner != metric.Name {
					c.logger.Debug("Skipping metric clashing with another metric name",
						"metric", metric.Name,
						"clashes_with", owner,
						"name", name,
					)
					continue
				}
				series := name + "\xff" + strings.Join(labels, "\xff")
				if sent[series] {
					continue
				}

				desc, ok := descs[name]
				if !ok {
					desc = prometheus.NewDesc(name, "Collected value of "+metric.Name+".", monitorLabels, nil)
					descs[name] = desc
					owners[name] = metric.Name
				}
				m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, *metric.Value, labels...)
				if err != nil {
					c.logger.Debug("Skipping metric", "metric", metric.Name, "error", err)
					continue
				}
				sent[series] = true
				ch <- m
			}
		}
	}
}

// MetricName maps a dotted metric name such as hw.disk.io to a valid
// Prometheus name under the hwsentry namespace.
func MetricName(name string) string {
	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte('_')
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// CycleMetrics counts completed host cycles.
type CycleMetrics struct {
	cycles   *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewCycleMetrics registers the cycle counters on reg.
func NewCycleMetrics(reg prometheus.Registerer) *CycleMetrics {
	m := &CycleMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: cyclesMetricName,
			Help: "Collection cycles completed per host and kind.",
		}, []string{"hostname", "kind", "result"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: sourceFailuresMetricName,
			Help: "Sources that failed during collection cycles.",
		}, []string{"hostname"}),
	}
	reg.MustRegister(m.cycles, m.failures)
	return m
}

// Observe records a completed cycle.
func (m *CycleMetrics) Observe(event channels.CycleCompletedEvent) {
	kind := "collect"
	if event.Discovery {
		kind = "discovery"
	}
	result := "success"
	if event.Error != "" {
		result = "error"
	}
	m.cycles.WithLabelValues(event.Hostname, kind, result).Inc()
	m.failures.WithLabelValues(event.Hostname).Add(float64(event.FailedSources))
}
