// Package telemetry holds the per-host collection state: the monitors
// discovered on a host, their metrics, and one namespace per connector with
// the source tables and the serialization lock of that connector.
package telemetry

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// Well-known attribute and metric names.
const (
	AttributeID            = "id"
	MetricPowerSupplyLimit = "hw.power_supply.limit"
	RawMetricSuffix        = ".raw"
)

// JobInfo identifies the connector job a mapping is evaluated for. It is
// only used in diagnostics.
type JobInfo struct {
	ConnectorID string
	Hostname    string
	MonitorType string
	JobName     string
}

// NumberMetric is a sampled numeric value together with the previous sample.
// Collect times are Unix milliseconds.
type NumberMetric struct {
	Name                string   `json:"name"`
	Value               *float64 `json:"value"`
	CollectTime         int64    `json:"collect_time"`
	PreviousValue       *float64 `json:"previous_value,omitempty"`
	PreviousCollectTime int64    `json:"previous_collect_time,omitempty"`
}

// Monitor is a hardware or software entity discovered on a host.
type Monitor struct {
	ID          string
	Type        string
	ConnectorID string

	mu                    sync.RWMutex
	attributes            map[string]string
	metrics               map[string]*NumberMetric
	conditionalCollection map[string]string
	legacyTextParameters  map[string]string
	discoveryTime         time.Time
}

// NewMonitor creates an empty monitor.
func NewMonitor(monitorType, id, connectorID string) *Monitor {
	return &Monitor{
		ID:                    id,
		Type:                  monitorType,
		ConnectorID:           connectorID,
		attributes:            make(map[string]string),
		metrics:               make(map[string]*NumberMetric),
		conditionalCollection: make(map[string]string),
		legacyTextParameters:  make(map[string]string),
	}
}

// Attribute returns the value of an attribute.
func (m *Monitor) Attribute(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attributes[name]
	return v, ok
}

// Attributes returns a copy of all attributes.
func (m *Monitor) Attributes() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.attributes)
}

// AddAttributes merges attrs into the monitor attributes.
func (m *Monitor) AddAttributes(attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.attributes, attrs)
}

// SetConditionalCollection replaces the conditional collection map.
func (m *Monitor) SetConditionalCollection(values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conditionalCollection = maps.Clone(values)
}

// ConditionalCollection returns a copy of the conditional collection map.
func (m *Monitor) ConditionalCollection() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.conditionalCollection)
}

// SetLegacyTextParameters merges values into the legacy text parameters.
func (m *Monitor) SetLegacyTextParameters(values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.legacyTextParameters, values)
}

// LegacyTextParameters returns a copy of the legacy text parameters.
func (m *Monitor) LegacyTextParameters() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.legacyTextParameters)
}

// Metric returns a snapshot of the named metric.
func (m *Monitor) Metric(name string) (NumberMetric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	metric, ok := m.metrics[name]
	if !ok {
		return NumberMetric{}, false
	}
	return *metric, true
}

// Metrics returns a snapshot of every metric, ordered by name.
func (m *Monitor) Metrics() []NumberMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NumberMetric, 0, len(m.metrics))
	for _, metric := range m.metrics {
		out = append(out, *metric)
	}
	slices.SortFunc(out, func(a, b NumberMetric) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// CollectMetric records a new sample. The current value becomes the previous
// one.
func (m *Monitor) CollectMetric(name string, value float64, collectTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metric, ok := m.metrics[name]
	if !ok {
		m.metrics[name] = &NumberMetric{Name: name, Value: &value, CollectTime: collectTime}
		return
	}
	if metric.CollectTime == collectTime {
		metric.Value = &value
		return
	}
	metric.PreviousValue = metric.Value
	metric.PreviousCollectTime = metric.CollectTime
	metric.Value = &value
	metric.CollectTime = collectTime
}

// SetDiscoveryTime records when the monitor was last seen by discovery.
func (m *Monitor) SetDiscoveryTime(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoveryTime = t
}

// DiscoveryTime returns when the monitor was last seen by discovery.
func (m *Monitor) DiscoveryTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discoveryTime
}
