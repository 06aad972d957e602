package telemetry

import (
	"sort"
	"sync"

	"github.com/nmslite/hwsentry/internal/source"
)

// Manager is the collection session of one host. It owns the monitors found
// on the host and the namespace of every connector run against it.
type Manager struct {
	hostname string

	mu         sync.RWMutex
	monitors   map[string]map[string]*Monitor // type -> id -> monitor
	namespaces map[string]*ConnectorNamespace
}

// NewManager creates the session of hostname.
func NewManager(hostname string) *Manager {
	return &Manager{
		hostname:   hostname,
		monitors:   make(map[string]map[string]*Monitor),
		namespaces: make(map[string]*ConnectorNamespace),
	}
}

// Hostname returns the host this session belongs to.
func (m *Manager) Hostname() string {
	return m.hostname
}

// Namespace returns the namespace of connectorID, creating it on first use.
func (m *Manager) Namespace(connectorID string) *ConnectorNamespace {
	m.mu.RLock()
	ns, ok := m.namespaces[connectorID]
	m.mu.RUnlock()
	if ok {
		return ns
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok = m.namespaces[connectorID]; ok {
		return ns
	}
	ns = newConnectorNamespace(m.hostname, connectorID)
	m.namespaces[connectorID] = ns
	return ns
}

// ConnectorIDs lists the connectors with a namespace on this host.
func (m *Manager) ConnectorIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.namespaces))
	for id := range m.namespaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Monitor returns the monitor of the given type and id.
func (m *Manager) Monitor(monitorType, id string) (*Monitor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mon, ok := m.monitors[monitorType][id]
	return mon, ok
}

// MonitorsByType returns the monitors of a type ordered by id. The boolean
// is false when no monitor of that type was ever registered.
func (m *Manager) MonitorsByType(monitorType string) ([]*Monitor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.monitors[monitorType]
	if !ok {
		return nil, false
	}
	out := make([]*Monitor, 0, len(byID))
	for _, mon := range byID {
		out = append(out, mon)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, true
}

// Monitors returns every monitor of the host ordered by type then id.
func (m *Manager) Monitors() []*Monitor {
	m.mu.RLock()
	types := make([]string, 0, len(m.monitors))
	for t := range m.monitors {
		types = append(types, t)
	}
	m.mu.RUnlock()
	sort.Strings(types)

	var out []*Monitor
	for _, t := range types {
		mons, _ := m.MonitorsByType(t)
		out = append(out, mons...)
	}
	return out
}

// AddMonitor registers mon, or returns the monitor already registered under
// the same type and id.
func (m *Manager) AddMonitor(mon *Monitor) *Monitor {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.monitors[mon.Type]
	if !ok {
		byID = make(map[string]*Monitor)
		m.monitors[mon.Type] = byID
	}
	if existing, ok := byID[mon.ID]; ok {
		return existing
	}
	byID[mon.ID] = mon
	return mon
}

// RemoveMonitor drops a monitor from the session.
func (m *Manager) RemoveMonitor(monitorType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.monitors[monitorType], id)
}

// ConnectorNamespace holds the source tables and serialization lock of one
// connector on one host.
type ConnectorNamespace struct {
	hostname    string
	connectorID string

	mu     sync.RWMutex
	tables map[string]*source.Table

	lockOnce sync.Once
	lock     *SerialLock
}

func newConnectorNamespace(hostname, connectorID string) *ConnectorNamespace {
	return &ConnectorNamespace{
		hostname:    hostname,
		connectorID: connectorID,
		tables:      make(map[string]*source.Table),
	}
}

// ConnectorID returns the connector this namespace belongs to.
func (ns *ConnectorNamespace) ConnectorID() string {
	return ns.connectorID
}

// SourceTable implements source.Namespace.
func (ns *ConnectorNamespace) SourceTable(key string) (*source.Table, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	t, ok := ns.tables[key]
	return t, ok
}

// PublishSourceTable stores table under key, replacing the previous one.
func (ns *ConnectorNamespace) PublishSourceTable(key string, table *source.Table) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.tables[key] = table
}

// RemoveSourceTable deletes the table published under key.
func (ns *ConnectorNamespace) RemoveSourceTable(key string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.tables, key)
}

// SourceKeys lists the published keys in order.
func (ns *ConnectorNamespace) SourceKeys() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	keys := make([]string, 0, len(ns.tables))
	for k := range ns.tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SerializationLock returns the lock guarding the connector's critical
// sections on this host, creating it on first use.
func (ns *ConnectorNamespace) SerializationLock() *SerialLock {
	ns.lockOnce.Do(func() {
		ns.lock = NewSerialLock()
	})
	return ns.lock
}
