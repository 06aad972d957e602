// Package connector defines the declarative connector model: which sources
// to run against a host, and how their tables map to monitors.
package connector

import (
	"fmt"
	"sort"
)

// Job names.
const (
	JobDiscovery = "discovery"
	JobCollect   = "collect"
)

// Source types.
const (
	SourceSNMPGet     = "snmpGet"
	SourceSNMPTable   = "snmpTable"
	SourceWMI         = "wmi"
	SourceCommandLine = "commandLine"
	SourceHTTP        = "http"
	SourceStatic      = "static"
	SourceIPMI        = "ipmi"
)

// Connector describes how to monitor one family of hardware.
type Connector struct {
	Info     Info                   `yaml:"connector" validate:"required"`
	Monitors map[string]*MonitorJob `yaml:"monitors" validate:"required,min=1,dive,required"`
}

// Info carries the connector identity and flags.
type Info struct {
	ID                 string `yaml:"id" validate:"required"`
	DisplayName        string `yaml:"display_name"`
	ForceSerialization bool   `yaml:"force_serialization"`
}

// ID returns the connector id.
func (c *Connector) ID() string {
	return c.Info.ID
}

// MonitorTypes returns the monitor types of the connector in lexical order.
func (c *Connector) MonitorTypes() []string {
	types := make([]string, 0, len(c.Monitors))
	for t := range c.Monitors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// MonitorJob groups the discovery and collect jobs of a monitor type.
type MonitorJob struct {
	Discovery *Job `yaml:"discovery"`
	Collect   *Job `yaml:"collect"`
}

// Job returns the job with the given name.
func (m *MonitorJob) Job(name string) *Job {
	switch name {
	case JobDiscovery:
		return m.Discovery
	case JobCollect:
		return m.Collect
	}
	return nil
}

// Job is a set of sources and the mapping applied to one of them.
type Job struct {
	Sources map[string]*Source `yaml:"sources" validate:"dive,required"`
	Mapping *Mapping           `yaml:"mapping" validate:"required"`
}

// SourceNames returns the job's source names in lexical order.
func (j *Job) SourceNames() []string {
	names := make([]string, 0, len(j.Sources))
	for n := range j.Sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Source is one protocol request whose result becomes a table.
type Source struct {
	Type string `yaml:"type" validate:"required,oneof=snmpGet snmpTable wmi commandLine http static ipmi"`

	// snmp
	OID     string `yaml:"oid"`
	Columns []int  `yaml:"columns"`

	// wmi
	Query     string `yaml:"query"`
	Namespace string `yaml:"namespace"`

	// commandLine
	CommandLine string `yaml:"command_line"`

	// http
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
	Body   string `yaml:"body"`

	// static
	Value string `yaml:"value"`

	Separators    string `yaml:"separators"`
	SelectColumns []int  `yaml:"select_columns"`

	// Key is the namespace key under which the table is published. It is
	// filled in by the loader.
	Key string `yaml:"-"`
}

// Mapping turns the rows of a source table into monitor attributes and
// metrics.
type Mapping struct {
	Source                string            `yaml:"source" validate:"required"`
	Attributes            map[string]string `yaml:"attributes"`
	Metrics               map[string]string `yaml:"metrics"`
	ConditionalCollection map[string]string `yaml:"conditionalCollection"`
	LegacyTextParameters  map[string]string `yaml:"legacyTextParameters"`
}

// SourceKey builds the namespace key of a source.
func SourceKey(monitorType, job, name string) string {
	return fmt.Sprintf("monitors.%s.%s.sources.%s", monitorType, job, name)
}
