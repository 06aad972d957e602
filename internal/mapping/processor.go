// Package mapping evaluates connector mapping templates against the rows of
// a source table.
//
// Evaluation happens in two passes. Interpret resolves everything that only
// needs the row; functions that need the target monitor (rate, fakeCounter,
// legacyPowerSupplyUtilization and attribute-dependent lookups) are deferred
// until ResolveDeferred is called with that monitor.
package mapping

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/source"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// MonitorFinder gives access to the monitors already known on the host.
type MonitorFinder interface {
	MonitorsByType(monitorType string) ([]*telemetry.Monitor, bool)
}

// Options configures a Processor.
type Options struct {
	Row     []string
	JobInfo telemetry.JobInfo
	// Monitors is required.
	Monitors MonitorFinder
	// Namespace resolves ${source::<key>} references of the mapping.
	Namespace source.Namespace
	Mapping   *connector.Mapping
	// CollectTime is the Unix time in milliseconds of the current cycle.
	CollectTime int64
	Logger      *slog.Logger
}

// Processor evaluates one mapping for one row. It must not be shared
// between rows or goroutines.
type Processor struct {
	row         []string
	jobInfo     telemetry.JobInfo
	monitors    MonitorFinder
	namespace   source.Namespace
	mapping     *connector.Mapping
	collectTime int64
	logger      *slog.Logger

	deferred registries
}

// NewProcessor creates a processor. It fails when the monitor finder or the
// hostname is missing.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Monitors == nil {
		return nil, errors.New("mapping processor requires a monitor finder")
	}
	if opts.JobInfo.Hostname == "" {
		return nil, errors.New("mapping processor requires a hostname")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		row:         opts.Row,
		jobInfo:     opts.JobInfo,
		monitors:    opts.Monitors,
		namespace:   opts.Namespace,
		mapping:     opts.Mapping,
		collectTime: opts.CollectTime,
		logger: logger.With(
			"component", "mapping",
			"hostname", opts.JobInfo.Hostname,
			"connector", opts.JobInfo.ConnectorID,
			"monitor_type", opts.JobInfo.MonitorType,
			"job", opts.JobInfo.JobName,
		),
	}, nil
}

// SourceTable resolves the mapping's declared source.
func (p *Processor) SourceTable() (*source.Table, bool) {
	if p.mapping == nil {
		return nil, false
	}
	return source.Resolve(p.mapping.Source, p.namespace)
}

// Interpret evaluates every template of keyValuePairs against the row.
// Keys whose value cannot be computed are left out of the result.
func (p *Processor) Interpret(keyValuePairs map[string]string) map[string]string {
	result := make(map[string]string, len(keyValuePairs))

	keys := make([]string, 0, len(keyValuePairs))
	for k := range keyValuePairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		p.interpretOne(KeyValuePair{Key: key, Value: keyValuePairs[key]}, result)
	}
	return result
}

func (p *Processor) interpretOne(pair KeyValuePair, result map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("template evaluation failed", "key", pair.Key, "template", pair.Value, "panic", fmt.Sprint(r))
		}
	}()

	out := p.evaluate(pair)
	if out.deferred != nil {
		p.deferred.add(out.deferred)
		return
	}
	for k, v := range out.values {
		result[k] = v
	}
}

// Attributes interprets the attributes of the mapping.
func (p *Processor) Attributes() map[string]string {
	if p.mapping == nil {
		return map[string]string{}
	}
	return p.Interpret(p.mapping.Attributes)
}

// Metrics interprets the metrics of the mapping.
func (p *Processor) Metrics() map[string]string {
	if p.mapping == nil {
		return map[string]string{}
	}
	return p.Interpret(p.mapping.Metrics)
}

// ConditionalCollection interprets the conditional collection of the
// mapping.
func (p *Processor) ConditionalCollection() map[string]string {
	if p.mapping == nil {
		return map[string]string{}
	}
	return p.Interpret(p.mapping.ConditionalCollection)
}

// LegacyTextParameters interprets the legacy text parameters of the
// mapping.
func (p *Processor) LegacyTextParameters() map[string]string {
	if p.mapping == nil {
		return map[string]string{}
	}
	return p.Interpret(p.mapping.LegacyTextParameters)
}

// PendingDeferred returns the number of deferred functions waiting for
// ResolveDeferred.
func (p *Processor) PendingDeferred() int {
	return p.deferred.len()
}

// ResolveDeferred runs the deferred functions against monitor, lookups
// first, then power supply utilizations, then computations, and empties
// every registry.
func (p *Processor) ResolveDeferred(monitor *telemetry.Monitor) map[string]string {
	defer p.deferred.clear()

	result := make(map[string]string)
	if p.deferred.len() == 0 {
		return result
	}
	if monitor == nil {
		p.logger.Error("deferred functions dropped, no monitor", "count", p.deferred.len())
		return result
	}

	for _, fn := range p.deferred.lookups {
		if v, ok := fn.Resolve(fn.KeyValuePair, monitor); ok {
			result[fn.Key] = v
		}
	}
	for _, fn := range p.deferred.legacyPowerSupply {
		if v := fn.Resolve(fn.KeyValuePair, monitor); v != nil {
			result[fn.Key] = formatFloat(*v)
		}
	}
	for _, fn := range p.deferred.computations {
		for k, v := range fn.Resolve(fn.KeyValuePair, monitor) {
			result[k] = v
		}
	}
	return result
}

func (p *Processor) collectTimeSeconds() float64 {
	return float64(p.collectTime) / 1000
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
