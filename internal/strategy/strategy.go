// Package strategy runs the discovery and collect jobs of connectors
// against a host and turns the resulting tables into monitors.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmslite/hwsentry/internal/calc"
	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/gate"
	"github.com/nmslite/hwsentry/internal/mapping"
	"github.com/nmslite/hwsentry/internal/protocols"
	"github.com/nmslite/hwsentry/internal/source"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

var errSerializationSkipped = errors.New("serialization lock not acquired")

// SourceExecutor runs a connector source against a target.
type SourceExecutor interface {
	Execute(ctx context.Context, target *protocols.Target, src *connector.Source) (*source.Table, error)
}

// Stats summarizes one strategy run.
type Stats struct {
	Sources       int `json:"sources"`
	FailedSources int `json:"failed_sources"`
	Rows          int `json:"rows"`
	Monitors      int `json:"monitors"`
}

func (s *Stats) add(o Stats) {
	s.Sources += o.Sources
	s.FailedSources += o.FailedSources
	s.Rows += o.Rows
	s.Monitors += o.Monitors
}

// Runner executes connector jobs.
type Runner struct {
	executor SourceExecutor
	gate     *gate.Gate
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a runner.
func NewRunner(executor SourceExecutor, g *gate.Gate, logger *slog.Logger) *Runner {
	return &Runner{
		executor: executor,
		gate:     g,
		logger:   logger.With("component", "strategy"),
		now:      time.Now,
	}
}

// Discover runs the discovery job of every monitor type of every connector
// and creates or updates the monitors found.
func (r *Runner) Discover(ctx context.Context, session *telemetry.Manager, target *protocols.Target, connectors []*connector.Connector) (Stats, error) {
	return r.run(ctx, session, target, connectors, connector.JobDiscovery)
}

// Collect runs the collect job of every monitor type of every connector and
// updates the monitors previously discovered.
func (r *Runner) Collect(ctx context.Context, session *telemetry.Manager, target *protocols.Target, connectors []*connector.Connector) (Stats, error) {
	return r.run(ctx, session, target, connectors, connector.JobCollect)
}

func (r *Runner) run(ctx context.Context, session *telemetry.Manager, target *protocols.Target, connectors []*connector.Connector, jobName string) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range connectors {
		g.Go(func() error {
			for _, monitorType := range c.MonitorTypes() {
				if err := ctx.Err(); err != nil {
					return err
				}
				job := c.Monitors[monitorType].Job(jobName)
				if job == nil {
					continue
				}
				info := telemetry.JobInfo{
					ConnectorID: c.ID(),
					Hostname:    session.Hostname(),
					MonitorType: monitorType,
					JobName:     jobName,
				}
				stats := r.runJob(ctx, session, target, c, info, job)

				mu.Lock()
				total.add(stats)
				mu.Unlock()
			}
			return nil
		})
	}

	err := g.Wait()
	return total, err
}

func (r *Runner) runJob(ctx context.Context, session *telemetry.Manager, target *protocols.Target, c *connector.Connector, info telemetry.JobInfo, job *connector.Job) Stats {
	var stats Stats
	ns := session.Namespace(c.ID())
	logger := r.logger.With(
		"hostname", info.Hostname,
		"connector", info.ConnectorID,
		"monitor_type", info.MonitorType,
		"job", info.JobName,
	)

	for _, name := range job.SourceNames() {
		src := job.Sources[name]
		stats.Sources++

		table, err := r.executeSource(ctx, session, target, c, src)
		if err != nil {
			stats.FailedSources++
			ns.RemoveSourceTable(src.Key)
			logger.Warn("Source failed", "source", src.Key, "error", err)
			continue
		}
		ns.PublishSourceTable(src.Key, table)
	}

	if job.Mapping == nil {
		return stats
	}
	table, ok := source.Resolve(job.Mapping.Source, ns)
	if !ok {
		logger.Debug("No table for mapping source", "source", job.Mapping.Source)
		return stats
	}

	now := r.now()
	for i, row := range table.Rows {
		stats.Rows++
		if r.applyRow(session, ns, info, job.Mapping, row, i, now, logger) {
			stats.Monitors++
		}
	}
	return stats
}

type execution struct {
	table *source.Table
	err   error
}

func (r *Runner) executeSource(ctx context.Context, session *telemetry.Manager, target *protocols.Target, c *connector.Connector, src *connector.Source) (*source.Table, error) {
	execute := func(ctx context.Context) execution {
		table, err := r.executor.Execute(ctx, target, src)
		return execution{table: table, err: err}
	}

	var res execution
	if c.Info.ForceSerialization {
		res = gate.ForceSerialization(ctx, r.gate, session, c.ID(), execute, src.Key, "source execution",
			execution{err: errSerializationSkipped})
	} else {
		res = execute(ctx)
	}
	if res.err == nil && res.table == nil {
		res.table = source.NewTable(nil)
	}
	return res.table, res.err
}

// applyRow runs the two-phase mapping of one row and creates or updates the
// matching monitor. It reports whether a monitor was updated.
func (r *Runner) applyRow(session *telemetry.Manager, ns *telemetry.ConnectorNamespace, info telemetry.JobInfo, m *connector.Mapping, row []string, index int, now time.Time, logger *slog.Logger) bool {
	proc, err := mapping.NewProcessor(mapping.Options{
		Row:         row,
		JobInfo:     info,
		Monitors:    session,
		Namespace:   ns,
		Mapping:     m,
		CollectTime: now.UnixMilli(),
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Failed to create mapping processor", "error", err)
		return false
	}

	attributes := proc.Attributes()
	id := attributes[telemetry.AttributeID]
	if id == "" {
		id = strconv.Itoa(index)
	}

	var mon *telemetry.Monitor
	if info.JobName == connector.JobDiscovery {
		mon = session.AddMonitor(telemetry.NewMonitor(info.MonitorType, id, info.ConnectorID))
		mon.SetDiscoveryTime(now)
	} else {
		var ok bool
		mon, ok = session.Monitor(info.MonitorType, id)
		if !ok {
			logger.Debug("No monitor for collected row", "id", id)
			return false
		}
	}

	// deferred lookups read ${attribute::} values from the monitor itself
	mon.AddAttributes(attributes)
	mon.AddAttributes(proc.ResolveDeferred(mon))

	metrics := proc.Metrics()
	maps.Copy(metrics, proc.ResolveDeferred(mon))
	collectTime := now.UnixMilli()
	for name, value := range metrics {
		f := calc.ParseFloat(value)
		if f == nil {
			logger.Debug("Metric value is not a number", "metric", name, "value", value, "id", id)
			continue
		}
		mon.CollectMetric(name, *f, collectTime)
	}

	cc := proc.ConditionalCollection()
	maps.Copy(cc, proc.ResolveDeferred(mon))
	if len(cc) > 0 {
		mon.SetConditionalCollection(cc)
	}
	ltp := proc.LegacyTextParameters()
	maps.Copy(ltp, proc.ResolveDeferred(mon))
	if len(ltp) > 0 {
		mon.SetLegacyTextParameters(ltp)
	}
	return true
}
