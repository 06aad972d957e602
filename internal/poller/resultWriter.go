package poller

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nmslite/hwsentry/internal/telemetry"
)

// MetricRecord is a metric sample ready for database insertion
type MetricRecord struct {
	Timestamp   time.Time
	Hostname    string
	ConnectorID string
	MonitorType string
	MonitorID   string
	Name        string
	Value       float64
}

// MetricSink accepts metric records for storage.
type MetricSink interface {
	Submit(ctx context.Context, record MetricRecord) error
}

// ResultWriter hands the metrics collected during a cycle to a sink
type ResultWriter struct {
	logger *slog.Logger
	sink   MetricSink
}

// NewResultWriter creates a ResultWriter. A nil sink discards every record.
func NewResultWriter(logger *slog.Logger, sink MetricSink) *ResultWriter {
	return &ResultWriter{
		logger: logger.With("component", "result_writer"),
		sink:   sink,
	}
}

// Write submits every metric of the session sampled at or after since and
// returns the number of records accepted. Raw counter samples are internal
// to rate computations and are not written.
func (w *ResultWriter) Write(ctx context.Context, session *telemetry.Manager, since time.Time) int {
	if w.sink == nil {
		return 0
	}

	sinceMS := since.UnixMilli()
	written := 0
	for _, mon := range session.Monitors() {
		for _, metric := range mon.Metrics() {
			if metric.Value == nil || metric.CollectTime < sinceMS || strings.HasSuffix(metric.Name, telemetry.RawMetricSuffix) {
				continue
			}

			record := MetricRecord{
				Timestamp:   time.UnixMilli(metric.CollectTime),
				Hostname:    session.Hostname(),
				ConnectorID: mon.ConnectorID,
				MonitorType: mon.Type,
				MonitorID:   mon.ID,
				Name:        metric.Name,
				Value:       *metric.Value,
			}

			if err := w.sink.Submit(ctx, record); err != nil {
				w.logger.Error("failed to submit metric",
					"hostname", record.Hostname,
					"monitor_type", record.MonitorType,
					"monitor_id", record.MonitorID,
					"metric", record.Name,
					"error", err,
				)
				return written
			}
			written++
		}
	}

	w.logger.Debug("cycle metrics submitted",
		"hostname", session.Hostname(),
		"count", written,
	)
	return written
}
