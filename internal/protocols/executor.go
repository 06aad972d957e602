// Package protocols runs connector sources against a host and returns their
// results as source tables.
package protocols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/source"
)

// ErrUnsupported is returned for source types no executor handles.
var ErrUnsupported = errors.New("source type not supported")

// ErrNoCredentials is returned when the target has no credentials for the
// protocol a source needs.
var ErrNoCredentials = errors.New("no credentials configured for protocol")

// Executor runs one kind of source.
type Executor interface {
	Execute(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error) {
	return f(ctx, target, src)
}

// Dispatcher routes each source to the executor of its type.
type Dispatcher struct {
	mu        sync.RWMutex
	executors map[string]Executor
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher with the built-in executors. timeout
// bounds each protocol request.
func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		executors: make(map[string]Executor),
		logger:    logger.With("component", "protocols"),
	}

	snmp := NewSNMPExecutor(timeout)
	d.Register(connector.SourceSNMPGet, snmp)
	d.Register(connector.SourceSNMPTable, snmp)
	d.Register(connector.SourceWMI, NewWMIExecutor(timeout))
	d.Register(connector.SourceCommandLine, NewSSHExecutor(timeout))
	d.Register(connector.SourceHTTP, NewHTTPExecutor(timeout))
	d.Register(connector.SourceStatic, ExecutorFunc(executeStatic))
	return d
}

// Register sets the executor of a source type, replacing any previous one.
func (d *Dispatcher) Register(sourceType string, e Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[sourceType] = e
}

// Execute runs src against target and applies the source's column
// selection.
func (d *Dispatcher) Execute(ctx context.Context, target *Target, src *connector.Source) (*source.Table, error) {
	d.mu.RLock()
	e, ok := d.executors[src.Type]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", src.Type, ErrUnsupported)
	}

	start := time.Now()
	table, err := e.Execute(ctx, target, src)
	if err != nil {
		return nil, fmt.Errorf("%s source %s on %s: %w", src.Type, src.Key, target.Hostname, err)
	}

	d.logger.Debug("Source executed",
		"hostname", target.Hostname,
		"source", src.Key,
		"type", src.Type,
		"rows", len(table.Rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return table.SelectColumns(src.SelectColumns), nil
}

func executeStatic(_ context.Context, _ *Target, src *connector.Source) (*source.Table, error) {
	return source.ParseCSV(src.Value, src.Separators), nil
}
