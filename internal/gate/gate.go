// Package gate serializes the evaluations of a connector on a host when the
// connector asks for it.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmslite/hwsentry/internal/telemetry"
)

// DefaultTimeout bounds the wait for a serialization lock.
const DefaultTimeout = 120 * time.Second

// OutcomesMetricName is the name of the serialization outcome counter.
const OutcomesMetricName = "hwsentry_serialization_total"

// Outcomes of a ForceSerialization call.
const (
	OutcomeAcquired  = "acquired"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeReentered = "reentered"
)

// Gate holds the settings shared by every serialized evaluation.
type Gate struct {
	timeout  time.Duration
	logger   *slog.Logger
	outcomes *prometheus.CounterVec
}

// New creates a gate. A non-positive timeout selects DefaultTimeout. The
// outcome counter is registered with reg when reg is not nil.
func New(timeout time.Duration, logger *slog.Logger, reg prometheus.Registerer) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: OutcomesMetricName,
		Help: "Force serialization attempts by outcome.",
	}, []string{"outcome"})

	if reg != nil {
		if err := reg.Register(outcomes); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				outcomes = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				logger.Warn("Failed to register serialization metrics", "error", err)
			}
		}
	}

	return &Gate{
		timeout:  timeout,
		logger:   logger.With("component", "gate"),
		outcomes: outcomes,
	}
}

// Timeout returns the bounded wait of the gate.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

type ownerKey struct {
	lock *telemetry.SerialLock
}

// ForceSerialization runs executable while holding the serialization lock of
// connectorID on the session's host. If the lock cannot be acquired within
// the gate timeout, or ctx is cancelled while waiting, executable is not run
// and defaultValue is returned. A nested call made with the context handed
// to executable runs directly since the lock is already held.
func ForceSerialization[T any](
	ctx context.Context,
	g *Gate,
	session *telemetry.Manager,
	connectorID string,
	executable func(context.Context) T,
	objToProcess string,
	description string,
	defaultValue T,
) T {
	if g == nil {
		g = New(DefaultTimeout, nil, nil)
	}
	lock := session.Namespace(connectorID).SerializationLock()

	if ctx.Value(ownerKey{lock}) != nil {
		g.outcomes.WithLabelValues(OutcomeReentered).Inc()
		return executable(ctx)
	}

	logger := g.logger.With(
		"hostname", session.Hostname(),
		"connector", connectorID,
		"object", objToProcess,
		"description", description,
	)

	if err := lock.Acquire(ctx, g.timeout); err != nil {
		if errors.Is(err, telemetry.ErrLockTimeout) {
			g.outcomes.WithLabelValues(OutcomeTimeout).Inc()
			logger.Error("Timeout waiting for serialization lock, skipping", "timeout", g.timeout)
		} else {
			g.outcomes.WithLabelValues(OutcomeCancelled).Inc()
			logger.Info("Interrupted while waiting for serialization lock", "error", err)
		}
		return defaultValue
	}
	defer lock.Release()

	g.outcomes.WithLabelValues(OutcomeAcquired).Inc()
	return executable(context.WithValue(ctx, ownerKey{lock}, true))
}
