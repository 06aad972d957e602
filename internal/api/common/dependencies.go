package common

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nmslite/hwsentry/internal/auth"
	"github.com/nmslite/hwsentry/internal/poller"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// HostProvider exposes the scheduled hosts and their sessions.
type HostProvider interface {
	Hosts() []poller.HostStatus
	Session(hostname string) (*telemetry.Manager, bool)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds common dependencies for API handlers
type Dependencies struct {
	Auth     *auth.Service
	Hosts    HostProvider
	DB       Pinger // nil when persistence is disabled
	Gatherer prometheus.Gatherer
	Registry prometheus.Registerer
	Logger   *slog.Logger
}
