package channels

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CycleCompletedEvent is published when a host finished a collection cycle.
type CycleCompletedEvent struct {
	CycleID       uuid.UUID
	Hostname      string
	Discovery     bool
	Sources       int
	FailedSources int
	Monitors      int
	Error         string // empty on success
	StartedAt     time.Time
	CompletedAt   time.Time
}

// EventChannels provides typed channels for all system events
type EventChannels struct {
	CycleCompleted chan CycleCompletedEvent

	done      chan struct{}
	closeOnce sync.Once
}

// NewEventChannels creates a new EventChannels hub with configured buffer sizes
func NewEventChannels(cfg EventChannelsConfig) *EventChannels {
	return &EventChannels{
		CycleCompleted: make(chan CycleCompletedEvent, cfg.CycleBufferSize),
		done:           make(chan struct{}),
	}
}

// Close signals consumers to exit. Producers must have stopped before the
// channels are closed.
func (ec *EventChannels) Close() error {
	ec.closeOnce.Do(func() {
		close(ec.done)
		close(ec.CycleCompleted)
	})
	return nil
}

// Done returns a channel that's closed when the EventChannels is shutting down
func (ec *EventChannels) Done() <-chan struct{} {
	return ec.done
}
