package channels

import (
	"context"
	"log/slog"
	"sync"
)

// StartCycleLogger starts a goroutine that logs every completed cycle and
// hands it to the optional observers.
func StartCycleLogger(ctx context.Context, events *EventChannels, logger *slog.Logger, observers ...func(CycleCompletedEvent)) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case event, ok := <-events.CycleCompleted:
				if !ok {
					return
				}
				attrs := []any{
					slog.String("cycle_id", event.CycleID.String()),
					slog.String("hostname", event.Hostname),
					slog.Bool("discovery", event.Discovery),
					slog.Int("sources", event.Sources),
					slog.Int("failed_sources", event.FailedSources),
					slog.Int("monitors", event.Monitors),
					slog.String("duration", event.CompletedAt.Sub(event.StartedAt).String()),
				}
				if event.Error != "" {
					logger.WarnContext(ctx, "Cycle completed with error", append(attrs, slog.String("error", event.Error))...)
				} else {
					logger.InfoContext(ctx, "Cycle completed", attrs...)
				}
				for _, observe := range observers {
					observe(event)
				}
			case <-ctx.Done():
				return
			case <-events.Done():
				return
			}
		}
	}()
	return &wg
}
