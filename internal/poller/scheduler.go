// Package poller schedules the collection cycles of every monitored host and
// persists the collected metrics.
package poller

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nmslite/hwsentry/internal/channels"
	"github.com/nmslite/hwsentry/internal/connector"
	"github.com/nmslite/hwsentry/internal/globals"
	"github.com/nmslite/hwsentry/internal/protocols"
	"github.com/nmslite/hwsentry/internal/strategy"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// CycleRunner runs the connector jobs of a host.
type CycleRunner interface {
	Discover(ctx context.Context, session *telemetry.Manager, target *protocols.Target, connectors []*connector.Connector) (strategy.Stats, error)
	Collect(ctx context.Context, session *telemetry.Manager, target *protocols.Target, connectors []*connector.Connector) (strategy.Stats, error)
}

// SecretRevealer decrypts the stored credentials of a host.
type SecretRevealer interface {
	Reveal(value string) (string, error)
}

// ScheduledHost is a host in the scheduler queue.
type ScheduledHost struct {
	Session    *telemetry.Manager
	Target     protocols.Target
	Connectors []*connector.Connector
	Interval   time.Duration

	NextDeadline time.Time
	heapIndex    int

	busy atomic.Bool

	mu        sync.Mutex
	cycles    int
	lastCycle *channels.CycleCompletedEvent
}

// HostStatus is a snapshot of a scheduled host.
type HostStatus struct {
	Hostname     string    `json:"hostname"`
	Connectors   []string  `json:"connectors"`
	Interval     string    `json:"interval"`
	Cycles       int       `json:"cycles"`
	Monitors     int       `json:"monitors"`
	LastCycleAt  time.Time `json:"last_cycle_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	NextDeadline time.Time `json:"next_deadline"`
}

// PriorityQueue implements heap.Interface for *ScheduledHost
type PriorityQueue []*ScheduledHost

func (pq PriorityQueue) Len() int {
	return len(pq)
}

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].NextDeadline.Before(pq[j].NextDeadline)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].heapIndex = i
	pq[j].heapIndex = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*ScheduledHost)
	item.heapIndex = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	*pq = old[0 : n-1]
	return item
}

// Scheduler runs a discovery and collect cycle for every host when its
// deadline is reached.
type Scheduler struct {
	runner       CycleRunner
	revealer     SecretRevealer
	resultWriter *ResultWriter
	events       *channels.EventChannels
	logger       *slog.Logger
	now          func() time.Time

	tickInterval   time.Duration
	cycleTimeout   time.Duration
	discoveryCycle int

	heap   PriorityQueue
	hosts  map[string]*ScheduledHost
	heapMu sync.Mutex

	workerSem chan struct{}

	running bool
	runMu   sync.Mutex
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler. events and resultWriter may be nil.
func NewScheduler(
	runner CycleRunner,
	revealer SecretRevealer,
	resultWriter *ResultWriter,
	events *channels.EventChannels,
	cfg globals.CollectionConfig,
	logger *slog.Logger,
) *Scheduler {
	cfg.ApplyDefaults()
	return &Scheduler{
		runner:         runner,
		revealer:       revealer,
		resultWriter:   resultWriter,
		events:         events,
		logger:         logger.With("component", "scheduler"),
		now:            time.Now,
		tickInterval:   cfg.TickInterval(),
		cycleTimeout:   cfg.CycleTimeout(),
		discoveryCycle: cfg.DiscoveryCycle,
		heap:           make(PriorityQueue, 0),
		hosts:          make(map[string]*ScheduledHost),
		workerSem:      make(chan struct{}, cfg.Workers),
	}
}

// AddHost schedules a host for an immediate first cycle. Adding a hostname
// twice replaces its target and connectors but keeps its session.
func (s *Scheduler) AddHost(target protocols.Target, connectors []*connector.Connector, interval time.Duration) *ScheduledHost {
	s.heapMu.Lock()
	defer s.heapMu.Unlock()

	if existing, ok := s.hosts[target.Hostname]; ok {
		existing.Target = target
		existing.Connectors = connectors
		existing.Interval = interval
		return existing
	}

	sh := &ScheduledHost{
		Session:      telemetry.NewManager(target.Hostname),
		Target:       target,
		Connectors:   connectors,
		Interval:     interval,
		NextDeadline: s.now(),
	}
	s.hosts[target.Hostname] = sh
	heap.Push(&s.heap, sh)

	s.logger.Debug("host added to scheduler",
		"hostname", target.Hostname,
		"connectors", len(connectors),
		"interval", interval,
	)
	return sh
}

// Session returns the telemetry session of a host.
func (s *Scheduler) Session(hostname string) (*telemetry.Manager, bool) {
	s.heapMu.Lock()
	defer s.heapMu.Unlock()
	sh, ok := s.hosts[hostname]
	if !ok {
		return nil, false
	}
	return sh.Session, true
}

// Sessions returns the sessions of every host ordered by hostname.
func (s *Scheduler) Sessions() []*telemetry.Manager {
	s.heapMu.Lock()
	out := make([]*telemetry.Manager, 0, len(s.hosts))
	for _, sh := range s.hosts {
		out = append(out, sh.Session)
	}
	s.heapMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hostname() < out[j].Hostname() })
	return out
}

// Hosts returns a status snapshot of every host ordered by hostname.
func (s *Scheduler) Hosts() []HostStatus {
	s.heapMu.Lock()
	out := make([]HostStatus, 0, len(s.hosts))
	for _, sh := range s.hosts {
		out = append(out, sh.status())
	}
	s.heapMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Hostname < out[j].Hostname })
	return out
}

func (sh *ScheduledHost) status() HostStatus {
	ids := make([]string, 0, len(sh.Connectors))
	for _, c := range sh.Connectors {
		ids = append(ids, c.ID())
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	st := HostStatus{
		Hostname:     sh.Target.Hostname,
		Connectors:   ids,
		Interval:     sh.Interval.String(),
		Cycles:       sh.cycles,
		Monitors:     len(sh.Session.Monitors()),
		NextDeadline: sh.NextDeadline,
	}
	if sh.lastCycle != nil {
		st.LastCycleAt = sh.lastCycle.CompletedAt
		st.LastError = sh.lastCycle.Error
	}
	return st
}

// Run starts the scheduler and blocks until context is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runMu.Unlock()

	s.logger.Info("starting scheduler",
		"tick_interval", s.tickInterval,
		"cycle_timeout", s.cycleTimeout,
		"discovery_cycle", s.discoveryCycle,
		"workers", cap(s.workerSem),
	)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled, shutting down")
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// tick starts a cycle for every host whose deadline has passed
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.heapMu.Lock()
	var due []*ScheduledHost
	for len(s.heap) > 0 {
		sh := s.heap[0]
		if sh.NextDeadline.After(now) {
			break
		}
		popped := heap.Pop(&s.heap).(*ScheduledHost)
		due = append(due, popped)

		popped.NextDeadline = now.Add(popped.Interval)
		heap.Push(&s.heap, popped)
	}
	s.heapMu.Unlock()

	for _, sh := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.processHost(ctx, sh)
		}()
	}

	if len(due) > 0 {
		s.logger.Debug("tick started host cycles", "count", len(due))
	}
}

// processHost runs one cycle of a host unless the previous one is still
// running.
func (s *Scheduler) processHost(ctx context.Context, sh *ScheduledHost) {
	logger := s.logger.With("hostname", sh.Target.Hostname)

	if !sh.busy.CompareAndSwap(false, true) {
		logger.Warn("previous cycle still running, skipping")
		return
	}
	defer sh.busy.Store(false)

	select {
	case s.workerSem <- struct{}{}:
		defer func() { <-s.workerSem }()
	case <-ctx.Done():
		logger.Warn("context cancelled while waiting for a worker")
		return
	}

	s.runCycle(ctx, sh)
}

// runCycle runs discovery when due, then collect, and publishes the outcome.
func (s *Scheduler) runCycle(ctx context.Context, sh *ScheduledHost) channels.CycleCompletedEvent {
	sh.mu.Lock()
	cycle := sh.cycles
	sh.cycles++
	sh.mu.Unlock()

	event := channels.CycleCompletedEvent{
		CycleID:   uuid.New(),
		Hostname:  sh.Target.Hostname,
		Discovery: s.discoveryCycle <= 1 || cycle%s.discoveryCycle == 0,
		StartedAt: s.now(),
	}
	logger := s.logger.With("hostname", event.Hostname, "cycle_id", event.CycleID)

	err := s.collect(ctx, sh, &event)
	event.CompletedAt = s.now()
	if err != nil {
		event.Error = err.Error()
		logger.Error("host cycle failed", "error", err)
	} else if s.resultWriter != nil {
		n := s.resultWriter.Write(ctx, sh.Session, event.StartedAt)
		logger.Debug("host cycle succeeded", "metrics_written", n)
	}
	event.Monitors = len(sh.Session.Monitors())

	sh.mu.Lock()
	sh.lastCycle = &event
	sh.mu.Unlock()

	s.emit(event)
	return event
}

func (s *Scheduler) collect(ctx context.Context, sh *ScheduledHost, event *channels.CycleCompletedEvent) error {
	target := sh.Target
	if s.revealer != nil {
		var err error
		target, err = sh.Target.WithSecrets(s.revealer.Reveal)
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	if event.Discovery {
		stats, err := s.runner.Discover(ctx, sh.Session, &target, sh.Connectors)
		event.Sources += stats.Sources
		event.FailedSources += stats.FailedSources
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
	}

	stats, err := s.runner.Collect(ctx, sh.Session, &target, sh.Connectors)
	event.Sources += stats.Sources
	event.FailedSources += stats.FailedSources
	if err != nil {
		return fmt.Errorf("collect failed: %w", err)
	}
	return nil
}

func (s *Scheduler) emit(event channels.CycleCompletedEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events.CycleCompleted <- event:
	default:
		s.logger.Warn("failed to emit cycle completed event: channel full",
			"hostname", event.Hostname,
		)
	}
}

// shutdown waits for the running cycles
func (s *Scheduler) shutdown() {
	s.logger.Info("shutting down scheduler, waiting for cycles to complete")

	s.wg.Wait()

	s.runMu.Lock()
	s.running = false
	s.runMu.Unlock()

	s.logger.Info("scheduler shutdown complete")
}
