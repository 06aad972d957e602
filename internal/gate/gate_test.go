package gate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nmslite/hwsentry/internal/telemetry"
)

func newTestGate(timeout time.Duration) *Gate {
	return New(timeout, slog.New(slog.NewTextHandler(io.Discard, nil)), prometheus.NewRegistry())
}

func TestForceSerialization_NoConcurrentExecution(t *testing.T) {
	g := newTestGate(5 * time.Second)
	session := telemetry.NewManager("host-1")

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ForceSerialization(context.Background(), g, session, "conn", func(ctx context.Context) bool {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return true
			}, "source", "concurrency test", false)
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("expected at most one executable at a time, got %d", maxActive)
	}
	if got := testutil.ToFloat64(g.outcomes.WithLabelValues(OutcomeAcquired)); got != 8 {
		t.Errorf("expected 8 acquisitions, got %v", got)
	}
}

func TestForceSerialization_Timeout(t *testing.T) {
	g := newTestGate(20 * time.Millisecond)
	session := telemetry.NewManager("host-1")

	lock := session.Namespace("conn").SerializationLock()
	if err := lock.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	invoked := false
	got := ForceSerialization(context.Background(), g, session, "conn", func(ctx context.Context) string {
		invoked = true
		return "table"
	}, "source", "timeout test", "default")

	if got != "default" {
		t.Errorf("got %q, want default", got)
	}
	if invoked {
		t.Error("executable must not run when the lock is not acquired")
	}
	if n := testutil.ToFloat64(g.outcomes.WithLabelValues(OutcomeTimeout)); n != 1 {
		t.Errorf("expected 1 timeout, got %v", n)
	}
}

func TestForceSerialization_Cancelled(t *testing.T) {
	g := newTestGate(time.Minute)
	session := telemetry.NewManager("host-1")

	lock := session.Namespace("conn").SerializationLock()
	if err := lock.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	got := ForceSerialization(ctx, g, session, "conn", func(ctx context.Context) int {
		return 1
	}, "source", "cancel test", -1)

	if got != -1 {
		t.Errorf("got %d, want -1", got)
	}
	if ctx.Err() == nil {
		t.Error("expected the caller context to stay cancelled")
	}
	if n := testutil.ToFloat64(g.outcomes.WithLabelValues(OutcomeCancelled)); n != 1 {
		t.Errorf("expected 1 cancellation, got %v", n)
	}
}

func TestForceSerialization_Reentrant(t *testing.T) {
	g := newTestGate(50 * time.Millisecond)
	session := telemetry.NewManager("host-1")

	got := ForceSerialization(context.Background(), g, session, "conn", func(ctx context.Context) string {
		return ForceSerialization(ctx, g, session, "conn", func(context.Context) string {
			return "inner"
		}, "source", "nested", "default")
	}, "source", "outer", "default")

	if got != "inner" {
		t.Errorf("got %q, want inner", got)
	}
	if n := testutil.ToFloat64(g.outcomes.WithLabelValues(OutcomeReentered)); n != 1 {
		t.Errorf("expected 1 reentry, got %v", n)
	}
}

func TestForceSerialization_ScopedPerConnectorAndHost(t *testing.T) {
	g := newTestGate(20 * time.Millisecond)
	session := telemetry.NewManager("host-1")

	lock := session.Namespace("conn-a").SerializationLock()
	if err := lock.Acquire(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	run := func(s *telemetry.Manager, connectorID string) bool {
		return ForceSerialization(context.Background(), g, s, connectorID, func(context.Context) bool {
			return true
		}, "source", "scope test", false)
	}

	if !run(session, "conn-b") {
		t.Error("expected another connector on the same host to proceed")
	}
	if !run(telemetry.NewManager("host-2"), "conn-a") {
		t.Error("expected the same connector on another host to proceed")
	}
	if run(session, "conn-a") {
		t.Error("expected the held connector to time out")
	}
}

func TestNew_DefaultTimeout(t *testing.T) {
	if got := New(0, nil, nil).Timeout(); got != DefaultTimeout {
		t.Errorf("got %v, want %v", got, DefaultTimeout)
	}

	reg := prometheus.NewRegistry()
	first := New(time.Second, nil, reg)
	second := New(time.Second, nil, reg)
	if first.outcomes != second.outcomes {
		t.Error("expected the registered counter to be reused")
	}
}
