package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nmslite/hwsentry/internal/source"
)

func TestManager_AddMonitor(t *testing.T) {
	m := NewManager("host-1")

	first := m.AddMonitor(NewMonitor("disk", "d1", "conn"))
	second := m.AddMonitor(NewMonitor("disk", "d1", "conn"))
	if first != second {
		t.Error("expected AddMonitor to return the registered monitor")
	}

	m.AddMonitor(NewMonitor("disk", "d0", "conn"))
	m.AddMonitor(NewMonitor("cpu", "c0", "conn"))

	disks, ok := m.MonitorsByType("disk")
	if !ok || len(disks) != 2 {
		t.Fatalf("expected 2 disks, got %d", len(disks))
	}
	if disks[0].ID != "d0" || disks[1].ID != "d1" {
		t.Errorf("expected monitors ordered by id, got %s, %s", disks[0].ID, disks[1].ID)
	}

	if _, ok := m.MonitorsByType("fan"); ok {
		t.Error("expected unknown type to report false")
	}

	all := m.Monitors()
	if len(all) != 3 || all[0].Type != "cpu" {
		t.Errorf("unexpected monitor listing: %d monitors", len(all))
	}

	m.RemoveMonitor("disk", "d1")
	if _, ok := m.Monitor("disk", "d1"); ok {
		t.Error("expected monitor to be removed")
	}
}

func TestMonitor_CollectMetric(t *testing.T) {
	mon := NewMonitor("fan", "f1", "conn")

	mon.CollectMetric("hw.fan.speed", 1000, 1000)
	mon.CollectMetric("hw.fan.speed", 1200, 2000)

	metric, ok := mon.Metric("hw.fan.speed")
	if !ok {
		t.Fatal("expected metric to exist")
	}
	if *metric.Value != 1200 || metric.CollectTime != 2000 {
		t.Errorf("unexpected current sample %v@%d", *metric.Value, metric.CollectTime)
	}
	if metric.PreviousValue == nil || *metric.PreviousValue != 1000 || metric.PreviousCollectTime != 1000 {
		t.Errorf("unexpected previous sample %+v", metric)
	}

	// same collect time overwrites without rolling
	mon.CollectMetric("hw.fan.speed", 1300, 2000)
	metric, _ = mon.Metric("hw.fan.speed")
	if *metric.Value != 1300 || *metric.PreviousValue != 1000 {
		t.Errorf("unexpected sample after overwrite %+v", metric)
	}
}

func TestConnectorNamespace(t *testing.T) {
	m := NewManager("host-1")
	ns := m.Namespace("conn")
	if m.Namespace("conn") != ns {
		t.Fatal("expected the same namespace on second call")
	}

	table := source.NewTable([][]string{{"a"}})
	ns.PublishSourceTable("monitors.disk.discovery.sources.s1", table)
	got, ok := ns.SourceTable("monitors.disk.discovery.sources.s1")
	if !ok || got != table {
		t.Error("expected published table")
	}
	if keys := ns.SourceKeys(); len(keys) != 1 {
		t.Errorf("expected 1 key, got %v", keys)
	}

	if ns.SerializationLock() != ns.SerializationLock() {
		t.Error("expected a single lock per namespace")
	}
	if m.Namespace("other").SerializationLock() == ns.SerializationLock() {
		t.Error("expected distinct locks per connector")
	}
	if NewManager("host-2").Namespace("conn").SerializationLock() == ns.SerializationLock() {
		t.Error("expected distinct locks per host")
	}
}

func TestSerialLock(t *testing.T) {
	lock := NewSerialLock()
	ctx := context.Background()

	if err := lock.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := lock.Acquire(ctx, 20*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := lock.Acquire(cancelled, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	lock.Release()
	if err := lock.Acquire(ctx, time.Second); err != nil {
		t.Errorf("expected lock to be free after release, got %v", err)
	}
	lock.Release()
	lock.Release()
}
