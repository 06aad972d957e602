package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nmslite/hwsentry/internal/globals"
	"github.com/nmslite/hwsentry/internal/telemetry"
)

// fakeTx records the rows copied into it. Methods not overridden panic.
type fakeTx struct {
	pgx.Tx
	db *fakeDB
}

func (tx *fakeTx) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.copyErr != nil {
		return 0, tx.db.copyErr
	}
	var n int64
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return n, err
		}
		if len(values) != len(columns) {
			return n, errors.New("column count mismatch")
		}
		tx.db.pending = append(tx.db.pending, values)
		n++
	}
	tx.db.table = table.Sanitize()
	return n, nil
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.committed = append(tx.db.committed, tx.db.pending...)
	tx.db.pending = nil
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	tx.db.pending = nil
	return pgx.ErrTxClosed
}

type fakeDB struct {
	mu        sync.Mutex
	copyErr   error
	table     string
	pending   [][]any
	committed [][]any
}

func (db *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{db: db}, nil
}

func (db *fakeDB) rows() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.committed)
}

func record(name string, value float64) MetricRecord {
	return MetricRecord{
		Timestamp:   time.UnixMilli(1_700_000_000_000),
		Hostname:    "srv1",
		ConnectorID: "storage",
		MonitorType: "disk",
		MonitorID:   "d0",
		Name:        name,
		Value:       value,
	}
}

func TestBatchWriter_RequeueOnFailure(t *testing.T) {
	db := &fakeDB{copyErr: errors.New("connection reset")}
	bw := NewBatchWriter(db, globals.MetricsConfig{BatchSize: 10}, discardLogger())

	bw.currentBatch = append(bw.currentBatch, record("a", 1), record("b", 2))
	if err := bw.flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if len(bw.requeueBuffer) != 2 {
		t.Fatalf("expected 2 requeued records, got %d", len(bw.requeueBuffer))
	}

	db.copyErr = nil
	bw.currentBatch = append(bw.currentBatch, record("c", 3))
	if err := bw.flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if db.rows() != 3 {
		t.Errorf("expected requeued and new records to be written, got %d rows", db.rows())
	}
	if db.table != `"metric_samples"` {
		t.Errorf("unexpected table %s", db.table)
	}
	if db.committed[0][5] != "a" || db.committed[2][6] != 3.0 {
		t.Errorf("unexpected rows %v", db.committed)
	}
	if bw.consecutiveFailures != 0 {
		t.Error("success must reset the failure counter")
	}
}

func TestBatchWriter_DropsAfterMaxFailures(t *testing.T) {
	db := &fakeDB{copyErr: errors.New("relation does not exist")}
	bw := NewBatchWriter(db, globals.MetricsConfig{BatchSize: 10}, discardLogger())

	bw.currentBatch = append(bw.currentBatch, record("a", 1))
	for i := 0; i < maxConsecutiveFails; i++ {
		bw.flush(context.Background())
	}
	if len(bw.requeueBuffer) != 0 {
		t.Errorf("expected batch to be dropped, %d records still queued", len(bw.requeueBuffer))
	}
}

func TestBatchWriter_RequeueBufferLimit(t *testing.T) {
	bw := NewBatchWriter(&fakeDB{}, globals.MetricsConfig{BatchSize: 2, MaxBufferSize: 3}, discardLogger())

	bw.requeue([]MetricRecord{record("a", 1), record("b", 2)})
	bw.requeue([]MetricRecord{record("c", 3), record("d", 4)})
	bw.requeue([]MetricRecord{record("e", 5)})

	if len(bw.requeueBuffer) != 3 || bw.requeueBuffer[2].Name != "c" {
		t.Errorf("unexpected buffer %v", bw.requeueBuffer)
	}
}

func TestBatchWriter_Run(t *testing.T) {
	db := &fakeDB{}
	bw := NewBatchWriter(db, globals.MetricsConfig{BatchSize: 2, FlushIntervalMS: 10}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- bw.Run(ctx) }()

	for _, name := range []string{"a", "b", "c"} {
		if err := bw.Submit(ctx, record(name, 1)); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for db.rows() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 rows, got %d", db.rows())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResultWriter_Write(t *testing.T) {
	session := telemetry.NewManager("srv1")
	mon := session.AddMonitor(telemetry.NewMonitor("fan", "f1", "sensors"))
	mon.CollectMetric("hw.fan.speed", 3000, 1000)
	mon.CollectMetric("hw.fan.speed", 3100, 5000)
	mon.CollectMetric("hw.fan.energy.raw", 10, 5000)
	mon.CollectMetric("hw.fan.status", 1, 2000)

	sink := &memorySink{}
	w := NewResultWriter(discardLogger(), sink)
	if n := w.Write(context.Background(), session, time.UnixMilli(5000)); n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	r := sink.records[0]
	if r.Value != 3100 || r.ConnectorID != "sensors" || !r.Timestamp.Equal(time.UnixMilli(5000)) {
		t.Errorf("unexpected record %+v", r)
	}

	if n := NewResultWriter(discardLogger(), nil).Write(context.Background(), session, time.Time{}); n != 0 {
		t.Errorf("nil sink must discard records, got %d", n)
	}
}
