package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nmslite/hwsentry/internal/globals"
)

const maxConsecutiveFails = 5

var metricSampleColumns = []string{
	"time", "hostname", "connector_id", "monitor_type", "monitor_id", "name", "value",
}

// TxBeginner starts database transactions. *pgxpool.Pool implements it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// BatchWriter handles bulk metric writes using pgx COPY protocol
type BatchWriter struct {
	db     TxBeginner
	logger *slog.Logger
	cfg    globals.MetricsConfig

	submitCh      chan MetricRecord
	requeueBuffer []MetricRecord
	bufferMu      sync.Mutex

	currentBatch []MetricRecord
	batchMu      sync.Mutex

	consecutiveFailures int
}

// NewBatchWriter creates a new BatchWriter instance
func NewBatchWriter(db TxBeginner, cfg globals.MetricsConfig, logger *slog.Logger) *BatchWriter {
	cfg.ApplyDefaults()

	return &BatchWriter{
		db:            db,
		logger:        logger.With("component", "batch_writer"),
		cfg:           cfg,
		submitCh:      make(chan MetricRecord, cfg.BatchSize*2),
		requeueBuffer: make([]MetricRecord, 0, cfg.MaxBufferSize),
		currentBatch:  make([]MetricRecord, 0, cfg.BatchSize),
	}
}

// Submit adds a metric record to the batch queue. It blocks while the queue
// is full.
func (bw *BatchWriter) Submit(ctx context.Context, record MetricRecord) error {
	select {
	case bw.submitCh <- record:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit cancelled: %w", ctx.Err())
	}
}

// Run starts the batch writer's main processing loop
func (bw *BatchWriter) Run(ctx context.Context) error {
	bw.logger.Info("batch writer starting",
		"batch_size", bw.cfg.BatchSize,
		"flush_interval", bw.cfg.FlushInterval(),
	)

	flushTicker := time.NewTicker(bw.cfg.FlushInterval())
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("batch writer shutting down, flushing remaining data")
			bw.drain()
			if err := bw.flush(context.Background()); err != nil {
				bw.logger.Error("final flush failed", "error", err)
			}
			return ctx.Err()

		case record := <-bw.submitCh:
			bw.batchMu.Lock()
			bw.currentBatch = append(bw.currentBatch, record)
			currentSize := len(bw.currentBatch)
			bw.batchMu.Unlock()

			if currentSize >= bw.cfg.BatchSize {
				if err := bw.flush(ctx); err != nil {
					bw.logger.Error("flush on batch size failed", "error", err)
				}
			}

		case <-flushTicker.C:
			bw.batchMu.Lock()
			hasData := len(bw.currentBatch) > 0
			bw.batchMu.Unlock()

			bw.bufferMu.Lock()
			hasData = hasData || len(bw.requeueBuffer) > 0
			bw.bufferMu.Unlock()

			if hasData {
				if err := bw.flush(ctx); err != nil {
					bw.logger.Error("periodic flush failed", "error", err)
				}
			}
		}
	}
}

// drain moves the records still queued into the current batch
func (bw *BatchWriter) drain() {
	bw.batchMu.Lock()
	defer bw.batchMu.Unlock()
	for {
		select {
		case record := <-bw.submitCh:
			bw.currentBatch = append(bw.currentBatch, record)
		default:
			return
		}
	}
}

// flush writes the requeued records and the current batch to the database
func (bw *BatchWriter) flush(ctx context.Context) error {
	bw.batchMu.Lock()
	batch := bw.currentBatch
	bw.currentBatch = make([]MetricRecord, 0, bw.cfg.BatchSize)
	bw.batchMu.Unlock()

	bw.bufferMu.Lock()
	if len(bw.requeueBuffer) > 0 {
		requeuedCount := len(bw.requeueBuffer)
		batch = append(bw.requeueBuffer, batch...)
		bw.requeueBuffer = make([]MetricRecord, 0, bw.cfg.MaxBufferSize)
		bw.logger.Info("including requeued items in flush", "requeued_count", requeuedCount)
	}
	bw.bufferMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	startTime := time.Now()
	err := bw.writeBatch(ctx, batch)
	duration := time.Since(startTime)

	if err != nil {
		bw.logger.Error("batch write failed",
			"error", err,
			"batch_size", len(batch),
			"duration_ms", duration.Milliseconds(),
		)

		bw.consecutiveFailures++
		if bw.consecutiveFailures < maxConsecutiveFails {
			bw.requeue(batch)
		} else {
			bw.logger.Error("max consecutive failures reached, dropping batch",
				"consecutive_failures", bw.consecutiveFailures,
				"dropped_count", len(batch),
			)
			bw.consecutiveFailures = 0
		}

		return err
	}

	bw.consecutiveFailures = 0

	bw.logger.Debug("batch written successfully",
		"batch_size", len(batch),
		"duration_ms", duration.Milliseconds(),
	)
	return nil
}

// writeBatch performs the actual database write using COPY protocol
func (bw *BatchWriter) writeBatch(ctx context.Context, batch []MetricRecord) error {
	tx, err := bw.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			bw.logger.Warn("failed to rollback transaction", "error", err)
		}
	}()

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"metric_samples"},
		metricSampleColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			r := batch[i]
			return []any{r.Timestamp, r.Hostname, r.ConnectorID, r.MonitorType, r.MonitorID, r.Name, r.Value}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("COPY operation failed: %w", err)
	}

	if copyCount != int64(len(batch)) {
		return fmt.Errorf("COPY count mismatch: expected %d, got %d", len(batch), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// requeue adds failed batch back to the buffer for retry
func (bw *BatchWriter) requeue(batch []MetricRecord) {
	bw.bufferMu.Lock()
	defer bw.bufferMu.Unlock()

	availableSpace := bw.cfg.MaxBufferSize - len(bw.requeueBuffer)
	if availableSpace <= 0 {
		bw.logger.Warn("requeue buffer full, dropping batch",
			"buffer_size", len(bw.requeueBuffer),
			"max_buffer_size", bw.cfg.MaxBufferSize,
			"dropping_count", len(batch),
		)
		return
	}

	toRequeue := batch
	if len(batch) > availableSpace {
		toRequeue = batch[:availableSpace]
		bw.logger.Warn("partial requeue due to buffer limit",
			"requested", len(batch),
			"requeued", len(toRequeue),
			"dropped", len(batch)-len(toRequeue),
		)
	}

	bw.requeueBuffer = append(bw.requeueBuffer, toRequeue...)

	bw.logger.Info("batch requeued for retry",
		"requeued_count", len(toRequeue),
		"buffer_size", len(bw.requeueBuffer),
	)
}
