package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/meter"
	"github.com/nerrad567/em-ingest/internal/point"
)

// pointWriter is the part of api.WriteAPIBlocking the batch writer needs.
// Each call is one HTTP write whose error carries the server's answer.
type pointWriter interface {
	WritePoint(ctx context.Context, points ...*write.Point) error
}

// BatchWriter buffers points and commits them in batches.
//
// A batch is sent when it reaches the batch size, when the flush interval
// passes, or on Flush. Failed batches are classified: retryable ones are
// resent with exponential backoff up to the retry limit, the rest are
// logged as errors and dropped. Neither outcome is returned from Write or
// Flush. Every method fails with ErrWriterClosed after Close.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type BatchWriter struct {
	api    pointWriter
	opts   batchOptions
	logger *logging.Logger
	report func(*WriteError)

	mu      sync.Mutex
	closed  bool
	batch   []*write.Point
	dropped int

	stop chan struct{}
	done chan struct{}
}

// NewBatchWriter returns a batch writer on the client's write API.
func (c *Client) NewBatchWriter() *BatchWriter {
	return newBatchWriter(c.writeAPI, batchOptionsFor(c.cfg), c.logger, c.reportWriteError)
}

func newBatchWriter(api pointWriter, opts batchOptions, logger *logging.Logger, report func(*WriteError)) *BatchWriter {
	w := &BatchWriter{
		api:    api,
		opts:   opts,
		logger: logger,
		report: report,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

// flushLoop sends whatever is buffered once per flush interval.
func (w *BatchWriter) flushLoop() {
	defer close(w.done)
	if w.opts.flushInterval <= 0 {
		<-w.stop
		return
	}

	ticker := time.NewTicker(w.opts.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				w.flushLocked(context.Background())
			}
			w.mu.Unlock()
		}
	}
}

// Write buffers points, sending full batches before it returns.
func (w *BatchWriter) Write(points ...point.Point) error {
	return w.write(context.Background(), points)
}

func (w *BatchWriter) write(ctx context.Context, points []point.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	for _, p := range points {
		w.batch = append(w.batch, p.WritePoint())
		if len(w.batch) >= w.opts.size {
			w.flushLocked(ctx)
		}
	}
	return nil
}

// InsertStatusEvent writes one live event and flushes, so the event has
// been committed or reported as failed when it returns.
func (w *BatchWriter) InsertStatusEvent(device string, event meter.LiveEvent) error {
	if err := w.Write(point.FromLiveEvent(device, event)...); err != nil {
		return err
	}
	return w.Flush()
}

// Flush sends everything buffered and waits for the outcome.
func (w *BatchWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	w.flushLocked(context.Background())
	return nil
}

// Dropped returns how many points were given up on so far.
func (w *BatchWriter) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close flushes and stops the flush loop. Closing twice is a no-op.
func (w *BatchWriter) Close() error {
	return w.close(context.Background())
}

func (w *BatchWriter) close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.flushLocked(ctx)
	w.closed = true
	w.mu.Unlock()

	close(w.stop)
	<-w.done
	return nil
}

func (w *BatchWriter) flushLocked(ctx context.Context) {
	for len(w.batch) > 0 {
		n := min(len(w.batch), w.opts.size)
		w.send(ctx, w.batch[:n])
		w.batch = w.batch[n:]
	}
	w.batch = nil
}

// send commits one batch, retrying transient failures.
func (w *BatchWriter) send(ctx context.Context, batch []*write.Point) {
	start := time.Now()
	wait := w.opts.retryInterval

	for attempt := uint(1); ; attempt++ {
		err := w.api.WritePoint(ctx, batch...)
		if err == nil {
			w.logger.Debug("batch written", "points", len(batch), "attempts", attempt, "duration", time.Since(start))
			return
		}

		werr := classifyWriteError(err, attempt)
		if !werr.Retryable || attempt > w.opts.maxRetries {
			werr.Retryable = false
			w.dropped += len(batch)
			w.report(werr)
			return
		}
		w.report(werr)

		select {
		case <-ctx.Done():
			w.dropped += len(batch)
			w.report(&WriteError{Message: ctx.Err().Error(), Attempts: attempt})
			return
		case <-time.After(wait):
		}
		wait = min(2*wait, w.opts.maxRetryWait)
	}
}

// InsertStats summarises one bulk insert.
type InsertStats struct {
	Rows     int
	Points   int
	Dropped  int
	Duration time.Duration
}

// InsertBulk writes export rows of one device. Rows must already be unique
// by timestamp; see meter.DedupByTimestamp. Points of rejected batches are
// counted in Dropped and do not fail the call.
func (c *Client) InsertBulk(ctx context.Context, device string, rows []meter.BulkRow) (InsertStats, error) {
	if !c.IsConnected() {
		return InsertStats{}, ErrNotConnected
	}
	return insertBulk(ctx, c.NewBatchWriter(), c.logger, device, rows)
}

func insertBulk(ctx context.Context, w *BatchWriter, logger *logging.Logger, device string, rows []meter.BulkRow) (InsertStats, error) {
	start := time.Now()
	stats := InsertStats{}
	defer w.close(ctx) //nolint:errcheck // always nil

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("bulk insert of %s interrupted after %d rows: %w", device, stats.Rows, err)
		}
		points := point.FromBulkRow(device, row)
		if err := w.write(ctx, points); err != nil {
			return stats, err
		}
		stats.Rows++
		stats.Points += len(points)
	}

	if err := w.close(ctx); err != nil {
		return stats, err
	}
	stats.Dropped = w.Dropped()
	stats.Duration = time.Since(start)

	if stats.Dropped > 0 {
		logger.Error("bulk insert finished with rejected batches", "device", device, "rows", stats.Rows, "points", stats.Points, "dropped", stats.Dropped)
		return stats, nil
	}
	logger.Info("bulk insert finished", "device", device, "rows", stats.Rows, "points", stats.Points, "duration", stats.Duration)
	return stats, nil
}
