package influxdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"

	"github.com/nerrad567/em-ingest/internal/infrastructure/config"
	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/point"
)

// Default timeouts and batching for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize       = 1000
	defaultFlushIntervalMS = 1000
	defaultRetryIntervalMS = 5000

	// maxRetryWait caps the backoff between attempts on one batch.
	maxRetryWait = 30 * time.Second

	// bucketPageLimit bounds one bucket listing page.
	bucketPageLimit = 100
)

// Client wraps the InfluxDB v2 client for em-ingest.
//
// It provides connection management, bucket setup, bulk inserts and the
// batch writer used for live events.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	cfg      config.InfluxDBConfig
	logger   *logging.Logger

	// connected tracks current connection state.
	connected bool
	mu        sync.RWMutex

	// onError is called for every failed write attempt after it is logged.
	onError func(err *WriteError)
}

// clientOptions writes timestamps at second precision.
func clientOptions() *influxdb2.Options {
	return influxdb2.DefaultOptions().SetPrecision(point.Precision)
}

// batchOptions controls batching and retries in BatchWriter.
type batchOptions struct {
	size          int
	flushInterval time.Duration
	maxRetries    uint
	retryInterval time.Duration
	maxRetryWait  time.Duration
}

// batchOptionsFor reads batching from configuration. Zero or negative
// settings fall back to 1000 points, 1000 ms and a 5 s first retry wait.
func batchOptionsFor(cfg config.InfluxDBConfig) batchOptions {
	opts := batchOptions{
		size:          cfg.BatchSize,
		flushInterval: time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		retryInterval: time.Duration(cfg.RetryIntervalMS) * time.Millisecond,
		maxRetryWait:  maxRetryWait,
	}
	if opts.size <= 0 {
		opts.size = defaultBatchSize
	}
	if opts.flushInterval <= 0 {
		opts.flushInterval = defaultFlushIntervalMS * time.Millisecond
	}
	if opts.retryInterval <= 0 {
		opts.retryInterval = defaultRetryIntervalMS * time.Millisecond
	}
	if cfg.MaxRetries > 0 {
		opts.maxRetries = uint(cfg.MaxRetries) // #nosec G115 -- checked positive
	}
	return opts
}

// Connect establishes a connection to the InfluxDB server.
//
// It performs the following setup:
//  1. Creates the client with token authentication
//  2. Verifies connectivity with a ping
//  3. Configures the blocking write API used by batch writers
//
// Parameters:
//   - ctx: Context bounding the connection attempt
//   - cfg: InfluxDB configuration from config.yaml
//   - logger: Logger for write outcomes; nil discards
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: If the server cannot be reached or is unhealthy
func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions())

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		cfg:       cfg,
		logger:    logger.Component("influxdb").With("bucket", cfg.Bucket),
		connected: true,
	}
	return c, nil
}

// reportWriteError logs one failed attempt and passes it to the callback.
func (c *Client) reportWriteError(werr *WriteError) {
	if werr.Retryable {
		c.logger.Warn("batch write failed, retrying", "error", werr, "attempts", werr.Attempts)
	} else {
		c.logger.Error("batch write rejected, dropping batch", "error", werr, "status", werr.StatusCode)
	}

	c.mu.RLock()
	callback := c.onError
	c.mu.RUnlock()
	if callback != nil {
		callback(werr)
	}
}

// classifyWriteError classifies an error returned by the write API. Errors
// that are not HTTP failures (point encoding) are permanent.
func classifyWriteError(err error, attempts uint) *WriteError {
	var failure *influxhttp.Error
	if errors.As(err, &failure) {
		return classifyWriteFailure(*failure, attempts)
	}
	return &WriteError{Message: err.Error(), Attempts: attempts}
}

// classifyWriteFailure splits failures into retryable (network, 429, 5xx)
// and permanent (every other status, including partial writes).
func classifyWriteFailure(failure influxhttp.Error, attempts uint) *WriteError {
	msg := failure.Message
	if msg == "" && failure.Err != nil {
		msg = failure.Err.Error()
	}

	retryable := false
	switch {
	case failure.StatusCode == 0:
		retryable = true
	case failure.StatusCode == http.StatusTooManyRequests:
		retryable = true
	case failure.StatusCode >= http.StatusInternalServerError:
		retryable = true
	}

	return &WriteError{
		StatusCode: failure.StatusCode,
		Message:    msg,
		Attempts:   attempts,
		Retryable:  retryable,
	}
}

// EnsureBucket creates the configured bucket unless the organisation
// already has one with that name. Calling it repeatedly is safe.
func (c *Client) EnsureBucket(ctx context.Context) error {
	buckets, err := c.client.BucketsAPI().FindBucketsByOrgName(ctx, c.cfg.Org, api.PagingWithLimit(bucketPageLimit))
	if err != nil {
		return fmt.Errorf("%w: listing buckets of %s: %w", ErrBucketSetup, c.cfg.Org, err)
	}
	if buckets != nil {
		for _, b := range *buckets {
			if b.Name == c.cfg.Bucket {
				c.logger.Debug("bucket exists")
				return nil
			}
		}
	}

	org, err := c.client.OrganizationsAPI().FindOrganizationByName(ctx, c.cfg.Org)
	if err != nil {
		return fmt.Errorf("%w: finding organisation %s: %w", ErrBucketSetup, c.cfg.Org, err)
	}
	if _, err := c.client.BucketsAPI().CreateBucketWithName(ctx, org, c.cfg.Bucket); err != nil {
		return fmt.Errorf("%w: creating bucket %s: %w", ErrBucketSetup, c.cfg.Bucket, err)
	}
	c.logger.Info("bucket created", "org", c.cfg.Org)
	return nil
}

// Close shuts down the InfluxDB connection. Batch writers must be closed
// first; their buffered points are not flushed here.
//
// Returns:
//   - error: nil (InfluxDB client Close doesn't return errors)
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if !wasConnected {
		return nil
	}

	c.client.Close()

	return nil
}

// HealthCheck verifies the InfluxDB connection is alive and functioning.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}

	return nil
}

// IsConnected returns the current connection state.
//
// Note: This reflects the last known state. For reliability,
// use HealthCheck which performs an active ping.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError sets a callback invoked for every failed write attempt,
// retryable or not. It runs on the goroutine that sent the batch.
func (c *Client) SetOnError(callback func(err *WriteError)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}
