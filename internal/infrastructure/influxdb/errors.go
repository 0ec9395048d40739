package influxdb

import (
	"errors"
	"fmt"
)

// Sentinel errors for InfluxDB operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, influxdb.ErrWriterClosed) {
//	    // Writer was used after Close
//	}
var (
	// ErrNotConnected indicates the client is not connected to InfluxDB.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrBucketSetup indicates the bucket could not be looked up or created.
	ErrBucketSetup = errors.New("influxdb: bucket setup failed")

	// ErrWritePermanent marks a batch the server rejected. It is dropped.
	ErrWritePermanent = errors.New("influxdb: write rejected")

	// ErrWriteRetryable marks a batch that failed transiently. The client
	// library retries it with backoff.
	ErrWriteRetryable = errors.New("influxdb: write failed, retrying")

	// ErrWriterClosed indicates a BatchWriter was used after Close.
	ErrWriterClosed = errors.New("influxdb: batch writer closed")
)

// WriteError describes one failed batch write.
type WriteError struct {
	StatusCode int
	Message    string
	Attempts   uint
	Retryable  bool
}

func (e *WriteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%v: attempt %d: %s", e.Unwrap(), e.Attempts, e.Message)
	}
	return fmt.Sprintf("%v: attempt %d: HTTP %d: %s", e.Unwrap(), e.Attempts, e.StatusCode, e.Message)
}

func (e *WriteError) Unwrap() error {
	if e.Retryable {
		return ErrWriteRetryable
	}
	return ErrWritePermanent
}
