// Package influxdb writes meter points to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, bucket setup and the batching writers used by the importer
// and the live feed.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, logger)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	if err := client.EnsureBucket(ctx); err != nil {
//	    return err
//	}
//
//	w := client.NewBatchWriter()
//	defer w.Close()
//	w.InsertStatusEvent("unten", event)
//
// # Error Handling
//
// Batch writers commit through the blocking write API so every server
// answer reaches classifyWriteFailure:
//   - retryable (network error, 429, 5xx): logged as a warning and resent
//     with exponential backoff up to max_retries
//   - permanent (any other status, including 422 partial writes): logged as
//     an error and dropped
//
// Neither outcome is returned to the caller of Write or Flush, so a live
// session keeps running through isolated write failures. InsertBulk counts
// dropped points in InsertStats.Dropped.
package influxdb
