// Package shelly is a client for Shelly Pro 3EM class energy meters.
//
// A device speaks three dialects and Client covers all of them:
//
//   - RPC: a JSON envelope {id, method, params} POSTed to /rpc, answered with
//     {result} or {error}. Each call is one round trip bounded by
//     Options.RequestTimeout and is never retried here.
//   - Export: GET /emdata/0/data.csv streams the historical CSV in chunks.
//     The header is verified against meter.ExportFields before any row is
//     consumed.
//   - Push: a WebSocket on /rpc. After a handshake frame carrying the client
//     id the device pushes NotifyStatus, NotifyFullStatus and NotifyEvent
//     frames.
//
// # Subscription lifecycle
//
//	Created -> Running -> StopRequested -> Stopped
//
// Subscribe returns a running Subscription whose single worker goroutine
// delivers events to the handler in receive order. RequestStop only sets a
// flag; the worker notices it within one receive wait, closes the channel
// and exits. Join waits for that.
//
//	sub, err := client.Subscribe(ctx, func(c *shelly.Client, ev meter.LiveEvent) {
//	    writer.InsertStatusEvent(c.Name(), ev)
//	})
//	if err != nil {
//	    return err
//	}
//	defer sub.Stop()
//
// Malformed or unknown frames are logged and skipped. They never end a
// subscription.
package shelly
