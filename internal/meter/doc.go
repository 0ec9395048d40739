// Package meter models the readings produced by a three-phase energy meter.
//
// A reading arrives in one of two shapes:
//   - BulkRow: one line of the device's historical CSV export, carrying
//     energy counters and min/max/avg power, voltage and current per phase
//     plus neutral current statistics.
//   - LiveEvent: one push notification carrying the instantaneous
//     measurements per phase, the optional neutral current and device totals.
//
// Both shapes always carry exactly the three phases A, B, C in that order;
// the fixed-size arrays enforce it. Reading is the tagged union of the two.
//
// The package performs no I/O of its own. BulkReader parses any io.Reader and
// DecodeLiveEvent parses a frame already received from the device.
package meter
