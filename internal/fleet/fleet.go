// Package fleet coordinates a set of device clients as one source.
//
// Every fleet operation is fail-fast: the first device error fails the whole
// call. Downloads run on a bounded worker pool and report results in device
// order. Subscriptions are stopped by requesting a stop on every device
// before waiting on any of them.
package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/meter"
	"github.com/nerrad567/em-ingest/internal/shelly"
)

// DefaultWorkers is the width of the download pool.
const DefaultWorkers = 4

// fileTimeLayout names export files after the download start time.
const fileTimeLayout = "2006-01-02_150405"

// Options tunes a Multiplexer.
type Options struct {
	Workers int
	Logger  *logging.Logger
}

// Multiplexer fans operations out across device clients.
type Multiplexer struct {
	clients []*shelly.Client
	workers int
	logger  *logging.Logger
}

// New creates a multiplexer over clients. Client order is the result order.
func New(clients []*shelly.Client, opts Options) *Multiplexer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Multiplexer{
		clients: clients,
		workers: opts.Workers,
		logger:  opts.Logger.Component("fleet"),
	}
}

// Devices returns the device names in client order.
func (m *Multiplexer) Devices() []string {
	names := make([]string, len(m.clients))
	for i, c := range m.clients {
		names[i] = c.Name()
	}
	return names
}

// Clients returns the underlying clients.
func (m *Multiplexer) Clients() []*shelly.Client {
	return m.clients
}

// Status queries every device concurrently. Any failure fails the call.
func (m *Multiplexer) Status(ctx context.Context) (map[string]shelly.Status, error) {
	results := make([]shelly.Status, len(m.clients))

	g, ctx := errgroup.WithContext(ctx)
	for i, c := range m.clients {
		g.Go(func() error {
			status, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("status of %s: %w", c.Name(), err)
			}
			results[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]shelly.Status, len(m.clients))
	for i, c := range m.clients {
		out[c.Name()] = results[i]
	}
	return out, nil
}

// DownloadRequest selects what DownloadHistory fetches.
type DownloadRequest struct {
	// TargetDir receives one subdirectory per device.
	TargetDir string

	// Since and Until bound the export. Zero values leave a side open.
	Since time.Time
	Until time.Time

	// SinceByDevice overrides Since per device name.
	SinceByDevice map[string]time.Time

	// Now names the files. Defaults to time.Now.
	Now time.Time
}

func (r DownloadRequest) since(device string) time.Time {
	if s, ok := r.SinceByDevice[device]; ok {
		return s
	}
	return r.Since
}

// ExportPath returns the archive path of a device export started at t.
func ExportPath(dir, device string, t time.Time) string {
	return filepath.Join(dir, device, fmt.Sprintf("%s_%s.csv", device, t.Format(fileTimeLayout)))
}

// DownloadHistory downloads every device's export into req.TargetDir on a
// pool of at most Options.Workers goroutines. Results follow client order.
// The first failure cancels downloads still running and fails the call.
func (m *Multiplexer) DownloadHistory(ctx context.Context, req DownloadRequest) ([]shelly.DownloadResult, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	results := make([]shelly.DownloadResult, len(m.clients))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i, c := range m.clients {
		g.Go(func() error {
			path := ExportPath(req.TargetDir, c.Name(), now)
			since := req.since(c.Name())
			m.logger.Info("downloading export", "device", c.Name(), "since", since, "until", req.Until, "target", path)

			res, err := c.DownloadHistoryToFile(ctx, since, req.Until, path)
			if err != nil {
				return fmt.Errorf("download of %s: %w", c.Name(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Handler receives live events from any device of the fleet. Calls for one
// device are sequential; calls for different devices may overlap.
type Handler func(device string, event meter.LiveEvent)

// Subscription is the set of per-device subscriptions.
type Subscription struct {
	subs []*shelly.Subscription
}

// Subscribe opens one push subscription per device. If any device fails,
// the subscriptions already opened are stopped and the error is returned.
func (m *Multiplexer) Subscribe(ctx context.Context, handler Handler) (*Subscription, error) {
	fs, err := m.subscribe(ctx, handler)
	if err != nil {
		return nil, err
	}
	m.logger.Info("fleet subscribed", "devices", len(fs.subs))
	return fs, nil
}

// subscribe returns the partial set alongside the error, already stopped.
func (m *Multiplexer) subscribe(ctx context.Context, handler Handler) (*Subscription, error) {
	fs := &Subscription{}
	for _, c := range m.clients {
		sub, err := c.Subscribe(ctx, func(c *shelly.Client, ev meter.LiveEvent) {
			handler(c.Name(), ev)
		})
		if err != nil {
			fs.Stop()
			return fs, fmt.Errorf("subscribing to %s: %w", c.Name(), err)
		}
		fs.subs = append(fs.subs, sub)
	}
	return fs, nil
}

// Subscriptions returns the per-device subscriptions in client order.
func (s *Subscription) Subscriptions() []*shelly.Subscription {
	return s.subs
}

// RequestStop asks every device subscription to stop without waiting.
func (s *Subscription) RequestStop() {
	for _, sub := range s.subs {
		sub.RequestStop()
	}
}

// Join waits for every device subscription to finish.
func (s *Subscription) Join() {
	for _, sub := range s.subs {
		sub.Join()
	}
}

// Stop requests a stop on all devices, then waits for all of them.
func (s *Subscription) Stop() {
	s.RequestStop()
	s.Join()
}

// Done returns a channel closed once every device subscription has ended,
// whether stopped or closed by the device.
func (s *Subscription) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.Join()
		close(done)
	}()
	return done
}
