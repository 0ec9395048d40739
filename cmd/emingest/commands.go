package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/nerrad567/em-ingest/internal/archive"
	"github.com/nerrad567/em-ingest/internal/fleet"
	"github.com/nerrad567/em-ingest/internal/infrastructure/config"
	"github.com/nerrad567/em-ingest/internal/infrastructure/database"
	"github.com/nerrad567/em-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/infrastructure/mqtt"
	"github.com/nerrad567/em-ingest/internal/ledger"
	"github.com/nerrad567/em-ingest/internal/meter"
	"github.com/nerrad567/em-ingest/internal/relay"
	"github.com/nerrad567/em-ingest/internal/shelly"
	"github.com/nerrad567/em-ingest/migrations"
)

// app holds what every command needs.
type app struct {
	cfg *config.Config
	log *logging.Logger
	now func() time.Time
}

func newApp(cfg *config.Config, log *logging.Logger) *app {
	return &app{cfg: cfg, log: log, now: time.Now}
}

// fleet builds one client per configured device.
func (a *app) fleet() *fleet.Multiplexer {
	opts := shelly.Options{
		RequestTimeout: a.cfg.Device.RequestTimeout,
		ReceiveTimeout: a.cfg.Device.ReceiveTimeout,
		Location:       a.cfg.Location(),
		Logger:         a.log,
	}
	clients := make([]*shelly.Client, 0, len(a.cfg.Devices))
	for _, dev := range a.cfg.Devices {
		clients = append(clients, shelly.New(dev, opts))
	}
	return fleet.New(clients, fleet.Options{Workers: a.cfg.Device.DownloadWorkers, Logger: a.log})
}

// openLedger opens and migrates the ledger database.
func (a *app) openLedger(ctx context.Context) (*ledger.SQLiteRepository, func(), error) {
	db, err := database.Open(ctx, a.cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("opening ledger: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // best effort on error path
		return nil, nil, fmt.Errorf("migrating ledger: %w", err)
	}
	closeFn := func() {
		if err := db.Close(); err != nil {
			a.log.Error("error closing ledger", "error", err)
		}
	}
	return ledger.NewSQLiteRepository(db.DB), closeFn, nil
}

// connectStorage connects to InfluxDB and makes sure the bucket exists.
func (a *app) connectStorage(ctx context.Context) (*influxdb.Client, error) {
	client, err := influxdb.Connect(ctx, a.cfg.InfluxDB, a.log)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		client.Close() //nolint:errcheck // always nil
		return nil, err
	}
	a.log.Info("influxdb connected", "url", a.cfg.InfluxDB.URL, "bucket", a.cfg.InfluxDB.Bucket)
	return client, nil
}

// download fetches every device's export into the data directory and
// records each result in the ledger. Age "missing" resumes every device
// from its last recorded download; devices never downloaded get everything.
func (a *app) download(ctx context.Context, age string) error {
	now := a.now()
	req := fleet.DownloadRequest{TargetDir: a.cfg.DataDir, Now: now}

	if !strings.EqualFold(age, "missing") {
		since, err := ParseAge(age, now)
		if err != nil {
			return err
		}
		req.Since = since
	}

	led, closeLedger, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer closeLedger()

	if strings.EqualFold(age, "missing") {
		req.SinceByDevice, err = ledger.ResumePoints(ctx, led, a.cfg.DeviceNames())
		if err != nil {
			return err
		}
	}
	if req.Since.IsZero() && len(req.SinceByDevice) < len(a.cfg.Devices) {
		a.log.Info("downloading all stored data, this will take a while")
	}

	results, err := a.fleet().DownloadHistory(ctx, req)
	if err != nil {
		return err
	}

	for _, res := range results {
		since := req.Since
		if s, ok := req.SinceByDevice[res.Device]; ok {
			since = s
		}
		if err := led.Record(ctx, res, since, time.Time{}, now); err != nil {
			return err
		}
		a.log.Info("export downloaded",
			"device", res.Device,
			"bytes", res.Bytes,
			"target", res.Target,
			"duration", res.Duration,
		)
	}
	return nil
}

// live stores push events until ctx is cancelled or every device has
// closed its channel. Storage failures are logged; the session continues.
func (a *app) live(ctx context.Context) error {
	storage, err := a.connectStorage(ctx)
	if err != nil {
		return err
	}
	defer storage.Close() //nolint:errcheck // always nil

	writer := storage.NewBatchWriter()
	defer writer.Close() //nolint:errcheck // idempotent, flush outcome is logged

	forward := a.startRelay()
	if forward != nil {
		defer forward.close()
	}

	handler := func(device string, event meter.LiveEvent) {
		a.log.Debug("live event",
			"device", device,
			"act_power", event.Status.TotalActPower,
			"current", event.Status.TotalCurrent,
		)
		if err := writer.InsertStatusEvent(device, event); err != nil {
			a.log.Error("storing live event failed", "device", device, "error", err)
		}
		if forward != nil {
			forward.relay.Forward(device, event)
		}
	}

	sub, err := a.fleet().Subscribe(ctx, handler)
	if err != nil {
		return err
	}
	a.log.Info("live capture running", "devices", len(a.cfg.Devices))

	select {
	case <-ctx.Done():
		a.log.Debug("interrupted, stopping subscriptions")
	case <-sub.Done():
		a.log.Warn("every device closed its push channel")
	}
	sub.Stop()

	a.log.Info("live capture stopped")
	return nil
}

type liveRelay struct {
	relay  *relay.Relay
	client *mqtt.Client
	log    *logging.Logger
}

func (r *liveRelay) close() {
	published, failed := r.relay.Stats()
	r.log.Info("relay stopped", "published", published, "failed", failed)
	r.client.Close() //nolint:errcheck // always nil
}

// startRelay connects the MQTT relay when enabled. A broker that cannot be
// reached disables the relay for this session instead of failing it.
func (a *app) startRelay() *liveRelay {
	if !a.cfg.MQTT.Enabled {
		return nil
	}
	client, err := mqtt.Connect(a.cfg.MQTT, a.log)
	if err != nil {
		a.log.Warn("mqtt relay disabled", "error", err)
		return nil
	}
	return &liveRelay{
		relay:  relay.New(client, client.Topics(), a.log),
		client: client,
		log:    a.log,
	}
}

// importArchive inserts every device's downloaded exports. Devices without
// an archive directory are skipped.
func (a *app) importArchive(ctx context.Context) error {
	storage, err := a.connectStorage(ctx)
	if err != nil {
		return err
	}
	defer storage.Close() //nolint:errcheck // always nil

	for _, name := range a.cfg.DeviceNames() {
		dir := filepath.Join(a.cfg.DataDir, name)
		rows, stats, err := archive.ReadDevice(dir)
		if errors.Is(err, fs.ErrNotExist) {
			a.log.Warn("no archive for device", "device", name, "dir", dir)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading archive of %s: %w", name, err)
		}
		a.log.Info("archive read",
			"device", name,
			"files", stats.Files,
			"unique_rows", stats.Unique,
			"total_rows", stats.Total,
		)
		if len(rows) == 0 {
			continue
		}

		ins, err := storage.InsertBulk(ctx, name, rows)
		if err != nil {
			return err
		}
		first, last := meter.Span(rows)
		a.log.Info("archive imported",
			"device", name,
			"points", ins.Points,
			"dropped", ins.Dropped,
			"from", first,
			"to", last,
			"duration", ins.Duration,
		)
	}
	return nil
}

// status logs one summary line per device.
func (a *app) status(ctx context.Context) error {
	m := a.fleet()
	statuses, err := m.Status(ctx)
	if err != nil {
		return err
	}

	for _, name := range m.Devices() {
		st := statuses[name]
		args := []any{"device", name, "uptime", time.Duration(st.System.Uptime) * time.Second}
		if t := st.System.DeviceTime(); !t.IsZero() {
			args = append(args, "device_time", t.In(a.cfg.Location()))
		}
		if em := st.EnergyMeter; em != nil {
			args = append(args,
				"act_power", em.TotalActPower,
				"aprt_power", em.TotalAprtPower,
				"current", em.TotalCurrent,
			)
			if em.NeutralCurrent != nil {
				args = append(args, "neutral_current", *em.NeutralCurrent)
			}
		}
		if data := st.EnergyData; data != nil {
			args = append(args, "total_act_energy", data.TotalAct, "total_act_ret_energy", data.TotalActRet)
		}
		a.log.Info("device status", args...)
	}
	return nil
}
