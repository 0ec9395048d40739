package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/em-ingest/internal/infrastructure/config"
	"github.com/nerrad567/em-ingest/internal/infrastructure/database"
	"github.com/nerrad567/em-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/em-ingest/internal/ledger"
	"github.com/nerrad567/em-ingest/internal/meter"
	"github.com/nerrad567/em-ingest/internal/shelly"
	"github.com/nerrad567/em-ingest/internal/shelly/shellytest"
	"github.com/nerrad567/em-ingest/migrations"
)

var testNow = time.Date(2024, 5, 19, 17, 43, 59, 0, time.UTC)

func TestParseAge(t *testing.T) {
	tests := []struct {
		age  string
		want time.Time
	}{
		{"all", time.Time{}},
		{"ALL", time.Time{}},
		{"max", testNow.Add(-(60*24 + 12) * time.Hour)},
		{"MAX", testNow.Add(-(60*24 + 12) * time.Hour)},
		{"3w", testNow.Add(-3 * 7 * 24 * time.Hour)},
		{"3W", testNow.Add(-3 * 7 * 24 * time.Hour)},
		{"1d", testNow.Add(-24 * time.Hour)},
		{"1D", testNow.Add(-24 * time.Hour)},
		{"2h", testNow.Add(-2 * time.Hour)},
		{"2H", testNow.Add(-2 * time.Hour)},
		{"0h", testNow},
		{"2562047h", testNow.Add(-2562047 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.age, func(t *testing.T) {
			got, err := ParseAge(tt.age, testNow)
			if err != nil {
				t.Fatalf("ParseAge(%q) error = %v", tt.age, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseAge(%q) = %v, want %v", tt.age, got, tt.want)
			}
		})
	}
}

func TestParseAge_Invalid(t *testing.T) {
	for _, age := range []string{"invalid", "", "3", "w", "3m", "3wx", "-1d", "missing", "1.5d",
		"99999999999w", "106752d", "2562048h", "99999999999999999999h"} {
		t.Run(age, func(t *testing.T) {
			_, err := ParseAge(age, testNow)
			if !errors.Is(err, ErrInvalidAge) {
				t.Fatalf("ParseAge(%q) error = %v, want ErrInvalidAge", age, err)
			}
			if want := strconv.Quote(age); !strings.Contains(err.Error(), want) {
				t.Errorf("error %q should name the input %s", err, want)
			}
		})
	}
}

func TestErrorClass(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"usage", fmt.Errorf("%w: no command", errUsage), "UsageError"},
		{"age", fmt.Errorf("%w: %q", ErrInvalidAge, "x"), "UsageError"},
		{"config", fmt.Errorf("%w: bad", errConfig), "ConfigError"},
		{"schema", &meter.SchemaError{Missing: []string{"timestamp"}}, "SchemaError"},
		{"row", fmt.Errorf("line 3: %w", meter.ErrMalformedRow), "DataError"},
		{"rpc", &shelly.RPCError{Method: "EM.GetStatus", Code: 404, Message: "no handler"}, "ProtocolError"},
		{"transport", fmt.Errorf("download of oben: %w", shelly.ErrTransport), "TransportError"},
		{"storage", fmt.Errorf("%w: ping failed", influxdb.ErrConnectionFailed), "StorageError"},
		{"bucket", influxdb.ErrBucketSetup, "StorageError"},
		{"cancelled", fmt.Errorf("bulk insert: %w", context.Canceled), "Interrupted"},
		{"other", errors.New("boom"), "Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorClass(tt.err); got != tt.want {
				t.Errorf("errorClass(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

// writeConfig writes a config for one fake device and returns its path.
func writeConfig(t *testing.T, dev *shellytest.Device) (path, dataDir, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	dbPath = filepath.Join(dir, "ledger.db")
	content := fmt.Sprintf(`
devices:
  - name: oben
    address: %q
data_dir: %q
timezone: Europe/Berlin
influxdb:
  url: http://127.0.0.1:59999
  org: home
  bucket: energy
database:
  path: %q
logging:
  level: error
  output: stderr
`, dev.Address(), dataDir, dbPath)

	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path, dataDir, dbPath
}

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"bad flag", []string{"-nope", "status"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, io.Discard)
			if !errors.Is(err, errUsage) {
				t.Fatalf("run() error = %v, want usage error", err)
			}
		})
	}
}

func TestRun_CommandUsage(t *testing.T) {
	dev := shellytest.NewDevice(t)
	path, _, _ := writeConfig(t, dev)

	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"-config", path, "explode"}},
		{"download without age", []string{"-config", path, "download"}},
		{"download with two ages", []string{"-config", path, "download", "1d", "2d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, io.Discard)
			if !errors.Is(err, errUsage) {
				t.Fatalf("run() error = %v, want usage error", err)
			}
		})
	}

	err := run(context.Background(), []string{"-config", path, "download", "soon"}, io.Discard)
	if !errors.Is(err, ErrInvalidAge) || errorClass(err) != "UsageError" {
		t.Errorf("run(download soon) error = %v, want invalid age", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(configEnv, "/nonexistent/path/config.yaml")

	err := run(context.Background(), []string{"status"}, io.Discard)
	if !errors.Is(err, errConfig) {
		t.Fatalf("run() error = %v, want config error", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(configEnv, "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("resolveConfigPath() = %q, want default", got)
	}

	t.Setenv(configEnv, "/etc/emingest.yaml")
	if got := resolveConfigPath(""); got != "/etc/emingest.yaml" {
		t.Errorf("resolveConfigPath() = %q, want env value", got)
	}
	if got := resolveConfigPath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("resolveConfigPath(flag) = %q, want flag value", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "EMINGEST_DOTENV_TEST_VALUE"
	os.Unsetenv(key)
	t.Cleanup(func() { os.Unsetenv(key) })

	if err := loadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("loadDotEnv(missing) error = %v", err)
	}

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv() error = %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q, want from-file", key, got)
	}
}

func TestRun_Status(t *testing.T) {
	dev := shellytest.NewDevice(t)
	dev.SetResult(shelly.MethodGetStatus, map[string]any{
		"sys": map[string]any{"unixtime": 1716560784, "uptime": 3600},
	})
	path, _, _ := writeConfig(t, dev)

	if err := run(context.Background(), []string{"-config", path, "status"}, io.Discard); err != nil {
		t.Fatalf("run(status) error = %v", err)
	}
	if dev.Calls(shelly.MethodGetStatus) != 1 {
		t.Errorf("GetStatus calls = %d, want 1", dev.Calls(shelly.MethodGetStatus))
	}
}

func TestRun_StatusDeviceError(t *testing.T) {
	dev := shellytest.NewDevice(t)
	dev.SetError(shelly.MethodGetStatus, -103, "busy")
	path, _, _ := writeConfig(t, dev)

	err := run(context.Background(), []string{"-config", path, "status"}, io.Discard)
	if errorClass(err) != "ProtocolError" {
		t.Fatalf("run(status) error = %v (%s), want ProtocolError", err, errorClass(err))
	}
}

func TestRun_DownloadThenMissing(t *testing.T) {
	ctx := context.Background()
	dev := shellytest.NewDevice(t)
	dev.SetExport(shellytest.ExportCSV(time.Now().Add(-time.Hour).Truncate(time.Minute), 5), 0)
	path, dataDir, dbPath := writeConfig(t, dev)

	if err := run(ctx, []string{"-config", path, "download", "2h"}, io.Discard); err != nil {
		t.Fatalf("run(download 2h) error = %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dataDir, "oben", "oben_*.csv"))
	if err != nil || len(files) != 1 {
		t.Fatalf("export files = %v (%v), want one", files, err)
	}

	db, err := database.Open(ctx, config.DatabaseConfig{Path: dbPath, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	entry, err := ledger.NewSQLiteRepository(db.DB).LastDownload(ctx, "oben")
	if err != nil {
		t.Fatalf("LastDownload() error = %v", err)
	}
	if entry.Target != files[0] || entry.Bytes == 0 {
		t.Errorf("ledger entry = %+v", entry)
	}

	if err := run(ctx, []string{"-config", path, "download", "missing"}, io.Discard); err != nil {
		t.Fatalf("run(download missing) error = %v", err)
	}

	queries := dev.ExportQueries()
	if len(queries) != 2 {
		t.Fatalf("export requests = %d, want 2", len(queries))
	}
	first, _ := url.ParseQuery(queries[0])
	second, _ := url.ParseQuery(queries[1])
	firstTS, _ := strconv.ParseInt(first.Get("ts"), 10, 64)
	secondTS, _ := strconv.ParseInt(second.Get("ts"), 10, 64)
	if secondTS != entry.DownloadedAt.Unix() {
		t.Errorf("missing resumed at ts=%d, want last download time %d", secondTS, entry.DownloadedAt.Unix())
	}
	if secondTS <= firstTS {
		t.Errorf("missing ts=%d should be after first ts=%d", secondTS, firstTS)
	}
}

func TestRun_DownloadMissingNeverDownloaded(t *testing.T) {
	dev := shellytest.NewDevice(t)
	dev.SetExport(shellytest.ExportCSV(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), 2), 0)
	path, _, _ := writeConfig(t, dev)

	if err := run(context.Background(), []string{"-config", path, "download", "missing"}, io.Discard); err != nil {
		t.Fatalf("run(download missing) error = %v", err)
	}
	q, _ := url.ParseQuery(dev.ExportQueries()[0])
	if q.Has("ts") {
		t.Errorf("query %q should have no lower bound", dev.ExportQueries()[0])
	}
}

func TestRun_ImportStorageUnreachable(t *testing.T) {
	dev := shellytest.NewDevice(t)
	path, _, _ := writeConfig(t, dev)

	err := run(context.Background(), []string{"-config", path, "import"}, io.Discard)
	if errorClass(err) != "StorageError" {
		t.Fatalf("run(import) error = %v (%s), want StorageError", err, errorClass(err))
	}
}
