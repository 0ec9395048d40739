package influxdb_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/em-ingest/internal/infrastructure/config"
	"github.com/nerrad567/em-ingest/internal/infrastructure/influxdb"
	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/meter"
)

// fakeInflux answers the handful of InfluxDB v2 endpoints the client uses.
type fakeInflux struct {
	*httptest.Server

	mu          sync.Mutex
	buckets     []string
	created     []string
	lines       []string
	writes      int
	writeStatus int
	writeError  string
}

func newFakeInflux(t *testing.T, buckets ...string) *fakeInflux {
	t.Helper()
	f := &fakeInflux{buckets: buckets, writeStatus: http.StatusNoContent}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v2/orgs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"orgs": []map[string]any{{"id": "0000000000000001", "name": r.URL.Query().Get("org")}},
		})
	})
	mux.HandleFunc("/api/v2/buckets", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPost {
			var body struct {
				Name  string `json:"name"`
				OrgID string `json:"orgID"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.created = append(f.created, body.Name)
			f.buckets = append(f.buckets, body.Name)
			writeJSON(w, http.StatusCreated, map[string]any{
				"id": "0000000000000002", "name": body.Name, "orgID": body.OrgID, "retentionRules": []any{},
			})
			return
		}
		list := make([]map[string]any, 0, len(f.buckets))
		for _, name := range f.buckets {
			list = append(list, map[string]any{"id": "0000000000000003", "name": name, "retentionRules": []any{}})
		}
		writeJSON(w, http.StatusOK, map[string]any{"buckets": list})
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.writes++
		if f.writeStatus != http.StatusNoContent {
			writeJSON(w, f.writeStatus, map[string]any{"code": "invalid", "message": f.writeError})
			return
		}
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeInflux) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeInflux) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// RejectWrites makes every write answer with status and an InfluxDB error
// body carrying message.
func (f *fakeInflux) RejectWrites(status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeStatus = status
	f.writeError = message
}

func (f *fakeInflux) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func fakeConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		URL:             url,
		Token:           "test-token",
		Org:             "home",
		Bucket:          "energy",
		BatchSize:       100,
		FlushIntervalMS: 100,
	}
}

// testConfig returns a configuration for a local InfluxDB used by the
// integration tests.
func testConfig() config.InfluxDBConfig {
	cfg := fakeConfig("http://127.0.0.1:8086")
	cfg.Token = "emingest-dev-token"
	return cfg
}

// skipIfNoInfluxDB skips the test if InfluxDB is not running.
func skipIfNoInfluxDB(t *testing.T) {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		client, err := influxdb.Connect(context.Background(), testConfig(), nil)
		if err != nil {
			t.Skip("InfluxDB not available, skipping integration test")
		}
		client.Close()
	}
}

func sampleRows(n int) []meter.BulkRow {
	rows := make([]meter.BulkRow, n)
	for i := range rows {
		rows[i].Timestamp = time.Unix(int64(1649906400+60*i), 0).UTC()
		for j, ph := range meter.Phases {
			rows[i].Phases[j].Phase = ph
			rows[i].Phases[j].TotalActEnergy = float64(i)
		}
	}
	return rows
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	srv := newFakeInflux(t)

	client, err := influxdb.Connect(context.Background(), fakeConfig(srv.URL), logging.Discard())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	cfg := fakeConfig("http://127.0.0.1:59999")

	_, err := influxdb.Connect(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("Connect() should fail with invalid URL")
	}
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := newFakeInflux(t)
	client, err := influxdb.Connect(context.Background(), fakeConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
	if _, err := client.InsertBulk(context.Background(), "oben", sampleRows(1)); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("InsertBulk() after Close error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Bucket Tests
// =============================================================================

func TestEnsureBucket(t *testing.T) {
	tests := []struct {
		name        string
		existing    []string
		wantCreated []string
	}{
		{"missing bucket is created", []string{"other"}, []string{"energy"}},
		{"existing bucket is kept", []string{"other", "energy"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeInflux(t, tt.existing...)
			client, err := influxdb.Connect(context.Background(), fakeConfig(srv.URL), nil)
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			defer client.Close()

			if err := client.EnsureBucket(context.Background()); err != nil {
				t.Fatalf("EnsureBucket() error = %v", err)
			}
			if err := client.EnsureBucket(context.Background()); err != nil {
				t.Fatalf("second EnsureBucket() error = %v", err)
			}

			got := srv.Created()
			if len(got) != len(tt.wantCreated) {
				t.Fatalf("created = %v, want %v", got, tt.wantCreated)
			}
			for i := range got {
				if got[i] != tt.wantCreated[i] {
					t.Errorf("created[%d] = %q, want %q", i, got[i], tt.wantCreated[i])
				}
			}
		})
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestClient_InsertBulk(t *testing.T) {
	srv := newFakeInflux(t, "energy")
	client, err := influxdb.Connect(context.Background(), fakeConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	stats, err := client.InsertBulk(context.Background(), "oben", sampleRows(30))
	if err != nil {
		t.Fatalf("InsertBulk() error = %v", err)
	}
	if stats.Rows != 30 || stats.Points != 120 {
		t.Errorf("stats = %+v, want 30 rows / 120 points", stats)
	}

	lines := srv.Lines()
	if len(lines) != 120 {
		t.Fatalf("server received %d lines, want 120", len(lines))
	}
	if !strings.HasPrefix(lines[0], "em,device=oben,phase=a,source=bulk ") {
		t.Errorf("first line = %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], " 1649906400") {
		t.Errorf("first line %q not at second precision", lines[0])
	}
}

func TestClient_InsertStatusEvent(t *testing.T) {
	srv := newFakeInflux(t, "energy")
	client, err := influxdb.Connect(context.Background(), fakeConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	w := client.NewBatchWriter()
	defer w.Close()

	var event meter.LiveEvent
	event.Timestamp = time.Unix(1716560784, 0)
	for i, ph := range meter.Phases {
		event.Status.Phases[i].Phase = ph
	}

	if err := w.InsertStatusEvent("unten", event); err != nil {
		t.Fatalf("InsertStatusEvent() error = %v", err)
	}
	if got := len(srv.Lines()); got != 4 {
		t.Errorf("server received %d lines after InsertStatusEvent, want 4", got)
	}
}

func TestBatchWriter_RejectedBatch(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
	}{
		{
			name:    "field type conflict",
			status:  http.StatusUnprocessableEntity,
			message: `partial write: field type conflict: input field "current" on measurement "em" is type integer, already exists as type float dropped=4`,
		},
		{
			name:    "unable to parse",
			status:  http.StatusBadRequest,
			message: `unable to parse 'em,device=oben': missing fields`,
		},
		{
			name:    "bucket not found",
			status:  http.StatusNotFound,
			message: `bucket "energy" not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeInflux(t, "energy")
			srv.RejectWrites(tt.status, tt.message)

			var buf bytes.Buffer
			logger := &logging.Logger{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
			client, err := influxdb.Connect(context.Background(), fakeConfig(srv.URL), logger)
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			defer client.Close()

			var reported []*influxdb.WriteError
			client.SetOnError(func(err *influxdb.WriteError) { reported = append(reported, err) })

			event := meter.LiveEvent{Timestamp: time.Unix(1716560784, 0)}
			for i, ph := range meter.Phases {
				event.Status.Phases[i].Phase = ph
			}

			w := client.NewBatchWriter()
			if err := w.InsertStatusEvent("unten", event); err != nil {
				t.Fatalf("InsertStatusEvent() error = %v, want nil for a dropped batch", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			if len(reported) != 1 {
				t.Fatalf("onError called %d times, want 1", len(reported))
			}
			werr := reported[0]
			if werr.Retryable || !errors.Is(werr, influxdb.ErrWritePermanent) {
				t.Errorf("reported %v, want permanent failure", werr)
			}
			if werr.StatusCode != tt.status || !strings.Contains(werr.Message, tt.message[:12]) {
				t.Errorf("reported status %d message %q", werr.StatusCode, werr.Message)
			}
			if srv.Writes() != 1 {
				t.Errorf("server saw %d writes, want 1 (no retry)", srv.Writes())
			}
			if w.Dropped() != 4 {
				t.Errorf("Dropped() = %d, want 4", w.Dropped())
			}
			if !strings.Contains(buf.String(), `"level":"ERROR"`) {
				t.Errorf("no error-level log for the dropped batch: %s", buf.String())
			}
		})
	}
}

func TestInsertBulk_RejectedBatch(t *testing.T) {
	srv := newFakeInflux(t, "energy")
	srv.RejectWrites(http.StatusUnprocessableEntity, "partial write: field type conflict dropped=8")

	client, err := influxdb.Connect(context.Background(), fakeConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	stats, err := client.InsertBulk(context.Background(), "oben", sampleRows(2))
	if err != nil {
		t.Fatalf("InsertBulk() error = %v, want nil for a dropped batch", err)
	}
	if stats.Points != 8 || stats.Dropped != 8 {
		t.Errorf("stats = %+v, want 8 points / 8 dropped", stats)
	}
}

// =============================================================================
// Integration Tests
// =============================================================================

func TestIntegration_InsertBulk(t *testing.T) {
	skipIfNoInfluxDB(t)
	ctx := context.Background()

	client, err := influxdb.Connect(ctx, testConfig(), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket() error = %v", err)
	}
	if _, err := client.InsertBulk(ctx, "integration", sampleRows(5)); err != nil {
		t.Fatalf("InsertBulk() error = %v", err)
	}
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
