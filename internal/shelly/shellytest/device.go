// Package shellytest provides an in-process fake energy meter for tests.
//
// The fake answers RPC calls over HTTP, serves a configurable CSV export and
// speaks the push protocol over a WebSocket on /rpc.
package shellytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/em-ingest/internal/meter"
)

// Device is a fake meter backed by an httptest.Server.
type Device struct {
	Server *httptest.Server

	mu           sync.Mutex
	results      map[string]any
	rpcErrors    map[string]rpcError
	rpcStatus    int
	calls        map[string]int
	export       string
	exportStatus int
	exportQuery  []string
	exportDelay  time.Duration
	stallAfter   int
	stallFor     time.Duration
	pushFrames   []string
	closeAfter   bool
	handshakes   []string
	pushSent     chan struct{}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// NewDevice starts a fake device. It is shut down when the test ends.
func NewDevice(t testing.TB) *Device {
	t.Helper()

	d := &Device{
		results:   make(map[string]any),
		rpcErrors: make(map[string]rpcError),
		calls:     make(map[string]int),
		pushSent:  make(chan struct{}, 16),
	}
	d.results["Shelly.GetDeviceInfo"] = map[string]any{
		"name": nil, "id": "shellypro3em-fake", "mac": "AABBCCDDEEFF",
		"model": "SPEM-003CEBEU", "gen": 2, "ver": "1.3.3", "app": "Pro3EM",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", d.handleRPC)
	mux.HandleFunc("/emdata/0/data.csv", d.handleExport)
	d.Server = httptest.NewServer(mux)
	t.Cleanup(d.Server.Close)

	return d
}

// Address returns host:port of the fake device.
func (d *Device) Address() string {
	return strings.TrimPrefix(d.Server.URL, "http://")
}

// SetResult sets the result returned for an RPC method.
func (d *Device) SetResult(method string, result any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[method] = result
}

// SetError makes an RPC method answer with an error envelope.
func (d *Device) SetError(method string, code int, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rpcErrors[method] = rpcError{Code: code, Message: message}
}

// ClearError removes an error set with SetError.
func (d *Device) ClearError(method string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rpcErrors, method)
}

// SetRPCStatus forces an HTTP status on every RPC response without a body.
func (d *Device) SetRPCStatus(status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rpcStatus = status
}

// Calls returns how often an RPC method was called.
func (d *Device) Calls(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

// SetExport sets the body and status of the CSV export.
func (d *Device) SetExport(body string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.export = body
	d.exportStatus = status
}

// SetExportDelay delays the export response headers.
func (d *Device) SetExportDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exportDelay = delay
}

// SetExportStall makes the export send its first n bytes, flush, then go
// quiet for d (or until the client disconnects) before sending the rest.
func (d *Device) SetExportStall(n int, stall time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallAfter = n
	d.stallFor = stall
}

// ExportQueries returns the raw query strings of every export request.
func (d *Device) ExportQueries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.exportQuery...)
}

// SetPush sets the frames pushed after each handshake. With closeAfter the
// device closes the channel once they are sent.
func (d *Device) SetPush(closeAfter bool, frames ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushFrames = frames
	d.closeAfter = closeAfter
}

// Handshakes returns the src of every handshake received.
func (d *Device) Handshakes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.handshakes...)
}

// PushSent is signalled each time a full set of push frames was written.
func (d *Device) PushSent() <-chan struct{} {
	return d.pushSent
}

func (d *Device) handleRPC(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		d.handlePush(w, r)
		return
	}

	var req struct {
		ID     int             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	d.calls[req.Method]++
	status := d.rpcStatus
	result, hasResult := d.results[req.Method]
	rpcErr, hasErr := d.rpcErrors[req.Method]
	d.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	resp := map[string]any{"id": req.ID, "src": "shellypro3em-fake"}
	switch {
	case hasErr:
		resp["error"] = rpcErr
	case hasResult:
		resp["result"] = result
	default:
		resp["error"] = rpcError{Code: 404, Message: fmt.Sprintf("No handler for %s", req.Method)}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d *Device) handleExport(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	d.exportQuery = append(d.exportQuery, r.URL.RawQuery)
	body, status, delay := d.export, d.exportStatus, d.exportDelay
	stallAfter, stallFor := d.stallAfter, d.stallFor
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(status)

	if stallAfter > 0 && stallAfter < len(body) {
		io.WriteString(w, body[:stallAfter])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(stallFor):
		}
		body = body[stallAfter:]
	}
	io.WriteString(w, body)
}

func (d *Device) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var hs struct {
		ID  int    `json:"id"`
		Src string `json:"src"`
	}
	if err := conn.ReadJSON(&hs); err != nil {
		return
	}

	d.mu.Lock()
	d.handshakes = append(d.handshakes, hs.Src)
	frames := append([]string(nil), d.pushFrames...)
	closeAfter := d.closeAfter
	d.mu.Unlock()

	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			return
		}
	}
	select {
	case d.pushSent <- struct{}{}:
	default:
	}

	if closeAfter {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// StatusFrame returns a NotifyStatus frame carrying em:0 at ts.
func StatusFrame(ts float64, totalActPower float64) string {
	return fmt.Sprintf(`{"src":"shellypro3em-fake","dst":"x","method":"NotifyStatus","params":{"ts":%v,"em:0":{"id":0,`+
		`"a_current":0.083,"a_voltage":234.0,"a_act_power":10.5,"a_aprt_power":19.4,"a_pf":0.54,"a_freq":50.0,`+
		`"b_current":0.126,"b_voltage":234.4,"b_act_power":7.1,"b_aprt_power":29.6,"b_pf":0.24,"b_freq":50.0,`+
		`"c_current":0.041,"c_voltage":234.5,"c_act_power":3.0,"c_aprt_power":9.6,"c_pf":0.3,"c_freq":50.0,`+
		`"n_current":null,"total_current":0.25,"total_act_power":%v,"total_aprt_power":58.593}}}`, ts, totalActPower)
}

// ExportCSV returns a valid export with one row per minute starting at start.
// Each row's values are derived from its index so rows are distinguishable.
func ExportCSV(start time.Time, rows int) string {
	fields := meter.ExportFields()

	var b strings.Builder
	b.WriteString(strings.Join(fields, ","))
	b.WriteString("\n")
	for i := range rows {
		b.WriteString(ExportRow(start.Add(time.Duration(i)*time.Minute), float64(i)))
		b.WriteString("\n")
	}
	return b.String()
}

// ExportRow returns one export line at ts with every measurement set to value.
func ExportRow(ts time.Time, value float64) string {
	n := len(meter.ExportFields())
	values := make([]string, n)
	values[0] = fmt.Sprint(ts.Unix())
	for i := 1; i < n; i++ {
		values[i] = fmt.Sprint(value)
	}
	return strings.Join(values, ",")
}
