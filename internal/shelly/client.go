package shelly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/em-ingest/internal/infrastructure/config"
	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
)

// Default protocol timeouts.
const (
	DefaultRequestTimeout = 3 * time.Second
	DefaultReceiveTimeout = 5 * time.Second

	// maxRPCResponseSize caps how much of an RPC response body is read.
	maxRPCResponseSize = 1 << 20
)

// Options tunes a Client. Zero values fall back to the defaults.
type Options struct {
	// RequestTimeout bounds each RPC call, the wait for export response
	// headers and every gap between export body reads.
	RequestTimeout time.Duration

	// ReceiveTimeout bounds each wait for a push frame.
	ReceiveTimeout time.Duration

	// Location is the zone live event timestamps are expressed in.
	Location *time.Location

	Logger *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = DefaultReceiveTimeout
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// DeviceIdentity names a device. ID is the device's own identifier and is
// fetched on first use.
type DeviceIdentity struct {
	Name    string
	Address string
	ID      string
}

// Client talks to one device. It is safe for concurrent use; each
// Subscription owns its own connection.
type Client struct {
	name    string
	address string
	opts    Options
	http    *http.Client
	logger  *logging.Logger

	idMu sync.Mutex
	id   string
}

// New creates a client for the device. No connection is made.
func New(dev config.DeviceConfig, opts Options) *Client {
	opts = opts.withDefaults()

	dialer := &net.Dialer{Timeout: opts.RequestTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: opts.RequestTimeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
	}

	return &Client{
		name:    dev.Name,
		address: strings.TrimSuffix(dev.Address, "/"),
		opts:    opts,
		// No overall timeout: export bodies stream for as long as the device
		// keeps sending. Gaps are bounded by idleTimeoutBody.
		http:   &http.Client{Transport: transport},
		logger: opts.Logger.Component("shelly").Device(dev.Name),
	}
}

// Name returns the configured device name.
func (c *Client) Name() string {
	return c.name
}

// Address returns the configured device address.
func (c *Client) Address() string {
	return c.address
}

// Identity returns the device identity, fetching the device id on first
// call. Concurrent callers share one fetch; a failed fetch is not cached.
func (c *Client) Identity(ctx context.Context) (DeviceIdentity, error) {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	if c.id == "" {
		info, err := c.DeviceInfo(ctx)
		if err != nil {
			return DeviceIdentity{}, fmt.Errorf("resolving identity of %s: %w", c.name, err)
		}
		c.id = info.ID
		c.logger.Debug("device identity resolved", "id", info.ID, "model", info.Model, "firmware", info.Version)
	}

	return DeviceIdentity{Name: c.name, Address: c.address, ID: c.id}, nil
}

func (c *Client) baseURL() string {
	if strings.Contains(c.address, "://") {
		return c.address
	}
	return "http://" + c.address
}

func (c *Client) wsURL() string {
	u := c.baseURL()
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/rpc"
}

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call performs one RPC round trip and decodes the result into out, which
// may be nil. An error envelope returns *RPCError even on a non-2xx status.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building %s request: %w", ErrTransport, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponseSize))
	if err != nil {
		return fmt.Errorf("%w: reading %s response: %w", ErrTransport, method, err)
	}
	c.logger.Debug("rpc call", "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	var envelope rpcResponse
	decodeErr := json.Unmarshal(raw, &envelope)
	if decodeErr == nil && envelope.Error != nil {
		return &RPCError{Method: method, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: HTTP %d", ErrTransport, method, resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decoding %s response: %w", ErrProtocol, method, decodeErr)
	}
	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 {
		return fmt.Errorf("%w: %s response has no result", ErrProtocol, method)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: decoding %s result: %w", ErrProtocol, method, err)
	}
	return nil
}

// get issues a GET and checks the status code. The caller closes the body.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: HTTP %d", ErrTransport, url, resp.StatusCode)
	}
	return resp, nil
}

// IsTimeout reports whether err was caused by a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
