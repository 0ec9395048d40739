package shelly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/em-ingest/internal/infrastructure/logging"
	"github.com/nerrad567/em-ingest/internal/meter"
)

// Push notification methods.
const (
	MethodNotifyStatus     = "NotifyStatus"
	MethodNotifyFullStatus = "NotifyFullStatus"
	MethodNotifyEvent      = "NotifyEvent"
)

// clientIDPrefix prefixes the source id sent in the push handshake.
const clientIDPrefix = "em-ingest-"

// State is the lifecycle state of a Subscription.
type State int32

// Subscription states. Stopped is terminal.
const (
	StateCreated State = iota
	StateRunning
	StateStopRequested
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler receives live events. Calls for one subscription are sequential.
type Handler func(c *Client, event meter.LiveEvent)

// Subscription is one push channel to one device.
type Subscription struct {
	client  *Client
	conn    *websocket.Conn
	handler Handler
	logger  *logging.Logger

	state    atomic.Int32
	stopping chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	frames chan []byte

	errMu   sync.Mutex
	readErr error
}

// handshake is the first frame sent on the push channel.
type handshake struct {
	ID  int    `json:"id"`
	Src string `json:"src"`
}

// pushFrame holds the members used to classify an incoming frame.
type pushFrame struct {
	ID     *json.RawMessage `json:"id"`
	Method string           `json:"method"`
}

// Subscribe opens the push channel, sends the handshake and starts the
// worker. The returned Subscription is running.
func (c *Client) Subscribe(ctx context.Context, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("shelly: nil handler")
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.RequestTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: opening push channel of %s: HTTP %d: %w", ErrTransport, c.name, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: opening push channel of %s: %w", ErrTransport, c.name, err)
	}

	src := clientIDPrefix + uuid.NewString()
	conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	if err := conn.WriteJSON(handshake{ID: 1, Src: src}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: sending handshake to %s: %w", ErrTransport, c.name, err)
	}

	s := &Subscription{
		client:   c,
		conn:     conn,
		handler:  handler,
		logger:   c.logger.With("src", src),
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
		frames:   make(chan []byte),
	}
	s.state.Store(int32(StateRunning))

	go s.readLoop()
	go s.run()

	s.logger.Info("subscribed to push notifications")
	return s, nil
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Client returns the device client this subscription belongs to.
func (s *Subscription) Client() *Client {
	return s.client
}

// RequestStop asks the worker to exit. It does not block and may be called
// any number of times.
func (s *Subscription) RequestStop() {
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested)) {
		s.logger.Debug("stop requested")
	}
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Join blocks until the worker has exited. Safe to call repeatedly.
func (s *Subscription) Join() {
	<-s.finished
}

// Stop requests a stop and waits for it.
func (s *Subscription) Stop() {
	s.RequestStop()
	s.Join()
}

// Err returns the error that ended the subscription when the device closed
// the channel. It is nil while running and after a requested stop.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErr
}

func (s *Subscription) stopRequested() bool {
	return s.State() >= StateStopRequested
}

// readLoop feeds frames to the worker. A gorilla connection cannot be read
// again after a read error, so reads are never given a deadline here; the
// worker bounds its wait instead.
func (s *Subscription) readLoop() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// After a requested stop the error is our own Close.
			if !s.stopRequested() {
				s.errMu.Lock()
				s.readErr = err
				s.errMu.Unlock()
			}
			return
		}
		select {
		case s.frames <- data:
		case <-s.finished:
			return
		}
	}
}

func (s *Subscription) run() {
	defer func() {
		s.conn.Close()
		s.state.Store(int32(StateStopped))
		close(s.finished)
		s.logger.Info("push subscription stopped")
	}()

	receiveTimeout := s.client.opts.ReceiveTimeout
	for !s.stopRequested() {
		timer := time.NewTimer(receiveTimeout)
		select {
		case data, ok := <-s.frames:
			timer.Stop()
			if !ok {
				if !s.stopRequested() {
					s.logger.Error("push channel closed by device", "error", s.Err())
				}
				return
			}
			s.dispatch(data)
		case <-s.stopping:
			timer.Stop()
		case <-timer.C:
			// Re-poll so the stop flag is checked at least once per wait.
		}
	}
}

// dispatch classifies one frame. Errors are logged and never end the loop.
func (s *Subscription) dispatch(data []byte) {
	var f pushFrame
	if err := json.Unmarshal(data, &f); err != nil {
		s.logger.Warn("discarding malformed push frame", "error", err, "size", len(data))
		return
	}

	switch f.Method {
	case "":
		if f.ID != nil {
			s.logger.Debug("discarding rpc response", "id", string(*f.ID))
			return
		}
		s.logger.Warn("discarding push frame without method")
	case MethodNotifyEvent:
		s.logger.Debug("discarding event notification")
	case MethodNotifyStatus, MethodNotifyFullStatus:
		event, err := meter.DecodeLiveEvent(data, s.client.opts.Location)
		if errors.Is(err, meter.ErrNoEnergyMeter) {
			s.logger.Debug("discarding status without energy meter", "method", f.Method)
			return
		}
		if err != nil {
			s.logger.Warn("discarding undecodable status", "method", f.Method, "error", err)
			return
		}
		s.handler(s.client, event)
	default:
		err := fmt.Errorf("%w: unknown push method %q", ErrProtocol, f.Method)
		s.logger.Error("discarding push frame", "error", err)
	}
}
