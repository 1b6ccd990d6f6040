// Package transport implements the actuator transport client (C1): a
// persistent WebSocket carrying JSON-RPC 2.0 framing to the motion
// firmware, with a single-flight outbound FIFO and a liveness poll.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
)

const (
	livenessInterval = 2 * time.Second
	writeTimeout     = 5 * time.Second
	readLimit        = 1 << 20
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *int64          `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusObserver is invoked once per inbound notify_status_update
// notification with the first params element.
type StatusObserver func(payload json.RawMessage)

var (
	commandsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enosed_actuator_commands_sent_total",
		Help: "G-code-like commands submitted to the motion firmware.",
	})
	writeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enosed_actuator_write_errors_total",
		Help: "Actuator transport write failures.",
	})
	firmwareReadyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enosed_actuator_firmware_ready",
		Help: "1 if the motion firmware last reported state ready, else 0.",
	})
)

func init() {
	prometheus.MustRegister(commandsSent, writeErrors, firmwareReadyGauge)
}

// Client is the actuator transport client. The zero value is not usable;
// construct with New.
type Client struct {
	log *obslog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	sendCh chan rpcRequest
	done   chan struct{}
	closed atomic.Bool

	nextID int64

	cbMu      sync.Mutex
	callbacks map[int64]func(json.RawMessage)

	connected     atomic.Bool
	firmwareReady atomic.Bool

	obsMu  sync.Mutex
	status StatusObserver
}

func New(log *obslog.Logger) *Client {
	return &Client{
		log:       log,
		sendCh:    make(chan rpcRequest, 256),
		done:      make(chan struct{}),
		callbacks: make(map[int64]func(json.RawMessage)),
	}
}

// Connect dials the motion firmware, subscribes to the named status
// objects, and starts the read pump, write pump, and liveness poll.
func (c *Client) Connect(ctx context.Context, url string, subscribeObjects []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return obserr.Transport("connect", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readPump()
	go c.writePump()
	go c.livenessLoop()

	objects := make(map[string]any, len(subscribeObjects))
	for _, name := range subscribeObjects {
		objects[name] = nil
	}
	c.enqueue(rpcRequest{Method: "printer.objects.subscribe", Params: map[string]any{"objects": objects}})
	return nil
}

func (c *Client) OnStatusUpdate(obs StatusObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.status = obs
}

func (c *Client) IsFirmwareReady() bool {
	return c.firmwareReady.Load()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// SendCommand enqueues a G-code-like script for execution. Thread-safe,
// non-blocking; the client serializes writes through its internal FIFO.
func (c *Client) SendCommand(script string) error {
	if !c.connected.Load() {
		return obserr.New(obserr.ErrTransportClosed, "send_command: transport not connected")
	}
	commandsSent.Inc()
	return c.enqueue(rpcRequest{Method: "printer.gcode.script", Params: map[string]any{"script": script}})
}

// QueryObject enqueues an objects.query request. cb is invoked, at most
// once, with the matching response payload when it arrives. Non-matching
// requests simply never fire the callback; callers own their own timeout.
func (c *Client) QueryObject(object string, cb func(json.RawMessage)) error {
	if !c.connected.Load() {
		return obserr.New(obserr.ErrTransportClosed, "query_object: transport not connected")
	}
	id := atomic.AddInt64(&c.nextID, 1)
	c.cbMu.Lock()
	c.callbacks[id] = cb
	c.cbMu.Unlock()
	return c.enqueueWithID(rpcRequest{Method: "printer.objects.query", Params: map[string]any{"objects": map[string]any{object: nil}}}, id)
}

func (c *Client) enqueue(req rpcRequest) error {
	return c.enqueueWithID(req, atomic.AddInt64(&c.nextID, 1))
}

func (c *Client) enqueueWithID(req rpcRequest, id int64) error {
	req.JSONRPC = "2.0"
	req.ID = id
	select {
	case c.sendCh <- req:
		return nil
	case <-c.done:
		return obserr.New(obserr.ErrTransportClosed, "enqueue: transport closed")
	}
}

func (c *Client) writePump() {
	for {
		select {
		case req := <-c.sendCh:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(req); err != nil {
				writeErrors.Inc()
				if c.log != nil {
					c.log.WithError(err).Error("actuator transport write failed")
				}
				c.abort()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	conn.SetReadLimit(readLimit)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("actuator transport read ended")
			}
			c.abort()
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("actuator transport: malformed frame")
		}
		return
	}

	switch resp.Method {
	case "notify_status_update":
		c.handleStatusUpdate(resp.Params)
		return
	case "notify_klippy_shutdown":
		c.firmwareReady.Store(false)
		firmwareReadyGauge.Set(0)
		return
	case "notify_klippy_ready":
		return
	}

	if resp.ID == nil {
		return
	}
	c.cbMu.Lock()
	cb, ok := c.callbacks[*resp.ID]
	if ok {
		delete(c.callbacks, *resp.ID)
	}
	c.cbMu.Unlock()
	if ok && cb != nil {
		cb(resp.Result)
	}
}

func (c *Client) handleStatusUpdate(params json.RawMessage) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return
	}
	c.obsMu.Lock()
	obs := c.status
	c.obsMu.Unlock()
	if obs != nil {
		obs(arr[0])
	}
}

func (c *Client) livenessLoop() {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pollPrinterInfo()
		case <-c.done:
			return
		}
	}
}

func (c *Client) pollPrinterInfo() {
	id := atomic.AddInt64(&c.nextID, 1)
	c.cbMu.Lock()
	c.callbacks[id] = func(result json.RawMessage) {
		var info struct {
			State string `json:"state"`
		}
		ready := json.Unmarshal(result, &info) == nil && info.State == "ready"
		c.firmwareReady.Store(ready)
		if ready {
			firmwareReadyGauge.Set(1)
		} else {
			firmwareReadyGauge.Set(0)
		}
	}
	c.cbMu.Unlock()
	_ = c.enqueueWithID(rpcRequest{Method: "printer.info"}, id)
}

// abort marks the transport disconnected and stops further reads, per the
// documented failure semantics: reconnection is out of scope here.
func (c *Client) abort() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.connected.Store(false)
	c.firmwareReady.Store(false)
	firmwareReadyGauge.Set(0)
	close(c.done)
}

func (c *Client) Close() error {
	c.abort()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
