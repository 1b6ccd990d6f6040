// Package sensor implements the sensor board transport client (C10):
// newline-delimited JSON over a serial link to the gas-sensor array board.
package sensor

import (
	"bufio"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/obslog"
	"github.com/gsq7474741/rpi-odor/pkg/serial"
)

// Packet is the union of response shapes the core consumes from the sensor
// board: ack/error/status/ready/data.
type Packet struct {
	Type string `json:"type"`
	ID   *int64 `json:"id,omitempty"`

	// data packets
	Tick       int64   `json:"tick,omitempty"`
	Sensor     int     `json:"s,omitempty"`
	Value      float64 `json:"v,omitempty"`
	SensorKind string  `json:"st,omitempty"` // "mox_d" | "mox_a" | "pid"
	HeaterStep int     `json:"gi,omitempty"`
	Temp       *float64 `json:"T,omitempty"`
	Humidity   *float64 `json:"H,omitempty"`
	Pressure   *float64 `json:"P,omitempty"`

	// ready packet
	SensorCount     int    `json:"sensor_count,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`

	// error packet
	Message string `json:"message,omitempty"`
}

type command struct {
	Cmd    string `json:"cmd"`
	ID     int64  `json:"id"`
	Params any    `json:"params,omitempty"`
}

// PacketObserver is invoked once per inbound data/ready packet, in arrival
// order. A subscriber that attaches mid-stream sees only subsequent
// packets.
type PacketObserver func(Packet)

type Client struct {
	log *obslog.Logger

	mu   sync.Mutex
	port *serial.Port

	writeCh chan command
	done    chan struct{}
	closed  atomic.Bool
	nextID  int64

	obsMu sync.Mutex
	obs   PacketObserver

	readyMu sync.Mutex
	ready   *Packet
}

func New(log *obslog.Logger) *Client {
	return &Client{
		log:     log,
		writeCh: make(chan command, 64),
		done:    make(chan struct{}),
	}
}

// Start opens the serial device at the given baud rate and begins the read
// and write pumps.
func (c *Client) Start(device string, baud int) error {
	cfg := serial.DefaultConfig()
	cfg.Device = device
	cfg.BaudRate = baud
	port, err := serial.Open(cfg)
	if err != nil {
		return obserr.Transport("sensor_open", err)
	}
	c.mu.Lock()
	c.port = port
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) Subscribe(obs PacketObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.obs = obs
}

// LastReady returns the one-shot ready packet observed on connect, if any.
func (c *Client) LastReady() (Packet, bool) {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	if c.ready == nil {
		return Packet{}, false
	}
	return *c.ready, true
}

// Write enqueues an outbound command ({cmd, id, params?}).
func (c *Client) Write(cmd string, params any) error {
	id := atomic.AddInt64(&c.nextID, 1)
	select {
	case c.writeCh <- command{Cmd: cmd, ID: id, Params: params}:
		return nil
	case <-c.done:
		return obserr.New(obserr.ErrTransportClosed, "sensor write: transport closed")
	}
}

func (c *Client) writePump() {
	for {
		select {
		case cmd := <-c.writeCh:
			data, err := json.Marshal(cmd)
			if err != nil {
				continue
			}
			data = append(data, '\n')
			c.mu.Lock()
			port := c.port
			c.mu.Unlock()
			if port == nil {
				continue
			}
			if _, err := port.Write(data); err != nil {
				if c.log != nil {
					c.log.WithError(err).Error("sensor transport write failed")
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
	port := c.port
	c.mu.Unlock()

	scanner := bufio.NewScanner(port)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var pkt Packet
		if err := json.Unmarshal(line, &pkt); err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("sensor transport: malformed line")
			}
			continue
		}
		c.handlePacket(pkt)
	}
	c.abort()
}

func (c *Client) handlePacket(pkt Packet) {
	if pkt.Type == "ready" {
		c.readyMu.Lock()
		p := pkt
		c.ready = &p
		c.readyMu.Unlock()
	}
	if pkt.Type != "data" && pkt.Type != "ready" {
		return
	}
	c.obsMu.Lock()
	obs := c.obs
	c.obsMu.Unlock()
	if obs != nil {
		obs(pkt)
	}
}

func (c *Client) abort() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
}

func (c *Client) Stop() error {
	c.abort()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	return c.port.Close()
}
