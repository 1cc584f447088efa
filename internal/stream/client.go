package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClientRunning is returned when Run is called on a client that is
// already running.
var ErrClientRunning = errors.New("stream client already running")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	}
	return "unknown"
}

// Message is an event as received by a client. Data is left raw so callers
// decode only what they need.
type Message struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client subscribes to one stream URL and reconnects after a fixed delay
// whenever the connection drops.
type Client struct {
	url     string
	delay   time.Duration
	dialer  *websocket.Dialer
	handle  func(Message)
	onState func(State)

	mu      sync.Mutex
	state   State
	running bool
}

func NewClient(url string, delay time.Duration, handle func(Message)) *Client {
	if delay <= 0 {
		delay = 3 * time.Second
	}
	return &Client{
		url:    url,
		delay:  delay,
		dialer: websocket.DefaultDialer,
		handle: handle,
	}
}

// OnStateChange registers a callback invoked on every transition. It must be
// set before Run.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(s)
	}
}

// Run connects and keeps reconnecting until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrClientRunning
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.setState(Disconnected)
	}()

	for {
		c.setState(Connecting)
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.setState(Connected)
			err = c.read(ctx, conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("stream connection lost", "url", c.url, "error", err, "retry_in", c.delay)

		c.setState(Backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.delay):
		}
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.handle != nil {
			c.handle(msg)
		}
	}
}
