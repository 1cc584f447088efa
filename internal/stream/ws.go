package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"polypulse/internal/config"
	"polypulse/internal/metrics"
)

const (
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxReadBytes = 4096
)

// Transport serves hub channels over WebSocket connections.
type Transport struct {
	hub              *Hub
	upgrader         websocket.Upgrader
	pingInterval     time.Duration
	maxWriteFailures int
}

func NewTransport(hub *Hub, cfg config.StreamConfig, allowedOrigins []string) *Transport {
	t := &Transport{
		hub:              hub,
		pingInterval:     cfg.PingInterval.Duration,
		maxWriteFailures: cfg.MaxWriteFailures,
	}
	if t.pingInterval <= 0 {
		t.pingInterval = 30 * time.Second
	}
	if t.maxWriteFailures < 1 {
		t.maxWriteFailures = 3
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return t
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Serve upgrades the request and streams the named channel until the client
// goes away or the hub closes.
func (t *Transport) Serve(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "channel", channel, "error", err)
		return
	}

	label := channel
	if strings.HasPrefix(channel, marketPrefix) {
		label = "market"
	}
	metrics.WebSocketClients.WithLabelValues(label).Inc()
	defer metrics.WebSocketClients.WithLabelValues(label).Dec()

	sub, backlog := t.hub.Subscribe(channel)
	defer sub.Unsubscribe()

	slog.Debug("ws client connected", "channel", channel, "remote", r.RemoteAddr)
	if err := t.pump(conn, sub, backlog); err != nil {
		metrics.Recovered("subscriber_disconnected")
		slog.Debug("ws client dropped", "channel", channel, "error", err)
	}
	conn.Close()
}

// pump owns every write to conn. The read loop only reports protocol errors
// back through replies.
func (t *Transport) pump(conn *websocket.Conn, sub *Subscription, backlog []Event) error {
	replies := make(chan Event, 8)
	done := make(chan struct{})
	go t.readLoop(conn, replies, done)

	ping := time.NewTicker(t.pingInterval)
	defer ping.Stop()

	failures := 0
	send := func(ev Event) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			failures++
			if failures >= t.maxWriteFailures {
				return fmt.Errorf("%w: %d write failures: %v", ErrSubscriberDisconnected, failures, err)
			}
			return nil
		}
		failures = 0
		return nil
	}

	if err := send(Event{Type: TypeConnected, Message: sub.Channel()}); err != nil {
		return err
	}
	for _, ev := range backlog {
		if err := send(ev); err != nil {
			return err
		}
	}

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
		case ev := <-replies:
			if err := send(ev); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				failures++
				if failures >= t.maxWriteFailures {
					return fmt.Errorf("%w: ping: %v", ErrSubscriberDisconnected, err)
				}
			}
		case <-done:
			return nil
		}
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

func (t *Transport) readLoop(conn *websocket.Conn, replies chan<- Event, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxReadBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		reply := Event{Type: "pong"}
		if err := json.Unmarshal(data, &msg); err != nil {
			reply = Event{Type: TypeError, Message: "invalid message format"}
		} else if msg.Type != "ping" {
			reply = Event{Type: TypeError, Message: fmt.Sprintf("unsupported message type %q", msg.Type)}
		}
		select {
		case replies <- reply:
		default:
		}
	}
}
