// Package brokertest provides an in-process STOMP-over-WebSocket broker for
// tests. It speaks enough of the protocol to authenticate, track
// subscriptions, record SEND frames and push MESSAGE frames.
package brokertest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/coupon-exchange/internal/connection"
)

// Broker is a fake STOMP broker backed by httptest.
type Broker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu            sync.Mutex
	token         string // accepted token; "" accepts any non-empty token
	expired       map[string]bool
	rejectStatus  int
	silent        bool
	conns         map[*brokerConn]struct{}
	open          int
	maxOpen       int
	total         int
	disconnects   int
	sent          []connection.Frame
	headers       []http.Header
	connectFrames []connection.Frame
	changed       chan struct{}
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // destination → subscription id
}

// New starts a broker.
func New() *Broker {
	b := &Broker{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		expired:  make(map[string]bool),
		conns:    make(map[*brokerConn]struct{}),
		changed:  make(chan struct{}),
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

// URL returns the ws:// URL of the broker.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// Close drops all connections and stops the server.
func (b *Broker) Close() {
	b.DropAll()
	b.server.Close()
}

// AcceptToken restricts accepted bearer tokens to token.
func (b *Broker) AcceptToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// ExpireToken makes the broker answer token with an expiry ERROR frame.
func (b *Broker) ExpireToken(token string) {
	b.mu.Lock()
	b.expired[token] = true
	b.mu.Unlock()
}

// RejectUpgrades makes the broker refuse WebSocket upgrades with status.
// Zero restores normal behavior.
func (b *Broker) RejectUpgrades(status int) {
	b.mu.Lock()
	b.rejectStatus = status
	b.mu.Unlock()
}

// Silence makes the broker accept sockets but never answer CONNECT.
func (b *Broker) Silence(silent bool) {
	b.mu.Lock()
	b.silent = silent
	b.mu.Unlock()
}

// notify wakes waiters. Must be called with mu held.
func (b *Broker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject := b.rejectStatus
	b.headers = append(b.headers, r.Header.Clone())
	b.mu.Unlock()

	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{ws: ws, subs: make(map[string]string)}

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.open++
	b.total++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	b.notify()
	b.mu.Unlock()

	defer func() {
		ws.Close()
		b.mu.Lock()
		if _, ok := b.conns[c]; ok {
			delete(b.conns, c)
			b.open--
		}
		b.notify()
		b.mu.Unlock()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := connection.DecodeFrame(data)
		if err != nil {
			continue
		}
		if !b.handle(c, f) {
			return
		}
	}
}

// handle processes one client frame; false closes the connection.
func (b *Broker) handle(c *brokerConn, f connection.Frame) bool {
	switch f.Command {
	case connection.CmdConnect:
		b.mu.Lock()
		b.connectFrames = append(b.connectFrames, f)
		silent := b.silent
		token := strings.TrimPrefix(f.Header("Authorization"), "Bearer ")
		expired := b.expired[token]
		accepted := token != "" && (b.token == "" || b.token == token)
		b.notify()
		b.mu.Unlock()

		if silent {
			return true
		}
		if expired {
			c.write(connection.NewFrame(connection.CmdError, nil, "message", "Access token expired"))
			return false
		}
		if !accepted {
			c.write(connection.NewFrame(connection.CmdError, nil, "message", "Unauthorized"))
			return false
		}
		c.write(connection.NewFrame(connection.CmdConnected, nil,
			"version", "1.2",
			"session", uuid.NewString(),
			"heart-beat", "0,0",
		))

	case connection.CmdSubscribe:
		b.mu.Lock()
		c.subs[f.Header("destination")] = f.Header("id")
		b.notify()
		b.mu.Unlock()

	case connection.CmdUnsubscribe:
		b.mu.Lock()
		for dest, id := range c.subs {
			if id == f.Header("id") {
				delete(c.subs, dest)
			}
		}
		b.notify()
		b.mu.Unlock()

	case connection.CmdSend:
		b.mu.Lock()
		b.sent = append(b.sent, f)
		b.notify()
		b.mu.Unlock()

	case connection.CmdDisconnect:
		b.mu.Lock()
		b.disconnects++
		b.notify()
		b.mu.Unlock()
		if receipt := f.Header("receipt"); receipt != "" {
			c.write(connection.NewFrame(connection.CmdReceipt, nil, "receipt-id", receipt))
		}
		return false
	}
	return true
}

func (c *brokerConn) write(f connection.Frame) error {
	return c.writeRaw(f.Encode())
}

func (c *brokerConn) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Push sends a MESSAGE with body to every connection subscribed to
// destination and returns the number of recipients.
func (b *Broker) Push(destination string, body string) int {
	b.mu.Lock()
	var targets []*brokerConn
	var ids []string
	for c := range b.conns {
		if id, ok := c.subs[destination]; ok {
			targets = append(targets, c)
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	for i, c := range targets {
		c.write(connection.NewFrame(connection.CmdMessage, []byte(body),
			"destination", destination,
			"subscription", ids[i],
			"message-id", uuid.NewString(),
			"content-type", "application/json",
		))
	}
	return len(targets)
}

// PushRaw writes raw bytes to every open connection.
func (b *Broker) PushRaw(data []byte) {
	b.mu.Lock()
	targets := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.writeRaw(data)
	}
}

// SendError pushes an ERROR frame to every open connection.
func (b *Broker) SendError(message string) {
	b.PushRaw(connection.NewFrame(connection.CmdError, nil, "message", message).Encode())
}

// DropAll abruptly closes every connection, simulating a network failure.
func (b *Broker) DropAll() {
	b.mu.Lock()
	targets := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.ws.Close()
	}
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Open        int
	MaxOpen     int
	Total       int
	Disconnects int
	Sent        int
	Connects    int
}

// Stats returns current counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Open:        b.open,
		MaxOpen:     b.maxOpen,
		Total:       b.total,
		Disconnects: b.disconnects,
		Sent:        len(b.sent),
		Connects:    len(b.connectFrames),
	}
}

// Sent returns a copy of all SEND frames received.
func (b *Broker) Sent() []connection.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]connection.Frame, len(b.sent))
	copy(out, b.sent)
	return out
}

// ConnectFrames returns a copy of all CONNECT frames received.
func (b *Broker) ConnectFrames() []connection.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]connection.Frame, len(b.connectFrames))
	copy(out, b.connectFrames)
	return out
}

// UpgradeHeaders returns the HTTP headers of every upgrade request.
func (b *Broker) UpgradeHeaders() []http.Header {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]http.Header, len(b.headers))
	copy(out, b.headers)
	return out
}

// Subscribed reports whether any open connection subscribes to destination.
func (b *Broker) Subscribed(destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if _, ok := c.subs[destination]; ok {
			return true
		}
	}
	return false
}

// SubscriptionCount returns the number of subscriptions across open connections.
func (b *Broker) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		n += len(c.subs)
	}
	return n
}

// WaitFor polls cond after each broker state change until it holds or
// timeout elapses.
func (b *Broker) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		changed := b.changed
		b.mu.Unlock()

		if cond() {
			return true
		}
		select {
		case <-changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return cond()
		}
	}
}

// WaitSent waits until at least n SEND frames were received.
func (b *Broker) WaitSent(n int, timeout time.Duration) ([]connection.Frame, error) {
	if !b.WaitFor(timeout, func() bool { return b.Stats().Sent >= n }) {
		return b.Sent(), fmt.Errorf("timeout waiting for %d SEND frames, got %d", n, b.Stats().Sent)
	}
	return b.Sent(), nil
}
