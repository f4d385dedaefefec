package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/coupon-exchange/internal/auth"
)

// Client represents a single STOMP-over-WebSocket connection to the broker.
type Client interface {
	// Connect dials the broker and completes the STOMP handshake.
	// It returns only after CONNECTED has been received.
	Connect(ctx context.Context, cred auth.Credential) error

	// Close sends DISCONNECT and closes the transport.
	Close() error

	// Send writes a frame to the connection.
	Send(f Frame) error

	// Frames returns a channel of inbound MESSAGE and RECEIPT frames.
	Frames() <-chan TimestampedFrame

	// Errors returns a channel of connection errors.
	Errors() <-chan error

	// IsConnected returns current connection state.
	IsConnected() bool
}

// ClientFactory builds clients; the Manager uses it for every (re)connect.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	frames chan TimestampedFrame
	errors chan error
	done   chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	lastSeenAt time.Time
	closed     bool
	session    string
}

// NewClient creates a new STOMP client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultClientConfig().WriteTimeout
	}

	return &client{
		cfg:    cfg,
		logger: logger,
		frames: make(chan TimestampedFrame, cfg.BufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and performs the STOMP handshake.
func (c *client) Connect(ctx context.Context, cred auth.Credential) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	if cred.Empty() {
		return fmt.Errorf("%w: %w", ErrAuthentication, auth.ErrNoCredential)
	}

	// The credential travels as a connection header, never per message.
	header := http.Header{}
	header.Set("Authorization", cred.BearerHeader())

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: upgrade rejected with %d", ErrAuthentication, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}

	if err := c.handshake(ctx, conn, cred); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastSeenAt = time.Now()
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("stomp connected", "url", c.cfg.URL, "session", c.session)

	return nil
}

// handshake sends CONNECT and waits for CONNECTED or ERROR.
func (c *client) handshake(ctx context.Context, conn *websocket.Conn, cred auth.Credential) error {
	hb := c.cfg.HeartbeatInterval.Milliseconds()
	connect := NewFrame(CmdConnect, nil,
		"accept-version", "1.2",
		"host", c.host(),
		"heart-beat", fmt.Sprintf("%d,%d", hb, hb),
		"Authorization", cred.BearerHeader(),
	)

	timeout := c.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultClientConfig().HandshakeTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, connect.Encode()); err != nil {
		return fmt.Errorf("%w: write CONNECT: %v", ErrTransport, err)
	}

	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: await CONNECTED: %v", ErrTransport, err)
		}
		f, err := DecodeFrame(data)
		if errors.Is(err, ErrHeartbeat) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}

		switch f.Command {
		case CmdConnected:
			c.session = f.Header("session")
			return nil
		case CmdError:
			return classifyErrorFrame(f)
		default:
			return fmt.Errorf("%w: unexpected %s before CONNECTED", ErrTransport, f.Command)
		}
	}
}

// host returns the STOMP virtual host.
func (c *client) host() string {
	if c.cfg.Host != "" {
		return c.cfg.Host
	}
	if u, err := url.Parse(c.cfg.URL); err == nil {
		return u.Hostname()
	}
	return "/"
}

// classifyErrorFrame maps a broker ERROR frame to the error taxonomy.
func classifyErrorFrame(f Frame) error {
	msg := f.Header("message")
	text := strings.ToLower(msg + " " + string(f.Body))
	switch {
	case strings.Contains(text, "expired"):
		return fmt.Errorf("%w: %s", ErrCredentialExpired, msg)
	case strings.Contains(text, "unauthorized"),
		strings.Contains(text, "forbidden"),
		strings.Contains(text, "auth"),
		strings.Contains(text, "401"):
		return fmt.Errorf("%w: %s", ErrAuthentication, msg)
	}
	return fmt.Errorf("%w: broker error: %s", ErrTransport, msg)
}

// Close sends DISCONNECT and closes the connection.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.connected
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	if wasConnected {
		disconnect := NewFrame(CmdDisconnect, nil, "receipt", uuid.NewString())
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, disconnect.Encode()); err != nil {
			c.logger.Debug("failed to send DISCONNECT", "error", err)
		}
	}
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return conn.Close()
}

// Send writes a frame to the connection.
func (c *client) Send(f Frame) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, f.Encode()); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, f.Command, err)
	}
	return nil
}

// Frames returns the frames channel.
func (c *client) Frames() <-chan TimestampedFrame {
	return c.frames
}

// Errors returns the errors channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *client) touch() {
	c.mu.Lock()
	c.lastSeenAt = time.Now()
	c.mu.Unlock()
}

func (c *client) fail(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop reads frames from the WebSocket and forwards them in arrival order.
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
				c.fail(fmt.Errorf("%w: read: %v", ErrTransport, err))
				return
			}
		}
		c.touch()

		f, err := DecodeFrame(data)
		if errors.Is(err, ErrHeartbeat) {
			continue
		}
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		if f.Command == CmdError {
			c.fail(classifyErrorFrame(f))
			return
		}

		select {
		case c.frames <- TimestampedFrame{Frame: f, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		}
	}
}

// heartbeatLoop sends heart-beats and monitors for stale connections.
func (c *client) heartbeatLoop() {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			c.conn.SetWriteDeadline(deadline)
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte("\n")); err != nil {
				c.logger.Debug("failed to send heart-beat", "error", err)
			}
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
			c.writeMu.Unlock()

			c.mu.RLock()
			lastSeen := c.lastSeenAt
			c.mu.RUnlock()

			if c.cfg.ReadTimeout > 0 && time.Since(lastSeen) > c.cfg.ReadTimeout {
				c.logger.Warn("no inbound traffic, connection stale",
					"last_seen", lastSeen,
					"timeout", c.cfg.ReadTimeout,
				)
				c.fail(fmt.Errorf("%w: %w", ErrTransport, ErrStaleConnection))
				return
			}
		}
	}
}
