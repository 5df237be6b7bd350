// Package realtime is a minimal OpenAI Realtime WebSocket client: it opens a
// session, sends the session configuration and exposes decoded server events.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventBufferSize = 100
	writeTimeout    = 5 * time.Second
	closeGrace      = time.Second
)

// Dialer opens realtime connections.
type Dialer struct {
	URL    string // e.g. wss://api.openai.com/v1/realtime
	Model  string
	APIKey string

	// HandshakeTimeout bounds the WebSocket handshake. The caller's
	// context bounds the whole open.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Open dials the realtime endpoint, sends cfg as the one session.update for
// this connection, and starts reading events. callID is only used for logs.
func (d *Dialer) Open(ctx context.Context, cfg SessionConfig, callID string) (*Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, &UpstreamError{Op: "dial", Err: fmt.Errorf("parsing url: %w", err)}
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		uerr := &UpstreamError{Op: "dial", Err: err}
		if resp != nil {
			uerr.StatusCode = resp.StatusCode
		}
		return nil, uerr
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Conn{
		ws:     ws,
		logger: logger.With("subsystem", "realtime", "call_sid", callID),
		events: make(chan Event, eventBufferSize),
		closed: make(chan struct{}),
	}

	update, err := EncodeSessionUpdate(cfg)
	if err != nil {
		ws.Close()
		return nil, &UpstreamError{Op: "configure", Err: err}
	}
	if err := c.Send(update); err != nil {
		ws.Close()
		return nil, &UpstreamError{Op: "configure", Err: err}
	}

	go c.readLoop()

	c.logger.Info("realtime connection opened", "model", d.Model)
	return c, nil
}

// Conn is one realtime connection. Send and Close are safe for concurrent
// use; Events has a single consumer.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	events chan Event
	closed chan struct{}

	closeOnce sync.Once
	writeMu   sync.Mutex

	errMu sync.Mutex
	err   error

	dropped atomic.Uint64
}

// Events returns decoded server events. The channel is closed when the
// connection ends, locally or remotely.
func (c *Conn) Events() <-chan Event { return c.events }

// Err reports why the connection ended. It is nil while the connection is
// open and after a local Close; otherwise an *UpstreamError.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Dropped returns the number of malformed server messages discarded.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Send writes one client frame.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		select {
		case <-c.closed:
			return ErrConnectionClosed
		default:
		}
		return fmt.Errorf("writing realtime frame: %w", err)
	}
	return nil
}

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		// WriteControl may run concurrently with WriteMessage.
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = c.ws.Close()
		c.logger.Info("realtime connection closed")
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.setErr(&UpstreamError{Op: "read", Err: err})
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Warn("realtime connection lost", "error", err)
				}
			}
			return
		}

		ev, err := DecodeEvent(msg)
		if err != nil {
			n := c.dropped.Add(1)
			c.logger.Warn("dropping malformed realtime message", "error", err, "dropped", n)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
