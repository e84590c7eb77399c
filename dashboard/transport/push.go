// Package transport implements the two event delivery mechanisms: a
// persistent websocket push channel and a timed HTTP poll channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// PushConfig configures the websocket push channel.
type PushConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// DefaultPushConfig returns production defaults.
func DefaultPushConfig(url string) PushConfig {
	return PushConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

var ErrPushClosed = errors.New("transport: push channel closed")

// Push is a websocket client delivering backend events as they happen.
// Each websocket text message carries one JSON event object.
type Push struct {
	cfg    PushConfig
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool

	onMessage func(data []byte)
	onClose   func(err error)
}

// NewPush creates a push channel. Callbacks are set once before Connect.
func NewPush(cfg PushConfig) *Push {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Push{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}
}

// SetCallbacks registers the message and close handlers. Must be called
// before Connect.
func (p *Push) SetCallbacks(onMessage func([]byte), onClose func(error)) {
	p.onMessage = onMessage
	p.onClose = onClose
}

// Connect dials the backend and starts the read and ping pumps. It returns
// once the websocket handshake completes; delivery is asynchronous from
// then on. A dropped connection is reported through the close callback.
func (p *Push) Connect(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPushClosed
	}

	conn, _, err := p.dialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: push dial %s: %w", p.cfg.URL, err)
	}

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	p.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		return nil
	})

	done := make(chan struct{})
	go p.pingPump(conn, done)
	go p.readPump(conn, done)

	return nil
}

func (p *Push) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()

			// A superseded connection (replaced by a newer Connect) must
			// not report a disconnect on behalf of the current one.
			p.mu.Lock()
			current := p.conn == conn
			if current {
				p.conn = nil
			}
			p.mu.Unlock()

			if !current || p.closed.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Push: read error: %v", err)
			}
			if p.onClose != nil {
				p.onClose(err)
			}
			return
		}
		if p.onMessage != nil {
			p.onMessage(data)
		}
	}
}

// pingPump keeps the connection alive; a missed pong trips the read
// deadline in the read pump.
func (p *Push) pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Control frames only: they may run concurrently with the
			// close write in Close without tripping gorilla's
			// single-writer rule.
			deadline := time.Now().Add(p.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// Close tears the channel down permanently; no callbacks fire afterwards.
func (p *Push) Close() error {
	p.closed.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(p.cfg.WriteTimeout))
	err := p.conn.Close()
	p.conn = nil
	return err
}
