package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/streamvis/bridge/internal/bridge"
	"github.com/streamvis/bridge/internal/config"
	"github.com/streamvis/bridge/internal/logger"
)

// WsConnection wraps one WebSocket client and satisfies the connection
// capability the bridge holds (Send, Close, IsOpen). The read loop feeds
// inbound frames to the bridge; the exit path de-registers the connection
// exactly once.
type WsConnection struct {
	ws         *websocket.Conn
	br         *bridge.Bridge
	remoteAddr string

	writeTimeout time.Duration
	idleTimeout  time.Duration

	writeMu    sync.Mutex
	closeOnce  sync.Once
	isClosed   atomic.Bool
	pingTicker *time.Ticker

	// inbound message limiter
	limiter *rate.Limiter

	log *zap.Logger
}

// interface check
var _ bridge.Conn = (*WsConnection)(nil)

// NewWsConnection initializes a connection around an upgraded socket.
func NewWsConnection(ctx context.Context, ws *websocket.Conn, br *bridge.Bridge, cfg config.BridgeConfig) *WsConnection {
	throttling := cfg.ThrottlingConfig
	conn := &WsConnection{
		ws:           ws,
		br:           br,
		remoteAddr:   ws.RemoteAddr().String(),
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		pingTicker:   time.NewTicker(15 * time.Second),
		limiter: rate.NewLimiter(
			rate.Limit(throttling.MaxMessagesPerSecond),
			throttling.BurstSize,
		),
		log: logger.New("ws").With(zap.String("client", ws.RemoteAddr().String())),
	}

	ws.SetReadLimit(int64(throttling.MaxMessageBytes))
	ws.SetPingHandler(func(appData string) error {
		conn.writeMu.Lock()
		defer conn.writeMu.Unlock()
		_ = conn.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		return nil
	})

	go conn.keepalive(ctx)
	return conn
}

// RemoteAddr returns the client's remote address.
func (c *WsConnection) RemoteAddr() string {
	return c.remoteAddr
}

// Send writes one text frame. Returns an error when the socket is closed
// or the write fails; callers treat both as a dropped frame.
func (c *WsConnection) Send(text string) error {
	if c.isClosed.Load() {
		return websocket.ErrCloseSent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed.Load() {
		return websocket.ErrCloseSent
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		// Close from another goroutine: the handshake needs writeMu,
		// which this caller holds.
		c.isClosed.Store(true)
		go func() { _ = c.Close() }()
		return err
	}
	return nil
}

// IsOpen reports whether the socket still accepts writes.
func (c *WsConnection) IsOpen() bool {
	return !c.isClosed.Load()
}

// Close shuts the socket down, attempting a polite close handshake first.
// Idempotent. De-registration from the bridge happens on the read loop's
// exit path, which Close unblocks.
//
// The close frame is written from a separate goroutine raced against a
// timeout: Send calls Close while holding writeMu, so writing it inline
// here would self-deadlock.
func (c *WsConnection) Close() error {
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		c.pingTicker.Stop()

		closed := make(chan struct{})
		go func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			c.writeMu.Unlock()
			close(closed)
		}()
		select {
		case <-closed:
		case <-time.After(2 * time.Second):
			c.log.Debug("close frame timed out")
		}

		_ = c.ws.Close()
		c.log.Debug("connection closed")
	})
	return nil
}

// ReadLoop pumps inbound frames into the bridge until the socket dies or
// ctx is canceled. It always de-registers the connection on exit.
func (c *WsConnection) ReadLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic in read loop", zap.Any("panic", r))
		}
		_ = c.Close()
		c.br.HandleDisconnection(c)
	}()

	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("client closed connection")
			} else if !c.isClosed.Load() {
				c.log.Debug("read error, disconnecting client", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame")
			continue
		}

		if !c.limiter.Allow() {
			c.log.Warn("inbound rate limit exceeded, dropping message")
			continue
		}

		c.br.HandleMessage(c, string(raw))
	}
}

// keepalive pings the client until the connection or context ends.
func (c *WsConnection) keepalive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return
		case <-c.pingTicker.C:
			if c.isClosed.Load() {
				return
			}
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping failed, closing connection", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}
