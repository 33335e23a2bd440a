package relay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/streamvis/bridge/internal/bridge"
	"github.com/streamvis/bridge/internal/config"
	"github.com/streamvis/bridge/internal/logger"
	"github.com/streamvis/bridge/internal/metrics"
	"github.com/streamvis/bridge/internal/web"
)

// Server accepts WebSocket clients for the bridge and serves the stats
// and health endpoints on the same address.
type Server struct {
	cfg        config.BridgeConfig
	br         *bridge.Bridge
	webHandler *web.Handler
	log        *zap.Logger
}

// NewServer constructs a Server around an existing bridge.
func NewServer(cfg config.BridgeConfig, br *bridge.Bridge, webHandler *web.Handler) *Server {
	return &Server{
		cfg:        cfg,
		br:         br,
		webHandler: webHandler,
		log:        logger.New("server"),
	}
}

// Handler builds the HTTP handler serving WebSocket upgrades and the
// introspection endpoints. Connections accepted through it live until ctx
// is canceled.
func (s *Server) Handler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		CheckOrigin:      func(r *http.Request) bool { return true },
		HandshakeTimeout: 10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequests.Inc()

		if isWebSocketRequest(r) {
			s.handleWebSocket(ctx, w, r, upgrader)
			return
		}

		switch r.URL.Path {
		case "/api/stats":
			s.webHandler.HandleStats(w, r)
		case "/health":
			s.webHandler.HandleHealth(w, r)
		default:
			s.log.Debug("invalid request path",
				zap.String("path", r.URL.Path),
				zap.String("client", r.RemoteAddr))
			http.NotFound(w, r)
		}
	})

	return mux
}

// ListenAndServe runs the HTTP/WebSocket server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(ctx),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down WebSocket server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info("bridge WebSocket server listening", zap.String("address", addr))
	return httpSrv.ListenAndServe()
}

// handleWebSocket upgrades the request and hands the connection to the
// bridge.
func (s *Server) handleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, upgrader websocket.Upgrader) {
	if metrics.GetActiveConnectionsCount() >= int64(s.cfg.ThrottlingConfig.MaxConnections) {
		s.log.Warn("connection limit reached, rejecting client",
			zap.String("client", r.RemoteAddr),
			zap.Int("max_connections", s.cfg.ThrottlingConfig.MaxConnections))
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("connection upgrade failed",
			zap.String("client", r.RemoteAddr),
			zap.Error(err))
		return
	}

	conn := NewWsConnection(ctx, wsConn, s.br, s.cfg)
	s.br.HandleConnection(conn)

	s.log.Debug("WebSocket connection established",
		zap.String("client", conn.RemoteAddr()),
		zap.Int("active_connections", s.br.GetConnectionCount()))

	go conn.ReadLoop(ctx)
}

// isWebSocketRequest checks for a WebSocket upgrade request.
func isWebSocketRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.ToLower(r.Header.Get("Upgrade")) == "websocket"
}
