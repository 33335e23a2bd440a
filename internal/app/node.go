// Package app wires the bridge, its configured streams and the servers
// into one runnable node.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/streamvis/bridge/internal/bridge"
	"github.com/streamvis/bridge/internal/config"
	"github.com/streamvis/bridge/internal/logger"
	"github.com/streamvis/bridge/internal/relay"
	"github.com/streamvis/bridge/internal/stream"
	"github.com/streamvis/bridge/internal/web"
)

// Node ties together the bridge, the configured streams and the servers.
type Node struct {
	cfg *config.Config
	br  *bridge.Bridge
	log *zap.Logger

	metricsSrv *http.Server
	startTime  time.Time
}

// New builds the bridge and registers every configured stream.
func New(cfg *config.Config) (*Node, error) {
	br := bridge.New(logger.New("bridge"))

	for _, sc := range cfg.Streams {
		producer, err := buildProducer(sc)
		if err != nil {
			return nil, fmt.Errorf("stream %q: %w", sc.ID, err)
		}
		br.RegisterStream(bridge.StreamConfig{
			StreamID:    sc.ID,
			Name:        sc.Name,
			Description: sc.Description,
			Producer:    producer,
		})
	}

	return &Node{
		cfg:       cfg,
		br:        br,
		log:       logger.New("node"),
		startTime: time.Now(),
	}, nil
}

// Bridge exposes the node's bridge.
func (n *Node) Bridge() *bridge.Bridge {
	return n.br
}

// Start launches the WebSocket server and, when enabled, the metrics
// endpoint. It returns once the servers are running; cancellation of ctx
// shuts them down.
func (n *Node) Start(ctx context.Context) error {
	if n.cfg.Metrics.Enabled {
		n.startMetricsServer()
	}

	webHandler := web.NewHandler(n.br, n.cfg.Bridge.Name, config.Version, logger.New("web"))
	server := relay.NewServer(n.cfg.Bridge, n.br, webHandler)

	go func() {
		if err := server.ListenAndServe(ctx, n.cfg.Bridge.WSAddr); err != nil {
			if err != http.ErrServerClosed {
				n.log.Error("server error", zap.Error(err))
			}
		}
	}()

	n.log.Info("node started",
		zap.String("ws_addr", n.cfg.Bridge.WSAddr),
		zap.Int("streams", len(n.br.GetStreams())))
	return nil
}

// Shutdown drains client connections and stops the metrics endpoint.
func (n *Node) Shutdown() {
	n.log.Info("initiating graceful shutdown")

	conns := n.br.Connections()
	for _, conn := range conns {
		_ = conn.Close()
	}
	if len(conns) > 0 {
		n.log.Info("closed client connections", zap.Int("count", len(conns)))
	}

	for _, info := range n.br.GetStreams() {
		n.br.UnregisterStream(info.StreamID)
	}

	if n.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.metricsSrv.Shutdown(shutdownCtx)
	}

	n.log.Info("node shutdown completed",
		zap.Duration("uptime", time.Since(n.startTime)))
}

func (n *Node) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	n.metricsSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", n.cfg.Metrics.Port),
		Handler: mux,
	}

	go func() {
		n.log.Info("metrics server listening", zap.Int("port", n.cfg.Metrics.Port))
		if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.log.Error("metrics server error", zap.Error(err))
		}
	}()
}

// buildProducer maps a stream config onto one of the built-in producers.
func buildProducer(sc config.StreamConfig) (stream.Producer, error) {
	switch sc.Kind {
	case "ticker":
		return stream.Ticker(sc.Interval), nil
	case "randomwalk":
		step := sc.Step
		if step == 0 {
			step = 1
		}
		min, max := sc.Min, sc.Max
		if min == 0 && max == 0 {
			min, max = -100, 100
		}
		return stream.RandomWalk(sc.Interval, step, min, max), nil
	case "counter":
		limit := sc.Limit
		if limit == 0 {
			limit = 100
		}
		return stream.Counter(sc.Interval, limit), nil
	default:
		return nil, fmt.Errorf("unknown stream kind %q", sc.Kind)
	}
}
