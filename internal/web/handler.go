// Package web serves the JSON introspection surface: bridge statistics
// and a basic health check.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/streamvis/bridge/internal/bridge"
	"github.com/streamvis/bridge/internal/metrics"
)

// Handler exposes bridge state over HTTP.
type Handler struct {
	br        *bridge.Bridge
	name      string
	version   string
	startTime time.Time
	log       *zap.Logger
}

// NewHandler builds a Handler over the given bridge.
func NewHandler(br *bridge.Bridge, name, version string, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		br:        br,
		name:      name,
		version:   version,
		startTime: time.Now(),
		log:       log,
	}
}

type streamStats struct {
	StreamID    string `json:"streamId"`
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	Active      bool   `json:"active"`
}

type statsResponse struct {
	Name             string        `json:"name"`
	Version          string        `json:"version"`
	UptimeSeconds    float64       `json:"uptime_seconds"`
	Connections      int           `json:"connections"`
	Subscriptions    int64         `json:"subscriptions"`
	MessagesReceived int64         `json:"messages_received"`
	FramesSent       int64         `json:"frames_sent"`
	Streams          []streamStats `json:"streams"`
}

// HandleStats serves the bridge statistics snapshot.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.br.GetStreams()
	streams := make([]streamStats, 0, len(infos))
	for _, info := range infos {
		streams = append(streams, streamStats{
			StreamID:    info.StreamID,
			Name:        info.Name,
			Subscribers: h.br.GetSubscriptionCount(info.StreamID),
			Active:      info.Active,
		})
	}

	resp := statsResponse{
		Name:             h.name,
		Version:          h.version,
		UptimeSeconds:    time.Since(h.startTime).Seconds(),
		Connections:      h.br.GetConnectionCount(),
		Subscriptions:    metrics.GetActiveSubscriptionsCount(),
		MessagesReceived: metrics.GetMessagesReceivedCount(),
		FramesSent:       metrics.GetFramesSentCount(),
		Streams:          streams,
	}
	h.writeJSON(w, resp)
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Connections   int     `json:"connections"`
}

// HandleHealth serves the liveness check.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, healthResponse{
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Connections:   h.br.GetConnectionCount(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("failed to write response", zap.Error(err))
	}
}
