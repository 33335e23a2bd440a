// Package bridge multiplexes registered event streams across connected
// clients. It owns the stream registry, the connection set and the
// subscription matrix between them; the transport layer drives it through
// HandleConnection, HandleMessage and HandleDisconnection, and producers
// drive it through their observer callbacks.
package bridge

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/streamvis/bridge/internal/metrics"
	"github.com/streamvis/bridge/internal/protocol"
	"github.com/streamvis/bridge/internal/stream"
)

// Conn is the capability the bridge holds on one client connection. The
// transport owns the connection's lifecycle; the bridge only sends frames
// and reads openness. Connections are identified by interface identity.
type Conn interface {
	Send(text string) error
	Close() error
	IsOpen() bool
}

// StreamConfig registers one stream with the bridge.
type StreamConfig struct {
	StreamID    string
	Name        string
	Description string
	Producer    stream.Producer
}

// StreamInfo is a read-only catalog snapshot entry.
type StreamInfo struct {
	StreamID    string
	Name        string
	Description string
	Active      bool
}

// Bridge relays producer events to subscribed connections. All state is
// guarded by one mutex so every public operation observes and leaves a
// consistent registry; no partial multi-step mutation is ever visible.
type Bridge struct {
	mu           sync.Mutex
	streams      map[string]StreamConfig
	conns        map[Conn]struct{}
	subsByStream map[string]map[Conn]*subscription
	subsByConn   map[Conn]map[string]*subscription

	log *zap.Logger
}

// New constructs an empty bridge. Multiple bridges are independent; they
// share no state.
func New(log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		streams:      make(map[string]StreamConfig),
		conns:        make(map[Conn]struct{}),
		subsByStream: make(map[string]map[Conn]*subscription),
		subsByConn:   make(map[Conn]map[string]*subscription),
		log:          log,
	}
}

// RegisterStream adds cfg to the catalog and broadcasts the updated
// streams-list to every open connection. Re-registering an existing
// streamId overwrites its configuration; subscriptions already bound to
// the old producer keep running against it.
func (b *Bridge) RegisterStream(cfg StreamConfig) {
	if cfg.StreamID == "" || cfg.Producer == nil {
		b.log.Warn("ignoring stream registration with empty id or nil producer",
			zap.String("stream_id", cfg.StreamID))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.streams[cfg.StreamID]; exists {
		b.log.Debug("overwriting existing stream registration",
			zap.String("stream_id", cfg.StreamID))
	} else {
		metrics.RegisteredStreams.Inc()
	}
	b.streams[cfg.StreamID] = cfg

	b.log.Info("stream registered",
		zap.String("stream_id", cfg.StreamID),
		zap.String("name", cfg.Name))
	b.broadcastCatalogLocked()
}

// UnregisterStream terminates every subscription against streamID, removes
// it from the catalog and broadcasts the updated streams-list. Unknown ids
// are a no-op.
func (b *Bridge) UnregisterStream(streamID string) {
	b.mu.Lock()
	if _, ok := b.streams[streamID]; !ok {
		b.mu.Unlock()
		return
	}

	cancels := b.terminateStreamLocked(streamID)
	delete(b.streams, streamID)
	metrics.RegisteredStreams.Dec()

	b.log.Info("stream unregistered",
		zap.String("stream_id", streamID),
		zap.Int("terminated_subscriptions", len(cancels)))
	b.broadcastCatalogLocked()
	b.mu.Unlock()

	// The closed flags flipped under the lock already silence the wire;
	// cancelling detaches the producer activations themselves.
	for _, cancel := range cancels {
		if cancel != nil {
			cancel.Cancel()
		}
	}
}

// HandleConnection registers conn and immediately sends it the current
// stream catalog.
func (b *Bridge) HandleConnection(conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.conns[conn]; exists {
		b.log.Warn("connection registered twice")
		return
	}
	b.conns[conn] = struct{}{}
	metrics.IncrementActiveConnections()

	b.log.Debug("connection registered", zap.Int("total_connections", len(b.conns)))
	b.send(conn, protocol.NewStreamsList(b.catalogLocked()))
}

// HandleDisconnection removes conn and terminates every subscription it
// holds. Safe to call for a connection that was never registered.
func (b *Bridge) HandleDisconnection(conn Conn) {
	b.mu.Lock()
	if _, ok := b.conns[conn]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.conns, conn)
	metrics.DecrementActiveConnections()

	var cancels []stream.Subscription
	for _, sub := range b.subsByConn[conn] {
		if sub.closed.CompareAndSwap(false, true) {
			cancels = append(cancels, b.dropLocked(sub))
		}
	}

	b.log.Debug("connection unregistered",
		zap.Int("total_connections", len(b.conns)),
		zap.Int("terminated_subscriptions", len(cancels)))
	b.mu.Unlock()

	for _, cancel := range cancels {
		if cancel != nil {
			cancel.Cancel()
		}
	}
}

// GetStreams returns a consistent snapshot of the catalog, ordered by
// stream id.
func (b *Bridge) GetStreams() []StreamInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	infos := make([]StreamInfo, 0, len(b.streams))
	for id, cfg := range b.streams {
		infos = append(infos, StreamInfo{
			StreamID:    id,
			Name:        cfg.Name,
			Description: cfg.Description,
			Active:      len(b.subsByStream[id]) > 0,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StreamID < infos[j].StreamID })
	return infos
}

// GetSubscriptionCount returns the number of live subscriptions against
// streamID.
func (b *Bridge) GetSubscriptionCount(streamID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subsByStream[streamID])
}

// GetConnectionCount returns the number of registered connections.
func (b *Bridge) GetConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Connections returns a snapshot of the registered connections. The
// transport uses it to drain clients on shutdown.
func (b *Bridge) Connections() []Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns := make([]Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	return conns
}

// terminateStreamLocked flips every subscription of streamID to closed and
// drops it from both indexes, returning the producer handles to cancel
// once the lock is released. Caller holds b.mu.
func (b *Bridge) terminateStreamLocked(streamID string) []stream.Subscription {
	var cancels []stream.Subscription
	for _, sub := range b.subsByStream[streamID] {
		if sub.closed.CompareAndSwap(false, true) {
			cancels = append(cancels, b.dropLocked(sub))
		}
	}
	return cancels
}

// dropLocked removes sub from both adjacency maps and updates the gauge.
// Caller holds b.mu and has already flipped sub.closed.
func (b *Bridge) dropLocked(sub *subscription) stream.Subscription {
	if conns, ok := b.subsByStream[sub.streamID]; ok {
		if cur, found := conns[sub.conn]; found && cur == sub {
			delete(conns, sub.conn)
			if len(conns) == 0 {
				delete(b.subsByStream, sub.streamID)
			}
		}
	}
	if streams, ok := b.subsByConn[sub.conn]; ok {
		if cur, found := streams[sub.streamID]; found && cur == sub {
			delete(streams, sub.streamID)
			if len(streams) == 0 {
				delete(b.subsByConn, sub.conn)
			}
		}
	}
	metrics.DecrementActiveSubscriptions()
	return sub.cancel
}

// catalogLocked builds the streams-list payload. Active reports whether a
// stream currently has at least one live subscription. Caller holds b.mu.
func (b *Bridge) catalogLocked() []protocol.StreamEntry {
	entries := make([]protocol.StreamEntry, 0, len(b.streams))
	for id, cfg := range b.streams {
		entries = append(entries, protocol.StreamEntry{
			StreamID:    id,
			Name:        cfg.Name,
			Description: cfg.Description,
			Active:      len(b.subsByStream[id]) > 0,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StreamID < entries[j].StreamID })
	return entries
}

// broadcastCatalogLocked sends the current catalog to every open
// connection. Caller holds b.mu.
func (b *Bridge) broadcastCatalogLocked() {
	msg := protocol.NewStreamsList(b.catalogLocked())
	for conn := range b.conns {
		b.send(conn, msg)
	}
	metrics.CatalogBroadcasts.Inc()
}

// send encodes and writes one frame. Sends against a closed connection
// are dropped, and write failures are logged, never propagated; the
// subscription that produced the frame keeps running.
// Safe with or without b.mu held: it touches no registry state.
func (b *Bridge) send(conn Conn, msg protocol.Message) {
	raw, err := protocol.Encode(msg)
	if err != nil {
		b.log.Error("failed to encode frame",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return
	}
	if !conn.IsOpen() {
		metrics.SendFailures.Inc()
		b.log.Debug("dropping frame for closed connection",
			zap.String("type", string(msg.Type)))
		return
	}
	if err := conn.Send(string(raw)); err != nil {
		metrics.SendFailures.Inc()
		b.log.Warn("failed to send frame",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
		return
	}
	metrics.IncrementFramesSent(string(msg.Type))
}
