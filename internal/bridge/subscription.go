package bridge

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/streamvis/bridge/internal/metrics"
	"github.com/streamvis/bridge/internal/protocol"
	"github.com/streamvis/bridge/internal/stream"
)

// subscription binds one stream to one connection. closed flips exactly
// once, on the first of: explicit unsubscribe, terminal producer event,
// stream unregistration or disconnection. Once flipped, every forwarding
// callback is a no-op, so cancellation silences the wire even if the
// producer keeps emitting.
type subscription struct {
	streamID string
	conn     Conn

	closed atomic.Bool
	// cancel is the producer handle, set under b.mu once the attach
	// completes. May be nil while attaching.
	cancel stream.Subscription
}

// HandleMessage parses one inbound text frame from conn and dispatches
// it. Malformed JSON and server-originated types are logged and dropped;
// nothing raised here reaches the transport.
func (b *Bridge) HandleMessage(conn Conn, rawText string) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("recovered from panic in message handling", zap.Any("panic", r))
		}
	}()

	metrics.IncrementMessagesReceived()

	msg, err := protocol.Decode([]byte(rawText))
	if err != nil {
		metrics.MessagesDropped.Inc()
		b.log.Warn("dropping unparseable client message", zap.Error(err))
		return
	}
	if !msg.Type.ClientOriginated() {
		metrics.MessagesDropped.Inc()
		b.log.Warn("rejecting server-originated type from client",
			zap.String("type", string(msg.Type)))
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		b.subscribe(conn, msg.StreamID)
	case protocol.TypeUnsubscribe:
		b.unsubscribe(conn, msg.StreamID)
	}
}

// subscribe activates the producer of streamID for conn. The stream-info
// frame goes out before the producer is attached, so display metadata
// always precedes the first next frame.
func (b *Bridge) subscribe(conn Conn, streamID string) {
	b.mu.Lock()
	cfg, ok := b.streams[streamID]
	if !ok {
		b.mu.Unlock()
		b.log.Warn("subscribe to unknown stream", zap.String("stream_id", streamID))
		return
	}
	if _, registered := b.conns[conn]; !registered {
		b.mu.Unlock()
		b.log.Warn("subscribe from unregistered connection",
			zap.String("stream_id", streamID))
		return
	}
	if _, exists := b.subsByStream[streamID][conn]; exists {
		b.mu.Unlock()
		b.log.Warn("duplicate subscribe ignored", zap.String("stream_id", streamID))
		return
	}

	sub := &subscription{streamID: streamID, conn: conn}
	if b.subsByStream[streamID] == nil {
		b.subsByStream[streamID] = make(map[Conn]*subscription)
	}
	b.subsByStream[streamID][conn] = sub
	if b.subsByConn[conn] == nil {
		b.subsByConn[conn] = make(map[string]*subscription)
	}
	b.subsByConn[conn][streamID] = sub
	metrics.IncrementActiveSubscriptions()

	b.send(conn, protocol.NewStreamInfo(streamID, cfg.Name, cfg.Description))
	b.mu.Unlock()

	// Attach outside the lock: a producer may deliver synchronously, and
	// its terminal callbacks re-enter the bridge.
	handle := cfg.Producer.Subscribe(stream.Observer{
		OnNext: func(value any) {
			b.forwardNext(sub, value)
		},
		OnError: func(err error) {
			b.finish(sub, protocol.NewError(streamID, err))
		},
		OnComplete: func() {
			b.finish(sub, protocol.NewComplete(streamID))
		},
	})

	b.mu.Lock()
	sub.cancel = handle
	terminated := sub.closed.Load()
	b.mu.Unlock()

	// The subscription may have ended while the attach was in flight
	// (terminal event, unsubscribe, disconnect); detach the late handle.
	if terminated {
		handle.Cancel()
	}

	b.log.Debug("subscription created", zap.String("stream_id", streamID))
}

// unsubscribe cancels the (streamID, conn) subscription. No confirmation
// frame is sent. Missing subscriptions are a no-op.
func (b *Bridge) unsubscribe(conn Conn, streamID string) {
	b.mu.Lock()
	sub, ok := b.subsByStream[streamID][conn]
	if !ok {
		b.mu.Unlock()
		b.log.Warn("unsubscribe without matching subscription",
			zap.String("stream_id", streamID))
		return
	}

	var cancel stream.Subscription
	if sub.closed.CompareAndSwap(false, true) {
		cancel = b.dropLocked(sub)
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel.Cancel()
	}
	b.log.Debug("subscription removed", zap.String("stream_id", streamID))
}

// forwardNext frames one producer emission for sub's connection. Values
// that fail to marshal are dropped without ending the subscription. The
// closed check and the send happen under b.mu, the same lock every
// cancellation path flips the flag under, so a cancelled subscription is
// wire-silent the moment the cancelling call returns.
func (b *Bridge) forwardNext(sub *subscription, value any) {
	if sub.closed.Load() {
		return
	}
	msg, err := protocol.NewNext(sub.streamID, value)
	if err != nil {
		b.log.Warn("dropping unserializable value",
			zap.String("stream_id", sub.streamID),
			zap.Error(err))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed.Load() {
		return
	}
	b.send(sub.conn, msg)
}

// finish delivers a terminal frame and removes the subscription. The
// closed flag guarantees at most one terminal frame per subscription, and
// flipping it under b.mu alongside the send guarantees silence once any
// cancelling call has returned.
func (b *Bridge) finish(sub *subscription, msg protocol.Message) {
	b.mu.Lock()
	if !sub.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return
	}
	b.send(sub.conn, msg)
	cancel := b.dropLocked(sub)
	b.mu.Unlock()

	if cancel != nil {
		cancel.Cancel()
	}
	b.log.Debug("subscription ended",
		zap.String("stream_id", sub.streamID),
		zap.String("terminal", string(msg.Type)))
}
