package bridge

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamvis/bridge/internal/protocol"
	"github.com/streamvis/bridge/internal/stream"
)

// fakeConn records every frame the bridge sends to it.
type fakeConn struct {
	mu     sync.Mutex
	open   bool
	fail   bool
	frames []protocol.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{open: true}
}

func (c *fakeConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("write failed")
	}
	m, err := protocol.Decode([]byte(text))
	if err != nil {
		return err
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

func (c *fakeConn) framesOfType(t protocol.Type) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.frames {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// fakeProducer hands out activations it can drive manually. emit ignores
// the canceled flag on purpose: it models emissions the producer had
// already queued when the bridge cancelled, which must never reach the
// wire once the subscription is closed.
type fakeProducer struct {
	mu          sync.Mutex
	activations []*fakeActivation
}

type fakeActivation struct {
	obs      stream.Observer
	mu       sync.Mutex
	canceled bool
}

func (a *fakeActivation) Cancel() {
	a.mu.Lock()
	a.canceled = true
	a.mu.Unlock()
}

func (a *fakeActivation) isCanceled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.canceled
}

func (p *fakeProducer) Subscribe(obs stream.Observer) stream.Subscription {
	a := &fakeActivation{obs: obs}
	p.mu.Lock()
	p.activations = append(p.activations, a)
	p.mu.Unlock()
	return a
}

func (p *fakeProducer) snapshot() []*fakeActivation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeActivation(nil), p.activations...)
}

func (p *fakeProducer) emit(value any) {
	for _, a := range p.snapshot() {
		a.obs.Next(value)
	}
}

func (p *fakeProducer) fail(err error) {
	for _, a := range p.snapshot() {
		a.obs.Error(err)
	}
}

func (p *fakeProducer) complete() {
	for _, a := range p.snapshot() {
		a.obs.Complete()
	}
}

func (p *fakeProducer) activationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activations)
}

// blockingConn parks next-frame sends until its gate opens, modeling a
// delivery caught mid-send when a cancellation arrives.
type blockingConn struct {
	*fakeConn
	gate    chan struct{}
	entered chan struct{}
}

func newBlockingConn() *blockingConn {
	return &blockingConn{
		fakeConn: newFakeConn(),
		gate:     make(chan struct{}),
		entered:  make(chan struct{}, 4),
	}
}

func (c *blockingConn) Send(text string) error {
	if strings.Contains(text, `"type":"next"`) {
		c.entered <- struct{}{}
		<-c.gate
	}
	return c.fakeConn.Send(text)
}

func subscribeMsg(streamID string) string {
	return `{"type":"subscribe","streamId":"` + streamID + `"}`
}

func unsubscribeMsg(streamID string) string {
	return `{"type":"unsubscribe","streamId":"` + streamID + `"}`
}

func TestDuplicateSubscribeIsNoop(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	if got := b.GetSubscriptionCount("s1"); got != 1 {
		t.Fatalf("subscription count = %d, want 1", got)
	}
	before := conn.frameCount()

	b.HandleMessage(conn, subscribeMsg("s1"))

	if got := b.GetSubscriptionCount("s1"); got != 1 {
		t.Errorf("subscription count after duplicate = %d, want 1", got)
	}
	if got := p.activationCount(); got != 1 {
		t.Errorf("producer activations = %d, want 1", got)
	}
	if got := conn.frameCount(); got != before {
		t.Errorf("duplicate subscribe produced %d new frames, want 0", got-before)
	}
}

func TestDisconnectionCleanup(t *testing.T) {
	b := New(nil)
	p1 := &fakeProducer{}
	p2 := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p1})
	b.RegisterStream(StreamConfig{StreamID: "s2", Name: "Stream 2", Producer: p2})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))
	b.HandleMessage(conn, subscribeMsg("s2"))

	b.HandleDisconnection(conn)

	if got := b.GetConnectionCount(); got != 0 {
		t.Errorf("connection count = %d, want 0", got)
	}
	for _, id := range []string{"s1", "s2"} {
		if got := b.GetSubscriptionCount(id); got != 0 {
			t.Errorf("subscription count for %s = %d, want 0", id, got)
		}
	}
	for _, p := range []*fakeProducer{p1, p2} {
		for _, a := range p.snapshot() {
			if !a.isCanceled() {
				t.Error("producer activation not cancelled on disconnect")
			}
		}
	}

	before := conn.frameCount()
	p1.emit(42)
	if got := conn.frameCount(); got != before {
		t.Errorf("emission after disconnect produced %d frames, want 0", got-before)
	}
}

func TestDisconnectionOfUnknownConnIsNoop(t *testing.T) {
	b := New(nil)
	b.HandleDisconnection(newFakeConn()) // must not panic or mutate
	if got := b.GetConnectionCount(); got != 0 {
		t.Errorf("connection count = %d, want 0", got)
	}
}

func TestUnregisterCleanup(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	b.UnregisterStream("s1")

	for _, info := range b.GetStreams() {
		if info.StreamID == "s1" {
			t.Error("unregistered stream still listed")
		}
	}
	if got := b.GetSubscriptionCount("s1"); got != 0 {
		t.Errorf("subscription count = %d, want 0", got)
	}

	// Emissions the producer had in flight must not reach the wire.
	before := len(conn.framesOfType(protocol.TypeNext))
	p.emit(7)
	if got := len(conn.framesOfType(protocol.TypeNext)); got != before {
		t.Errorf("emission after unregister produced %d next frames, want 0", got-before)
	}

	// The connection saw an updated catalog without the stream.
	lists := conn.framesOfType(protocol.TypeStreamsList)
	if len(lists) == 0 {
		t.Fatal("no streams-list broadcast after unregister")
	}
	last := lists[len(lists)-1]
	for _, entry := range last.Streams {
		if entry.StreamID == "s1" {
			t.Error("final catalog still contains unregistered stream")
		}
	}
}

func TestUnregisterUnknownStreamIsNoop(t *testing.T) {
	b := New(nil)
	conn := newFakeConn()
	b.HandleConnection(conn)
	before := conn.frameCount()

	b.UnregisterStream("ghost")

	if got := conn.frameCount(); got != before {
		t.Errorf("unknown unregister broadcast %d frames, want 0", got-before)
	}
}

func TestPerConnectionIsolation(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Description: "desc", Producer: p})

	c1 := newFakeConn()
	c2 := newFakeConn()
	b.HandleConnection(c1)
	b.HandleConnection(c2)
	b.HandleMessage(c1, subscribeMsg("s1"))
	b.HandleMessage(c2, subscribeMsg("s1"))

	if got := p.activationCount(); got != 2 {
		t.Fatalf("producer activations = %d, want 2 (one per connection)", got)
	}

	acts := p.snapshot()
	for _, v := range []int{1, 2, 3} {
		acts[0].obs.Next(v)
	}
	for _, v := range []int{1, 2, 3} {
		acts[1].obs.Next(v)
	}

	for i, c := range []*fakeConn{c1, c2} {
		infos := c.framesOfType(protocol.TypeStreamInfo)
		if len(infos) != 1 {
			t.Fatalf("conn %d: %d stream-info frames, want 1", i+1, len(infos))
		}
		if infos[0].Name != "Stream 1" || infos[0].Description != "desc" {
			t.Errorf("conn %d: stream-info carried %q/%q", i+1, infos[0].Name, infos[0].Description)
		}
		nexts := c.framesOfType(protocol.TypeNext)
		if len(nexts) != 3 {
			t.Fatalf("conn %d: %d next frames, want 3", i+1, len(nexts))
		}
		for j, want := range []string{"1", "2", "3"} {
			if string(nexts[j].Value) != want {
				t.Errorf("conn %d: next[%d] value = %s, want %s", i+1, j, nexts[j].Value, want)
			}
		}
	}
}

func TestStreamInfoPrecedesFirstNext(t *testing.T) {
	b := New(nil)
	// A producer that emits synchronously during attach.
	eager := stream.Func(func(obs stream.Observer) stream.Subscription {
		obs.Next("immediate")
		return &fakeActivation{obs: obs}
	})
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Eager", Producer: eager})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	sawInfo := false
	for _, m := range conn.frames {
		switch m.Type {
		case protocol.TypeStreamInfo:
			sawInfo = true
		case protocol.TypeNext:
			if !sawInfo {
				t.Fatal("next frame arrived before stream-info")
			}
		}
	}
	if !sawInfo {
		t.Fatal("no stream-info frame sent")
	}
}

func TestCatalogBroadcast(t *testing.T) {
	b := New(nil)
	c1 := newFakeConn()
	c2 := newFakeConn()
	b.HandleConnection(c1)
	b.HandleConnection(c2)

	// Connecting delivered the (empty) catalog unprompted.
	for i, c := range []*fakeConn{c1, c2} {
		if got := len(c.framesOfType(protocol.TypeStreamsList)); got != 1 {
			t.Fatalf("conn %d: %d streams-list frames on connect, want 1", i+1, got)
		}
	}

	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: &fakeProducer{}})

	for i, c := range []*fakeConn{c1, c2} {
		lists := c.framesOfType(protocol.TypeStreamsList)
		if len(lists) != 2 {
			t.Fatalf("conn %d: %d streams-list frames, want 2", i+1, len(lists))
		}
		last := lists[len(lists)-1]
		if len(last.Streams) != 1 || last.Streams[0].StreamID != "s1" {
			t.Errorf("conn %d: broadcast catalog missing new stream", i+1)
		}
	}

	b.UnregisterStream("s1")

	for i, c := range []*fakeConn{c1, c2} {
		lists := c.framesOfType(protocol.TypeStreamsList)
		last := lists[len(lists)-1]
		if len(last.Streams) != 0 {
			t.Errorf("conn %d: catalog after unregister has %d entries, want 0", i+1, len(last.Streams))
		}
	}
}

func TestTerminalCompleteFinality(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	p.complete()

	if got := len(conn.framesOfType(protocol.TypeComplete)); got != 1 {
		t.Fatalf("%d complete frames, want 1", got)
	}
	if got := b.GetSubscriptionCount("s1"); got != 0 {
		t.Errorf("subscription count after complete = %d, want 0", got)
	}

	before := conn.frameCount()
	p.emit(1)
	p.complete()
	p.fail(errors.New("late"))
	if got := conn.frameCount(); got != before {
		t.Errorf("%d frames after terminal, want 0", got-before)
	}
}

func TestTerminalErrorFinality(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	p.fail(errors.New("producer blew up"))

	errs := conn.framesOfType(protocol.TypeError)
	if len(errs) != 1 {
		t.Fatalf("%d error frames, want 1", len(errs))
	}
	if errs[0].Error != "producer blew up" {
		t.Errorf("error frame carried %q", errs[0].Error)
	}
	if got := b.GetSubscriptionCount("s1"); got != 0 {
		t.Errorf("subscription count after error = %d, want 0", got)
	}

	before := conn.frameCount()
	p.emit(1)
	if got := conn.frameCount(); got != before {
		t.Errorf("%d frames after terminal error, want 0", got-before)
	}
}

func TestErrorIsPerSubscription(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	c1 := newFakeConn()
	c2 := newFakeConn()
	b.HandleConnection(c1)
	b.HandleConnection(c2)
	b.HandleMessage(c1, subscribeMsg("s1"))
	b.HandleMessage(c2, subscribeMsg("s1"))

	// Only c1's activation fails.
	p.snapshot()[0].obs.Error(errors.New("boom"))

	if got := len(c1.framesOfType(protocol.TypeError)); got != 1 {
		t.Errorf("c1: %d error frames, want 1", got)
	}
	if got := len(c2.framesOfType(protocol.TypeError)); got != 0 {
		t.Errorf("c2: %d error frames, want 0", got)
	}
	if got := b.GetSubscriptionCount("s1"); got != 1 {
		t.Errorf("subscription count = %d, want 1 (c2 still live)", got)
	}

	p.snapshot()[1].obs.Next(5)
	if got := len(c2.framesOfType(protocol.TypeNext)); got != 1 {
		t.Errorf("c2: %d next frames, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))
	before := conn.frameCount()

	b.HandleMessage(conn, unsubscribeMsg("s1"))

	// No confirmation frame is sent.
	if got := conn.frameCount(); got != before {
		t.Errorf("unsubscribe produced %d frames, want 0", got-before)
	}
	if got := b.GetSubscriptionCount("s1"); got != 0 {
		t.Errorf("subscription count = %d, want 0", got)
	}
	if !p.snapshot()[0].isCanceled() {
		t.Error("producer activation not cancelled on unsubscribe")
	}

	p.emit(9)
	if got := len(conn.framesOfType(protocol.TypeNext)); got != 0 {
		t.Errorf("%d next frames after unsubscribe, want 0", got)
	}

	// Unsubscribing again is a no-op.
	b.HandleMessage(conn, unsubscribeMsg("s1"))
}

func TestMalformedInputResilience(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newFakeConn()
	b.HandleConnection(conn)
	before := conn.frameCount()

	cases := []string{
		`{not json`,
		``,
		`{"type":"next","streamId":"s1","value":1}`,       // server-originated
		`{"type":"streams-list","streams":[]}`,            // server-originated
		`{"type":"bogus","streamId":"s1"}`,                // unknown type
		`{"type":"subscribe","streamId":"nope"}`,          // unknown stream
		`{"type":"unsubscribe","streamId":"s1"}`,          // no matching subscription
	}
	for _, raw := range cases {
		b.HandleMessage(conn, raw)
	}

	if got := conn.frameCount(); got != before {
		t.Errorf("bad input produced %d frames, want 0", got-before)
	}
	if got := b.GetSubscriptionCount("s1"); got != 0 {
		t.Errorf("subscription count = %d, want 0", got)
	}
	if got := p.activationCount(); got != 0 {
		t.Errorf("producer activations = %d, want 0", got)
	}
	if got := len(b.GetStreams()); got != 1 {
		t.Errorf("stream count = %d, want 1", got)
	}
}

func TestSendFailureDoesNotTerminateSubscription(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	conn.setFail(true)
	p.emit(1)
	conn.setFail(false)
	p.emit(2)

	if got := b.GetSubscriptionCount("s1"); got != 1 {
		t.Errorf("subscription count = %d, want 1", got)
	}
	nexts := conn.framesOfType(protocol.TypeNext)
	if len(nexts) != 1 || string(nexts[0].Value) != "2" {
		t.Errorf("frames after transient failure = %v, want single next 2", nexts)
	}
}

func TestRegisterOverwriteKeepsOldSubscriptions(t *testing.T) {
	b := New(nil)
	oldP := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Old", Producer: oldP})

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	newP := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "New", Producer: newP})

	// The live subscription stays bound to the old producer.
	if got := b.GetSubscriptionCount("s1"); got != 1 {
		t.Errorf("subscription count = %d, want 1", got)
	}
	if oldP.snapshot()[0].isCanceled() {
		t.Error("overwrite cancelled the existing subscription")
	}
	oldP.emit(3)
	if got := len(conn.framesOfType(protocol.TypeNext)); got != 1 {
		t.Errorf("%d next frames from old producer, want 1", got)
	}

	// New subscribers get the new configuration.
	c2 := newFakeConn()
	b.HandleConnection(c2)
	b.HandleMessage(c2, subscribeMsg("s1"))
	infos := c2.framesOfType(protocol.TypeStreamInfo)
	if len(infos) != 1 || infos[0].Name != "New" {
		t.Errorf("new subscriber stream-info = %v, want name New", infos)
	}
	if got := newP.activationCount(); got != 1 {
		t.Errorf("new producer activations = %d, want 1", got)
	}
}

func TestCancelFencesInFlightDelivery(t *testing.T) {
	b := New(nil)
	p := &fakeProducer{}
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: p})

	conn := newBlockingConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	emitDone := make(chan struct{})
	go func() {
		p.emit(1)
		close(emitDone)
	}()
	<-conn.entered // the delivery is now inside Send

	unsubDone := make(chan struct{})
	go func() {
		b.HandleMessage(conn, unsubscribeMsg("s1"))
		close(unsubDone)
	}()

	// Unsubscribe must wait for the in-flight delivery, not race past it.
	select {
	case <-unsubDone:
		t.Fatal("unsubscribe returned while a delivery was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(conn.gate)
	<-emitDone
	<-unsubDone

	if got := len(conn.framesOfType(protocol.TypeNext)); got != 1 {
		t.Fatalf("%d next frames, want the single in-flight one", got)
	}

	// Once unsubscribe has returned, nothing more reaches the wire.
	p.emit(2)
	if got := len(conn.framesOfType(protocol.TypeNext)); got != 1 {
		t.Error("a next frame hit the wire after unsubscribe returned")
	}
}

func TestActiveFlagTracksSubscribers(t *testing.T) {
	b := New(nil)
	b.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: &fakeProducer{}})

	if b.GetStreams()[0].Active {
		t.Error("stream active with no subscribers")
	}

	conn := newFakeConn()
	b.HandleConnection(conn)
	b.HandleMessage(conn, subscribeMsg("s1"))

	if !b.GetStreams()[0].Active {
		t.Error("stream not active with a live subscriber")
	}

	b.HandleDisconnection(conn)
	if b.GetStreams()[0].Active {
		t.Error("stream still active after disconnect")
	}
}

func TestIndependentBridges(t *testing.T) {
	b1 := New(nil)
	b2 := New(nil)
	b1.RegisterStream(StreamConfig{StreamID: "s1", Name: "Stream 1", Producer: &fakeProducer{}})

	if got := len(b2.GetStreams()); got != 0 {
		t.Errorf("second bridge sees %d streams, want 0", got)
	}

	conn := newFakeConn()
	b1.HandleConnection(conn)
	if got := b2.GetConnectionCount(); got != 0 {
		t.Errorf("second bridge counts %d connections, want 0", got)
	}
}
