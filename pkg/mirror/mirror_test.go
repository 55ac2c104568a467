package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/protocol"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

type collected struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collected) add(e Envelope, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, e)
}

func (c *collected) get() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func TestPublisherToWatcher(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	got := &collected{}
	w := NewWatcher(bus.Subscriber, got.add)
	require.NoError(t, w.Start(context.Background()))
	require.True(t, w.IsRunning())

	session := int64(7)
	pub := NewPublisher(bus.Publisher, func() *int64 { return &session })
	m := chat.NewMachine(pub, chat.WithStreamID("s1"))
	m.Begin()
	m.Apply(protocol.ContentChunk{Text: "Hello"})
	m.Apply(protocol.Done{})

	require.Eventually(t, func() bool { return len(got.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	envs := got.get()
	require.Equal(t, chat.EffectPartial, envs[0].Effect.Kind)
	require.Equal(t, "Hello", envs[0].Effect.Text)
	require.Equal(t, chat.EffectFinal, envs[1].Effect.Kind)
	require.Equal(t, "s1", envs[1].Effect.StreamID)
	require.Equal(t, int64(7), *envs[1].SessionID)
	require.Less(t, envs[0].Seq, envs[1].Seq)

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	require.False(t, w.IsRunning())
}

func TestStalledWatcherDoesNotBlockCancel(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	release := make(chan struct{})
	w := NewWatcher(bus.Subscriber, func(Envelope, []byte) { <-release })
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	frame, err := protocol.EncodeFrame(protocol.Payload{Content: "partial"})
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		_, _ = rw.Write(frame)
		rw.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	pub := NewPublisher(bus.Publisher, nil, WithQueueSize(4))
	defer func() { _ = pub.Close() }()
	// unblock the watcher first so the deferred closes can finish
	defer close(release)
	rec := &chat.RecordingSink{}
	m := chat.NewMachine(chat.MultiSink(rec, pub), chat.WithStreamID("stalled"))

	streamer := stream.NewStreamer(srv.URL)
	_, err = streamer.Start(context.Background(), stream.Request{UserInput: "hi"}, m)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.Count(chat.EffectPartial) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancelled := make(chan struct{})
	go func() {
		streamer.CancelActive()
		close(cancelled)
	}()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel blocked by mirror, phase=%v", m.State().Phase)
	}
	require.Equal(t, chat.PhaseCancelled, m.State().Phase)
	require.Nil(t, streamer.Active())
}

func TestPublisherDropsWhenQueueFull(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	release := make(chan struct{})
	w := NewWatcher(bus.Subscriber, func(Envelope, []byte) { <-release })
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	pub := NewPublisher(bus.Publisher, nil, WithQueueSize(2))
	defer close(release)
	start := time.Now()
	for i := 0; i < 50; i++ {
		pub.Emit(chat.Effect{Kind: chat.EffectPartial, StreamID: "s"})
	}
	require.Less(t, time.Since(start), time.Second)
	require.Greater(t, pub.Dropped(), uint64(0))

	require.Error(t, pub.Close())
	require.NotPanics(t, func() { pub.Emit(chat.Effect{Kind: chat.EffectPartial}) })
}

func TestPublisherCloseDrainsQueue(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	got := &collected{}
	w := NewWatcher(bus.Subscriber, got.add)
	require.NoError(t, w.Start(context.Background()))
	defer w.Close()

	pub := NewPublisher(bus.Publisher, nil)
	for i := 0; i < 5; i++ {
		pub.Emit(chat.Effect{Kind: chat.EffectPartial, StreamID: "s"})
	}
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	require.Len(t, got.get(), 5)
	require.Zero(t, pub.Dropped())
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	p.Emit(chat.Effect{Kind: chat.EffectPartial})
	NewPublisher(nil, nil).Emit(chat.Effect{Kind: chat.EffectPartial})
	require.NoError(t, p.Close())
	require.NoError(t, NewPublisher(nil, nil).Close())
}

func TestDeriveSeqFromCursor(t *testing.T) {
	seq, ok := deriveSeqFromCursor("1700000000000-3")
	require.True(t, ok)
	require.Equal(t, uint64(1700000000000*1_000_000+3), seq)

	for _, bad := range []string{"", "abc", "1-2-3", "x-1"} {
		_, ok := deriveSeqFromCursor(bad)
		require.False(t, ok, bad)
	}

	w := NewWatcher(nil, nil)
	first := w.nextSeq("5-1")
	second := w.nextSeq("5-0")
	require.Equal(t, uint64(5_000_001), first)
	require.Equal(t, first+1, second)
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	l.With(watermill.LogFields{"topic": "t"}).Error("publish failed", errors.New("boom"), watermill.LogFields{"attempt": 2})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "error", line["level"])
	require.Equal(t, "watermill", line["component"])
	require.Equal(t, "t", line["topic"])
	require.Equal(t, "boom", line["error"])
	require.Equal(t, float64(2), line["attempt"])

	buf.Reset()
	l.Trace("ignored", nil)
	require.Empty(t, buf.String())
}

func TestServerBroadcastsToWebsocket(t *testing.T) {
	bus := NewInMemoryBus()
	defer func() { _ = bus.Close() }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer("", bus.Subscriber)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+WebsocketPath, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return srv.Pool().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	NewPublisher(bus.Publisher, nil).Emit(chat.Effect{Kind: chat.EffectStopped, StreamID: "s9"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, chat.EffectStopped, env.Effect.Kind)
	require.Equal(t, "s9", env.Effect.StreamID)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	require.Equal(t, 0, srv.Pool().Count())
}
