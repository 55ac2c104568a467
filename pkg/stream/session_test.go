package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/protocol"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

func frame(t testing.TB, p protocol.Payload) string {
	t.Helper()
	b, err := protocol.EncodeFrame(p)
	require.NoError(t, err)
	return string(b)
}

// chunkedHandler writes body in pieces of the given sizes, flushing each one.
func chunkedHandler(body string, sizes ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		pos := 0
		for i := 0; pos < len(body); i++ {
			size := len(body)
			if len(sizes) > 0 {
				size = sizes[i%len(sizes)]
			}
			end := min(pos+size, len(body))
			_, _ = io.WriteString(w, body[pos:end])
			if flusher != nil {
				flusher.Flush()
			}
			pos = end
		}
	}
}

func startAndWait(t *testing.T, s *Streamer, sink chat.Sink) (*Session, *chat.Machine, error) {
	t.Helper()
	m := chat.NewMachine(sink)
	sess, err := s.Start(context.Background(), Request{UserInput: "hi"}, m)
	require.NoError(t, err)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
	return sess, m, sess.Wait()
}

func TestSessionEndToEnd(t *testing.T) {
	body := frame(t, protocol.Payload{ToolStart: "list_tasks"}) +
		frame(t, protocol.Payload{ToolEnd: "list_tasks"}) +
		frame(t, protocol.Payload{Content: "Hello "}) +
		frame(t, protocol.Payload{Content: "world"}) +
		frame(t, protocol.Payload{Done: true})
	srv := httptest.NewServer(chunkedHandler(body, 3, 7, 1))
	t.Cleanup(srv.Close)

	sink := &chat.RecordingSink{}
	sess, m, err := startAndWait(t, NewStreamer(srv.URL), sink)
	require.NoError(t, err)
	require.Equal(t, chat.PhaseCompleted, m.State().Phase)
	require.Equal(t, "Hello world", m.Text())
	require.Equal(t, []chat.EffectKind{
		chat.EffectToolStarted,
		chat.EffectToolCompleted,
		chat.EffectPartial,
		chat.EffectPartial,
		chat.EffectFinal,
		chat.EffectToolSummary,
	}, sink.Kinds())
	require.Equal(t, 5, sess.Stats().Events)
	require.Equal(t, int64(len(body)), sess.Stats().Bytes)
}

func TestSessionSendsRequestBody(t *testing.T) {
	var got Request
	var requestID, path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path, method = r.URL.Path, r.Method
		requestID = r.Header.Get(transport.RequestIDHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, frame(t, protocol.Payload{Done: true}))
	}))
	t.Cleanup(srv.Close)

	id := int64(3)
	m := chat.NewMachine(nil, chat.WithStreamID("req-1"))
	sess, err := NewStreamer(srv.URL+"/").Start(context.Background(), Request{UserInput: "list my tasks", SessionID: &id}, m)
	require.NoError(t, err)
	require.NoError(t, sess.Wait())
	require.Equal(t, Path, path)
	require.Equal(t, http.MethodPost, method)
	require.Equal(t, "list my tasks", got.UserInput)
	require.NotNil(t, got.SessionID)
	require.Equal(t, int64(3), *got.SessionID)
	require.Equal(t, "req-1", requestID)
	require.Equal(t, "req-1", sess.ID())
}

func TestSessionNullSessionID(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
	}))
	t.Cleanup(srv.Close)

	_, _, err := startAndWait(t, NewStreamer(srv.URL), nil)
	require.NoError(t, err)
	v, ok := raw["session_id"]
	require.True(t, ok)
	require.Nil(t, v)
}

func TestSessionSkipsMalformedFrame(t *testing.T) {
	body := frame(t, protocol.Payload{Content: "a"}) +
		"data: {\"content\": broken}\n\n" +
		frame(t, protocol.Payload{Content: "b"}) +
		"event: ping\n\n" +
		frame(t, protocol.Payload{Done: true})
	srv := httptest.NewServer(chunkedHandler(body))
	t.Cleanup(srv.Close)

	sink := &chat.RecordingSink{}
	sess, m, err := startAndWait(t, NewStreamer(srv.URL), sink)
	require.NoError(t, err)
	require.Equal(t, 2, sink.Count(chat.EffectPartial))
	require.Equal(t, "ab", m.Text())
	require.Equal(t, 1, sess.Stats().DecodeErrors)
}

func TestSessionEOFWithoutDoneCompletes(t *testing.T) {
	body := frame(t, protocol.Payload{Content: "Hello"}) + `data: {"content":" there"}`
	srv := httptest.NewServer(chunkedHandler(body))
	t.Cleanup(srv.Close)

	sink := &chat.RecordingSink{}
	_, m, err := startAndWait(t, NewStreamer(srv.URL), sink)
	require.NoError(t, err)
	require.Equal(t, chat.PhaseCompleted, m.State().Phase)
	require.Equal(t, "Hello there", m.Text())
	require.Equal(t, 1, sink.Count(chat.EffectFinal))
}

func TestSessionServerError(t *testing.T) {
	body := frame(t, protocol.Payload{Content: "partial"}) +
		frame(t, protocol.Payload{Error: "model unavailable"}) +
		frame(t, protocol.Payload{Content: "never"})
	srv := httptest.NewServer(chunkedHandler(body))
	t.Cleanup(srv.Close)

	sink := &chat.RecordingSink{}
	_, m, err := startAndWait(t, NewStreamer(srv.URL), sink)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	require.Equal(t, "model unavailable", serverErr.Message)
	require.Equal(t, chat.PhaseErrored, m.State().Phase)
	require.Equal(t, 1, sink.Count(chat.EffectPartial))
	require.Equal(t, 1, sink.Count(chat.EffectError))
}

func TestSessionNonSuccessStatusIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	sink := &chat.RecordingSink{}
	_, m, err := startAndWait(t, NewStreamer(srv.URL), sink)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "connect", transportErr.Op)
	require.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
	var statusErr *transport.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)

	require.Equal(t, chat.PhaseErrored, m.State().Phase)
	effects := sink.Effects()
	require.Len(t, effects, 1)
	require.Equal(t, chat.ConnectionErrorText, effects[0].Display())
}

func TestSessionConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sink := &chat.RecordingSink{}
	_, _, err := startAndWait(t, NewStreamer(url), sink)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "connect", transportErr.Op)
	require.Zero(t, transportErr.StatusCode)
	require.True(t, sink.Effects()[0].Transport)
}

func TestSessionRetriesConnectionSetup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, frame(t, protocol.Payload{Content: "ok", Done: true}))
	}))
	t.Cleanup(srv.Close)

	s := NewStreamer(srv.URL, WithRetry(transport.RetryPolicy{Retries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}))
	_, m, err := startAndWait(t, s, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", m.Text())
	require.Equal(t, int32(3), calls.Load())
}

func TestSessionWithoutRetryFailsOnFirstError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, _, err := startAndWait(t, NewStreamer(srv.URL), nil)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestSessionIdleTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, frame(t, protocol.Payload{Content: "slow"}))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	sink := &chat.RecordingSink{}
	_, m, err := startAndWait(t, NewStreamer(srv.URL, WithIdleTimeout(100*time.Millisecond)), sink)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "idle", transportErr.Op)
	require.ErrorIs(t, err, ErrIdleTimeout)
	require.Equal(t, chat.PhaseErrored, m.State().Phase)
	require.Zero(t, sink.Count(chat.EffectStopped))
}

// blockingServer sends one content frame and holds the response open.
func blockingServer(t *testing.T) (*httptest.Server, chan struct{}) {
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, frame(t, protocol.Payload{Content: "thinking"}))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		once.Do(func() { close(release) })
		srv.Close()
	})
	return srv, release
}

func TestSessionCancelIsIdempotent(t *testing.T) {
	srv, _ := blockingServer(t)
	sink := &chat.RecordingSink{}
	m := chat.NewMachine(sink)
	sess, err := NewStreamer(srv.URL).Start(context.Background(), Request{UserInput: "x"}, m)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.Count(chat.EffectPartial) == 1 }, 5*time.Second, 10*time.Millisecond)
	sess.Cancel()
	sess.Cancel()
	require.NoError(t, sess.Wait())
	sess.Cancel()

	require.Equal(t, chat.PhaseCancelled, m.State().Phase)
	require.Equal(t, 1, sink.Count(chat.EffectStopped))
	require.Empty(t, m.Text())
}

func TestSessionCancelAfterCompletionIsNoop(t *testing.T) {
	srv := httptest.NewServer(chunkedHandler(frame(t, protocol.Payload{Content: "x", Done: true})))
	t.Cleanup(srv.Close)

	sink := &chat.RecordingSink{}
	sess, m, err := startAndWait(t, NewStreamer(srv.URL), sink)
	require.NoError(t, err)
	sess.Cancel()
	require.Equal(t, chat.PhaseCompleted, m.State().Phase)
	require.Zero(t, sink.Count(chat.EffectStopped))
}

func TestSessionCancelDropsBufferedFrames(t *testing.T) {
	var sess atomic.Pointer[Session]
	ready := make(chan struct{})
	body := frame(t, protocol.Payload{Content: "one"}) +
		frame(t, protocol.Payload{Content: "two"}) +
		frame(t, protocol.Payload{Content: "three"}) +
		frame(t, protocol.Payload{Done: true})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-ready
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	sink := &chat.RecordingSink{}
	cancelling := chat.MultiSink(sink, chat.SinkFunc(func(e chat.Effect) {
		if e.Kind == chat.EffectPartial {
			sess.Load().Cancel()
		}
	}))
	m := chat.NewMachine(cancelling)
	started, err := NewStreamer(srv.URL).Start(context.Background(), Request{UserInput: "x"}, m)
	require.NoError(t, err)
	sess.Store(started)
	close(ready)

	require.NoError(t, started.Wait())
	require.Equal(t, []chat.EffectKind{chat.EffectPartial, chat.EffectStopped}, sink.Kinds())
	require.Equal(t, chat.PhaseCancelled, m.State().Phase)
}

func TestStreamerRejectsSecondActiveSession(t *testing.T) {
	srv, _ := blockingServer(t)
	s := NewStreamer(srv.URL)

	first := chat.NewMachine(nil)
	sess, err := s.Start(context.Background(), Request{UserInput: "one"}, first)
	require.NoError(t, err)
	require.Same(t, sess, s.Active())

	_, err = s.Start(context.Background(), Request{UserInput: "two"}, chat.NewMachine(nil))
	require.ErrorIs(t, err, ErrStreamActive)

	s.CancelActive()
	require.Nil(t, s.Active())
	require.Equal(t, chat.PhaseCancelled, first.State().Phase)

	second, err := s.Start(context.Background(), Request{UserInput: "two"}, chat.NewMachine(nil))
	require.NoError(t, err)
	second.Cancel()
	require.NoError(t, second.Wait())
}

func TestStreamerRejectsNilMachine(t *testing.T) {
	_, err := NewStreamer("http://localhost").Start(context.Background(), Request{}, nil)
	require.Error(t, err)
}

func TestSessionParentContextCancelStops(t *testing.T) {
	srv, _ := blockingServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	sink := &chat.RecordingSink{}
	m := chat.NewMachine(sink)
	sess, err := NewStreamer(srv.URL).Start(ctx, Request{UserInput: "x"}, m)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.Count(chat.EffectPartial) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, sess.Wait())
	require.Equal(t, chat.PhaseCancelled, m.State().Phase)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// partitionReader returns data in reads of the given sizes.
type partitionReader struct {
	data  []byte
	sizes []int
	i     int
}

func (p *partitionReader) Read(b []byte) (int, error) {
	if len(p.data) == 0 {
		return 0, io.EOF
	}
	size := 1
	if len(p.sizes) > 0 {
		size = p.sizes[p.i%len(p.sizes)]
	}
	p.i++
	size = min(size, len(p.data), len(b))
	n := copy(b, p.data[:size])
	p.data = p.data[n:]
	return n, nil
}

func eventsFor(t *testing.T, data []byte, sizes []int) []chat.Effect {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(&partitionReader{data: data, sizes: sizes}),
			Request:    r,
		}, nil
	})}
	sink := &chat.RecordingSink{}
	m := chat.NewMachine(sink)
	sess, err := NewStreamer("http://stream.test", WithHTTPClient(client), WithChunkSize(64)).Start(context.Background(), Request{UserInput: "x"}, m)
	require.NoError(t, err)
	require.NoError(t, sess.Wait())
	return sink.Effects()
}

func TestChunkBoundaryInvarianceOfEvents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	text := gen.OneConstOf("Hello ", "wörld", "日本語", "🙂", "a\n\nb", "", "tasks: 3")
	tool := gen.OneConstOf("", "list_tasks", "search")

	properties.Property("effects do not depend on chunking", prop.ForAll(
		func(contents []string, tools []string, sizes []int) bool {
			var sb strings.Builder
			for i, c := range contents {
				p := protocol.Payload{Content: c}
				if i < len(tools) {
					p.ToolStart = tools[i]
				}
				sb.WriteString(frame(t, p))
			}
			sb.WriteString(frame(t, protocol.Payload{Done: true}))
			data := []byte(sb.String())

			whole := eventsFor(t, data, []int{len(data)})
			split := eventsFor(t, data, sizes)
			return reflect.DeepEqual(whole, split)
		},
		gen.SliceOf(text),
		gen.SliceOf(tool),
		gen.SliceOf(gen.IntRange(1, 9)),
	))

	properties.TestingRun(t)
}
