// Package stream owns in-flight chat requests. A Streamer issues requests and
// guarantees at most one active Session; each Session consumes its response
// on one goroutine and feeds decoded events to a chat.Machine in arrival order.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/frames"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

// Path is the streaming endpoint relative to the server URL.
const Path = "/api/chat/stream"

// Request is the body of a stream request. A nil SessionID lets the server
// choose the conversation.
type Request struct {
	UserInput string `json:"user_input"`
	SessionID *int64 `json:"session_id"`
}

type Streamer struct {
	baseURL     string
	client      *http.Client
	retry       transport.RetryPolicy
	idleTimeout time.Duration
	chunkSize   int

	mu     sync.Mutex
	active *Session
}

type Option func(*Streamer)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Streamer) {
		if c != nil {
			s.client = c
		}
	}
}

// WithRetry retries connection setup. Nothing is retried once the response
// body has started.
func WithRetry(p transport.RetryPolicy) Option {
	return func(s *Streamer) {
		s.retry = p
	}
}

// WithIdleTimeout aborts a stream that delivers no bytes for d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Streamer) {
		s.idleTimeout = d
	}
}

// WithChunkSize sets the read size used on the response body.
func WithChunkSize(n int) Option {
	return func(s *Streamer) {
		s.chunkSize = n
	}
}

func NewStreamer(baseURL string, opts ...Option) *Streamer {
	s := &Streamer{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    transport.NewHTTPClient(0),
		chunkSize: frames.DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start issues req and drives m with its events on a new goroutine. It
// returns ErrStreamActive while another session has not finished; callers
// cancel the previous session and wait for it before starting a new one.
func (s *Streamer) Start(ctx context.Context, req Request, m *chat.Machine) (*Session, error) {
	if m == nil {
		return nil, errors.New("stream: nil machine")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrStreamActive
	}

	id := m.StreamID()
	if id == "" {
		id = uuid.NewString()
	}
	sess := newSession(ctx, s, id, req, m)
	s.active = sess
	go sess.run()
	return sess, nil
}

// Active returns the session in flight, or nil.
func (s *Streamer) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CancelActive cancels the session in flight, if any, and waits until it has
// released the active slot.
func (s *Streamer) CancelActive() {
	sess := s.Active()
	if sess == nil {
		return
	}
	sess.Cancel()
	<-sess.Done()
}

func (s *Streamer) release(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == sess {
		s.active = nil
	}
}

func (s *Streamer) open(ctx context.Context, id string, req Request) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "stream: encode request")
	}

	var body io.ReadCloser
	err = transport.Do(ctx, s.retry, "chat stream", func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+Path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set(transport.RequestIDHeader, id)

		resp, err := s.client.Do(httpReq)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			_ = resp.Body.Close()
			return &transport.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		te := &TransportError{Op: "connect", Err: err}
		var statusErr *transport.StatusError
		if errors.As(err, &statusErr) {
			te.StatusCode = statusErr.StatusCode
		}
		return nil, te
	}
	return body, nil
}
