package stream

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/frames"
	"github.com/go-go-golems/streamchat/pkg/protocol"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

// Stats describes a finished session. It is complete once Done is closed.
type Stats struct {
	Bytes        int64
	Frames       int
	Events       int
	DecodeErrors int
}

const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeErrored   = "errored"
)

// Session is the handle of one in-flight request. It never outlives the request.
type Session struct {
	id       string
	req      Request
	machine  *chat.Machine
	streamer *Streamer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	cancelled atomic.Bool
	done      chan struct{}
	err       error
	stats     Stats
}

func newSession(parent context.Context, s *Streamer, id string, req Request, m *chat.Machine) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:       id,
		req:      req,
		machine:  m,
		streamer: s,
		log:      log.With().Str("component", "stream").Str("stream_id", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Machine() *chat.Machine {
	return s.machine
}

// Cancel marks the session user-cancelled and aborts the request. Frames
// already read but not yet applied are dropped. Calling it again, or after the
// session finished, has no effect.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}
	if s.cancelled.CompareAndSwap(false, true) {
		s.cancel(context.Canceled)
	}
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends. It returns nil for completed and
// cancelled sessions, a *TransportError or a *ServerError otherwise.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

func (s *Session) Stats() Stats {
	<-s.done
	return s.stats
}

func (s *Session) run() {
	defer close(s.done)
	defer s.streamer.release(s)
	defer s.cancel(nil)

	ctx, span := transport.Tracer.Start(s.ctx, "chat stream", trace.WithAttributes(attribute.String("stream.id", s.id)))
	defer span.End()
	if s.req.SessionID != nil {
		span.SetAttributes(attribute.Int64("stream.session_id", *s.req.SessionID))
	}

	s.machine.Begin()
	outcome := s.consume(ctx, span)

	span.SetAttributes(
		attribute.String("stream.outcome", outcome),
		attribute.Int64("stream.bytes", s.stats.Bytes),
		attribute.Int("stream.frames", s.stats.Frames),
		attribute.Int("stream.events", s.stats.Events),
		attribute.Int("stream.decode_errors", s.stats.DecodeErrors),
	)
	s.log.Debug().Str("outcome", outcome).Int("frames", s.stats.Frames).Int("events", s.stats.Events).Int("decode_errors", s.stats.DecodeErrors).Msg("stream finished")
}

func (s *Session) consume(ctx context.Context, span trace.Span) string {
	var idle *time.Timer
	if d := s.streamer.idleTimeout; d > 0 {
		idle = time.AfterFunc(d, func() { s.cancel(ErrIdleTimeout) })
		defer idle.Stop()
	}

	span.AddEvent("request started")
	body, err := s.streamer.open(ctx, s.id, s.req)
	if err != nil {
		return s.fail(ctx, span, err)
	}
	defer func() { _ = body.Close() }()

	reader := &watchedReader{r: body, session: s, span: span, idle: idle, idleTimeout: s.streamer.idleTimeout}
	for frame, err := range frames.Frames(reader, s.streamer.chunkSize) {
		if s.stopRequested(ctx) {
			return s.stop()
		}
		if err != nil {
			return s.fail(ctx, span, &TransportError{Op: "read", Err: err})
		}

		s.stats.Frames++
		events, ok, err := protocol.DecodeFrame(frame)
		if err != nil {
			s.stats.DecodeErrors++
			span.AddEvent("frame decode error")
			s.log.Warn().Err(err).Msg("skipping malformed frame")
			continue
		}
		if !ok {
			continue
		}

		for _, ev := range events {
			if s.stopRequested(ctx) {
				return s.stop()
			}
			s.stats.Events++
			s.machine.Apply(ev)
			if reported, isErr := ev.(protocol.ErrorReported); isErr {
				s.err = &ServerError{Message: reported.Message}
				span.SetStatus(codes.Error, reported.Message)
				return outcomeErrored
			}
			if s.machine.State().Terminal() {
				return outcomeCompleted
			}
		}
	}

	if s.stopRequested(ctx) {
		return s.stop()
	}
	s.log.Debug().Msg("stream ended without done, completing")
	s.machine.Apply(protocol.Done{})
	return outcomeCompleted
}

// stopRequested is true after Cancel or when the caller's context ends. An
// idle timeout is a failure, not a stop.
func (s *Session) stopRequested(ctx context.Context) bool {
	if s.cancelled.Load() {
		return true
	}
	return ctx.Err() != nil && !errors.Is(context.Cause(ctx), ErrIdleTimeout)
}

func (s *Session) stop() string {
	s.machine.Cancel()
	s.log.Debug().Msg("stream cancelled")
	return outcomeCancelled
}

func (s *Session) fail(ctx context.Context, span trace.Span, err error) string {
	if s.stopRequested(ctx) {
		return s.stop()
	}
	if errors.Is(context.Cause(ctx), ErrIdleTimeout) {
		err = &TransportError{Op: "idle", Err: ErrIdleTimeout}
	}
	s.err = err
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.log.Warn().Err(err).Msg("stream transport failed")
	s.machine.FailTransport(err)
	return outcomeErrored
}

// watchedReader counts bytes, marks the first chunk on the span and pushes
// the idle deadline forward on every read that returns data.
type watchedReader struct {
	r           io.Reader
	session     *Session
	span        trace.Span
	idle        *time.Timer
	idleTimeout time.Duration
	seen        bool
}

func (w *watchedReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		if !w.seen {
			w.seen = true
			w.span.AddEvent("first chunk")
		}
		w.session.stats.Bytes += int64(n)
		if w.idle != nil {
			w.idle.Reset(w.idleTimeout)
		}
	}
	return n, err
}
