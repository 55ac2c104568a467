package chatrunner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/api"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/persistence/transcriptstore"
	"github.com/go-go-golems/streamchat/pkg/render"
	"github.com/go-go-golems/streamchat/pkg/sessions"
	"github.com/go-go-golems/streamchat/pkg/speech"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

// RunMode defines how a command drives the conversation.
type RunMode string

const (
	RunModeChat        RunMode = "chat"
	RunModeInteractive RunMode = "interactive"
	RunModeBlocking    RunMode = "blocking"
)

const defaultRefreshTimeout = 10 * time.Second

// Runner is the session context of one client: the active stream, the
// session pointer and the speech resource are owned here and passed
// explicitly to whoever needs them.
type Runner struct {
	streamer *stream.Streamer
	api      *api.Client
	registry *sessions.Registry
	speech   *speech.Coordinator
	store    transcriptstore.Store
	renderer chat.Renderer
	sinks    []chat.Sink
	autoRead bool

	refreshTimeout time.Duration
	refreshes      sync.WaitGroup
}

// Turn is one streamed exchange.
type Turn struct {
	Input   string
	Session *stream.Session
	Machine *chat.Machine
	Ticket  sessions.Ticket
}

// Wait blocks until the stream ends. It returns nil for completed and
// cancelled turns.
func (t *Turn) Wait() error {
	return t.Session.Wait()
}

func (r *Runner) Registry() *sessions.Registry { return r.registry }
func (r *Runner) Speech() *speech.Coordinator  { return r.speech }
func (r *Runner) Streamer() *stream.Streamer   { return r.streamer }
func (r *Runner) API() *api.Client             { return r.api }

// Send starts a stream for input. Effects go to sink and to every sink
// registered on the builder. It fails with stream.ErrStreamActive while a
// previous turn is still running.
func (r *Runner) Send(ctx context.Context, input string, sink chat.Sink) (*Turn, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, errors.New("chatrunner: empty input")
	}

	ticket := r.registry.BeginStream()
	streamID := uuid.NewString()
	sinks := append([]chat.Sink{sink}, r.sinks...)
	m := chat.NewMachine(chat.MultiSink(sinks...),
		chat.WithStreamID(streamID),
		chat.WithRenderer(r.renderer),
		chat.WithCompletionHook(func(c chat.Completion) { r.onComplete(ctx, ticket, input, c) }),
	)

	sess, err := r.streamer.Start(ctx, stream.Request{UserInput: input, SessionID: ticket.Session}, m)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("component", "chatrunner").Str("stream_id", streamID).Msg("turn started")
	return &Turn{Input: input, Session: sess, Machine: m, Ticket: ticket}, nil
}

// Stop cancels the active turn and waits for it to settle.
func (r *Runner) Stop() {
	r.streamer.CancelActive()
}

func (r *Runner) onComplete(ctx context.Context, ticket sessions.Ticket, input string, c chat.Completion) {
	if c.SessionID != nil {
		r.registry.CompleteStream(ticket, c.SessionID)
	} else if r.api != nil {
		// off the stream goroutine, so the active slot frees as soon as the answer is final
		r.refreshes.Add(1)
		go func() {
			defer r.refreshes.Done()
			if err := r.Refresh(ctx); err != nil {
				log.Warn().Err(err).Str("component", "chatrunner").Msg("refresh sessions after completion")
			}
		}()
	}

	if r.autoRead && r.speech != nil {
		r.speech.AutoRead(render.PlainText(c.Text))
	}

	if r.store != nil {
		if _, err := r.store.Append(context.WithoutCancel(ctx), transcriptstore.FromCompletion(c, input)); err != nil {
			log.Warn().Err(err).Str("component", "chatrunner").Str("stream_id", c.StreamID).Msg("record transcript")
		}
	}
}

// WaitRefresh blocks until session refreshes started by completed turns
// have finished.
func (r *Runner) WaitRefresh() {
	r.refreshes.Wait()
}

// Refresh fetches the session list and applies the reconciliation rule.
func (r *Runner) Refresh(ctx context.Context) error {
	if r.api == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.refreshTimeout)
	defer cancel()
	list, err := r.api.ListSessions(ctx)
	if err != nil {
		return err
	}
	r.registry.Reconcile(list.CurrentSessionID, list.Sessions)
	return nil
}

// LoadHistory fetches the current conversation. A server-reported session
// id is reconciled before the history counts as shown.
func (r *Runner) LoadHistory(ctx context.Context, limit int) (*api.History, error) {
	if r.api == nil {
		return nil, errors.New("chatrunner: no api client")
	}
	h, err := r.api.History(ctx, r.registry.CurrentPtr(), limit)
	if err != nil {
		return nil, err
	}
	if h.SessionID != nil {
		r.registry.Reconcile(h.SessionID, r.registry.Snapshot().Sessions)
	}
	if len(h.Conversations) > 0 {
		r.registry.MarkHistoryShown()
	}
	return h, nil
}

// NewChat starts a fresh server conversation and resets the local pointer.
func (r *Runner) NewChat(ctx context.Context) error {
	if r.api != nil {
		if err := r.api.NewSession(ctx); err != nil {
			return err
		}
	}
	r.registry.NewChat()
	return nil
}

func (r *Runner) SwitchTo(ctx context.Context, id int64) error {
	if r.api != nil {
		if err := r.api.SwitchSession(ctx, id); err != nil {
			return err
		}
	}
	r.registry.SwitchTo(id)
	return nil
}

func (r *Runner) Delete(ctx context.Context, id int64) error {
	if r.api != nil {
		if err := r.api.DeleteSession(ctx, id); err != nil {
			return err
		}
	}
	r.registry.Delete(id)
	return nil
}

func (r *Runner) ClearCache(ctx context.Context) error {
	if r.api == nil {
		return errors.New("chatrunner: no api client")
	}
	return r.api.ClearCache(ctx)
}

// --- Builder ---

// Builder provides a fluent API for assembling a Runner.
type Builder struct {
	err      error
	streamer *stream.Streamer
	api      *api.Client
	registry *sessions.Registry
	speech   *speech.Coordinator
	store    transcriptstore.Store
	renderer chat.Renderer
	sinks    []chat.Sink
	autoRead bool
	timeout  time.Duration
}

func NewBuilder() *Builder {
	return &Builder{autoRead: true, timeout: defaultRefreshTimeout}
}

// WithStreamer sets the stream client. (Required)
func (b *Builder) WithStreamer(s *stream.Streamer) *Builder {
	if b.err != nil {
		return b
	}
	if s == nil {
		b.err = errors.New("streamer cannot be nil")
		return b
	}
	b.streamer = s
	return b
}

// WithAPI sets the client for session management calls.
func (b *Builder) WithAPI(c *api.Client) *Builder {
	if b.err != nil {
		return b
	}
	b.api = c
	return b
}

// WithRegistry shares an existing registry. A fresh pending one is created otherwise.
func (b *Builder) WithRegistry(r *sessions.Registry) *Builder {
	if b.err != nil {
		return b
	}
	b.registry = r
	return b
}

func (b *Builder) WithSpeech(c *speech.Coordinator) *Builder {
	if b.err != nil {
		return b
	}
	b.speech = c
	return b
}

// WithAutoRead controls whether completed answers are spoken. Defaults to true.
func (b *Builder) WithAutoRead(v bool) *Builder {
	b.autoRead = v
	return b
}

func (b *Builder) WithTranscriptStore(s transcriptstore.Store) *Builder {
	if b.err != nil {
		return b
	}
	b.store = s
	return b
}

func (b *Builder) WithRenderer(r chat.Renderer) *Builder {
	if b.err != nil {
		return b
	}
	b.renderer = r
	return b
}

// WithSinks adds sinks that receive the effects of every turn.
func (b *Builder) WithSinks(sinks ...chat.Sink) *Builder {
	if b.err != nil {
		return b
	}
	b.sinks = append(b.sinks, sinks...)
	return b
}

func (b *Builder) WithRefreshTimeout(d time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if d <= 0 {
		b.err = errors.Errorf("invalid refresh timeout: %s", d)
		return b
	}
	b.timeout = d
	return b
}

func (b *Builder) Build() (*Runner, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.streamer == nil {
		return nil, errors.New("streamer is required (use WithStreamer)")
	}
	registry := b.registry
	if registry == nil {
		registry = sessions.New(nil)
	}
	return &Runner{
		streamer:       b.streamer,
		api:            b.api,
		registry:       registry,
		speech:         b.speech,
		store:          b.store,
		renderer:       b.renderer,
		sinks:          b.sinks,
		autoRead:       b.autoRead,
		refreshTimeout: b.timeout,
	}, nil
}
