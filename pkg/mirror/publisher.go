package mirror

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/chat"
)

// Envelope is the payload of a mirrored effect.
type Envelope struct {
	Seq           uint64      `json:"seq"`
	Cursor        string      `json:"cursor,omitempty"`
	SessionID     *int64      `json:"session_id,omitempty"`
	Effect        chat.Effect `json:"effect"`
	PublishedAtMs int64       `json:"published_at_ms"`
}

// DefaultQueueSize bounds the effects waiting to be published.
const DefaultQueueSize = 1024

// closeTimeout bounds how long Close waits for queued effects to drain.
const closeTimeout = 2 * time.Second

// Publisher is a chat.Sink that forwards effects to the bus. Emit never
// blocks the chat pipeline: effects are queued and published in order by one
// goroutine, and dropped with a warning when the queue is full. Publish
// failures are logged and never reach the chat pipeline.
type Publisher struct {
	pub     message.Publisher
	topic   string
	seq     atomic.Uint64
	session func() *int64
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	queue  chan Envelope
	done   chan struct{}
}

var _ chat.Sink = (*Publisher)(nil)

type PublisherOption func(*Publisher)

// WithQueueSize sets how many effects may wait for the bus.
func WithQueueSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.queue = make(chan Envelope, n)
		}
	}
}

// NewPublisher publishes on Topic. session, when set, stamps each envelope
// with the conversation the effect belongs to.
func NewPublisher(pub message.Publisher, session func() *int64, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		pub:     pub,
		topic:   Topic,
		session: session,
		queue:   make(chan Envelope, DefaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if pub == nil {
		close(p.done)
		return p
	}
	go p.run()
	return p
}

func (p *Publisher) Emit(e chat.Effect) {
	if p == nil || p.pub == nil {
		return
	}
	env := Envelope{
		Seq:           p.seq.Add(1),
		Effect:        e,
		PublishedAtMs: time.Now().UnixMilli(),
	}
	if p.session != nil {
		env.SessionID = p.session()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- env:
	default:
		n := p.dropped.Add(1)
		log.Warn().Str("component", "mirror").Str("kind", e.Kind.String()).Uint64("dropped", n).Msg("mirror queue full, dropping effect")
	}
}

// Dropped counts effects discarded because the queue was full.
func (p *Publisher) Dropped() uint64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

// Close stops accepting effects and waits a bounded time for the queue to
// drain. It is safe to call more than once.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.pub != nil {
			close(p.queue)
		}
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-time.After(closeTimeout):
		return errors.New("mirror: publisher did not drain before close timeout")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for env := range p.queue {
		p.publish(env)
	}
}

func (p *Publisher) publish(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Warn().Err(err).Str("component", "mirror").Msg("encode effect")
		return
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("kind", env.Effect.Kind.String())
	msg.Metadata.Set("stream_id", env.Effect.StreamID)
	if err := p.pub.Publish(p.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "mirror").Str("kind", env.Effect.Kind.String()).Msg("publish effect")
	}
}
