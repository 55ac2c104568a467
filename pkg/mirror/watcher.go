package mirror

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Watcher owns a subscription to the effect topic and dispatches decoded
// envelopes in order.
type Watcher struct {
	subscriber message.Subscriber
	topic      string
	onEnvelope func(Envelope, []byte)

	seq atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewWatcher calls onEnvelope with each envelope and its re-encoded bytes.
// The envelope Seq is replaced by a watcher-local monotonic cursor.
func NewWatcher(subscriber message.Subscriber, onEnvelope func(Envelope, []byte)) *Watcher {
	return &Watcher{
		subscriber: subscriber,
		topic:      Topic,
		onEnvelope: onEnvelope,
	}
}

// Start subscribes and begins consuming. Subscribe errors are returned; a
// second Start while running is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil || w.subscriber == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := w.subscriber.Subscribe(runCtx, w.topic)
	if err != nil {
		cancel()
		return err
	}
	w.cancel = cancel
	w.running = true
	w.done = make(chan struct{})
	go w.consume(ch, w.done)
	log.Info().Str("component", "mirror").Str("topic", w.topic).Msg("watcher: started")
	return nil
}

func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.cancel = nil
	w.mu.Unlock()
}

// Done is closed once the consume loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.done
}

func (w *Watcher) Close() {
	if w == nil {
		return
	}
	w.Stop()
	if w.subscriber != nil {
		if err := w.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "mirror").Msg("watcher: subscriber close failed")
		}
	}
}

func (w *Watcher) IsRunning() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			log.Warn().Err(err).Str("component", "mirror").Msg("watcher: failed to decode envelope")
			msg.Ack()
			continue
		}
		env.Cursor = extractCursor(msg)
		env.Seq = w.nextSeq(env.Cursor)
		if w.onEnvelope != nil {
			b, err := json.Marshal(env)
			if err != nil {
				b = msg.Payload
			}
			w.onEnvelope(env, b)
		}
		msg.Ack()
	}
	log.Info().Str("component", "mirror").Msg("watcher: stopped")
	w.mu.Lock()
	w.running = false
	w.cancel = nil
	w.mu.Unlock()
}

// nextSeq derives a monotonic sequence from a Redis stream id when there is
// one and from the wall clock otherwise.
func (w *Watcher) nextSeq(cursor string) uint64 {
	candidate := uint64(time.Now().UnixMilli()) * 1_000_000
	if derived, ok := deriveSeqFromCursor(cursor); ok {
		candidate = derived
	}
	for {
		current := w.seq.Load()
		next := candidate
		if next <= current {
			next = current + 1
		}
		if w.seq.CompareAndSwap(current, next) {
			return next
		}
	}
}

func extractCursor(msg *message.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	for _, k := range []string{"xid", "redis_xid"} {
		if v := msg.Metadata.Get(k); v != "" {
			return v
		}
	}
	return ""
}

func deriveSeqFromCursor(cursor string) (uint64, bool) {
	ms, seq, ok := strings.Cut(cursor, "-")
	if !ok {
		return 0, false
	}
	msv, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return 0, false
	}
	seqv, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, false
	}
	return msv*1_000_000 + seqv, true
}
