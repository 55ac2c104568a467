// Package speech serializes spoken output: at most one utterance is in flight,
// and starting a new one cancels the previous one first.
package speech

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type SourceKind int

const (
	// SourceAuto is the automatic read of a completed response.
	SourceAuto SourceKind = iota
	// SourceManual is a read requested for a specific message.
	SourceManual
)

// Source identifies who requested an utterance.
type Source struct {
	Kind       SourceKind
	MessageRef string
}

func Auto() Source {
	return Source{Kind: SourceAuto}
}

func Manual(ref string) Source {
	return Source{Kind: SourceManual, MessageRef: ref}
}

func (s Source) String() string {
	if s.Kind == SourceAuto {
		return "auto"
	}
	return "manual:" + s.MessageRef
}

// Speaker produces audio for text. Speak blocks until the utterance ends or
// ctx is cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

type utterance struct {
	source Source
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the singleton speech resource.
type Coordinator struct {
	speaker Speaker

	// startMu serializes Speak and Stop so the cancel-wait-start sequence is atomic.
	startMu sync.Mutex

	mu          sync.Mutex
	current     *utterance
	muted       bool
	onIndicator []func(Source, bool)
}

func NewCoordinator(speaker Speaker) *Coordinator {
	if speaker == nil {
		speaker = NoopSpeaker{}
	}
	return &Coordinator{speaker: speaker}
}

// OnIndicator registers fn to be told when an utterance starts (true) or its
// indicator must be reset (false).
func (c *Coordinator) OnIndicator(fn func(Source, bool)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIndicator = append(c.onIndicator, fn)
}

// Speak cancels any active utterance, resets its indicator, then starts text.
// Automatic reads are skipped while muted. It returns once the new utterance
// has started; the utterance itself runs in the background.
func (c *Coordinator) Speak(ctx context.Context, text string, src Source) error {
	if text == "" {
		return errors.New("speech: empty text")
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if src.Kind == SourceAuto && c.Muted() {
		log.Debug().Str("component", "speech").Msg("muted, skipping automatic read")
		return nil
	}

	c.stopLocked()

	if ctx == nil {
		ctx = context.Background()
	}
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{source: src, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.current = u
	c.mu.Unlock()
	c.indicate(src, true)

	go c.play(uctx, u, text)
	return nil
}

// AutoRead speaks a completed response unless muted.
func (c *Coordinator) AutoRead(text string) {
	if text == "" {
		return
	}
	if err := c.Speak(context.Background(), text, Auto()); err != nil {
		log.Warn().Err(err).Str("component", "speech").Msg("automatic read failed")
	}
}

// Stop cancels the active utterance and resets its indicator. It is a no-op
// when nothing is being spoken.
func (c *Coordinator) Stop() {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	c.stopLocked()
}

// SetMuted toggles automatic reads. Muting also stops the active utterance.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	if muted {
		c.Stop()
	}
}

func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Active returns the source of the utterance in flight.
func (c *Coordinator) Active() (Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Source{}, false
	}
	return c.current.source, true
}

// Wait blocks until the active utterance, if any, has finished.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	u := c.current
	c.mu.Unlock()
	if u != nil {
		<-u.done
	}
}

// stopLocked requires startMu.
func (c *Coordinator) stopLocked() {
	c.mu.Lock()
	u := c.current
	c.current = nil
	c.mu.Unlock()
	if u == nil {
		return
	}
	u.cancel()
	<-u.done
	c.indicate(u.source, false)
}

func (c *Coordinator) play(ctx context.Context, u *utterance, text string) {
	defer close(u.done)
	defer u.cancel()

	err := c.speaker.Speak(ctx, text)
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("component", "speech").Str("source", u.source.String()).Msg("utterance failed")
	}

	c.mu.Lock()
	finished := c.current == u
	if finished {
		c.current = nil
	}
	c.mu.Unlock()
	if finished {
		c.indicate(u.source, false)
	}
}

func (c *Coordinator) indicate(src Source, speaking bool) {
	c.mu.Lock()
	fns := slices.Clone(c.onIndicator)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(src, speaking)
	}
}
