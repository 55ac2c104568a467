// Package chat interprets a stream of protocol events into UI states and
// side-effect commands.
package chat

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/protocol"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingFirstToken
	PhaseStreaming
	PhaseCompleted
	PhaseCancelled
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingFirstToken:
		return "awaiting_first_token"
	case PhaseStreaming:
		return "streaming"
	case PhaseCompleted:
		return "completed"
	case PhaseCancelled:
		return "cancelled"
	case PhaseErrored:
		return "errored"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseErrored
}

// State is a snapshot of the machine. ToolRunning and ContentStreaming are
// independent sub-states of PhaseStreaming.
type State struct {
	Phase            Phase
	ToolRunning      bool
	ContentStreaming bool
}

func (s State) Terminal() bool {
	return s.Phase.Terminal()
}

// Renderer turns the final markdown into display markup.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Completion describes a stream that reached PhaseCompleted.
type Completion struct {
	StreamID  string
	Text      string
	SessionID *int64
	Tools     []ToolInvocation
}

type Option func(*Machine)

func WithStreamID(id string) Option {
	return func(m *Machine) {
		m.streamID = id
	}
}

func WithRenderer(r Renderer) Option {
	return func(m *Machine) {
		m.renderer = r
	}
}

// WithCompletionHook registers fn to run after the final effects of a
// completed stream have been emitted. Hooks run in registration order.
func WithCompletionHook(fn func(Completion)) Option {
	return func(m *Machine) {
		if fn != nil {
			m.hooks = append(m.hooks, fn)
		}
	}
}

// Machine is the state machine of one stream. Apply, Cancel and FailTransport
// are driven by the goroutine consuming the stream; State and Text may be read
// from anywhere. Effects are emitted after the state change they describe and
// never while the machine lock is held.
type Machine struct {
	streamID string
	sink     Sink
	renderer Renderer
	hooks    []func(Completion)

	mu               sync.Mutex
	phase            Phase
	contentStreaming bool
	acc              strings.Builder
	tools            []ToolInvocation
	final            string
}

func NewMachine(sink Sink, opts ...Option) *Machine {
	m := &Machine{sink: sink}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = SinkFunc(func(Effect) {})
	}
	return m
}

func (m *Machine) StreamID() string {
	return m.streamID
}

// Begin moves an idle machine to PhaseAwaitingFirstToken.
func (m *Machine) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseIdle {
		m.phase = PhaseAwaitingFirstToken
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// Text returns the accumulated response: the final text once completed, the
// in-progress accumulator otherwise.
func (m *Machine) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseCompleted {
		return m.final
	}
	return m.acc.String()
}

// Pending returns the accumulator without the final text. It is empty once
// the machine is terminal.
func (m *Machine) Pending() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acc.String()
}

// Tools returns the invocations seen so far, in start order.
func (m *Machine) Tools() []ToolInvocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ToolInvocation(nil), m.tools...)
}

// Apply processes one event. It returns false when the machine is already
// terminal and the event was dropped.
func (m *Machine) Apply(ev protocol.Event) bool {
	m.mu.Lock()
	if m.phase.Terminal() {
		phase := m.phase
		m.mu.Unlock()
		log.Debug().Str("component", "chat").Str("stream_id", m.streamID).Str("phase", phase.String()).Str("event", ev.Kind().String()).Msg("ignoring event after terminal state")
		return false
	}

	var effects []Effect
	var completion *Completion

	switch e := ev.(type) {
	case protocol.ToolStart:
		inv := ToolInvocation{Seq: len(m.tools), Name: e.Name}
		m.tools = append(m.tools, inv)
		m.phase = PhaseStreaming
		effects = append(effects, m.effect(EffectToolStarted, func(ef *Effect) { ef.Tool = &inv }))

	case protocol.ToolEnd:
		matched := 0
		for i := range m.tools {
			if m.tools[i].Name != e.Name || m.tools[i].Completed {
				continue
			}
			m.tools[i].Completed = true
			inv := m.tools[i]
			matched++
			effects = append(effects, m.effect(EffectToolCompleted, func(ef *Effect) { ef.Tool = &inv }))
		}
		if matched == 0 {
			log.Debug().Str("component", "chat").Str("stream_id", m.streamID).Str("tool", e.Name).Msg("tool_end without running invocation")
		}
		m.phase = PhaseStreaming

	case protocol.ContentChunk:
		m.acc.WriteString(e.Text)
		m.contentStreaming = true
		m.phase = PhaseStreaming
		text := m.acc.String()
		effects = append(effects, m.effect(EffectPartial, func(ef *Effect) { ef.Text = text }))

	case protocol.ErrorReported:
		m.phase = PhaseErrored
		effects = append(effects, m.discardLocked()...)
		effects = append(effects, m.effect(EffectError, func(ef *Effect) { ef.Text = e.Message }))

	case protocol.Done:
		m.phase = PhaseCompleted
		m.final = m.acc.String()
		m.acc.Reset()
		completion = &Completion{
			StreamID:  m.streamID,
			Text:      m.final,
			SessionID: e.SessionID,
			Tools:     append([]ToolInvocation(nil), m.tools...),
		}

	default:
		log.Warn().Str("component", "chat").Str("stream_id", m.streamID).Str("type", fmt.Sprintf("%T", ev)).Msg("unknown event type")
	}
	m.mu.Unlock()

	m.emit(effects)
	if completion != nil {
		m.complete(*completion)
	}
	return true
}

// Cancel ends the stream as user-stopped. It emits exactly one EffectStopped
// over the lifetime of the machine and returns false if the machine was
// already terminal.
func (m *Machine) Cancel() bool {
	m.mu.Lock()
	if m.phase.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.phase = PhaseCancelled
	m.acc.Reset()
	m.contentStreaming = false
	effect := m.effect(EffectStopped, nil)
	m.mu.Unlock()

	m.emit([]Effect{effect})
	return true
}

// FailTransport ends the stream on a connection-level failure.
func (m *Machine) FailTransport(err error) bool {
	m.mu.Lock()
	if m.phase.Terminal() {
		m.mu.Unlock()
		return false
	}
	m.phase = PhaseErrored
	effects := m.discardLocked()
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	effects = append(effects, m.effect(EffectError, func(ef *Effect) {
		ef.Text = detail
		ef.Transport = true
	}))
	m.mu.Unlock()

	m.emit(effects)
	return true
}

func (m *Machine) complete(c Completion) {
	markup := c.Text
	if m.renderer != nil {
		rendered, err := m.renderer.Render(c.Text)
		if err != nil {
			log.Warn().Err(err).Str("component", "chat").Str("stream_id", m.streamID).Msg("markdown render failed, using raw text")
		} else {
			markup = rendered
		}
	}

	effects := []Effect{{Kind: EffectFinal, StreamID: m.streamID, Text: c.Text, Markup: markup}}
	if len(c.Tools) > 0 {
		effects = append(effects, Effect{Kind: EffectToolSummary, StreamID: m.streamID, Tools: c.Tools})
	}
	m.emit(effects)

	for _, hook := range m.hooks {
		hook(c)
	}
}

// discardLocked drops the accumulator and tool indicators.
func (m *Machine) discardLocked() []Effect {
	m.acc.Reset()
	m.contentStreaming = false
	if len(m.tools) == 0 {
		return nil
	}
	m.tools = nil
	return []Effect{m.effect(EffectToolsCleared, nil)}
}

func (m *Machine) stateLocked() State {
	s := State{Phase: m.phase, ContentStreaming: m.contentStreaming && !m.phase.Terminal()}
	if !m.phase.Terminal() {
		for _, inv := range m.tools {
			if !inv.Completed {
				s.ToolRunning = true
				break
			}
		}
	}
	return s
}

func (m *Machine) effect(kind EffectKind, fill func(*Effect)) Effect {
	ef := Effect{Kind: kind, StreamID: m.streamID}
	if fill != nil {
		fill(&ef)
	}
	return ef
}

func (m *Machine) emit(effects []Effect) {
	for _, ef := range effects {
		m.sink.Emit(ef)
	}
}
