package chat

import (
	"fmt"
	"sync"
)

// ConnectionErrorText is shown when the stream could not be established or broke off.
const ConnectionErrorText = "Error connecting to server."

// StoppedText marks a response the user stopped.
const StoppedText = "generation stopped"

type EffectKind int

const (
	// EffectPartial carries the raw accumulator after a content chunk.
	EffectPartial EffectKind = iota
	EffectToolStarted
	EffectToolCompleted
	// EffectFinal carries the accumulator and its rendered markup.
	EffectFinal
	EffectToolSummary
	EffectError
	EffectToolsCleared
	EffectStopped
)

var effectKindNames = map[EffectKind]string{
	EffectPartial:       "partial",
	EffectToolStarted:   "tool_started",
	EffectToolCompleted: "tool_completed",
	EffectFinal:         "final",
	EffectToolSummary:   "tool_summary",
	EffectError:         "error",
	EffectToolsCleared:  "tools_cleared",
	EffectStopped:       "stopped",
}

func (k EffectKind) String() string {
	if name, ok := effectKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("effect(%d)", int(k))
}

func (k EffectKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EffectKind) UnmarshalText(text []byte) error {
	for kind, name := range effectKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown effect kind %q", string(text))
}

// ToolInvocation is one started tool call. Seq is its position in start order.
type ToolInvocation struct {
	Seq       int    `json:"seq"`
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// Effect is a side-effect command for the presentation layer.
type Effect struct {
	Kind     EffectKind       `json:"kind"`
	StreamID string           `json:"stream_id,omitempty"`
	Text     string           `json:"text,omitempty"`
	Markup   string           `json:"markup,omitempty"`
	Tool     *ToolInvocation  `json:"tool,omitempty"`
	Tools    []ToolInvocation `json:"tools,omitempty"`
	// Transport is set on EffectError when the failure was the connection, not the server.
	Transport bool `json:"transport,omitempty"`
}

// Display returns the user-facing text of an error or stopped effect.
func (e Effect) Display() string {
	switch e.Kind {
	case EffectError:
		if e.Transport {
			return ConnectionErrorText
		}
		return "Error: " + e.Text
	case EffectStopped:
		return StoppedText
	default:
		return e.Text
	}
}

// Sink receives effects synchronously, in order.
type Sink interface {
	Emit(Effect)
}

type SinkFunc func(Effect)

func (f SinkFunc) Emit(e Effect) {
	f(e)
}

type multiSink []Sink

func (m multiSink) Emit(e Effect) {
	for _, s := range m {
		s.Emit(e)
	}
}

// MultiSink tees effects to every non-nil sink in order.
func MultiSink(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// RecordingSink keeps every effect it receives.
type RecordingSink struct {
	mu      sync.Mutex
	effects []Effect
}

func (r *RecordingSink) Emit(e Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, e)
}

func (r *RecordingSink) Effects() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Effect(nil), r.effects...)
}

// Kinds lists the kinds of the recorded effects.
func (r *RecordingSink) Kinds() []EffectKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EffectKind, 0, len(r.effects))
	for _, e := range r.effects {
		out = append(out, e.Kind)
	}
	return out
}

// Count returns how many effects of kind k were recorded.
func (r *RecordingSink) Count(k EffectKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.effects {
		if e.Kind == k {
			n++
		}
	}
	return n
}
