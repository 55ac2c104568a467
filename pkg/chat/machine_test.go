package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamchat/pkg/protocol"
)

type paragraphRenderer struct{}

func (paragraphRenderer) Render(md string) (string, error) {
	return "<p>" + md + "</p>", nil
}

type failingRenderer struct{}

func (failingRenderer) Render(string) (string, error) {
	return "", errors.New("no renderer")
}

func TestMachineEndToEndScenario(t *testing.T) {
	sink := &RecordingSink{}
	var completions []Completion
	m := NewMachine(sink,
		WithStreamID("s1"),
		WithRenderer(paragraphRenderer{}),
		WithCompletionHook(func(c Completion) { completions = append(completions, c) }),
	)
	m.Begin()
	require.Equal(t, PhaseAwaitingFirstToken, m.State().Phase)

	m.Apply(protocol.ToolStart{Name: "list_tasks"})
	require.True(t, m.State().ToolRunning)
	m.Apply(protocol.ToolEnd{Name: "list_tasks"})
	require.False(t, m.State().ToolRunning)
	m.Apply(protocol.ContentChunk{Text: "Hello "})
	m.Apply(protocol.ContentChunk{Text: "world"})
	require.True(t, m.State().ContentStreaming)
	m.Apply(protocol.Done{})

	require.Equal(t, []EffectKind{
		EffectToolStarted,
		EffectToolCompleted,
		EffectPartial,
		EffectPartial,
		EffectFinal,
		EffectToolSummary,
	}, sink.Kinds())

	effects := sink.Effects()
	require.Equal(t, "list_tasks", effects[0].Tool.Name)
	require.False(t, effects[0].Tool.Completed)
	require.True(t, effects[1].Tool.Completed)
	require.Equal(t, "Hello ", effects[2].Text)
	require.Equal(t, "Hello world", effects[3].Text)
	require.Equal(t, "Hello world", effects[4].Text)
	require.Equal(t, "<p>Hello world</p>", effects[4].Markup)
	require.Equal(t, "s1", effects[4].StreamID)

	require.Len(t, completions, 1)
	require.Equal(t, "Hello world", completions[0].Text)
	require.Equal(t, PhaseCompleted, m.State().Phase)
	require.Equal(t, "Hello world", m.Text())
	require.Empty(t, m.Pending())
}

func TestMachineToolAccounting(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink)
	m.Begin()
	m.Apply(protocol.ToolStart{Name: "A"})
	m.Apply(protocol.ToolStart{Name: "B"})
	m.Apply(protocol.ToolEnd{Name: "A"})
	m.Apply(protocol.ToolEnd{Name: "B"})
	m.Apply(protocol.Done{})

	effects := sink.Effects()
	summary := effects[len(effects)-1]
	require.Equal(t, EffectToolSummary, summary.Kind)
	require.Equal(t, []ToolInvocation{
		{Seq: 0, Name: "A", Completed: true},
		{Seq: 1, Name: "B", Completed: true},
	}, summary.Tools)
}

func TestMachineToolEndCompletesAllSameNamed(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink)
	m.Apply(protocol.ToolStart{Name: "search"})
	m.Apply(protocol.ToolStart{Name: "search"})
	m.Apply(protocol.ToolStart{Name: "fetch"})
	m.Apply(protocol.ToolEnd{Name: "search"})

	require.Equal(t, 2, sink.Count(EffectToolCompleted))
	require.True(t, m.State().ToolRunning)
	tools := m.Tools()
	require.True(t, tools[0].Completed)
	require.True(t, tools[1].Completed)
	require.False(t, tools[2].Completed)

	m.Apply(protocol.ToolEnd{Name: "unknown"})
	require.Equal(t, 2, sink.Count(EffectToolCompleted))
}

func TestMachineNoSummaryWithoutTools(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink)
	m.Apply(protocol.ContentChunk{Text: "hi"})
	m.Apply(protocol.Done{})
	require.Equal(t, []EffectKind{EffectPartial, EffectFinal}, sink.Kinds())
}

func TestMachineServerErrorDiscardsTools(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink)
	m.Apply(protocol.ToolStart{Name: "x"})
	m.Apply(protocol.ContentChunk{Text: "partial"})
	require.True(t, m.Apply(protocol.ErrorReported{Message: "model overloaded"}))

	require.Equal(t, []EffectKind{EffectToolStarted, EffectPartial, EffectToolsCleared, EffectError}, sink.Kinds())
	last := sink.Effects()[3]
	require.Equal(t, "Error: model overloaded", last.Display())
	require.False(t, last.Transport)

	state := m.State()
	require.Equal(t, PhaseErrored, state.Phase)
	require.False(t, state.ToolRunning)
	require.Empty(t, m.Tools())

	require.False(t, m.Apply(protocol.Done{}))
	require.False(t, m.Apply(protocol.ContentChunk{Text: "late"}))
	require.Len(t, sink.Effects(), 4)
}

func TestMachineCancelIsIdempotent(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink)
	m.Begin()
	m.Apply(protocol.ContentChunk{Text: "thinking"})

	require.True(t, m.Cancel())
	require.False(t, m.Cancel())
	require.Equal(t, 1, sink.Count(EffectStopped))
	require.Equal(t, PhaseCancelled, m.State().Phase)
	require.Empty(t, m.Text())
	require.Equal(t, StoppedText, sink.Effects()[1].Display())

	require.False(t, m.Apply(protocol.Done{}))
	require.Zero(t, sink.Count(EffectFinal))
}

func TestMachineCancelAfterCompletionIsNoop(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink)
	m.Apply(protocol.ContentChunk{Text: "done"})
	m.Apply(protocol.Done{})

	require.False(t, m.Cancel())
	require.Zero(t, sink.Count(EffectStopped))
	require.Equal(t, PhaseCompleted, m.State().Phase)
	require.Equal(t, "done", m.Text())
}

func TestMachineFailTransport(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink)
	m.Begin()
	require.True(t, m.FailTransport(errors.New("dial tcp: connection refused")))
	require.False(t, m.FailTransport(errors.New("again")))

	effects := sink.Effects()
	require.Len(t, effects, 1)
	require.True(t, effects[0].Transport)
	require.Equal(t, ConnectionErrorText, effects[0].Display())
	require.Contains(t, effects[0].Text, "connection refused")
	require.False(t, m.Cancel())
}

func TestMachineRenderFailureFallsBackToRaw(t *testing.T) {
	sink := &RecordingSink{}
	m := NewMachine(sink, WithRenderer(failingRenderer{}))
	m.Apply(protocol.ContentChunk{Text: "**bold**"})
	m.Apply(protocol.Done{})
	final := sink.Effects()[1]
	require.Equal(t, "**bold**", final.Markup)
}

func TestMachineCompletionCarriesSessionID(t *testing.T) {
	id := int64(9)
	var got *int64
	m := NewMachine(nil, WithCompletionHook(func(c Completion) { got = c.SessionID }))
	m.Apply(protocol.Done{SessionID: &id})
	require.NotNil(t, got)
	require.Equal(t, int64(9), *got)
}

func TestMachineEffectsAreEmittedOutsideLock(t *testing.T) {
	var m *Machine
	var observed []Phase
	m = NewMachine(SinkFunc(func(e Effect) {
		observed = append(observed, m.State().Phase)
	}))
	m.Apply(protocol.ContentChunk{Text: "a"})
	m.Cancel()
	require.Equal(t, []Phase{PhaseStreaming, PhaseCancelled}, observed)
}

func TestEffectJSON(t *testing.T) {
	body, err := json.Marshal(Effect{Kind: EffectToolStarted, Tool: &ToolInvocation{Name: "x"}})
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `"kind":"tool_started"`))

	var back Effect
	require.NoError(t, json.Unmarshal(body, &back))
	require.Equal(t, EffectToolStarted, back.Kind)
	require.Error(t, json.Unmarshal([]byte(`{"kind":"bogus"}`), &back))
}

func TestMultiSinkSkipsNil(t *testing.T) {
	a, b := &RecordingSink{}, &RecordingSink{}
	s := MultiSink(a, nil, b)
	s.Emit(Effect{Kind: EffectStopped})
	require.Equal(t, 1, a.Count(EffectStopped))
	require.Equal(t, 1, b.Count(EffectStopped))
}
