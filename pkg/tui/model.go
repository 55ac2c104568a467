// Package tui is the interactive chat front end. It drives a chatrunner.Runner
// and receives effects, speech indicators and session changes as tea messages.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-go-golems/streamchat/pkg/api"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/chatrunner"
	"github.com/go-go-golems/streamchat/pkg/render"
	"github.com/go-go-golems/streamchat/pkg/sessions"
	"github.com/go-go-golems/streamchat/pkg/speech"
)

type role int

const (
	roleUser role = iota
	roleAssistant
	roleTool
)

// entry is one displayed message.
type entry struct {
	role     role
	streamID string
	text     string
	markup   string
	running  []chat.ToolInvocation
	summary  []chat.ToolInvocation
	errText  string
	note     string
	speaking bool
}

// Messages posted from outside the event loop.
type effectMsg struct{ effect chat.Effect }

type speechMsg struct {
	source   speech.Source
	speaking bool
}

type sessionsMsg struct{ snapshot sessions.Snapshot }

type historyMsg struct {
	history *api.History
	err     error
	reset   bool
}

type turnDoneMsg struct {
	streamID string
	err      error
}

type actionMsg struct {
	status string
	err    error
	// reset clears the displayed conversation.
	reset bool
}

type mutedMsg struct{ muted bool }

// Options configure a Model.
type Options struct {
	// Markdown re-wraps final answers on resize when set.
	Markdown     *render.Markdown
	HistoryLimit int
	Title        string
}

// Model is the bubbletea model of a chat session.
type Model struct {
	ctx    context.Context
	runner *chatrunner.Runner
	opts   Options

	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	picker   list.Model

	entries    []*entry
	byStream   map[string]*entry
	turn       *chatrunner.Turn
	snapshot   sessions.Snapshot
	muted      bool
	status     string
	showPicker bool

	width       int
	height      int
	renderWidth int
	ready       bool

	sendMu sync.Mutex
	send   func(tea.Msg)
}

func New(ctx context.Context, runner *chatrunner.Runner, opts Options) *Model {
	ta := textarea.New()
	ta.Placeholder = "Type your message... (enter to send, esc to stop, ctrl+s sessions, ctrl+c to quit)"
	ta.Focus()
	ta.CharLimit = 0
	ta.SetHeight(minTextareaHeight)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.Prompt = ""

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	picker := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	picker.Title = "Sessions"
	picker.Styles.Title = titleStyle
	picker.SetShowStatusBar(false)
	picker.SetFilteringEnabled(false)
	picker.KeyMap.Quit.SetEnabled(false)

	if opts.Title == "" {
		opts.Title = "streamchat"
	}

	m := &Model{
		ctx:      ctx,
		runner:   runner,
		opts:     opts,
		textarea: ta,
		spinner:  sp,
		picker:   picker,
		byStream: map[string]*entry{},
		snapshot: runner.Registry().Snapshot(),
	}
	if c := runner.Speech(); c != nil {
		m.muted = c.Muted()
	}
	return m
}

// SetProgram routes asynchronous notifications into p and subscribes to the
// runner's registry and speech coordinator.
func (m *Model) SetProgram(p *tea.Program) {
	m.setSend(p.Send)
	m.subscribe()
}

func (m *Model) setSend(fn func(tea.Msg)) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	m.send = fn
}

func (m *Model) subscribe() {
	m.runner.Registry().OnChange(func(s sessions.Snapshot) {
		m.post(sessionsMsg{snapshot: s})
	})
	if c := m.runner.Speech(); c != nil {
		c.OnIndicator(func(src speech.Source, speaking bool) {
			m.post(speechMsg{source: src, speaking: speaking})
		})
	}
}

func (m *Model) post(msg tea.Msg) {
	m.sendMu.Lock()
	send := m.send
	m.sendMu.Unlock()
	if send != nil {
		send(msg)
	}
}

// sink forwards machine effects into the event loop.
func (m *Model) sink() chat.Sink {
	return chat.SinkFunc(func(e chat.Effect) {
		m.post(effectMsg{effect: e})
	})
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick, m.loadHistory())
}

func (m *Model) streaming() bool {
	return m.turn != nil
}

func (m *Model) lastAnswer() *entry {
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.role == roleAssistant && e.text != "" && e.errText == "" {
			return e
		}
	}
	return nil
}

func (m *Model) assistantEntry(streamID string) *entry {
	if e, ok := m.byStream[streamID]; ok {
		return e
	}
	e := &entry{role: roleAssistant, streamID: streamID}
	m.entries = append(m.entries, e)
	if streamID != "" {
		m.byStream[streamID] = e
	}
	return e
}

func (m *Model) sessionLabel() string {
	if m.snapshot.Current == nil {
		return "new"
	}
	return "#" + strconv.FormatInt(*m.snapshot.Current, 10)
}

func (m *Model) title() string {
	mute := ""
	if m.muted {
		mute = " │ muted"
	}
	return fmt.Sprintf(" %s │ session %s%s ", m.opts.Title, m.sessionLabel(), mute)
}

type sessionItem struct {
	summary sessions.Summary
	current bool
}

func (i sessionItem) Title() string {
	t := fmt.Sprintf("#%d %s", i.summary.ID, i.summary.Preview)
	if i.current {
		t += " (current)"
	}
	return t
}

func (i sessionItem) Description() string { return i.summary.CreatedAt }
func (i sessionItem) FilterValue() string { return i.summary.Preview }
