package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/api"
	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/chatrunner"
	"github.com/go-go-golems/streamchat/pkg/render"
	"github.com/go-go-golems/streamchat/pkg/speech"
	"github.com/go-go-golems/streamchat/pkg/stream"
)

const uploadCommand = "/upload "

// Update handles messages. Anything that can block on the stream or the
// speech resource runs inside a tea.Cmd, because those paths post back into
// the event loop.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.recalculateLayout()

	case tea.KeyMsg:
		if m.showPicker && !key.Matches(msg, keys.Quit) {
			return m, m.updatePicker(msg)
		}
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Sequence(m.stopCmd(), tea.Quit)

		case key.Matches(msg, keys.Stop):
			if m.streaming() {
				cmds = append(cmds, m.stopCmd())
			}

		case key.Matches(msg, keys.NewChat):
			cmds = append(cmds, m.newChatCmd())

		case key.Matches(msg, keys.ReadLast):
			cmds = append(cmds, m.readLastCmd())

		case key.Matches(msg, keys.Mute):
			cmds = append(cmds, m.toggleMuteCmd())

		case key.Matches(msg, keys.Copy):
			m.copyLast()

		case key.Matches(msg, keys.Clear):
			cmds = append(cmds, m.clearCacheCmd())

		case key.Matches(msg, keys.Sessions):
			m.showPicker = true
			m.setPickerItems()
			cmds = append(cmds, m.refreshCmd())

		case key.Matches(msg, keys.Send):
			cmds = append(cmds, m.submit())

		default:
			var cmd tea.Cmd
			m.textarea, cmd = m.textarea.Update(msg)
			cmds = append(cmds, cmd)
			m.adjustTextareaHeight()
		}

	case effectMsg:
		m.applyEffect(msg.effect)

	case turnDoneMsg:
		if m.turn != nil && m.turn.Machine.StreamID() == msg.streamID {
			m.turn = nil
			m.recalculateLayout()
		}
		if msg.err != nil {
			log.Warn().Err(msg.err).Str("component", "tui").Str("stream_id", msg.streamID).Msg("stream ended with error")
		}

	case speechMsg:
		m.applySpeech(msg)

	case sessionsMsg:
		m.snapshot = msg.snapshot
		m.setPickerItems()

	case historyMsg:
		if msg.reset {
			m.resetEntries()
		}
		if msg.err != nil {
			m.status = "history: " + msg.err.Error()
			break
		}
		m.appendHistory(msg.history)

	case actionMsg:
		if msg.reset {
			m.resetEntries()
		}
		switch {
		case msg.err != nil:
			m.status = msg.err.Error()
		case msg.status != "":
			m.status = msg.status
		}

	case mutedMsg:
		m.muted = msg.muted
		if msg.muted {
			m.status = "automatic reading muted"
		} else {
			m.status = "automatic reading on"
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	m.refreshViewport()
	return m, tea.Batch(cmds...)
}

func (m *Model) updatePicker(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, pickerKeys.Close):
		m.showPicker = false
		return nil

	case key.Matches(msg, pickerKeys.Switch):
		item, ok := m.picker.SelectedItem().(sessionItem)
		m.showPicker = false
		if !ok {
			return nil
		}
		return m.switchCmd(item.summary.ID)

	case key.Matches(msg, pickerKeys.Delete):
		item, ok := m.picker.SelectedItem().(sessionItem)
		if !ok {
			return nil
		}
		return m.deleteCmd(item.summary.ID, item.current)
	}

	var cmd tea.Cmd
	m.picker, cmd = m.picker.Update(msg)
	return cmd
}

// submit starts a turn or runs an input command.
func (m *Model) submit() tea.Cmd {
	input := strings.TrimSpace(m.textarea.Value())
	if input == "" {
		return nil
	}
	if strings.HasPrefix(input, uploadCommand) {
		m.textarea.Reset()
		return m.uploadCmd(strings.TrimSpace(strings.TrimPrefix(input, uploadCommand)))
	}
	if m.streaming() {
		m.status = "a response is still streaming (esc to stop)"
		return nil
	}

	turn, err := m.runner.Send(m.ctx, input, m.sink())
	if err != nil {
		if errors.Is(err, stream.ErrStreamActive) {
			m.status = "a response is still streaming (esc to stop)"
		} else {
			m.status = err.Error()
		}
		return nil
	}

	m.textarea.Reset()
	m.adjustTextareaHeight()
	m.status = ""
	m.entries = append(m.entries, &entry{role: roleUser, text: turn.Input})
	m.assistantEntry(turn.Machine.StreamID())
	m.turn = turn
	m.recalculateLayout()
	m.viewport.GotoBottom()
	return waitCmd(turn)
}

func waitCmd(turn *chatrunner.Turn) tea.Cmd {
	return func() tea.Msg {
		err := turn.Wait()
		return turnDoneMsg{streamID: turn.Machine.StreamID(), err: err}
	}
}

func (m *Model) applyEffect(e chat.Effect) {
	en := m.assistantEntry(e.StreamID)
	switch e.Kind {
	case chat.EffectPartial:
		en.text = e.Text
	case chat.EffectToolStarted:
		if e.Tool != nil {
			en.running = append(en.running, *e.Tool)
		}
	case chat.EffectToolCompleted:
		if e.Tool != nil {
			for i := range en.running {
				if en.running[i].Seq == e.Tool.Seq {
					en.running[i].Completed = true
				}
			}
		}
	case chat.EffectFinal:
		en.text = e.Text
		en.markup = e.Markup
		en.running = nil
	case chat.EffectToolSummary:
		en.summary = e.Tools
	case chat.EffectToolsCleared:
		en.running = nil
	case chat.EffectError:
		en.text = ""
		en.errText = e.Display()
	case chat.EffectStopped:
		en.text = ""
		en.note = e.Display()
	}
	m.viewport.GotoBottom()
}

func (m *Model) applySpeech(msg speechMsg) {
	var target *entry
	if msg.source.Kind == speech.SourceManual {
		target = m.byStream[msg.source.MessageRef]
	} else {
		target = m.lastAnswer()
	}
	if target != nil {
		target.speaking = msg.speaking
	}
}

func (m *Model) appendHistory(h *api.History) {
	if h == nil {
		return
	}
	for _, t := range h.Conversations {
		switch t.Role {
		case "user":
			m.entries = append(m.entries, &entry{role: roleUser, text: t.Content})
		case "tool":
			m.entries = append(m.entries, &entry{role: roleTool, text: t.ToolName})
		default:
			e := &entry{role: roleAssistant, text: t.Content}
			if m.opts.Markdown != nil {
				if out, err := m.opts.Markdown.Render(t.Content); err == nil {
					e.markup = out
				}
			}
			m.entries = append(m.entries, e)
		}
	}
	m.viewport.GotoBottom()
}

func (m *Model) resetEntries() {
	m.entries = nil
	m.byStream = map[string]*entry{}
	if m.turn != nil {
		m.assistantEntry(m.turn.Machine.StreamID())
	}
}

func (m *Model) copyLast() {
	e := m.lastAnswer()
	if e == nil {
		m.status = "nothing to copy"
		return
	}
	if err := clipboard.WriteAll(e.text); err != nil {
		m.status = "copy failed: " + err.Error()
		return
	}
	m.status = "copied last answer"
}

func (m *Model) setPickerItems() {
	items := make([]list.Item, 0, len(m.snapshot.Sessions))
	for _, s := range m.snapshot.Sessions {
		current := m.snapshot.Current != nil && *m.snapshot.Current == s.ID
		items = append(items, sessionItem{summary: s, current: current})
	}
	m.picker.SetItems(items)
}

// --- commands ---

func (m *Model) stopCmd() tea.Cmd {
	runner := m.runner
	return func() tea.Msg {
		runner.Stop()
		return nil
	}
}

func (m *Model) loadHistory() tea.Cmd {
	runner, ctx, limit := m.runner, m.ctx, m.opts.HistoryLimit
	if runner.API() == nil {
		return nil
	}
	return func() tea.Msg {
		if err := runner.Refresh(ctx); err != nil {
			log.Debug().Err(err).Str("component", "tui").Msg("initial session refresh")
		}
		h, err := runner.LoadHistory(ctx, limit)
		return historyMsg{history: h, err: err}
	}
}

func (m *Model) newChatCmd() tea.Cmd {
	runner, ctx := m.runner, m.ctx
	return func() tea.Msg {
		runner.Stop()
		if err := runner.NewChat(ctx); err != nil {
			return actionMsg{err: errors.Wrap(err, "new chat")}
		}
		return actionMsg{status: "started a new conversation", reset: true}
	}
}

func (m *Model) switchCmd(id int64) tea.Cmd {
	runner, ctx, limit := m.runner, m.ctx, m.opts.HistoryLimit
	return func() tea.Msg {
		runner.Stop()
		if err := runner.SwitchTo(ctx, id); err != nil {
			return actionMsg{err: errors.Wrapf(err, "switch to session %d", id)}
		}
		h, err := runner.LoadHistory(ctx, limit)
		return historyMsg{history: h, err: err, reset: true}
	}
}

func (m *Model) deleteCmd(id int64, current bool) tea.Cmd {
	runner, ctx := m.runner, m.ctx
	return func() tea.Msg {
		if current {
			runner.Stop()
		}
		if err := runner.Delete(ctx, id); err != nil {
			return actionMsg{err: errors.Wrapf(err, "delete session %d", id)}
		}
		return actionMsg{status: fmt.Sprintf("deleted session #%d", id), reset: current}
	}
}

func (m *Model) refreshCmd() tea.Cmd {
	runner, ctx := m.runner, m.ctx
	return func() tea.Msg {
		if err := runner.Refresh(ctx); err != nil {
			return actionMsg{err: errors.Wrap(err, "refresh sessions")}
		}
		return nil
	}
}

func (m *Model) clearCacheCmd() tea.Cmd {
	runner, ctx := m.runner, m.ctx
	return func() tea.Msg {
		if err := runner.ClearCache(ctx); err != nil {
			return actionMsg{err: errors.Wrap(err, "clear cache")}
		}
		return actionMsg{status: "server cache cleared"}
	}
}

func (m *Model) uploadCmd(path string) tea.Cmd {
	runner, ctx := m.runner, m.ctx
	return func() tea.Msg {
		if runner.API() == nil {
			return actionMsg{err: errors.New("upload: no api client")}
		}
		f, err := os.Open(path)
		if err != nil {
			return actionMsg{err: errors.Wrap(err, "upload")}
		}
		defer func() { _ = f.Close() }()
		res, err := runner.API().Upload(ctx, filepath.Base(path), f)
		if err != nil {
			return actionMsg{err: errors.Wrap(err, "upload")}
		}
		return actionMsg{status: fmt.Sprintf("uploaded %s (%d chunks)", res.File, res.ChunksCount)}
	}
}

// readLastCmd toggles a manual read of the newest answer.
func (m *Model) readLastCmd() tea.Cmd {
	c := m.runner.Speech()
	e := m.lastAnswer()
	if c == nil || e == nil {
		return nil
	}
	ctx, text, ref, speaking := m.ctx, render.PlainText(e.text), e.streamID, e.speaking
	return func() tea.Msg {
		if speaking {
			c.Stop()
			return nil
		}
		if err := c.Speak(ctx, text, speech.Manual(ref)); err != nil {
			return actionMsg{err: errors.Wrap(err, "read aloud")}
		}
		return nil
	}
}

func (m *Model) toggleMuteCmd() tea.Cmd {
	c := m.runner.Speech()
	if c == nil {
		return nil
	}
	muted := !m.muted
	return func() tea.Msg {
		c.SetMuted(muted)
		return mutedMsg{muted: muted}
	}
}
