package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/chat"
)

func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := titleStyle.Render(m.title())
	if m.showPicker {
		return lipgloss.JoinVertical(lipgloss.Left, header, pickerStyle.Render(m.picker.View()))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.statusLine(),
		textAreaStyle.Render(m.textarea.View()),
	)
}

func (m *Model) statusLine() string {
	if m.streaming() {
		return m.spinner.View() + statusStyle.Render(" streaming "+m.status)
	}
	if m.status != "" {
		return statusStyle.Render(m.status)
	}
	var parts []string
	for _, b := range keys.help() {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return statusStyle.Render(strings.Join(parts, " • "))
}

func (m *Model) renderMessages() string {
	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(messageStyle.Render(m.renderEntry(e)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderEntry(e *entry) string {
	var lines []string
	switch e.role {
	case roleUser:
		lines = append(lines, userStyle.Render("You"), e.text)
	case roleTool:
		lines = append(lines, toolStyle.Render("⚙ "+e.text))
	case roleAssistant:
		head := assistantStyle.Render("Assistant")
		if e.speaking {
			head += " 🔊"
		}
		lines = append(lines, head)
		for _, t := range e.running {
			mark := "⚙ "
			if t.Completed {
				mark = "✓ "
			}
			lines = append(lines, toolStyle.Render(mark+t.Name))
		}
		switch {
		case e.errText != "":
			lines = append(lines, errorStyle.Render(e.errText))
		case e.note != "":
			lines = append(lines, noteStyle.Render(e.note))
		case e.markup != "":
			lines = append(lines, e.markup)
		case e.text != "":
			lines = append(lines, e.text)
		case m.turn != nil && m.turn.Machine.StreamID() == e.streamID:
			lines = append(lines, m.spinner.View())
		}
		if len(e.summary) > 0 {
			lines = append(lines, toolStyle.Render("tools used: "+toolNames(e.summary)))
		}
	}
	return strings.Join(lines, "\n")
}

func toolNames(tools []chat.ToolInvocation) string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return strings.Join(names, ", ")
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderMessages())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// adjustTextareaHeight resizes the textarea to its content.
func (m *Model) adjustTextareaHeight() {
	lines := strings.Count(m.textarea.Value(), "\n") + 1
	height := max(minTextareaHeight, min(lines, maxTextareaHeight))
	if m.textarea.Height() != height {
		m.textarea.SetHeight(height)
		m.recalculateLayout()
	}
}

// recalculateLayout sizes the viewport, textarea and picker to the window.
func (m *Model) recalculateLayout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	titleHeight := lipgloss.Height(titleStyle.Render(m.title()))
	viewportHeight := m.height - titleHeight - 1 - m.textarea.Height() - textAreaStyle.GetVerticalFrameSize()
	viewportHeight = max(viewportHeight, minViewportHeight)

	if m.opts.Markdown != nil && m.renderWidth != m.width {
		m.renderWidth = m.width
		if err := m.opts.Markdown.SetWidth(m.width - messageStyle.GetHorizontalFrameSize()); err != nil {
			log.Warn().Err(err).Str("component", "tui").Msg("resize markdown renderer")
		} else {
			m.rerenderMarkup()
		}
	}

	if !m.ready {
		m.viewport = viewport.New(m.width, viewportHeight)
		m.ready = true
		m.viewport.SetContent(m.renderMessages())
		m.viewport.GotoBottom()
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = viewportHeight
	}
	m.textarea.SetWidth(m.width - textAreaStyle.GetHorizontalFrameSize())
	m.picker.SetSize(m.width-pickerStyle.GetHorizontalFrameSize(), m.height-titleHeight-pickerStyle.GetVerticalFrameSize())
}

func (m *Model) rerenderMarkup() {
	for _, e := range m.entries {
		if e.role != roleAssistant || e.markup == "" {
			continue
		}
		if out, err := m.opts.Markdown.Render(e.text); err == nil {
			e.markup = out
		}
	}
}
