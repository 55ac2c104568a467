// Package render turns final assistant text into terminal output.
package render

import (
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/ansi"
	"github.com/charmbracelet/glamour/styles"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

// Renderer converts markdown to display markup.
type Renderer interface {
	Render(markdown string) (string, error)
}

// Plain returns the text unchanged.
type Plain struct{}

func (Plain) Render(markdown string) (string, error) {
	return markdown, nil
}

// Markdown renders with glamour. It is safe for concurrent use.
type Markdown struct {
	mu    sync.Mutex
	style string
	width int
	tr    *glamour.TermRenderer
}

// NewMarkdown builds a renderer for style ("dark", "light", "dracula",
// "notty" or "auto") wrapping at width columns.
func NewMarkdown(style string, width int) (*Markdown, error) {
	tr, err := newTermRenderer(style, width)
	if err != nil {
		return nil, err
	}
	return &Markdown{style: style, width: width, tr: tr}, nil
}

func (m *Markdown) Render(markdown string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := m.tr.Render(markdown)
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return strings.Trim(out, "\n"), nil
}

// SetWidth rebuilds the renderer when the wrap width changes.
func (m *Markdown) SetWidth(width int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if width == m.width {
		return nil
	}
	tr, err := newTermRenderer(m.style, width)
	if err != nil {
		return err
	}
	m.tr, m.width = tr, width
	return nil
}

// ForFile picks glamour when f is a terminal and Plain otherwise.
func ForFile(f *os.File, style string, width int) Renderer {
	if f == nil || !isatty.IsTerminal(f.Fd()) {
		return Plain{}
	}
	md, err := NewMarkdown(style, width)
	if err != nil {
		return Plain{}
	}
	return md
}

func newTermRenderer(style string, width int) (*glamour.TermRenderer, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if style == "" || style == "auto" {
		style = autoStyle()
	}
	switch style {
	case styles.DarkStyle:
		opts = append(opts, glamour.WithStyles(compact(styles.DarkStyleConfig)))
	case styles.LightStyle:
		opts = append(opts, glamour.WithStyles(compact(styles.LightStyleConfig)))
	case styles.DraculaStyle:
		opts = append(opts, glamour.WithStyles(compact(styles.DraculaStyleConfig)))
	case styles.NoTTYStyle:
		opts = append(opts, glamour.WithStyles(compact(styles.NoTTYStyleConfig)))
	default:
		return nil, errors.Errorf("render: unknown style %q", style)
	}
	tr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "render: build glamour renderer")
	}
	return tr, nil
}

// compact drops document and code block margins so output lines up with
// the chat transcript.
func compact(style ansi.StyleConfig) ansi.StyleConfig {
	zero := uint(0)
	style.Document.Margin = &zero
	style.CodeBlock.Margin = &zero
	style.Paragraph.BlockPrefix = ""
	style.Paragraph.BlockSuffix = ""
	return style
}
