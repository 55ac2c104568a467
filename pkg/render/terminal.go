package render

import (
	"os"

	"github.com/charmbracelet/glamour/styles"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// DefaultWidth is the wrap width when the output is not a terminal.
const DefaultWidth = 100

// TerminalWidth returns the column count of f, or fallback when f is not a
// terminal or reports no size.
func TerminalWidth(f *os.File, fallback int) int {
	if f == nil {
		return fallback
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return fallback
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// autoStyle resolves "auto" against the terminal on stdout: no colors map to
// notty, otherwise the background picks dark or light.
func autoStyle() string {
	out := termenv.NewOutput(os.Stdout)
	if out.Profile == termenv.Ascii {
		return styles.NoTTYStyle
	}
	if out.HasDarkBackground() {
		return styles.DarkStyle
	}
	return styles.LightStyle
}
