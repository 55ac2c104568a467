package chatrunner

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	input "github.com/tcnksm/go-input"
)

// AskForChatContinuation asks on tty whether to open the chat UI after a
// blocking answer. Empty input means yes.
func AskForChatContinuation(r io.Reader, w io.Writer) (bool, error) {
	return askYesNo(r, w, "Do you want to continue in chat mode? [Y/n]", true)
}

// Confirm asks a yes/no question defaulting to no.
func Confirm(r io.Reader, w io.Writer, query string) (bool, error) {
	return askYesNo(r, w, query+" [y/N]", false)
}

// ConfirmTerminal asks with a huh form when in is a terminal and falls back
// to a line prompt otherwise. Aborting the form counts as no.
func ConfirmTerminal(in *os.File, out *os.File, query string) (bool, error) {
	if in == nil || !isatty.IsTerminal(in.Fd()) {
		return Confirm(in, out, query)
	}
	ok := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(query).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithTheme(huh.ThemeCharm()).WithInput(in).WithOutput(out)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, errors.Wrap(err, "confirm")
	}
	return ok, nil
}

func askYesNo(r io.Reader, w io.Writer, query string, def bool) (bool, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}
	defAnswer := "n"
	if def {
		defAnswer = "y"
	}

	_, _ = fmt.Fprint(w, "\n")
	answer, err := ui.Ask(query, &input.Options{
		Default:     defAnswer,
		Required:    true,
		Loop:        true,
		HideDefault: true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}
	_, _ = fmt.Fprint(w, "\n")

	switch answer {
	case "y", "Y":
		return true, nil
	case "":
		return def, nil
	}
	return false, nil
}
