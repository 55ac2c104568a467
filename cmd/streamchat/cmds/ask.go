package cmds

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/chat"
	"github.com/go-go-golems/streamchat/pkg/chatrunner"
	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/render"
	"github.com/go-go-golems/streamchat/pkg/tui"
)

type AskCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.WriterCommand = (*AskCommand)(nil)

type AskSettings struct {
	Prompt      string `glazed:"prompt"`
	Interactive bool   `glazed:"interactive"`
}

func NewAskCommand(base config.Config) (*AskCommand, error) {
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"ask",
		cmds.WithShort("Send one message and stream the answer"),
		cmds.WithArguments(
			fields.New("prompt", fields.TypeString,
				fields.WithHelp("Message to send"),
				fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("interactive", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithShortFlag("i"),
				fields.WithHelp("Offer to continue in the chat UI after the answer")),
		),
		cmds.WithSections(clientSection),
	)
	return &AskCommand{CommandDescription: desc, base: base}, nil
}

func (c *AskCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	s := &AskSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode ask settings")
	}
	cfg, err := resolveConfig(c.base, parsed)
	if err != nil {
		return err
	}

	renderer := render.ForFile(os.Stdout, cfg.RenderStyle, render.TerminalWidth(os.Stdout, render.DefaultWidth))
	rt, err := NewRuntime(ctx, cfg, RuntimeOptions{Renderer: renderer, Speech: true})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	mode := chatrunner.RunModeBlocking
	if s.Interactive {
		mode = chatrunner.RunModeInteractive
	}

	_, plain := renderer.(render.Plain)
	if err := askOnce(ctx, rt.Runner, s.Prompt, newPrintSink(w, os.Stderr, plain)); err != nil {
		return err
	}
	if c := rt.Runner.Speech(); c != nil {
		c.Wait()
	}

	if mode != chatrunner.RunModeInteractive {
		return nil
	}
	ok, err := chatrunner.AskForChatContinuation(os.Stdin, os.Stderr)
	if err != nil || !ok {
		return err
	}
	return tui.Run(ctx, rt.Runner, tui.RunOptions{Options: tui.Options{HistoryLimit: cfg.HistoryLimit}})
}

// askOnce runs a single turn and reports stream errors as a command error.
func askOnce(ctx context.Context, runner *chatrunner.Runner, prompt string, sink *printSink) error {
	turn, err := runner.Send(ctx, prompt, sink)
	if err != nil {
		return err
	}
	waitErr := turn.Wait()
	if sink.failed != "" {
		if waitErr != nil {
			log.Debug().Err(waitErr).Str("component", "cmds").Msg("stream failed")
		}
		return errors.New(sink.failed)
	}
	return waitErr
}

// printSink writes a turn to a terminal or pipe. In plain mode content is
// streamed as it arrives, otherwise the rendered answer is printed once.
type printSink struct {
	out     io.Writer
	errOut  io.Writer
	plain   bool
	printed int
	failed  string
}

func newPrintSink(out, errOut io.Writer, plain bool) *printSink {
	return &printSink{out: out, errOut: errOut, plain: plain}
}

func (p *printSink) Emit(e chat.Effect) {
	switch e.Kind {
	case chat.EffectPartial:
		if p.plain && len(e.Text) > p.printed {
			_, _ = io.WriteString(p.out, e.Text[p.printed:])
			p.printed = len(e.Text)
		}
	case chat.EffectToolStarted:
		_, _ = fmt.Fprintf(p.errOut, "⚙ %s\n", e.Tool.Name)
	case chat.EffectToolCompleted:
		_, _ = fmt.Fprintf(p.errOut, "✓ %s\n", e.Tool.Name)
	case chat.EffectFinal:
		if p.plain {
			if len(e.Text) > p.printed {
				_, _ = io.WriteString(p.out, e.Text[p.printed:])
			}
			_, _ = io.WriteString(p.out, "\n")
		} else {
			_, _ = fmt.Fprintln(p.out, e.Markup)
		}
	case chat.EffectToolSummary:
		names := make([]string, 0, len(e.Tools))
		for _, t := range e.Tools {
			names = append(names, t.Name)
		}
		_, _ = fmt.Fprintf(p.errOut, "tools used: %v\n", names)
	case chat.EffectError:
		p.failed = e.Display()
		if p.printed > 0 {
			_, _ = io.WriteString(p.out, "\n")
		}
	case chat.EffectStopped:
		_, _ = fmt.Fprintln(p.errOut, e.Display())
	}
}
