package tui

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/chatrunner"
	"github.com/go-go-golems/streamchat/pkg/mirror"
)

// RunOptions configure Run.
type RunOptions struct {
	Options
	// Mirror, when set, serves the effect mirror for the lifetime of the UI.
	Mirror *mirror.Server
}

// Run drives the chat UI until the user quits or ctx is cancelled. The
// active stream and any utterance are stopped before it returns.
func Run(ctx context.Context, runner *chatrunner.Runner, opts RunOptions) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := New(ctx, runner, opts.Options)
	programOptions := []tea.ProgramOption{tea.WithMouseCellMotion(), tea.WithContext(ctx)}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		programOptions = append(programOptions, tea.WithAltScreen())
	} else {
		programOptions = append(programOptions, tea.WithOutput(os.Stderr))
	}
	p := tea.NewProgram(m, programOptions...)
	m.SetProgram(p)

	g, gctx := errgroup.WithContext(ctx)
	if opts.Mirror != nil {
		g.Go(func() error {
			err := opts.Mirror.Run(gctx)
			if err != nil {
				cancel()
			}
			return err
		})
	}
	g.Go(func() error {
		defer cancel()
		_, err := p.Run()
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	})

	err := g.Wait()
	runner.Stop()
	if c := runner.Speech(); c != nil {
		c.Stop()
	}
	log.Debug().Str("component", "tui").Msg("chat ui exited")
	return err
}
