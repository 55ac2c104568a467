package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamchat/pkg/mockserver"
)

type MockServerCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*MockServerCommand)(nil)

type MockServerSettings struct {
	Addr       string `glazed:"addr"`
	FrameDelay string `glazed:"frame-delay"`
	NoDone     bool   `glazed:"no-done"`
}

func NewMockServerCommand() (*MockServerCommand, error) {
	desc := cmds.NewCommandDescription(
		"mock-server",
		cmds.WithShort("Serve a scripted chat backend for development"),
		cmds.WithLong(`Serve the chat wire protocol and the session endpoints in memory.

Answers echo the input word by word; inputs mentioning "task" trigger a
list_tasks tool call.`),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString,
				fields.WithDefault(":8000"),
				fields.WithHelp("Listen address")),
			fields.New("frame-delay", fields.TypeString,
				fields.WithDefault("80ms"),
				fields.WithHelp("Delay between frames")),
			fields.New("no-done", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("End streams by closing the body instead of sending done")),
		),
	)
	return &MockServerCommand{CommandDescription: desc}, nil
}

func (c *MockServerCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &MockServerSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode mock-server settings")
	}
	delay, err := parseDuration("frame-delay", s.FrameDelay)
	if err != nil {
		return err
	}

	srv := mockserver.New(mockserver.WithFrameDelay(delay), mockserver.WithDone(!s.NoDone))
	httpSrv := &http.Server{Addr: s.Addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("component", "mockserver").Str("addr", s.Addr).Msg("serving mock chat backend")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
