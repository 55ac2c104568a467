package cmds

import (
	"context"
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/mirror"
	"github.com/go-go-golems/streamchat/pkg/render"
	"github.com/go-go-golems/streamchat/pkg/tui"
)

type ChatCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.BareCommand = (*ChatCommand)(nil)

type ChatSettings struct {
	MirrorAddr string `glazed:"mirror-addr"`
}

func NewChatCommand(base config.Config) (*ChatCommand, error) {
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	redis, err := redisSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"chat",
		cmds.WithShort("Open the interactive chat UI"),
		cmds.WithLong(`Open the interactive chat UI.

Logs are written only when --log-file is set. With --mirror-addr every chat
effect is also served to websocket watchers at ws://<addr>/ws; with
--redis-enabled it is published on Redis Streams for "streamchat watch".`),
		cmds.WithFlags(
			fields.New("mirror-addr", fields.TypeString,
				fields.WithDefault(base.MirrorAddr),
				fields.WithHelp("Serve the effect mirror on this address (empty disables)")),
		),
		cmds.WithSections(clientSection, redis),
	)
	return &ChatCommand{CommandDescription: desc, base: base}, nil
}

func (c *ChatCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &ChatSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode chat settings")
	}
	cfg, err := resolveConfig(c.base, parsed)
	if err != nil {
		return err
	}
	if cfg.Redis, err = decodeRedis(parsed); err != nil {
		return err
	}
	cfg.MirrorAddr = s.MirrorAddr
	if err := cfg.Validate(); err != nil {
		return err
	}

	var renderer render.Renderer
	md, err := render.NewMarkdown(cfg.RenderStyle, render.TerminalWidth(os.Stdout, render.DefaultWidth))
	if err != nil {
		log.Warn().Err(err).Str("component", "cmds").Msg("markdown renderer unavailable, showing raw text")
	} else {
		renderer = md
	}

	rt, err := NewRuntime(ctx, cfg, RuntimeOptions{
		Renderer: renderer,
		Mirror:   cfg.MirrorAddr != "" || cfg.Redis.Enabled,
		Speech:   true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	opts := tui.RunOptions{Options: tui.Options{Markdown: md, HistoryLimit: cfg.HistoryLimit}}
	if cfg.MirrorAddr != "" {
		opts.Mirror = mirror.NewServer(cfg.MirrorAddr, rt.Bus.Subscriber)
	}
	return tui.Run(ctx, rt.Runner, opts)
}
