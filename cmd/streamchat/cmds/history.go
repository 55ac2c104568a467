package cmds

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/persistence/transcriptstore"
)

type HistoryCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.GlazeCommand = (*HistoryCommand)(nil)

type HistorySettings struct {
	Local     bool   `glazed:"local"`
	Since     string `glazed:"since"`
	BySession bool   `glazed:"by-session"`
}

func NewHistoryCommand(base config.Config) (*HistoryCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"history",
		cmds.WithShort("Show conversation history"),
		cmds.WithLong(`Show the messages of a conversation as stored by the server.

With --local the exchanges recorded in --transcript-db are listed instead.`),
		cmds.WithFlags(
			fields.New("local", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Read the local transcript store")),
			fields.New("by-session", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("With --local, summarize exchanges per session")),
			fields.New("since", fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("With --local, only exchanges newer than this duration (e.g. 24h)")),
		),
		cmds.WithSections(glazedSection, commandSettingsSection, clientSection),
	)
	return &HistoryCommand{CommandDescription: desc, base: base}, nil
}

func (c *HistoryCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &HistorySettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode history settings")
	}
	if s.Local {
		cfg, err := resolveConfig(c.base, parsed)
		if err != nil {
			return err
		}
		return localHistory(ctx, cfg, s, gp)
	}

	client, cfg, err := apiClient(c.base, parsed)
	if err != nil {
		return err
	}
	h, err := client.History(ctx, cfg.SessionID, cfg.HistoryLimit)
	if err != nil {
		return err
	}
	for i, t := range h.Conversations {
		row := types.NewRow(
			types.MRP("index", i),
			types.MRP("role", t.Role),
			types.MRP("content", t.Content),
			types.MRP("tool_name", t.ToolName),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func localHistory(ctx context.Context, cfg config.Config, s *HistorySettings, gp middlewares.Processor) error {
	if cfg.TranscriptDB == "" {
		return errors.New("--local needs --transcript-db")
	}
	store, err := transcriptstore.OpenFile(cfg.TranscriptDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if s.BySession {
		records, err := store.Sessions(ctx, 0)
		if err != nil {
			return err
		}
		for _, r := range records {
			row := types.NewRow(
				types.MRP("session_id", sessionValue(r.SessionID)),
				types.MRP("exchanges", r.Exchanges),
				types.MRP("last_activity", time.UnixMilli(r.LastActivityMs).Format(time.RFC3339)),
			)
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
		return nil
	}

	q := transcriptstore.Query{SessionID: cfg.SessionID, Limit: cfg.HistoryLimit}
	if s.Since != "" {
		d, err := time.ParseDuration(s.Since)
		if err != nil {
			return errors.Wrap(err, "invalid --since")
		}
		q.SinceMs = time.Now().Add(-d).UnixMilli()
	}
	exchanges, err := store.List(ctx, q)
	if err != nil {
		return err
	}
	for _, e := range exchanges {
		tools := make([]string, 0, len(e.Tools))
		for _, t := range e.Tools {
			tools = append(tools, t.Name)
		}
		row := types.NewRow(
			types.MRP("id", e.ID),
			types.MRP("session_id", sessionValue(e.SessionID)),
			types.MRP("created_at", time.UnixMilli(e.CreatedAtMs).Format(time.RFC3339)),
			types.MRP("user_input", e.UserInput),
			types.MRP("answer", e.Answer),
			types.MRP("tools", strings.Join(tools, ",")),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func sessionValue(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}
