package cmds

import (
	"context"
	"fmt"
	"os"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/api"
	"github.com/go-go-golems/streamchat/pkg/chatrunner"
	"github.com/go-go-golems/streamchat/pkg/config"
)

// apiClient builds the collaborator client from the client section.
func apiClient(base config.Config, parsed *values.Values) (*api.Client, config.Config, error) {
	cfg, err := resolveConfig(base, parsed)
	if err != nil {
		return nil, cfg, err
	}
	return api.NewClient(cfg.ServerURL, api.WithRetry(cfg.RetryPolicy())), cfg, nil
}

type SessionsListCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.GlazeCommand = (*SessionsListCommand)(nil)

func NewSessionsListCommand(base config.Config) (*SessionsListCommand, error) {
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
		"list",
		cmds.WithShort("List conversations known to the server"),
		cmds.WithSections(glazedSection, commandSettingsSection, clientSection),
	)
	return &SessionsListCommand{CommandDescription: desc, base: base}, nil
}

func (c *SessionsListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	client, _, err := apiClient(c.base, parsed)
	if err != nil {
		return err
	}
	list, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range list.Sessions {
		current := list.CurrentSessionID != nil && *list.CurrentSessionID == s.ID
		row := types.NewRow(
			types.MRP("id", s.ID),
			types.MRP("preview", s.Preview),
			types.MRP("created_at", s.CreatedAt),
			types.MRP("current", current),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type SessionsNewCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.BareCommand = (*SessionsNewCommand)(nil)

func NewSessionsNewCommand(base config.Config) (*SessionsNewCommand, error) {
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"new",
		cmds.WithShort("Start a new conversation on the server"),
		cmds.WithSections(clientSection),
	)
	return &SessionsNewCommand{CommandDescription: desc, base: base}, nil
}

func (c *SessionsNewCommand) Run(ctx context.Context, parsed *values.Values) error {
	client, _, err := apiClient(c.base, parsed)
	if err != nil {
		return err
	}
	if err := client.NewSession(ctx); err != nil {
		return err
	}
	fmt.Println("Started a new conversation.")
	return nil
}

type sessionIDSettings struct {
	ID  int  `glazed:"id"`
	Yes bool `glazed:"yes"`
}

type SessionsDeleteCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.BareCommand = (*SessionsDeleteCommand)(nil)

func NewSessionsDeleteCommand(base config.Config) (*SessionsDeleteCommand, error) {
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"delete",
		cmds.WithShort("Delete a conversation"),
		cmds.WithArguments(
			fields.New("id", fields.TypeInteger,
				fields.WithHelp("Session id"),
				fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("yes", fields.TypeBool,
				fields.WithDefault(false),
				fields.WithShortFlag("y"),
				fields.WithHelp("Do not ask for confirmation")),
		),
		cmds.WithSections(clientSection),
	)
	return &SessionsDeleteCommand{CommandDescription: desc, base: base}, nil
}

func (c *SessionsDeleteCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &sessionIDSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode delete settings")
	}
	client, _, err := apiClient(c.base, parsed)
	if err != nil {
		return err
	}
	if !s.Yes {
		ok, err := chatrunner.ConfirmTerminal(os.Stdin, os.Stderr, fmt.Sprintf("Delete session %d?", s.ID))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}
	if err := client.DeleteSession(ctx, int64(s.ID)); err != nil {
		return err
	}
	fmt.Printf("Deleted session %d.\n", s.ID)
	return nil
}

type SessionsSwitchCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.BareCommand = (*SessionsSwitchCommand)(nil)

func NewSessionsSwitchCommand(base config.Config) (*SessionsSwitchCommand, error) {
	clientSection, err := NewClientSection(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"switch",
		cmds.WithShort("Make a conversation current on the server"),
		cmds.WithArguments(
			fields.New("id", fields.TypeInteger,
				fields.WithHelp("Session id"),
				fields.WithRequired(true)),
		),
		cmds.WithSections(clientSection),
	)
	return &SessionsSwitchCommand{CommandDescription: desc, base: base}, nil
}

func (c *SessionsSwitchCommand) Run(ctx context.Context, parsed *values.Values) error {
	s := &sessionIDSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode switch settings")
	}
	client, _, err := apiClient(c.base, parsed)
	if err != nil {
		return err
	}
	if err := client.SwitchSession(ctx, int64(s.ID)); err != nil {
		return err
	}
	fmt.Printf("Switched to session %d.\n", s.ID)
	return nil
}

// NewSessionsCommand groups the session management commands.
func NewSessionsCommand(base config.Config) (*cobra.Command, error) {
	group := &cobra.Command{
		Use:   "sessions",
		Short: "Manage server-side conversations",
	}

	list, err := NewSessionsListCommand(base)
	if err != nil {
		return nil, err
	}
	newCmd, err := NewSessionsNewCommand(base)
	if err != nil {
		return nil, err
	}
	del, err := NewSessionsDeleteCommand(base)
	if err != nil {
		return nil, err
	}
	sw, err := NewSessionsSwitchCommand(base)
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.Command{list, newCmd, del, sw} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		if err != nil {
			return nil, err
		}
		group.AddCommand(cobraCmd)
	}
	return group, nil
}
