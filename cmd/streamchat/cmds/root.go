package cmds

import (
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/config"
)

// ConfigPathFromArgs finds --config-file in args before cobra parses them.
func ConfigPathFromArgs(args []string) string {
	flag := "--" + ConfigFileFlag
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v
		}
	}
	return ""
}

// AddToRootCommand registers every streamchat command on root.
func AddToRootCommand(root *cobra.Command, base config.Config) error {
	ask, err := NewAskCommand(base)
	if err != nil {
		return err
	}
	chatCmd, err := NewChatCommand(base)
	if err != nil {
		return err
	}
	history, err := NewHistoryCommand(base)
	if err != nil {
		return err
	}
	upload, err := NewUploadCommand(base)
	if err != nil {
		return err
	}
	clearCache, err := NewClearCacheCommand(base)
	if err != nil {
		return err
	}
	watch, err := NewWatchCommand(base)
	if err != nil {
		return err
	}
	mock, err := NewMockServerCommand()
	if err != nil {
		return err
	}

	for _, c := range []cmds.Command{ask, chatCmd, history, upload, clearCache, watch, mock} {
		cobraCmd, err := cli.BuildCobraCommand(c)
		if err != nil {
			return err
		}
		root.AddCommand(cobraCmd)
	}

	sessionsCmd, err := NewSessionsCommand(base)
	if err != nil {
		return err
	}
	root.AddCommand(sessionsCmd)
	return nil
}
