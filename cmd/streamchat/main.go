package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/cmd/streamchat/cmds"
	"github.com/go-go-golems/streamchat/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "streamchat",
	Short: "streamchat is a terminal client for a streaming chat backend",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.InitLoggerFromCobra(cmd); err != nil {
			return err
		}
		// the chat UI owns the terminal, so logs go to --log-file or nowhere
		if cmd.Name() == "chat" {
			if f := cmd.Flags(); f != nil {
				logFile, _ := f.GetString("log-file")
				if logFile == "" {
					zerolog.SetGlobalLevel(zerolog.Disabled)
				}
			}
		}
		return nil
	},
}

func main() {
	cfg, err := config.Load(cmds.ConfigPathFromArgs(os.Args[1:]))
	cobra.CheckErr(err)

	if err := clay.InitGlazed("streamchat", rootCmd); err != nil {
		cobra.CheckErr(err)
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	cobra.CheckErr(cmds.AddToRootCommand(rootCmd, cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.CheckErr(rootCmd.ExecuteContext(ctx))
}
