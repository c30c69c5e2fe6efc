package cmd

import (
	"log"

	"github.com/akosk/ChitChat/chitchat"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Connects the bot to discord and starts the status API and (optionally) webhook server",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := chitchat.New(cfg)
			if err != nil {
				log.Fatalf("error creating bot: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running bot: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
