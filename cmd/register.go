package cmd

import (
	"fmt"

	"github.com/akosk/ChitChat/chitchat"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Registers the slash commands with the configured guild, then exits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := chitchat.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.ValidateConfig(); err != nil {
			return err
		}
		created, err := bot.RegisterSlashCommands(discordgo.WithContext(cmd.Context()))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range created {
			_, _ = fmt.Fprintf(out, "registered /%s (id=%s)\n", c.Name, c.ID)
		}
		return nil
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(registerCmd)
}
