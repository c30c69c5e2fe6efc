package chitchat

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const unknownCommandMessage = "Ezt a parancsot nem ismerem."

// commandHandlerFunc runs one slash command. It returns the outcome label
// recorded in the commands_total metric.
type commandHandlerFunc func(ctx context.Context, handler InteractionHandler) string

// newCommandHandlers builds the name to handler table used by
// handleInteraction. It's built once, when the bot is created.
func (b *Bot) newCommandHandlers() map[string]commandHandlerFunc {
	return map[string]commandHandlerFunc{
		CommandRepeat: b.runRepeatCommand,
		CommandJoke:   b.runJokeCommand,
		CommandGPT:    b.runGPTCommand,
		CommandCat:    b.runCatCommand,
		CommandMemes:  b.runMemesCommand,
	}
}

// handleInteraction routes an interaction to its command handler.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user_id", discordUser.ID)
		return
	}

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.WarnContext(ctx, "unsupported interaction type")
		return
	}

	commandName := i.ApplicationCommandData().Name
	logger = logger.With(slog.Group("user", "id", discordUser.ID, "username", discordUser.Username))
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received command", "method", handler.InteractionReceiveMethod())

	run, ok := b.commandHandlers[commandName]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", commandName)
		b.metrics.CommandsTotal.WithLabelValues(commandName, outcomeUnknown).Inc()
		_ = handler.Respond(ctx, ephemeralResponse(unknownCommandMessage))
		return
	}

	outcome := run(ctx, handler)
	b.metrics.CommandsTotal.WithLabelValues(commandName, outcome).Inc()
}

func messageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	resp := messageResponse(content)
	resp.Data.Flags = discordgo.MessageFlagsEphemeral
	return resp
}

// deferResponse acknowledges the interaction with a "thinking" state, so
// the reply can take longer than discord's three second response window.
func deferResponse(ctx context.Context, handler InteractionHandler) error {
	return handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	)
}

// followupText sends content as the reply to a deferred interaction,
// logging (but otherwise ignoring) failures
func followupText(ctx context.Context, handler InteractionHandler, content string) error {
	_, err := handler.Followup(
		ctx,
		&discordgo.WebhookParams{Content: shortenString(content, discordMaxMessageLength)},
	)
	if err != nil {
		loggerFromContext(ctx, handler.Logger()).ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
	return err
}

// stringOption returns a string option's value, or "" if it's missing
func stringOption(i *discordgo.InteractionCreate, name string) string {
	if opt, ok := discordInteractionOptions(i)[name]; ok && opt.Type == discordgo.ApplicationCommandOptionString {
		return opt.StringValue()
	}
	return ""
}

// intOption returns an integer option's value, or fallback if it's missing
func intOption(i *discordgo.InteractionCreate, name string, fallback int) int {
	if opt, ok := discordInteractionOptions(i)[name]; ok && opt.Type == discordgo.ApplicationCommandOptionInteger {
		return int(opt.IntValue())
	}
	return fallback
}
