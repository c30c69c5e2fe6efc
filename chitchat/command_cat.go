package chitchat

import (
	"bytes"
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	catErrorMessage = "Nem sikerült macskát letölteni. Próbáld meg később."
	catFilename     = "cat.png"
	catEmbedTitle   = "Random Cat"
)

// catReply attaches img as cat.png and shows it in an embed
func catReply(img CatImage) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Files: []*discordgo.File{
			{
				Name:        catFilename,
				ContentType: img.ContentType,
				Reader:      bytes.NewReader(img.Data),
			},
		},
		Embeds: []*discordgo.MessageEmbed{
			{
				Title: catEmbedTitle,
				Image: &discordgo.MessageEmbedImage{URL: "attachment://" + catFilename},
			},
		},
	}
}

// runCatCommand downloads a random cat picture and replies with it
func (b *Bot) runCatCommand(ctx context.Context, handler InteractionHandler) string {
	if err := deferResponse(ctx, handler); err != nil {
		return outcomeFailed
	}
	logger := loggerFromContext(ctx, handler.Logger())

	img, err := b.cats.Random(ctx)
	if err != nil {
		logUpstreamError(ctx, logger, "error downloading cat", err)
		_ = followupText(ctx, handler, catErrorMessage)
		return outcomeFailed
	}

	if _, err = handler.Followup(ctx, catReply(img)); err != nil {
		logger.ErrorContext(ctx, "error sending cat", tint.Err(err))
		return outcomeFailed
	}
	return outcomeOK
}
