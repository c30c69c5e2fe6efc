package chitchat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	memesNoneFoundMessage = "Nem találtam friss mémeket."
	memesErrorMessage     = "Hiba történt a mémek lekérésekor. Próbáld meg később."

	// discord allows 10 embeds per message, but five is already a wall
	// of text
	maxMemeEmbeds = 5
	maxMemeLinks  = 3

	embedTitleLimit       = 256
	embedDescriptionLimit = 1024
	embedFieldNameLimit   = 256
	embedFieldValueLimit  = 1024
	embedShortFieldLimit  = 256

	// combined title, description, field name and field value length of
	// all embeds in one message
	embedTotalLimit = 6000
)

// memeEmbeds renders memes as one embed each, with every field trimmed to
// discord's limits. Empty fields are left out. Once the message would pass
// embedTotalLimit, the last embed's description is shortened, and memes
// that still don't fit are dropped.
func memeEmbeds(memes []Meme) []*discordgo.MessageEmbed {
	if len(memes) > maxMemeEmbeds {
		memes = memes[:maxMemeEmbeds]
	}
	embeds := make([]*discordgo.MessageEmbed, 0, len(memes))
	remaining := embedTotalLimit
	for _, meme := range memes {
		embed := &discordgo.MessageEmbed{
			Title:       ellipsize(meme.Title, embedTitleLimit),
			Description: ellipsize(strings.TrimSpace(meme.Summary), embedDescriptionLimit),
		}
		if platform := strings.TrimSpace(meme.PrimaryPlatform); platform != "" {
			embed.Fields = append(embed.Fields, embedField("Platform", platform, embedShortFieldLimit, true))
		}
		if started := strings.TrimSpace(meme.StartedAround); started != "" {
			embed.Fields = append(embed.Fields, embedField("Started", started, embedShortFieldLimit, true))
		}
		if tags := nonEmpty(meme.Tags); len(tags) > 0 {
			embed.Fields = append(
				embed.Fields,
				embedField("Tags", strings.Join(tags, ", "), embedFieldValueLimit, false),
			)
		}
		if links := nonEmpty(meme.EvidenceLinks); len(links) > 0 {
			if len(links) > maxMemeLinks {
				links = links[:maxMemeLinks]
			}
			embed.Fields = append(
				embed.Fields,
				embedField("Links", strings.Join(links, "\n"), embedFieldValueLimit, false),
			)
		}

		size := embedLength(embed)
		if over := size - remaining; over > 0 {
			descLen := utf8.RuneCountInString(embed.Description)
			if over >= descLen {
				break
			}
			embed.Description = ellipsize(embed.Description, descLen-over)
			size = embedLength(embed)
		}
		remaining -= size
		embeds = append(embeds, embed)
	}
	return embeds
}

// embedLength is the length discord counts against embedTotalLimit
func embedLength(e *discordgo.MessageEmbed) int {
	n := utf8.RuneCountInString(e.Title) + utf8.RuneCountInString(e.Description)
	for _, f := range e.Fields {
		n += utf8.RuneCountInString(f.Name) + utf8.RuneCountInString(f.Value)
	}
	return n
}

func embedField(name, value string, limit int, inline bool) *discordgo.MessageEmbedField {
	return &discordgo.MessageEmbedField{
		Name:   ellipsize(name, embedFieldNameLimit),
		Value:  ellipsize(value, limit),
		Inline: inline,
	}
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// runMemesCommand fetches recent memes and replies with them as embeds.
// Options left out fall back to the configured defaults.
func (b *Bot) runMemesCommand(ctx context.Context, handler InteractionHandler) string {
	i := handler.GetInteraction()
	daysBack := intOption(i, commandOptionDaysBack, b.config.Memes.DaysBack)
	maxMemes := intOption(i, commandOptionMaxMemes, b.config.Memes.MaxMemes)

	if err := deferResponse(ctx, handler); err != nil {
		return outcomeFailed
	}
	logger := loggerFromContext(ctx, handler.Logger())
	logger.InfoContext(ctx, "fetching memes", "days_back", daysBack, "max_memes", maxMemes)

	memes, err := b.memes.Fetch(ctx, daysBack, maxMemes)
	if err != nil {
		logUpstreamError(ctx, logger, "error fetching memes", err)
		_ = followupText(ctx, handler, memesErrorMessage)
		return outcomeFailed
	}
	if len(memes) == 0 {
		if followupText(ctx, handler, memesNoneFoundMessage) != nil {
			return outcomeFailed
		}
		return outcomeEmpty
	}

	if _, err = handler.Followup(ctx, &discordgo.WebhookParams{Embeds: memeEmbeds(memes)}); err != nil {
		logger.ErrorContext(ctx, "error sending memes", tint.Err(err))
		_ = followupText(ctx, handler, memesErrorMessage)
		return outcomeFailed
	}
	return outcomeOK
}
