package chitchat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

const (
	warningRewriteFormat = "%s Ez nem volt túl kedves. Így lehetne szebben mondani:\n> %s"
	warningPlainFormat   = "%s Ez nem volt túl kedves. Kérlek, fogalmazd át szebben."
)

// Moderator is what the relay needs from the AI API
type Moderator interface {
	Moderate(ctx context.Context, text string) (ModerationVerdict, error)
	Translate(ctx context.Context, text string) (string, error)
	Rewrite(ctx context.Context, text string) (string, error)
}

// keywordReaction reacts to messages matching a keyword. match receives
// case-folded content.
type keywordReaction struct {
	keyword string
	match   func(folded string) bool
	react   func(session DiscordSessionHandler, m *discordgo.Message) error
}

var keywordReactions = []keywordReaction{
	{
		keyword: "ping",
		match:   func(folded string) bool { return strings.HasPrefix(folded, "ping") },
		react: func(session DiscordSessionHandler, m *discordgo.Message) error {
			_, err := session.ChannelMessageSend(m.ChannelID, "pong")
			return err
		},
	},
	{
		keyword: "macska",
		match:   func(folded string) bool { return strings.Contains(folded, "macska") },
		react: func(session DiscordSessionHandler, m *discordgo.Message) error {
			return session.MessageReactionAdd(m.ChannelID, m.ID, "🐱")
		},
	},
}

// foldChains holds transformer chains used for caseless keyword matching
var foldChains = sync.Pool{
	New: func() any {
		return transform.Chain(norm.NFKC, cases.Fold(), width.Fold)
	},
}

// foldCase normalizes s for caseless comparison (NFKC, Unicode case
// folding, fullwidth to ASCII)
func foldCase(s string) string {
	if s == "" {
		return ""
	}
	tr := foldChains.Get().(transform.Transformer)
	defer func() {
		tr.Reset()
		foldChains.Put(tr)
	}()
	folded, _, err := transform.String(tr, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return folded
}

// handleDiscordMessage runs every inbound guild message through the
// keyword reactions and the moderation relay.
//
// The relay fails open: if classification fails the message is left alone.
// A flagged message gets exactly one reply, with a suggested rewrite if one
// could be generated and a plain warning otherwise.
func (b *Bot) handleDiscordMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	logger := loggerFromContext(ctx, b.logger).With(slog.Group("message", messageLogAttrs(m.Message)...))
	ctx = WithLogger(ctx, logger)

	author := messageAuthor(m.Message)
	if author == nil {
		logger.DebugContext(ctx, "ignoring message without author")
		b.metrics.MessagesTotal.WithLabelValues(relayIgnored).Inc()
		return
	}
	if b.discord.isSelf(author.ID) {
		b.metrics.MessagesTotal.WithLabelValues(relayIgnored).Inc()
		return
	}

	logger.DebugContext(ctx, "saw message", "content", m.Content)

	content := strings.TrimSpace(m.Content)
	if content == "" {
		b.metrics.MessagesTotal.WithLabelValues(relayIgnored).Inc()
		return
	}

	if b.config.Moderation.Reactions {
		b.reactToKeywords(ctx, m.Message, content)
	}

	if !b.config.Moderation.Enabled {
		return
	}

	outcome := b.moderateMessage(ctx, m.Message, author, content)
	b.metrics.MessagesTotal.WithLabelValues(outcome).Inc()
}

// reactToKeywords fires every matching keyword reaction. Failures are
// logged and otherwise ignored.
func (b *Bot) reactToKeywords(ctx context.Context, m *discordgo.Message, content string) {
	logger := loggerFromContext(ctx, b.logger)
	folded := foldCase(content)
	for _, kr := range keywordReactions {
		if !kr.match(folded) {
			continue
		}
		b.metrics.ReactionsTotal.WithLabelValues(kr.keyword).Inc()
		if err := kr.react(b.discord.session, m); err != nil {
			logger.WarnContext(ctx, "keyword reaction failed", "keyword", kr.keyword, tint.Err(err))
		}
	}
}

// moderateMessage classifies content and, if flagged, replies to the
// message. It returns the outcome label for metrics.
func (b *Bot) moderateMessage(
	ctx context.Context,
	m *discordgo.Message,
	author *discordgo.User,
	content string,
) string {
	logger := loggerFromContext(ctx, b.logger)

	classified := content
	translateFailed := false
	if b.config.Moderation.Translate {
		translated, err := b.moderator.Translate(ctx, content)
		if err != nil {
			translateFailed = true
			logger.WarnContext(ctx, "translation failed, classifying original text", tint.Err(err))
		} else {
			classified = translated
		}
	}

	verdict, err := b.moderator.Moderate(ctx, classified)
	if err != nil {
		logger.ErrorContext(ctx, "moderation failed, letting message through", tint.Err(err))
		return relayFailOpen
	}
	if !verdict.Flagged {
		if translateFailed {
			return relayTranslateFail
		}
		return relayClean
	}
	logger.InfoContext(ctx, "message flagged", "category_scores", verdict.CategoryScores)

	reply, outcome := b.flaggedReply(ctx, author, content)
	if _, err = b.discord.session.ChannelMessageSendReply(
		m.ChannelID,
		reply,
		m.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error replying to flagged message", tint.Err(err))
		return relayReplyFailed
	}
	return outcome
}

// flaggedReply builds the reply to a flagged message, including a politer
// rewrite when one can be generated
func (b *Bot) flaggedReply(ctx context.Context, author *discordgo.User, content string) (string, string) {
	rewrite, err := b.moderator.Rewrite(ctx, content)
	if err != nil {
		loggerFromContext(ctx, b.logger).WarnContext(ctx, "rewrite failed, sending plain warning", tint.Err(err))
		return fmt.Sprintf(warningPlainFormat, author.Mention()), relayWarned
	}
	reply := fmt.Sprintf(warningRewriteFormat, author.Mention(), quoteLines(rewrite))
	return shortenString(reply, discordMaxMessageLength), relayRewritten
}

// quoteLines keeps multi-line rewrites inside the block quote
func quoteLines(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n> ")
}
