package chitchat

import (
	"context"
	"unicode/utf8"
)

const repeatPrefix = "Te ezt írtad: "

// repeatMaxLength is the longest text that still fits in one message
// after repeatPrefix
var repeatMaxLength = discordMaxMessageLength - utf8.RuneCountInString(repeatPrefix)

// repeatReply echoes text back with a fixed prefix
func repeatReply(text string) string {
	return shortenString(repeatPrefix+text, discordMaxMessageLength)
}

// runRepeatCommand answers /repeat immediately, without deferring
func (*Bot) runRepeatCommand(ctx context.Context, handler InteractionHandler) string {
	text := stringOption(handler.GetInteraction(), commandOptionText)
	if err := handler.Respond(ctx, messageResponse(repeatReply(text))); err != nil {
		return outcomeFailed
	}
	return outcomeOK
}
