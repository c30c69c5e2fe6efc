package chitchat

import (
	"context"
)

const jokeErrorMessage = "Hiba történt a vicc lekérésekor. Próbáld meg később újra."

// runJokeCommand fetches a random joke and replies with the punchline
// behind a spoiler
func (b *Bot) runJokeCommand(ctx context.Context, handler InteractionHandler) string {
	if err := deferResponse(ctx, handler); err != nil {
		return outcomeFailed
	}
	logger := loggerFromContext(ctx, handler.Logger())

	joke, err := b.jokes.Random(ctx)
	if err != nil {
		logUpstreamError(ctx, logger, "error fetching joke", err)
		_ = followupText(ctx, handler, jokeErrorMessage)
		return outcomeFailed
	}

	if followupText(ctx, handler, joke.String()) != nil {
		return outcomeFailed
	}
	return outcomeOK
}
