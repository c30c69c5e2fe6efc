package chitchat

import (
	"context"

	"github.com/lmittmann/tint"
)

const gptErrorMessage = "Hiba történt az OpenAI-jal való kommunikáció során."

// Generator produces text from a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// runGPTCommand forwards the prompt to the completion API and replies
// with the answer
func (b *Bot) runGPTCommand(ctx context.Context, handler InteractionHandler) string {
	prompt := stringOption(handler.GetInteraction(), commandOptionText)
	if err := deferResponse(ctx, handler); err != nil {
		return outcomeFailed
	}
	logger := loggerFromContext(ctx, handler.Logger())

	answer, err := b.generator.Generate(ctx, prompt)
	if err != nil {
		logger.ErrorContext(ctx, "error generating answer", tint.Err(err))
		_ = followupText(ctx, handler, gptErrorMessage)
		return outcomeFailed
	}

	if followupText(ctx, handler, answer) != nil {
		return outcomeFailed
	}
	return outcomeOK
}
