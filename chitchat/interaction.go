package chitchat

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionHandler is the request-specific side of an interaction.
//
// Command handlers only talk to discord through this, so the same command
// code serves interactions received over the gateway and over the webhook
// endpoint.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction.
	Respond(ctx context.Context, response *discordgo.InteractionResponse) error

	// Followup sends a message after a deferred response.
	Followup(ctx context.Context, params *discordgo.WebhookParams) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// InteractionReceiveMethod reports whether the interaction arrived via
	// the gateway or the webhook endpoint.
	InteractionReceiveMethod() DiscordInteractionReceiveMethod

	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger.With(slog.Group("interaction", interactionLogAttrs(*i)...)),
	}
}

func (GatewayHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodGateway
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
) (*discordgo.Message, error) {
	msg, err := w.session.FollowupMessageCreate(w.interaction.Interaction, true, params)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "sent followup")
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
