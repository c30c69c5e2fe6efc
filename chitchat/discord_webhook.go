package chitchat

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// maxInteractionBodyBytes bounds interaction payloads received via webhook
const maxInteractionBodyBytes = 1 << 20

// ErrAlreadyResponded is returned by [WebhookHandler.Respond] when the
// interaction already got its initial response
var ErrAlreadyResponded = errors.New("interaction already responded to")

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to the gateway.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
}

// Serve listens on the configured address and serves until the server
// is shut down
func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, "tcp", d.config.Listen)
	if err != nil {
		return fmt.Errorf("webhook server: listen on %s: %w", d.config.Listen, err)
	}
	d.logger.WarnContext(ctx, "starting webhook server without TLS", "addr", ln.Addr().String())
	return d.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server. See [http.Server.Shutdown].
func (d *DiscordWebhookServer) Shutdown(ctx context.Context) error {
	return d.httpServer.Shutdown(ctx)
}

// Close immediately closes the server's listener and connections
func (d *DiscordWebhookServer) Close() error {
	return d.httpServer.Close()
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	b *Bot,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(b.discord.publicKey) == 0 {
		return nil, errors.New("webhook server: public key required")
	}

	r := gin.New()
	server := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: newSubsystemLogger("discord_webhook", config.LogLevel),
	}

	server.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	if !b.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(server.logger),
		discordRequestAuthenticationMiddleware(b.discord.publicKey),
	)

	r.POST(
		apiDiscordInteractions,
		func(c *gin.Context) {
			if b.webhookInteractionHandler == nil {
				c.AbortWithStatusJSON(
					http.StatusServiceUnavailable,
					httpError{Error: "not ready"},
				)
				return
			}
			b.webhookInteractionHandler(c)
		},
	)
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
//
// The initial response is written as the HTTP response body. Anything
// after that (followups to deferred commands) goes through the REST API
// via the embedded InteractionHandler.
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler

	// responded is closed after the initial response is written
	responded chan struct{}
	once      *sync.Once
}

func newWebhookHandler(c *gin.Context, handler InteractionHandler) WebhookHandler {
	return WebhookHandler{
		ginContext:         c,
		InteractionHandler: handler,
		responded:          make(chan struct{}),
		once:               &sync.Once{},
	}
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

// Respond writes response as the body of the webhook request. It may only
// be called once, since the request is finished as soon as it returns.
func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := ErrAlreadyResponded
	w.once.Do(func() {
		w.ginContext.JSON(http.StatusOK, response)
		w.ginContext.Writer.Flush()
		close(w.responded)
		err = nil
	})
	return err
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions.
//
// Commands run in their own goroutine (tracked by runtimeWG), and the
// request returns as soon as the initial response is written, so a slow
// command doesn't hold the HTTP request open past discord's response
// window.
func webhookReceiveHandler(
	ctx context.Context,
	b *Bot,
	runtimeWG *sync.WaitGroup,
) func(c *gin.Context) {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c)
		runCtx := WithLogger(ctx, logger)

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInteractionBodyBytes))
		if err != nil {
			logger.ErrorContext(runCtx, "error reading body", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusInternalServerError,
				httpError{Error: "error reading body"},
			)
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "error unmarshalling body"},
			)
			return
		}

		handler := newWebhookHandler(c, b.getInteractionHandlerFunc(runCtx, &interaction))
		logger.DebugContext(
			runCtx,
			"received webhook interaction",
			"interaction_id", interaction.ID,
			xRequestIDHeader, requestID,
		)

		done := make(chan struct{})
		b.goHandler(runCtx, runtimeWG, func(ctx context.Context) {
			defer close(done)
			b.handleInteraction(ctx, handler)
		})

		select {
		case <-handler.responded:
		case <-done:
			select {
			case <-handler.responded:
			default:
				c.AbortWithStatusJSON(
					http.StatusBadRequest,
					httpError{Error: "interaction not handled"},
				)
			}
		case <-c.Request.Context().Done():
			// the gin context gets reused once we return, so make sure a
			// late Respond can't write to it
			handler.once.Do(func() {})
			logger.WarnContext(runCtx, "webhook request canceled before response")
		}
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !discordgo.VerifyInteraction(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}
