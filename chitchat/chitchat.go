package chitchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/akosk/ChitChat/chitchat.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// ErrShutdownTimeout is returned from Run when in-flight handlers are
// still running once the shutdown timeout has passed
var ErrShutdownTimeout = errors.New("handlers did not stop in time")

// Bot wires the discord session to the command handlers and the
// moderation relay, and owns the optional HTTP servers.
type Bot struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles OpenAI API integration
	openai *OpenAI

	// generator answers /gpt. Usually the same as openai.
	generator Generator

	// moderator backs the message relay. Usually the same as openai.
	moderator Moderator

	jokes JokeAPI
	cats  CatAPI
	memes MemeAPI

	metrics *metrics

	// Serves /healthz and /metrics
	api *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions when the websocket/gateway isn't being used
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook. Set by Run.
	webhookInteractionHandler func(c *gin.Context)

	commandHandlers map[string]commandHandlerFunc

	// getInteractionHandlerFunc returns the InteractionHandler for an
	// incoming interaction, so command code stays the same whether the
	// interaction came from the gateway or the webhook endpoint
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	// signalReady receives a value once Run has connected to discord,
	// registered commands and started its servers
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// New creates a Bot from config. Sections missing from config are filled
// in from [DefaultConfig]. Configuration errors that can be detected
// without contacting discord are returned together.
//
// After calling New, call [Bot.Run] to connect and start handling events.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	fillDefaults(config)

	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:      config,
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	config.Discord.httpClient = config.HTTPClient
	disc, err := newDiscord(
		config.Discord,
		newSubsystemLogger("discord", config.Discord.LogLevel),
	)
	if err != nil {
		return nil, err
	}
	b.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newSubsystemLogger("discordgo", config.Discord.DiscordGoLogLevel).Handler(),
	)

	b.metrics = newMetrics(disc)

	b.openai = newOpenAI(
		config.OpenAI,
		config.HTTPClient,
		newSubsystemLogger("openai", config.OpenAI.LogLevel),
	)
	b.openai.metrics = b.metrics
	b.generator = b.openai
	b.moderator = b.openai

	upstreamLogger := b.logger.With(loggerNameKey, "upstream")
	b.jokes = JokeAPI{newUpstream("joke", config.Joke, config.HTTPClient, upstreamLogger, b.metrics)}
	b.cats = newCatAPI(newUpstream("cat", config.Cat, config.HTTPClient, upstreamLogger, b.metrics))
	b.memes = MemeAPI{
		newUpstream(
			"memes",
			&UpstreamConfig{URL: config.Memes.URL, Timeout: config.Memes.Timeout},
			config.HTTPClient,
			upstreamLogger,
			b.metrics,
		),
	}

	b.commandHandlers = b.newCommandHandlers()
	b.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return newGatewayHandler(b.discord.session, i, b.logger)
	}

	if config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if config.API.Enabled {
		api, e := newAPI(b, config.API)
		errs = append(errs, e)
		b.api = api
	}

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(b, config.Discord.WebhookServer)
		errs = append(errs, e)
		b.discordWebhookServer = webhookServer
	}

	return b, errors.Join(errs...)
}

// fillDefaults replaces nil config sections and levels with their defaults
func fillDefaults(config *Config) {
	defaults := DefaultConfig()
	if config.LogLevel == nil {
		config.LogLevel = defaults.LogLevel
	}
	if config.Discord == nil {
		config.Discord = defaults.Discord
	}
	if config.Discord.LogLevel == nil {
		config.Discord.LogLevel = defaults.Discord.LogLevel
	}
	if config.Discord.DiscordGoLogLevel == nil {
		config.Discord.DiscordGoLogLevel = defaults.Discord.DiscordGoLogLevel
	}
	if config.Discord.WebhookServer.LogLevel == nil {
		config.Discord.WebhookServer.LogLevel = defaults.Discord.WebhookServer.LogLevel
	}
	if config.OpenAI == nil {
		config.OpenAI = defaults.OpenAI
	}
	if config.OpenAI.LogLevel == nil {
		config.OpenAI.LogLevel = defaults.OpenAI.LogLevel
	}
	if config.Joke == nil {
		config.Joke = defaults.Joke
	}
	if config.Cat == nil {
		config.Cat = defaults.Cat
	}
	if config.Memes == nil {
		config.Memes = defaults.Memes
	}
	if config.Moderation == nil {
		config.Moderation = defaults.Moderation
	}
	if config.API == nil {
		config.API = defaults.API
	}
	if config.API.LogLevel == nil {
		config.API.LogLevel = defaults.API.LogLevel
	}
}

// ValidateConfig checks the bot's configuration. See [Config.Validate].
func (b *Bot) ValidateConfig() error {
	return b.config.Validate()
}

// RegisterSlashCommands bulk-overwrites the bot's guild commands.
//
// This only uses the REST API, so it works without an open gateway
// connection.
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}
	return b.discord.registerCommands(options...)
}

// Run connects to discord, registers the slash commands, starts the
// configured HTTP servers and handles events until ctx is canceled. It then
// shuts down, giving in-flight handlers up to [Config.ShutdownTimeout] to
// finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// Handlers get their own context, so canceling ctx starts a graceful
	// shutdown instead of aborting replies that are already underway.
	// It's canceled once the shutdown timeout runs out.
	handlerCtx, cancelHandlers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHandlers()

	runtimeWG := &sync.WaitGroup{}
	b.webhookInteractionHandler = webhookReceiveHandler(handlerCtx, b, runtimeWG)

	if err := b.initDiscordSession(handlerCtx, runtimeWG); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- b.discordInit(startCtx)
	}()

	select {
	case <-startCtx.Done():
		_ = b.discord.session.Close()
		return fmt.Errorf("startup cancelled or timed out: %w", context.Cause(startCtx))
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			_ = b.discord.session.Close()
			return err
		}
		logger.InfoContext(ctx, "init complete", "duration", time.Since(b.startedAt))
	}

	g, gctx := errgroup.WithContext(ctx)
	if b.api != nil {
		g.Go(func() error {
			return ignoreServerClosed(b.api.Serve(gctx))
		})
	}
	if b.discordWebhookServer != nil {
		g.Go(func() error {
			return ignoreServerClosed(b.discordWebhookServer.Serve(gctx))
		})
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	// block until something cancels the runtime context, generally an
	// interrupt, or one of the servers failing
	<-gctx.Done()

	shutdownErr := b.shutdown(ctx, runtimeWG, cancelHandlers)
	serveErr := g.Wait()
	if serveErr != nil {
		logger.Error("server error", tint.Err(serveErr))
	}
	return errors.Join(serveErr, shutdownErr)
}

func ignoreServerClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// initDiscordSession creates the session (if needed), sets the identify
// payload and registers the gateway event handlers
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	if b.discord.session == nil {
		disc, err := b.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		b.discord.session = disc
	}

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				b.goHandler(ctx, runtimeWG, func(ctx context.Context) {
					b.handleInteraction(ctx, handler)
				})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.goHandler(ctx, runtimeWG, func(ctx context.Context) {
					b.handleDiscordMessage(ctx, m)
				})
			},
		),
	}
	return nil
}

// goHandler runs fn in its own goroutine, tracked by runtimeWG
func (b *Bot) goHandler(ctx context.Context, runtimeWG *sync.WaitGroup, fn func(ctx context.Context)) {
	runtimeWG.Add(1)
	b.metrics.HandlersInFlight.Inc()
	go func() {
		defer runtimeWG.Done()
		defer b.metrics.HandlersInFlight.Dec()
		if b.config.RecoverPanic {
			defer func() {
				if rc := recover(); rc != nil {
					handleRecover(ctx, rc)
				}
			}()
		}
		fn(ctx)
	}()
}

// discordInit opens the gateway connection, sets the custom status and
// registers the slash commands
func (b *Bot) discordInit(ctx context.Context) error {
	logger := b.discord.logger
	logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if status := b.config.Discord.CustomStatus; status != "" {
		if err := b.discord.session.UpdateCustomStatus(status); err != nil {
			logger.ErrorContext(ctx, "error updating discord status", tint.Err(err))
		}
	}

	if _, err := b.discord.registerCommands(discordgo.WithContext(ctx)); err != nil {
		return err
	}
	return nil
}

// shutdown closes the gateway session and the HTTP servers, then waits for
// in-flight handlers. If they're still running when the shutdown timeout
// passes, their context is canceled and [ErrShutdownTimeout] returned.
func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	cancelHandlers context.CancelFunc,
) error {
	logger := b.logger
	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.WithoutCancel(ctx), shutdownDeadline)
	defer closeCancel()

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil
	if err := b.discord.session.Close(); err != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
	}

	stopWG := &sync.WaitGroup{}
	if b.api != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			if err := b.api.Shutdown(closeCtx); err != nil {
				logger.ErrorContext(ctx, "error shutting down api", tint.Err(err))
			}
		}()
	}
	if b.discordWebhookServer != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			if err := b.discordWebhookServer.Shutdown(closeCtx); err != nil {
				logger.ErrorContext(ctx, "error shutting down webhook server", tint.Err(err))
			}
		}()
	}

	gracefulShutdownCh := make(chan struct{})
	go func() {
		stopWG.Wait()
		runtimeWG.Wait()
		close(gracefulShutdownCh)
	}()

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	for {
		select {
		case <-gracefulShutdownCh:
			logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_duration", time.Since(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			logger.WarnContext(
				ctx,
				fmt.Sprintf("time until hard shutdown: %s", time.Until(shutdownDeadline)),
			)
		case <-closeCtx.Done():
			logger.WarnContext(ctx, "handlers did not stop in time, canceling")
			cancelHandlers()
			if b.api != nil {
				_ = b.api.Close()
			}
			if b.discordWebhookServer != nil {
				_ = b.discordWebhookServer.Close()
			}
			return ErrShutdownTimeout
		}
	}
}
