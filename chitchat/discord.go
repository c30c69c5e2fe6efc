package chitchat

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	CommandRepeat = "repeat"
	CommandJoke   = "joke"
	CommandGPT    = "gpt"
	CommandCat    = "cat"
	CommandMemes  = "memes"

	commandOptionText     = "text"
	commandOptionDaysBack = "days_back"
	commandOptionMaxMemes = "max_memes"
)

// Discord manages the gateway session, command registration and the
// connection lifecycle handlers.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	logger    *slog.Logger
	publicKey ed25519.PublicKey

	// botUserID is the bot's own user ID, as reported on Ready
	botUserID atomic.Value

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	discordgoRemoveHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, logger *slog.Logger) (*Discord, error) {
	d := &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	d.botUserID.Store("")

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		if len(publicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf(
				"invalid public key length: expected %d bytes, got %d",
				ed25519.PublicKeySize,
				len(publicKey),
			)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession creates the discordgo session backing [DiscordSession].
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}
	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// isSelf reports whether userID belongs to the bot.
func (d *Discord) isSelf(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == d.config.ApplicationID {
		return true
	}
	botID, _ := d.botUserID.Load().(string)
	return botID != "" && botID == userID
}

func guildCommandContexts() (
	*[]discordgo.InteractionContextType,
	*[]discordgo.ApplicationIntegrationType,
) {
	contexts := []discordgo.InteractionContextType{discordgo.InteractionContextGuild}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}
	return &contexts, &integrationTypes
}

// appCommands returns the slash commands registered to the guild
func (*Discord) appCommands() []*discordgo.ApplicationCommand {
	contexts, integrationTypes := guildCommandContexts()
	minLength := 1
	minDays := float64(1)
	minMemes := float64(1)

	return []*discordgo.ApplicationCommand{
		{
			Name:             CommandRepeat,
			Description:      "Megismétli, amit írtál",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         contexts,
			IntegrationTypes: integrationTypes,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionText,
					Description: "Amit meg kell ismételni",
					Required:    true,
					MinLength:   &minLength,
					MaxLength:   repeatMaxLength,
				},
			},
		},
		{
			Name:             CommandJoke,
			Description:      "Mond egy véletlen viccet",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         contexts,
			IntegrationTypes: integrationTypes,
		},
		{
			Name:             CommandGPT,
			Description:      "Kérdezz valamit a GPT-től",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         contexts,
			IntegrationTypes: integrationTypes,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        commandOptionText,
					Description: "A kérdésed",
					Required:    true,
					MinLength:   &minLength,
				},
			},
		},
		{
			Name:             CommandCat,
			Description:      "Küld egy véletlen macskás képet",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         contexts,
			IntegrationTypes: integrationTypes,
		},
		{
			Name:             CommandMemes,
			Description:      "Friss mémek az elmúlt napokból",
			Type:             discordgo.ChatApplicationCommand,
			Contexts:         contexts,
			IntegrationTypes: integrationTypes,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionDaysBack,
					Description: "Hány napra visszamenőleg",
					MinValue:    &minDays,
					MaxValue:    365,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        commandOptionMaxMemes,
					Description: "Legfeljebb hány mémet kérjen le",
					MinValue:    &minMemes,
					MaxValue:    25,
				},
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, scoped to the configured guild
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(),
		options...,
	)
	if err != nil {
		return created, fmt.Errorf("error overwriting discord commands: %w", err)
	}
	if len(created) == 0 {
		d.logger.Warn("no commands were created", "guild_id", d.config.GuildID)
	}
	return created, nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
			d.botUserID.Store(userID)
		}
		guilds := make([]string, 0, len(r.Guilds))
		for _, g := range r.Guilds {
			guilds = append(guilds, g.ID)
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", guilds,
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("connected", "session_id", sessionID)

		if d.config.NotificationChannelID == "" || d.config.StartupMessage == "" {
			return
		}
		if _, err := d.session.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		); err != nil {
			d.logger.Error("unable to send startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected")
	}
}

// DiscordSessionHandler defines the methods from `discordgo.Session` which
// are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// MessageReactionAdd reacts to a message with the given emoji
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends the initial interaction response
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a followup message to a (usually deferred)
	// interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(channelID, content, reference, options...)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference,
		)
	}
	return msg, err
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("created command", "id", c.ID, "name", c.Name, "guild_id", c.GuildID)
	}
	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

// SetIdentify replaces the identify payload. Fields left empty keep the
// values discordgo.New filled in (token, client properties and so on).
func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	current := d.session.Identify
	if i.Token == "" {
		i.Token = current.Token
	}
	if i.Properties == (discordgo.IdentifyProperties{}) {
		i.Properties = current.Properties
	}
	if i.LargeThreshold == 0 {
		i.LargeThreshold = current.LargeThreshold
	}
	if !i.Compress {
		i.Compress = current.Compress
	}
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	level, err := discordgoLogLevel(lvl)
	if err != nil {
		return err
	}
	d.session.LogLevel = level
	return nil
}
