//nolint:lll // struct tags can't be split
package chitchat

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix     = "CHITCHAT_ENV_PREFIX"
	DefaultEnvPrefix       = "CC"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordLogLevel            = slog.LevelInfo
	DefaultDiscordgoLogLevel          = slog.LevelWarn
	DefaultDiscordWebhookLogLevel     = slog.LevelInfo
	DefaultDiscordWebhookServerListen = "127.0.0.1:5001"
	DefaultDiscordStartupMessage      = "Itt vagyok!"
	DefaultDiscordGatewayIntent       = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentsMessageContent

	DefaultOpenAILogLevel             = slog.LevelInfo
	DefaultOpenAIModel                = "gpt-5.1"
	DefaultOpenAITranslationModel     = "gpt-4o-mini"
	DefaultOpenAIModerationModel      = "omni-moderation-latest"
	DefaultOpenAIMaxOutputTokens      = 512
	DefaultOpenAIMaxRequestsPerSecond = 5
	DefaultOpenAITimeout              = 60 * time.Second

	DefaultJokeURL     = "https://official-joke-api.appspot.com/jokes/random"
	DefaultJokeTimeout = 10 * time.Second
	DefaultCatURL      = "https://cataas.com/cat"
	DefaultCatTimeout  = 10 * time.Second

	DefaultMemesURL      = "http://127.0.0.1:8000/memes"
	DefaultMemesTimeout  = 180 * time.Second
	DefaultMemesDaysBack = 7
	DefaultMemesMax      = 5

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"

	discordMaxMessageLength = 2000
)

var structValidator = validator.New()

// DiscordInteractionReceiveMethod is how an interaction reached the bot
type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Discord configures the bot user, gateway and command registration
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// OpenAI configures text generation, translation and moderation
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai" binding:"required"`

	// Joke configures the /joke upstream
	Joke *UpstreamConfig `yaml:"joke" mapstructure:"joke" json:"joke" binding:"required"`

	// Cat configures the /cat upstream
	Cat *UpstreamConfig `yaml:"cat" mapstructure:"cat" json:"cat" binding:"required"`

	// Memes configures the /memes upstream and its option defaults
	Memes *MemesConfig `yaml:"memes" mapstructure:"memes" json:"memes" binding:"required"`

	// Moderation toggles the message relay
	Moderation *ModerationConfig `yaml:"moderation" mapstructure:"moderation" json:"moderation" binding:"required"`

	// API configures the status/metrics server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long connecting to discord and registering
	// commands may take before Run gives up.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is how long in-flight handlers get to finish after
	// the bot is asked to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// RecoverPanic recovers and logs panics in event handlers instead of
	// crashing the process
	RecoverPanic bool `yaml:"recover_panic" mapstructure:"recover_panic" json:"recover_panic"`

	// Development enables gin debug mode and pprof on the API
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config against its `binding` tags, along with a few
// constraints the tags can't express.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	var errs []error
	if err := structValidator.Struct(c); err != nil {
		errs = append(errs, err)
	}
	if c.Discord != nil && c.Moderation != nil &&
		(c.Moderation.Enabled || c.Moderation.Reactions) &&
		c.Discord.GatewayIntents&discordgo.IntentsGuildMessages == 0 {
		errs = append(
			errs,
			errors.New("moderation and keyword reactions need the guild messages gateway intent"),
		)
	}
	return errors.Join(errs...)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the guild the slash commands are registered to
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Sent to NotificationChannelID on every gateway connect, if both are set
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. Message content is privileged, and must also
	// be enabled in the developer portal for the relay to see message text.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the optional HTTP endpoint
// discord can deliver interactions to, instead of the gateway.
type DiscordWebhookServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// OpenAIConfig configures the OpenAI-compatible completion and moderation API
type OpenAIConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API base, for OpenAI-compatible gateways
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Model used for /gpt and for rewriting flagged messages
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// TranslationModel is the cheaper model used to translate messages
	// to English ahead of moderation
	TranslationModel string `yaml:"translation_model" mapstructure:"translation_model" json:"translation_model" binding:"required"`

	ModerationModel string `yaml:"moderation_model" mapstructure:"moderation_model" json:"moderation_model" binding:"required"`

	MaxOutputTokens int `yaml:"max_output_tokens" mapstructure:"max_output_tokens" json:"max_output_tokens" binding:"min=1"`

	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`

	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`
}

// UpstreamConfig is a plain HTTP API the bot calls on behalf of a command
type UpstreamConfig struct {
	URL     string        `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`
}

// MemesConfig configures the meme aggregation endpoint used by /memes
type MemesConfig struct {
	URL     string        `yaml:"url" mapstructure:"url" json:"url" binding:"required,url"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=1s"`

	// Used when the command is invoked without the matching option
	DaysBack int `yaml:"days_back" mapstructure:"days_back" json:"days_back" binding:"min=1,max=365"`
	MaxMemes int `yaml:"max_memes" mapstructure:"max_memes" json:"max_memes" binding:"min=1,max=25"`
}

// ModerationConfig controls the relay applied to every guild message
type ModerationConfig struct {
	// Enabled turns classification and rewriting on or off. Keyword
	// reactions are controlled separately by Reactions.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Translate runs messages through OpenAIConfig.TranslationModel
	// before classifying them
	Translate bool `yaml:"translate" mapstructure:"translate" json:"translate"`

	Reactions bool `yaml:"reactions" mapstructure:"reactions" json:"reactions"`
}

// APIConfig configures the status server (health check, metrics)
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func levelVar(lvl slog.Level) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(lvl)
	return v
}

// DefaultConfig returns a Config with all default settings populated.
// Credentials and the guild ID are left empty.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        levelVar(DefaultLogLevel),
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		RecoverPanic:    true,
		Discord: &DiscordConfig{
			WebhookServer: DiscordWebhookServerConfig{
				Listen:            DefaultDiscordWebhookServerListen,
				LogLevel:          levelVar(DefaultDiscordWebhookLogLevel),
				ReadTimeout:       DefaultReadTimeout,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          levelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: levelVar(DefaultDiscordgoLogLevel),
			StartupMessage:    DefaultDiscordStartupMessage,
		},
		OpenAI: &OpenAIConfig{
			LogLevel:             levelVar(DefaultOpenAILogLevel),
			Model:                DefaultOpenAIModel,
			TranslationModel:     DefaultOpenAITranslationModel,
			ModerationModel:      DefaultOpenAIModerationModel,
			MaxOutputTokens:      DefaultOpenAIMaxOutputTokens,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
			Timeout:              DefaultOpenAITimeout,
		},
		Joke: &UpstreamConfig{URL: DefaultJokeURL, Timeout: DefaultJokeTimeout},
		Cat:  &UpstreamConfig{URL: DefaultCatURL, Timeout: DefaultCatTimeout},
		Memes: &MemesConfig{
			URL:      DefaultMemesURL,
			Timeout:  DefaultMemesTimeout,
			DaysBack: DefaultMemesDaysBack,
			MaxMemes: DefaultMemesMax,
		},
		Moderation: &ModerationConfig{
			Enabled:   true,
			Translate: true,
			Reactions: true,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          levelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

//nolint:gochecknoinits // validator tag name
func init() {
	structValidator.SetTagName("binding")
}
