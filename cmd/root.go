package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/akosk/ChitChat/chitchat"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = chitchat.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"openai.log_level",
	"api.log_level",
}

// envAliases are environment variable names accepted in addition to the
// prefixed ones viper derives from each key
var envAliases = map[string]string{
	"discord.token":    "BOT_TOKEN",
	"discord.guild_id": "GUILD_ID",
	"openai.token":     "OPENAI_API_KEY",
	"memes.url":        "MEME_API_URL",
}

var rootCmd = &cobra.Command{
	Use:   "chitchat [flags]",
	Short: "A Discord bot with a few slash commands and a moderation relay",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := viper.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
			log.Fatalln(err)
		}
	},
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ("DEBUG", "info", ...) into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("log_level", chitchat.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", chitchat.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", chitchat.DefaultShutdownTimeout)
	viper.SetDefault("recover_panic", true)
	viper.SetDefault("development", false)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.log_level", chitchat.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		chitchat.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(chitchat.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.startup_message", chitchat.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", "")

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		chitchat.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.log_level",
		chitchat.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault("discord.webhook_server.read_timeout", chitchat.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		chitchat.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", chitchat.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", chitchat.DefaultIdleTimeout)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.log_level", chitchat.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.model", chitchat.DefaultOpenAIModel)
	viper.SetDefault("openai.translation_model", chitchat.DefaultOpenAITranslationModel)
	viper.SetDefault("openai.moderation_model", chitchat.DefaultOpenAIModerationModel)
	viper.SetDefault("openai.max_output_tokens", chitchat.DefaultOpenAIMaxOutputTokens)
	viper.SetDefault(
		"openai.max_requests_per_second",
		chitchat.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.timeout", chitchat.DefaultOpenAITimeout)

	// Upstreams
	viper.SetDefault("joke.url", chitchat.DefaultJokeURL)
	viper.SetDefault("joke.timeout", chitchat.DefaultJokeTimeout)
	viper.SetDefault("cat.url", chitchat.DefaultCatURL)
	viper.SetDefault("cat.timeout", chitchat.DefaultCatTimeout)
	viper.SetDefault("memes.url", chitchat.DefaultMemesURL)
	viper.SetDefault("memes.timeout", chitchat.DefaultMemesTimeout)
	viper.SetDefault("memes.days_back", chitchat.DefaultMemesDaysBack)
	viper.SetDefault("memes.max_memes", chitchat.DefaultMemesMax)

	// Moderation relay
	viper.SetDefault("moderation.enabled", true)
	viper.SetDefault("moderation.translate", true)
	viper.SetDefault("moderation.reactions", true)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", chitchat.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", chitchat.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", chitchat.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", chitchat.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", chitchat.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", chitchat.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", chitchat.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", chitchat.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", chitchat.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", chitchat.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", chitchat.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(chitchat.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = chitchat.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, alias := range envAliases {
		if err := viper.BindEnv(key, alias); err != nil {
			log.Fatalf("error binding %s to %s: %v", alias, key, err)
		}
	}

	// Space separated lists in the environment
	for _, key := range []string{
		"api.cors.allow_headers",
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from (default: .env)",
	)
}
