package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/akosk/ChitChat/chitchat"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	// Save the original environment
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)

	// Clear the environment before the test
	os.Clearenv()

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General config

CC_LOG_LEVEL=DEBUG
CC_STARTUP_TIMEOUT=30s
CC_SHUTDOWN_TIMEOUT=60s
CC_DEVELOPMENT=true

# Original names still work
BOT_TOKEN=your-discord-bot-token
GUILD_ID=123456789
OPENAI_API_KEY=your-openai-key
MEME_API_URL=http://memes.internal:8000/memes

# OpenAI config

CC_OPENAI_LOG_LEVEL=WARN
CC_OPENAI_MODEL=gpt-4o
CC_OPENAI_MAX_OUTPUT_TOKENS=256
CC_OPENAI_TIMEOUT=20s

# Discord bot config

CC_DISCORD_APPLICATION_ID=your-discord-bot-app-id
CC_DISCORD_LOG_LEVEL=WARN
CC_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
CC_DISCORD_STARTUP_MESSAGE="Megjöttem!"
CC_DISCORD_NOTIFICATION_CHANNEL_ID=987654321
CC_DISCORD_GATEWAY_INTENTS=37377

# Discord webhook server

CC_DISCORD_WEBHOOK_SERVER_ENABLED=true
CC_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5101
CC_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
CC_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
CC_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=15s

# Upstreams

CC_JOKE_TIMEOUT=3s
CC_CAT_URL=https://cats.example.com/cat
CC_MEMES_DAYS_BACK=14
CC_MEMES_MAX_MEMES=3

# Relay

CC_MODERATION_TRANSLATE=false

# API server

CC_API_LISTEN=127.0.0.1:5100
CC_API_LOG_LEVEL=DEBUG
CC_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
CC_API_CORS_ALLOW_METHODS=GET HEAD OPTIONS
CC_API_CORS_MAX_AGE=1h
`

	err := os.WriteFile(envFile, []byte(envContent), 0o600)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("openai.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))

	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Development)
	assert.True(t, cfg.RecoverPanic)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "123456789", cfg.Discord.GuildID)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "Megjöttem!", cfg.Discord.StartupMessage)
	assert.Equal(t, "987654321", cfg.Discord.NotificationChannelID)
	assert.Equal(t, discordgo.Intent(37377), cfg.Discord.GatewayIntents)

	assert.True(t, cfg.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5101", cfg.Discord.WebhookServer.Listen)
	assert.Equal(t, "your_discord_public_key_here", cfg.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 15*time.Second, cfg.Discord.WebhookServer.WriteTimeout)
	assert.Equal(t, chitchat.DefaultReadTimeout, cfg.Discord.WebhookServer.ReadTimeout)

	assert.Equal(t, "your-openai-key", cfg.OpenAI.Token)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, chitchat.DefaultOpenAITranslationModel, cfg.OpenAI.TranslationModel)
	assert.Equal(t, 256, cfg.OpenAI.MaxOutputTokens)
	assert.Equal(t, 20*time.Second, cfg.OpenAI.Timeout)
	assert.Equal(t, slog.LevelWarn, cfg.OpenAI.LogLevel.Level())

	assert.Equal(t, chitchat.DefaultJokeURL, cfg.Joke.URL)
	assert.Equal(t, 3*time.Second, cfg.Joke.Timeout)
	assert.Equal(t, "https://cats.example.com/cat", cfg.Cat.URL)
	assert.Equal(t, "http://memes.internal:8000/memes", cfg.Memes.URL)
	assert.Equal(t, chitchat.DefaultMemesTimeout, cfg.Memes.Timeout)
	assert.Equal(t, 14, cfg.Memes.DaysBack)
	assert.Equal(t, 3, cfg.Memes.MaxMemes)

	assert.True(t, cfg.Moderation.Enabled)
	assert.False(t, cfg.Moderation.Translate)
	assert.True(t, cfg.Moderation.Reactions)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5100", cfg.API.Listen)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "HEAD", "OPTIONS"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, chitchat.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})

	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: " Warn ", want: slog.LevelWarn},
		{input: "ERROR", want: slog.LevelError},
		{input: "LOUD", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				rv, err := hook(reflect.TypeOf(""), levelVarType, tc.input)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assertLogLevel(t, tc.want, rv)
			},
		)
	}

	t.Run(
		"other types pass through", func(t *testing.T) {
			rv, err := hook(reflect.TypeOf(""), reflect.TypeOf(""), "DEBUG")
			require.NoError(t, err)
			assert.Equal(t, "DEBUG", rv)

			rv, err = hook(reflect.TypeOf(1), levelVarType, 1)
			require.NoError(t, err)
			assert.Equal(t, 1, rv)
		},
	)
}
