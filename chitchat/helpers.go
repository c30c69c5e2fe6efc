package chitchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const loggerContextKey contextKey = "logger"

type contextKey string

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// loggerFromContext is [ContextLogger], falling back to fallback and then
// to slog.Default()
func loggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// shortenString fits s into limit characters.
//
// Double newlines and bold markers are dropped first. If that isn't enough,
// the text is cut and a marker appended so readers know it was truncated.
func shortenString(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "**", "")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	suffix := []rune("\n\n**(output limit reached)**")
	if limit-len(suffix) <= 0 {
		return strings.TrimSpace(truncate(s, limit))
	}
	return strings.TrimSpace(truncate(s, limit-len(suffix)) + string(suffix))
}

// truncate shortens the input string to a specified number of characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ellipsize is truncate with a trailing ellipsis when anything was cut.
func ellipsize(s string, n int) string {
	if n <= 1 || utf8.RuneCountInString(s) <= n {
		return truncate(s, n)
	}
	return strings.TrimSpace(truncate(s, n-1)) + "…"
}

// discordInteractionOptions extracts the interaction options from a
// Discord interaction, keyed by option name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Guild interactions carry the user on the member, DMs carry it directly.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// messageAuthor is getDiscordUser for messages
func messageAuthor(m *discordgo.Message) *discordgo.User {
	u := m.Author
	if u == nil && m.Member != nil {
		u = m.Member.User
	}
	return u
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		logAttrs = append(logAttrs, "command", i.ApplicationCommandData().Name)
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	return logAttrs
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{
		"id", m.ID,
		"channel_id", m.ChannelID,
	}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if u := messageAuthor(m); u != nil {
		attrs = append(attrs, slog.Group("author", "id", u.ID, "username", u.Username))
	}
	return attrs
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}
	// LevelVar and friends render better through their own String method
	if s, ok := v.(fmt.Stringer); ok && typ.NumField() > 0 && !typ.Field(0).IsExported() {
		return slog.StringValue(s.String())
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		jsonTag, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if jsonTag == "-" {
			continue
		}
		if jsonTag == "" {
			jsonTag = field.Name
		}

		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(
				groupAttrs,
				slog.Attr{Key: jsonTag, Value: slog.StringValue(logTag)},
			)
			continue
		}

		switch fv.Kind() {
		case reflect.Ptr, reflect.Interface:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		default:
		}

		groupAttrs = append(
			groupAttrs,
			slog.Attr{Key: jsonTag, Value: structToSlogValue(fv.Interface())},
		)
	}
	return slog.GroupValue(groupAttrs...)
}

// handleRecover logs a recovered panic along with its stack trace
func handleRecover(ctx context.Context, rc any) {
	logger := loggerFromContext(ctx, nil)
	stackTrace := string(debug.Stack())

	switch e := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(e), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(e)),
			"stack_trace", stackTrace,
		)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
