package chitchat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// newLogHandler returns the tint handler every subsystem logger is built on.
// A nil level falls back to [DefaultLogLevel].
func newLogHandler(level slog.Leveler) slog.Handler {
	if level == nil {
		level = DefaultLogLevel
	}
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// newSubsystemLogger returns a logger for the named subsystem, with its own
// level.
func newSubsystemLogger(name string, level *slog.LevelVar) *slog.Logger {
	var leveler slog.Leveler
	if level != nil {
		leveler = level
	}
	return slog.New(newLogHandler(leveler)).With(loggerNameKey, name)
}

// discordgoLoggerFunc adapts discordgo's package-level logger to slog.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(msgL int, _ int, format string, args ...any) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// discordgoLogLevel maps a slog level onto discordgo's integer levels
func discordgoLogLevel(lvl slog.Level) (int, error) {
	switch lvl {
	case slog.LevelDebug:
		return discordgo.LogDebug, nil
	case slog.LevelInfo:
		return discordgo.LogInformational, nil
	case slog.LevelWarn:
		return discordgo.LogWarning, nil
	case slog.LevelError:
		return discordgo.LogError, nil
	default:
		return discordgo.LogWarning, fmt.Errorf("invalid log level: %s", lvl)
	}
}
