package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

func parseLogLevel(input string) (slog.Level, string, error) {
	level := strings.ToLower(strings.TrimSpace(input))
	switch level {
	case "", "info":
		return slog.LevelInfo, "info", nil
	case "debug":
		return slog.LevelDebug, "debug", nil
	case "warn", "warning":
		return slog.LevelWarn, "warn", nil
	case "error", "err":
		return slog.LevelError, "error", nil
	default:
		return slog.LevelInfo, "", fmt.Errorf("unsupported log level %q", input)
	}
}

// newLogger builds the process logger. A non-empty override wins over the
// configured level.
func newLogger(w io.Writer, configured, override string) (*slog.Logger, error) {
	input := configured
	if override != "" {
		input = override
	}
	level, _, err := parseLogLevel(input)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
