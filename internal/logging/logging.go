package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ForComponent returns a child of the default logger tagged with the
// component name. Engine components log through this so ledger audit and
// stderr output stay correlated.
func ForComponent(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Setup installs the global slog logger. Output always goes to stderr;
// when logFile is set it is mirrored there as well so a long migration
// run leaves a reviewable trail next to its validation reports.
func Setup(level, logFile string) {
	var writer io.Writer = os.Stderr
	if logFile != "" {
		if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			writer = io.MultiWriter(os.Stderr, f)
		}
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
