package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// newDaemonLogger builds the daemon's slog logger: stderr plus a
// daemon.log file in the consult home, level from CONSULT_LOG_LEVEL,
// JSON output when CONSULT_LOG_JSON is set. The returned closer flushes
// and closes the log file.
func newDaemonLogger(dir string) (*slog.Logger, func(), error) {
	level := parseLevel(viper.GetString("log-level"))

	logPath := filepath.Join(dir, "daemon.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", logPath, err)
	}

	out := io.MultiWriter(os.Stderr, file)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if viper.GetBool("log-json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, func() { _ = file.Close() }, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
