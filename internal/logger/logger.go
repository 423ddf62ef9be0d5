// SPDX-FileCopyrightText: 2025 The NEMB Authors
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

var logLevel slog.Level

// New builds the process logger. Format is one of "text" or "json";
// level is one of debug, info, warn, error.
func New(level, format string, w io.Writer) *slog.Logger {
	logLevel = parseLevel(level)
	return slog.New(handlerFor(format, logLevel, w))
}

// LogLevel returns the level the process logger was built with.
func LogLevel() slog.Level {
	return logLevel
}

func handlerFor(format string, level slog.Level, w io.Writer) slog.Handler {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})

	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.SourceKey {
					if src, ok := a.Value.Any().(*slog.Source); ok {
						src.File = shortSourcePath(src.File)
					}
				}
				return a
			},
		})

	default:
		panic(fmt.Sprintf("invalid log format: %s", format))
	}
}

// shortSourcePath trims an absolute source path down to the last two
// directories plus the file name
func shortSourcePath(file string) string {
	parts := strings.Split(filepath.ToSlash(file), "/")
	if len(parts) > 2 {
		return filepath.Join(parts[len(parts)-3:]...)
	}
	return filepath.Join(parts...)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
