// Package telemetry builds the process-wide structured logger. Records are
// JSON lines appended to ~/.taskforge/logs/system.jsonl, mirrored to stdout
// unless quiet, with secret-bearing keys and values scrubbed before they are
// written anywhere.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskforge/internal/shared"
)

const logFileName = "system.jsonl"

// Keys containing any of these substrings have their values replaced
// wholesale, whatever the value looks like.
var sensitiveKeyTokens = []string{
	"token", "secret", "password", "authorization",
	"api_key", "apikey", "bearer", "private_key",
}

// logLevel is the live level of the logger built by NewLogger. SetLevel
// adjusts it without rebuilding the handler, which is how config reloads
// change verbosity on a running process.
var logLevel = new(slog.LevelVar)

// SetLevel re-applies a level string to the process logger. Unknown strings
// fall back to info, same as NewLogger.
func SetLevel(level string) {
	logLevel.Set(parseLevel(level))
}

// NewLogger opens the log file under homeDir and returns a logger plus the
// closer for the underlying file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}

	logLevel.Set(parseLevel(level))
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       logLevel,
		ReplaceAttr: scrubAttr,
	})
	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if scrubbed, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// scrubValue redacts auth material embedded in otherwise innocent values:
// bearer tokens, authorization headers, PEM blocks, key=value secrets.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if scrubbed := shared.Redact(v); scrubbed != v {
		return scrubbed, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
