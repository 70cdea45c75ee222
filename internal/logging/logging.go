// Package logging configures the process-wide slog logger and records the
// storage engine's notable events (recovery, checkpoints, corruption) with
// consistent attribute names.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Format selects the handler used by InitLogger.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

func (f Format) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger

	// Standard output carries command results, so logs go to stderr.
	output io.Writer = os.Stderr
)

func init() {
	InitLogger(slog.LevelWarn, FormatText)
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ParseFormat parses text or json. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

// New builds a logger writing to w. Timestamps are RFC 3339.
func New(w io.Writer, level slog.Level, format Format) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// InitLogger replaces the process logger and slog's default.
func InitLogger(level slog.Level, format Format) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = New(output, level, format)
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the process logger.
func GetLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return GetLogger()
	}
	return l
}

// ForTx returns l annotated with a transaction id.
func ForTx(l *slog.Logger, txid uint64) *slog.Logger {
	return orDefault(l).With("tx_id", txid)
}

// Recovery logs the outcome of replaying the write-ahead log at open.
func Recovery(l *slog.Logger, path string, replayed, skipped int, appliedLSN uint64, took time.Duration, args ...any) {
	attrs := append([]any{
		"path", path,
		"replayed_txs", replayed,
		"skipped_txs", skipped,
		"applied_lsn", appliedLSN,
		"duration_ms", took.Milliseconds(),
	}, args...)
	orDefault(l).Info("recovery", attrs...)
}

// Checkpoint logs a completed checkpoint.
func Checkpoint(l *slog.Logger, path string, safeLSN uint64, walBefore, walAfter int64, args ...any) {
	attrs := append([]any{
		"path", path,
		"safe_lsn", safeLSN,
		"wal_bytes_before", walBefore,
		"wal_bytes_after", walAfter,
	}, args...)
	orDefault(l).Info("checkpoint", attrs...)
}

// Corruption logs on-disk corruption. It is always logged at error level.
func Corruption(l *slog.Logger, component string, err error, args ...any) {
	attrs := append([]any{"component", component, "error", err.Error()}, args...)
	orDefault(l).Error("corruption", attrs...)
}
