package db

import (
	"log/slog"

	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
	"github.com/FocuswithJustin/JuniperKV/core/storage/txn"
	"github.com/FocuswithJustin/JuniperKV/core/storage/wal"
)

// Re-exported so callers configure the engine through one package.
type (
	Mode             = txn.Mode
	State            = txn.State
	ContentionPolicy = txn.ContentionPolicy
	SyncMode         = wal.SyncMode
)

const (
	ReadOnly  = txn.ReadOnly
	ReadWrite = txn.ReadWrite

	Active     = txn.Active
	Committing = txn.Committing
	Committed  = txn.Committed
	Aborted    = txn.Aborted

	Wait = txn.Wait
	Fail = txn.Fail

	SyncModeSync  = wal.SyncModeSync
	SyncModeAsync = wal.SyncModeAsync
)

// DefaultCheckpointBytes is the log size that triggers an automatic checkpoint.
const DefaultCheckpointBytes = 4 << 20

// Config holds database configuration.
type Config struct {
	// PageSize for a new database file. An existing file keeps its own.
	PageSize int

	// WALSyncMode selects whether commits fsync the log.
	WALSyncMode SyncMode

	// ContentionPolicy decides whether a second writer waits or fails.
	ContentionPolicy ContentionPolicy

	// CacheSize is the number of pages kept in memory.
	CacheSize int

	// CheckpointBytes triggers a checkpoint once the log grows past it.
	// Zero or less disables automatic checkpoints.
	CheckpointBytes int64

	// ArchiveWAL keeps checkpointed log entries as xz segments.
	ArchiveWAL bool

	// StrictRecovery makes Open fail on a corrupt log instead of
	// truncating it at the first bad entry.
	StrictRecovery bool

	// ReadOnly opens the database without write access.
	ReadOnly bool

	// Logger receives engine events. Defaults to the process logger.
	Logger *slog.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:         pager.DefaultPageSize,
		WALSyncMode:      SyncModeSync,
		ContentionPolicy: Wait,
		CacheSize:        pager.DefaultCacheSize,
		CheckpointBytes:  DefaultCheckpointBytes,
	}
}
