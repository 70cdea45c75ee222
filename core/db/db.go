// Package db is the JuniperKV database handle. It ties the page store,
// B-tree, write-ahead log and transaction manager together: Open runs crash
// recovery, Begin hands out snapshot transactions, and Commit makes a
// writer's changes durable and visible.
package db

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
	"github.com/FocuswithJustin/JuniperKV/core/storage/btree"
	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
	"github.com/FocuswithJustin/JuniperKV/core/storage/txn"
	"github.com/FocuswithJustin/JuniperKV/core/storage/wal"
	"github.com/FocuswithJustin/JuniperKV/internal/logging"
)

// WALSuffix is appended to the database path to name its log.
const WALSuffix = ".wal"

// DB is an open database. It is safe for concurrent use; any number of
// read-only transactions run alongside at most one read-write transaction.
type DB struct {
	path  string
	cfg   Config
	log   *slog.Logger
	pager *pager.Pager
	wal   *wal.Log
	txm   *txn.Manager

	// appliedLSN is owned by whoever holds the writer slot.
	appliedLSN uint64

	mu     sync.Mutex
	closed bool
	failed error
}

// Stats describes an open database.
type Stats struct {
	Path          string
	Version       uint64
	Root          pager.PageID
	AppliedLSN    uint64
	NextLSN       uint64
	WALBytes      int64
	ActiveReaders int // unfinished read-only transactions
	Pager         pager.Stats
}

// RecoveryReport summarizes what Open replayed from the log.
type RecoveryReport struct {
	Replayed  int
	Skipped   int
	Discarded int
	Truncated bool
}

// Open opens the database at path, creating it when it does not exist, and
// brings it up to date with its write-ahead log.
func Open(path string, cfg Config) (*DB, error) {
	db, _, err := OpenWithReport(path, cfg)
	return db, err
}

// OpenWithReport is Open that also reports what recovery did.
func OpenWithReport(path string, cfg Config) (*DB, RecoveryReport, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = pager.DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	log := cfg.Logger.With("db", path)

	fresh := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		fresh = false
	}

	p, err := pager.Open(path, pager.Options{
		PageSize:  cfg.PageSize,
		CacheSize: cfg.CacheSize,
		ReadOnly:  cfg.ReadOnly,
		Logger:    log,
	})
	if err != nil {
		return nil, RecoveryReport{}, err
	}
	h := p.Header()

	l, err := wal.Open(path+WALSuffix, wal.Options{
		SyncMode: cfg.WALSyncMode,
		FileID:   h.FileID,
		Reset:    fresh,
		Archive:  cfg.ArchiveWAL,
		Strict:   cfg.StrictRecovery,
		ReadOnly: cfg.ReadOnly,
		Logger:   log,
	})
	if err != nil {
		p.Close()
		return nil, RecoveryReport{}, err
	}

	db := &DB{
		path:       path,
		cfg:        cfg,
		log:        log,
		pager:      p,
		wal:        l,
		txm:        txn.NewManager(txn.Snapshot{Version: h.Version, Root: h.Root}),
		appliedLSN: h.AppliedLSN,
	}

	report, err := db.recover()
	if err != nil {
		l.Close()
		p.Close()
		return nil, report, err
	}
	return db, report, nil
}

// committedTx is one transaction rebuilt from the log.
type committedTx struct {
	id        uint64
	ops       []wal.Entry
	commitLSN uint64
}

// recover replays committed transactions the pages do not yet reflect.
func (db *DB) recover() (RecoveryReport, error) {
	start := time.Now()
	var report RecoveryReport

	if !db.cfg.ReadOnly && !db.pager.FreelistValid() {
		if err := db.rebuildFreelist(); err != nil {
			return report, err
		}
	}

	entries, err := db.wal.Replay()
	if err != nil {
		var ce *jerrors.CorruptionError
		if !errors.As(err, &ce) {
			return report, err
		}
		logging.Corruption(db.log, "wal", err, "surviving_entries", len(entries))
		if db.cfg.StrictRecovery {
			return report, err
		}
		report.Truncated = true
	}

	committed, discarded := groupCommitted(entries)
	report.Discarded = discarded

	var pending []committedTx
	for _, tx := range committed {
		if tx.commitLSN <= db.appliedLSN {
			report.Skipped++
			continue
		}
		pending = append(pending, tx)
	}

	if db.cfg.ReadOnly {
		if len(pending) > 0 {
			db.log.Warn("log holds committed transactions not yet applied; open read-write to recover them",
				"unapplied_txs", len(pending))
		}
		logging.Recovery(db.log, db.path, 0, report.Skipped, db.appliedLSN, time.Since(start), "read_only", true)
		return report, nil
	}

	for _, tx := range pending {
		if err := db.apply(tx.ops, tx.commitLSN); err != nil {
			return report, err
		}
		report.Replayed++
	}
	db.wal.EnsureNext(db.appliedLSN + 1)

	if err := db.checkpointLocked(); err != nil {
		return report, err
	}
	logging.Recovery(db.log, db.path, report.Replayed, report.Skipped, db.appliedLSN, time.Since(start),
		"discarded_txs", report.Discarded, "truncated", report.Truncated)
	return report, nil
}

// groupCommitted collects each transaction's operations and returns those
// with a commit marker and no later abort marker, in commit order. discarded
// counts transactions that were left unfinished or aborted.
func groupCommitted(entries []wal.Entry) ([]committedTx, int) {
	ops := make(map[uint64][]wal.Entry)
	aborted := make(map[uint64]bool)
	var order []committedTx
	seen := make(map[uint64]bool)

	for _, e := range entries {
		seen[e.TxID] = true
		switch e.Op {
		case wal.OpPut, wal.OpDelete:
			ops[e.TxID] = append(ops[e.TxID], e)
		case wal.OpCommit:
			order = append(order, committedTx{id: e.TxID, ops: ops[e.TxID], commitLSN: e.LSN})
		case wal.OpAbort:
			aborted[e.TxID] = true
		}
	}

	committed := order[:0]
	for _, tx := range order {
		if !aborted[tx.id] {
			committed = append(committed, tx)
		}
	}
	return committed, len(seen) - len(committed)
}

// rebuildFreelist recomputes the free list from the pages reachable from
// the committed root.
func (db *DB) rebuildFreelist() error {
	tree := btree.New(db.pager, db.pager.Header().Root)
	err := db.pager.RebuildFreelist(func(visit func(pager.PageID)) error {
		return tree.Walk(func(info btree.PageInfo) error {
			visit(info.ID)
			return nil
		})
	})
	if err != nil {
		return err
	}
	return db.pager.SyncFreelist()
}

// apply writes ops into a new tree version and commits the header. The
// caller owns the writer slot. On failure before the header is written the
// page allocation state is rolled back.
func (db *DB) apply(ops []wal.Entry, commitLSN uint64) error {
	snap := db.txm.Current()
	mark := db.pager.Mark()
	w := btree.NewWriter(db.pager, snap.Root)

	for _, e := range ops {
		var err error
		switch e.Op {
		case wal.OpPut:
			err = w.Insert(e.Key, e.Value, e.LSN)
		case wal.OpDelete:
			err = w.Delete(e.Key, e.LSN)
			if errors.Is(err, jerrors.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			db.pager.Restore(mark)
			return err
		}
	}

	root, err := w.Flush()
	if err == nil {
		err = db.pager.Sync()
	}
	if err != nil {
		db.pager.Restore(mark)
		return err
	}

	h := db.pager.Header()
	h.Root = root
	h.Version = snap.Version + 1
	h.AppliedLSN = commitLSN
	if err := db.pager.CommitHeader(h); err != nil {
		db.pager.Restore(mark)
		return err
	}
	db.appliedLSN = commitLSN

	db.pager.Release(h.Version, w.Freed())
	db.pager.Reclaim(db.txm.OldestPinned())
	if err := db.pager.SyncFreelist(); err != nil {
		// The commit is durable; the next open rebuilds a stale free list.
		db.log.Warn("free list sync failed", "version", h.Version, "error", err)
	}

	db.txm.Publish(txn.Snapshot{Version: h.Version, Root: root})
	return nil
}

// Begin starts a transaction. A read-write transaction takes the writer
// slot according to the configured contention policy.
func (db *DB) Begin(ctx context.Context, mode Mode) (*Tx, error) {
	if err := db.usable(mode); err != nil {
		return nil, err
	}
	t, err := db.txm.Begin(ctx, mode, db.cfg.ContentionPolicy)
	if err != nil {
		return nil, err
	}
	// State may have changed while waiting for the writer slot.
	if err := db.usable(mode); err != nil {
		db.txm.Finish(t, txn.Aborted)
		return nil, err
	}
	return &Tx{db: db, tx: t, tree: btree.New(db.pager, t.Snapshot().Root)}, nil
}

func (db *DB) usable(mode Mode) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return jerrors.ErrClosed
	}
	if mode == ReadWrite {
		if db.cfg.ReadOnly {
			return jerrors.Wrap(jerrors.ErrReadOnly, "database opened read-only")
		}
		if db.failed != nil {
			return db.failed
		}
	}
	return nil
}

// fail records a fatal write-path error. Later writers get it back; readers
// keep working on the last published snapshot.
func (db *DB) fail(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failed == nil {
		db.failed = jerrors.Wrap(err, "database write path failed; reopen to recover")
		db.log.Error("write path failed", "error", err)
	}
}

// Err returns the sticky write-path error, if any.
func (db *DB) Err() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.failed
}

// Update runs fn in a read-write transaction and commits it when fn
// returns nil.
func (db *DB) Update(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx, ReadWrite)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx, ReadOnly)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Checkpoint truncates the log to the entries not yet reflected in the
// pages. It waits for any active writer to finish.
func (db *DB) Checkpoint(ctx context.Context) error {
	if err := db.usable(ReadWrite); err != nil {
		return err
	}
	if err := db.txm.AcquireWriter(ctx, txn.Wait, 0); err != nil {
		return err
	}
	defer db.txm.ReleaseWriter()
	if err := db.usable(ReadWrite); err != nil {
		return err
	}
	return db.checkpointLocked()
}

// checkpointLocked requires the writer slot. With no transaction in flight
// every logged entry is either applied or belongs to a transaction that
// never committed, so the whole log is safe to drop.
func (db *DB) checkpointLocked() error {
	before := db.wal.Size()
	safe := db.wal.NextLSN() - 1
	if err := db.pager.Sync(); err != nil {
		return err
	}
	if err := db.wal.Checkpoint(safe); err != nil {
		return err
	}
	logging.Checkpoint(db.log, db.path, safe, before, db.wal.Size())
	return nil
}

// maybeCheckpoint runs an automatic checkpoint once the log is large.
func (db *DB) maybeCheckpoint() {
	if db.cfg.CheckpointBytes <= 0 || db.wal.Size() < db.cfg.CheckpointBytes {
		return
	}
	if err := db.checkpointLocked(); err != nil {
		db.log.Warn("automatic checkpoint failed", "error", err)
	}
}

// Walk calls fn for every page of the current snapshot's tree.
func (db *DB) Walk(fn func(btree.PageInfo) error) error {
	if err := db.usable(ReadOnly); err != nil {
		return err
	}
	snap := db.txm.Pin()
	defer db.txm.Unpin(snap)
	return btree.New(db.pager, snap.Root).Walk(fn)
}

// Check verifies the structure of the current snapshot's tree.
func (db *DB) Check() error {
	if err := db.usable(ReadOnly); err != nil {
		return err
	}
	snap := db.txm.Pin()
	defer db.txm.Unpin(snap)
	return btree.New(db.pager, snap.Root).Check()
}

// Stats returns a point-in-time description of the database.
func (db *DB) Stats() Stats {
	snap := db.txm.Current()
	h := db.pager.Header()
	return Stats{
		Path:          db.path,
		Version:       snap.Version,
		Root:          snap.Root,
		AppliedLSN:    h.AppliedLSN,
		NextLSN:       db.wal.NextLSN(),
		WALBytes:      db.wal.Size(),
		ActiveReaders: db.txm.Readers(),
		Pager:         db.pager.Stats(),
	}
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// WALPath returns the write-ahead log path.
func (db *DB) WALPath() string { return db.wal.Path() }

// PageSize returns the page size of the database file.
func (db *DB) PageSize() int { return db.pager.PageSize() }

// Close waits for the active writer, checkpoints and closes the files.
// Transactions still open afterwards fail with ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	failed := db.failed
	db.mu.Unlock()

	var errs []error
	if !db.cfg.ReadOnly {
		if err := db.txm.AcquireWriter(context.Background(), txn.Wait, 0); err == nil {
			if failed == nil {
				errs = append(errs, db.checkpointLocked())
			}
			db.txm.ReleaseWriter()
		}
	}
	errs = append(errs, db.wal.Close(), db.pager.Close())
	return errors.Join(errs...)
}
