package db

import (
	"errors"
	"fmt"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
	"github.com/FocuswithJustin/JuniperKV/core/storage/btree"
	"github.com/FocuswithJustin/JuniperKV/core/storage/txn"
	"github.com/FocuswithJustin/JuniperKV/core/storage/wal"
	"github.com/FocuswithJustin/JuniperKV/internal/logging"
)

// Tx is a transaction over one snapshot. A Tx must not be used from more
// than one goroutine at a time.
type Tx struct {
	db   *DB
	tx   *txn.Tx
	tree *btree.Tree
}

// ID returns the transaction id.
func (t *Tx) ID() uint64 { return t.tx.ID() }

// Mode returns ReadOnly or ReadWrite.
func (t *Tx) Mode() Mode { return t.tx.Mode() }

// State returns the lifecycle state.
func (t *Tx) State() State { return t.tx.State() }

// Version returns the snapshot version the transaction reads.
func (t *Tx) Version() uint64 { return t.tx.Snapshot().Version }

func (t *Tx) active() error {
	if t.tx.State() != txn.Active {
		return jerrors.ErrTxDone
	}
	return t.db.usable(ReadOnly)
}

func (t *Tx) writable() error {
	if err := t.active(); err != nil {
		return err
	}
	if t.tx.Mode() != ReadWrite {
		return jerrors.Wrap(jerrors.ErrReadOnly, "read-only transaction")
	}
	return nil
}

// Get returns the value for key as seen by this transaction, including its
// own uncommitted writes.
func (t *Tx) Get(key []byte) ([]byte, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if ws := t.tx.Writes(); ws != nil {
		if v, deleted, ok := ws.Lookup(key); ok {
			if deleted {
				return nil, jerrors.NewNotFound("key", fmt.Sprintf("%q", key))
			}
			return v, nil
		}
	}
	return t.tree.Get(key)
}

// Insert stores value under key, replacing any existing value.
func (t *Tx) Insert(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	if err := btree.CheckRecord(t.db.pager.PageSize(), key, value); err != nil {
		return err
	}
	t.tx.Writes().Put(key, value)
	return nil
}

// Delete removes key. It returns a NotFoundError when the key is not
// visible to this transaction.
func (t *Tx) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	if len(key) == 0 {
		return jerrors.NewValidation("key", "key must not be empty")
	}
	if _, err := t.Get(key); err != nil {
		return err
	}
	t.tx.Writes().Delete(key)
	return nil
}

// Scan returns an iterator over keys in [start, end] in ascending order.
// A nil bound is open. The iterator sees this transaction's own writes.
func (t *Tx) Scan(start, end []byte) *Iterator {
	if err := t.active(); err != nil {
		return &Iterator{t: t, err: err}
	}
	var pending []txn.Op
	if ws := t.tx.Writes(); ws != nil {
		pending = ws.Final(start, end)
	}
	return &Iterator{t: t, it: txn.Merge(t.tree.Scan(start, end), pending)}
}

// Rollback discards the transaction. It returns ErrTxDone if the
// transaction already finished.
func (t *Tx) Rollback() error {
	if !t.db.txm.Finish(t.tx, txn.Aborted) {
		return jerrors.ErrTxDone
	}
	return nil
}

// Commit makes the transaction's writes durable and visible to
// transactions that begin afterwards. A read-only or empty transaction
// just finishes.
func (t *Tx) Commit() error {
	if !t.tx.StartCommit() {
		return jerrors.ErrTxDone
	}
	ws := t.tx.Writes()
	if ws == nil || ws.Len() == 0 {
		t.db.txm.Finish(t.tx, txn.Committed)
		return nil
	}
	if err := t.db.usable(ReadWrite); err != nil {
		t.db.txm.Finish(t.tx, txn.Aborted)
		return err
	}

	err := t.db.commit(t.tx.ID(), ws.Ops())
	if err != nil {
		t.db.txm.Finish(t.tx, txn.Aborted)
		return err
	}
	t.db.maybeCheckpoint()
	t.db.txm.Finish(t.tx, txn.Committed)
	return nil
}

var walFlush = (*wal.Log).Flush

// commit logs ops, then applies them. The caller owns the writer slot.
func (db *DB) commit(txid uint64, ops []txn.Op) error {
	mark := db.wal.Offset()
	entries := make([]wal.Entry, 0, len(ops))
	for _, op := range ops {
		e := wal.Entry{TxID: txid, Op: wal.OpPut, Key: op.Key, Value: op.Value}
		if op.Kind == txn.OpDelete {
			e = wal.Entry{TxID: txid, Op: wal.OpDelete, Key: op.Key}
		}
		lsn, err := db.wal.Append(e)
		if err != nil {
			return errors.Join(err, db.wal.Rewind(mark))
		}
		e.LSN = lsn
		entries = append(entries, e)
	}
	commitLSN, err := db.wal.Append(wal.Entry{TxID: txid, Op: wal.OpCommit})
	if err == nil {
		err = walFlush(db.wal, commitLSN)
	}
	if err != nil {
		return errors.Join(err, db.wal.Rewind(mark))
	}

	log := logging.ForTx(db.log, txid)
	if err := db.apply(entries, commitLSN); err != nil {
		// The commit marker is durable, so cancel it before refusing more
		// writes. Without the abort marker recovery replays the transaction.
		if lsn, aerr := db.wal.Append(wal.Entry{TxID: txid, Op: wal.OpAbort}); aerr == nil {
			if ferr := db.wal.Flush(lsn); ferr != nil {
				log.Warn("abort marker not flushed", "error", ferr)
			}
		}
		db.fail(err)
		return err
	}
	log.Debug("committed", "ops", len(entries), "lsn", commitLSN)
	return nil
}

// Iterator walks a transaction's view of a key range. It must be closed,
// and becomes invalid once the transaction finishes.
type Iterator struct {
	t   *Tx
	it  *txn.MergedIterator
	err error
}

// Next advances to the next key.
func (it *Iterator) Next() bool {
	if it.err != nil || it.it == nil {
		return false
	}
	if err := it.t.active(); err != nil {
		it.err = err
		return false
	}
	return it.it.Next()
}

// Seek repositions at the first key >= key. The next call to Next yields it.
func (it *Iterator) Seek(key []byte) {
	if it.it != nil {
		it.it.Seek(key)
	}
}

// Key returns the current key.
func (it *Iterator) Key() []byte {
	if it.it == nil {
		return nil
	}
	return it.it.Key()
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if it.it == nil {
		return nil
	}
	return it.it.Value()
}

// Err returns the first error hit while iterating.
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	if it.it != nil {
		return it.it.Err()
	}
	return nil
}

// Close releases the iterator.
func (it *Iterator) Close() error {
	if it.it == nil {
		return nil
	}
	return it.it.Close()
}
