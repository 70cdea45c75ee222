package txn

import (
	"bytes"
	"sort"
)

// OpKind is a pending mutation kind.
type OpKind uint8

const (
	OpPut OpKind = iota + 1
	OpDelete
)

// Op is one pending mutation.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// WriteSet holds the uncommitted writes of a transaction: the operations in
// issue order, and the latest operation per key for reads.
type WriteSet struct {
	ops    []Op
	latest map[string]int
}

// NewWriteSet returns an empty write set.
func NewWriteSet() *WriteSet {
	return &WriteSet{latest: make(map[string]int)}
}

// Put records a put of value under key. Both are copied.
func (w *WriteSet) Put(key, value []byte) {
	w.add(Op{Kind: OpPut, Key: bytes.Clone(key), Value: append([]byte{}, value...)})
}

// Delete records a delete of key.
func (w *WriteSet) Delete(key []byte) {
	w.add(Op{Kind: OpDelete, Key: bytes.Clone(key)})
}

func (w *WriteSet) add(op Op) {
	w.latest[string(op.Key)] = len(w.ops)
	w.ops = append(w.ops, op)
}

// Lookup returns the pending state of key. ok is false when the
// transaction has not written key; deleted is true for a tombstone.
func (w *WriteSet) Lookup(key []byte) (value []byte, deleted, ok bool) {
	i, ok := w.latest[string(key)]
	if !ok {
		return nil, false, false
	}
	op := w.ops[i]
	return op.Value, op.Kind == OpDelete, true
}

// Ops returns the operations in issue order.
func (w *WriteSet) Ops() []Op { return w.ops }

// Len returns the number of operations.
func (w *WriteSet) Len() int { return len(w.ops) }

// Final returns the latest operation for each key in [start, end], sorted
// by key. A nil bound is open.
func (w *WriteSet) Final(start, end []byte) []Op {
	out := make([]Op, 0, len(w.latest))
	for _, i := range w.latest {
		op := w.ops[i]
		if start != nil && bytes.Compare(op.Key, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(op.Key, end) > 0 {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}
