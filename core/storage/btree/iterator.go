package btree

import (
	"bytes"

	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
)

type frame struct {
	n   *node
	idx int
}

// Iterator walks keys in order within inclusive bounds. It loads one leaf
// at a time and keeps the path to it, so leaves need no sibling links.
//
//	it := tree.Scan(start, end)
//	defer it.Close()
//	for it.Next() {
//	    use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil {
//	    return err
//	}
//
// Key and Value are valid until the iterator is closed and must not be
// modified.
type Iterator struct {
	load       func(pager.PageID) (*node, error)
	root       pager.PageID
	start, end []byte

	stack      []frame
	leaf       *node
	pos        int
	positioned bool
	pending    bool // leaf.keys[pos] has not been returned yet
	done       bool
	err        error

	key, value []byte
}

// Next advances to the next key and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}
	if !it.positioned {
		it.seek(it.start)
		if it.err != nil {
			return false
		}
	} else if !it.pending {
		it.pos++
	}
	it.pending = false

	for it.leaf == nil || it.pos >= len(it.leaf.keys) {
		if !it.nextLeaf() {
			it.finish()
			return false
		}
	}

	k := it.leaf.keys[it.pos]
	if it.end != nil && bytes.Compare(k, it.end) > 0 {
		it.finish()
		return false
	}
	it.key, it.value = k, it.leaf.values[it.pos]
	return true
}

// Seek restarts the scan at the first key >= key. Bounds still apply.
func (it *Iterator) Seek(key []byte) {
	if it.start != nil && bytes.Compare(key, it.start) < 0 {
		key = it.start
	}
	it.done = false
	it.err = nil
	it.seek(key)
}

func (it *Iterator) seek(key []byte) {
	it.stack = it.stack[:0]
	it.leaf = nil
	it.positioned = true
	it.pending = true
	if it.root == pager.NilPage {
		return
	}

	n, err := it.load(it.root)
	for err == nil && !n.leaf {
		if len(it.stack) > maxDepth {
			it.err = errTooDeep(n.id)
			return
		}
		i := 0
		if key != nil {
			i = n.childIndex(key)
		}
		it.stack = append(it.stack, frame{n: n, idx: i})
		n, err = it.load(n.children[i])
	}
	if err != nil {
		it.err = err
		return
	}
	it.leaf = n
	it.pos = 0
	if key != nil {
		it.pos, _ = n.search(key)
	}
}

// nextLeaf moves to the first key of the following leaf.
func (it *Iterator) nextLeaf() bool {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.idx+1 >= len(top.n.children) {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		top.idx++
		n, err := it.load(top.n.children[top.idx])
		for err == nil && !n.leaf {
			it.stack = append(it.stack, frame{n: n, idx: 0})
			n, err = it.load(n.children[0])
		}
		if err != nil {
			it.err = err
			return false
		}
		it.leaf, it.pos = n, 0
		return true
	}
	it.leaf = nil
	return false
}

func (it *Iterator) finish() {
	it.done = true
	it.key, it.value = nil, nil
}

// Key returns the current key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the first error encountered.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator. It is safe to call more than once.
func (it *Iterator) Close() error {
	it.finish()
	it.stack = nil
	it.leaf = nil
	return nil
}
