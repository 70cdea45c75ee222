package btree

import (
	"bytes"
	"sort"

	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
	"github.com/FocuswithJustin/JuniperKV/core/storage/record"
)

// Writer applies one batch of mutations on top of a committed root.
//
// The first time a committed page is touched it is copied to a newly
// allocated page and the old id is recorded in Freed. Pages allocated by
// this Writer are mutated in place, and returned to the pager at once if
// a merge or root collapse drops them. Nothing is visible to readers until
// the caller commits the root returned by Flush.
type Writer struct {
	pager    *pager.Pager
	root     pager.PageID
	pageSize int
	usable   int

	nodes map[pager.PageID]*node // pages allocated by this writer
	freed []pager.PageID
}

// NewWriter starts a batch on top of the committed tree rooted at root.
func NewWriter(p *pager.Pager, root pager.PageID) *Writer {
	return &Writer{
		pager:    p,
		root:     root,
		pageSize: p.PageSize(),
		usable:   usable(p.PageSize()),
		nodes:    make(map[pager.PageID]*node),
	}
}

// Root returns the current root of the batch.
func (w *Writer) Root() pager.PageID { return w.root }

// Freed returns the committed pages this batch replaced or dropped.
func (w *Writer) Freed() []pager.PageID {
	return append([]pager.PageID(nil), w.freed...)
}

// Get reads key from the batch, including unflushed changes.
func (w *Writer) Get(key []byte) ([]byte, error) {
	return get(w.load, w.root, key)
}

func (w *Writer) load(id pager.PageID) (*node, error) {
	if n, ok := w.nodes[id]; ok {
		return n, nil
	}
	page, err := w.pager.Read(id)
	if err != nil {
		return nil, err
	}
	return decodeNode(page)
}

// mutable returns a node the writer may change, copying committed pages.
func (w *Writer) mutable(id pager.PageID) (*node, error) {
	if n, ok := w.nodes[id]; ok {
		return n, nil
	}
	n, err := w.load(id)
	if err != nil {
		return nil, err
	}
	newID, err := w.pager.Allocate()
	if err != nil {
		return nil, err
	}
	c := n.clone(newID)
	w.nodes[newID] = c
	w.freed = append(w.freed, id)
	return c, nil
}

func (w *Writer) newNode(leaf bool) (*node, error) {
	id, err := w.pager.Allocate()
	if err != nil {
		return nil, err
	}
	n := &node{id: id, leaf: leaf}
	w.nodes[id] = n
	return n, nil
}

// drop removes a node from the tree.
func (w *Writer) drop(n *node) {
	if _, fresh := w.nodes[n.id]; fresh {
		delete(w.nodes, n.id)
		w.pager.Free(n.id)
		return
	}
	w.freed = append(w.freed, n.id)
}

// leafFor returns the leaf that holds or would hold key, without copying.
func (w *Writer) leafFor(key []byte) (*node, error) {
	n, err := w.load(w.root)
	for depth := 0; err == nil && !n.leaf; depth++ {
		if depth > maxDepth {
			return nil, errTooDeep(n.id)
		}
		n, err = w.load(n.children[n.childIndex(key)])
	}
	return n, err
}

// Insert stores value under key. If the target leaf is already stamped with
// an LSN >= lsn the call is a no-op, which makes log replay idempotent.
// lsn 0 disables the check.
func (w *Writer) Insert(key, value []byte, lsn uint64) error {
	if err := CheckRecord(w.pageSize, key, value); err != nil {
		return err
	}
	key = bytes.Clone(key)
	value = append([]byte{}, value...)

	if w.root == pager.NilPage {
		leaf, err := w.newNode(true)
		if err != nil {
			return err
		}
		leaf.keys = [][]byte{key}
		leaf.values = [][]byte{value}
		leaf.stamp(lsn)
		w.root = leaf.id
		return nil
	}

	if lsn != 0 {
		leaf, err := w.leafFor(key)
		if err != nil {
			return err
		}
		if leaf.lsn >= lsn {
			return nil
		}
	}

	root, err := w.insert(w.root, key, value, lsn)
	if err != nil {
		return err
	}
	return w.settleRoot(root)
}

func (w *Writer) insert(id pager.PageID, key, value []byte, lsn uint64) (*node, error) {
	n, err := w.mutable(id)
	if err != nil {
		return nil, err
	}
	if n.leaf {
		i, found := n.search(key)
		if found {
			n.values[i] = value
		} else {
			n.keys = insertAt(n.keys, i, key)
			n.values = insertAt(n.values, i, value)
		}
		n.stamp(lsn)
		return n, nil
	}

	i := n.childIndex(key)
	child, err := w.insert(n.children[i], key, value, lsn)
	if err != nil {
		return nil, err
	}
	n.children[i] = child.id
	return n, w.fix(n, i, child)
}

// Delete removes key, returning a NotFoundError if it is absent. A leaf
// stamped with an LSN >= lsn makes the call a no-op.
func (w *Writer) Delete(key []byte, lsn uint64) error {
	if w.root == pager.NilPage {
		return notFound(key)
	}
	leaf, err := w.leafFor(key)
	if err != nil {
		return err
	}
	if lsn != 0 && leaf.lsn >= lsn {
		return nil
	}
	if _, found := leaf.search(key); !found {
		return notFound(key)
	}

	root, err := w.remove(w.root, key, lsn)
	if err != nil {
		return err
	}
	return w.settleRoot(root)
}

func (w *Writer) remove(id pager.PageID, key []byte, lsn uint64) (*node, error) {
	n, err := w.mutable(id)
	if err != nil {
		return nil, err
	}
	if n.leaf {
		if i, found := n.search(key); found {
			n.keys = removeAt(n.keys, i)
			n.values = removeAt(n.values, i)
		}
		n.stamp(lsn)
		return n, nil
	}

	i := n.childIndex(key)
	child, err := w.remove(n.children[i], key, lsn)
	if err != nil {
		return nil, err
	}
	n.children[i] = child.id
	return n, w.fix(n, i, child)
}

// fix restores the size bounds of parent.children[i] after it changed.
func (w *Writer) fix(parent *node, i int, child *node) error {
	switch {
	case child.size() > w.usable:
		sep, right, err := w.split(child)
		if err != nil {
			return err
		}
		parent.keys = insertAt(parent.keys, i, sep)
		parent.children = insertAt(parent.children, i+1, right.id)
	case w.underflow(child) && len(parent.children) > 1:
		return w.rebalance(parent, i)
	}
	return nil
}

func (w *Writer) underflow(n *node) bool {
	return len(n.keys) == 0 || n.size() < w.usable/4
}

// settleRoot splits an overflowing root or collapses an emptied one.
func (w *Writer) settleRoot(root *node) error {
	w.root = root.id
	if root.size() > w.usable {
		sep, right, err := w.split(root)
		if err != nil {
			return err
		}
		top, err := w.newNode(false)
		if err != nil {
			return err
		}
		top.keys = [][]byte{sep}
		top.children = []pager.PageID{root.id, right.id}
		w.root = top.id
		return nil
	}

	for !root.leaf && len(root.keys) == 0 {
		child := root.children[0]
		w.drop(root)
		w.root = child
		n, err := w.load(child)
		if err != nil {
			return err
		}
		root = n
	}
	if root.leaf && len(root.keys) == 0 {
		w.drop(root)
		w.root = pager.NilPage
	}
	return nil
}

// split moves the upper half of n into a new right sibling. For a leaf the
// returned separator is a copy of the right half's first key; for an
// internal node the median key moves up.
func (w *Writer) split(n *node) ([]byte, *node, error) {
	right, err := w.newNode(n.leaf)
	if err != nil {
		return nil, nil, err
	}
	right.lsn = n.lsn

	sizes := make([]int, len(n.keys))
	for i := range n.keys {
		if n.leaf {
			sizes[i] = record.SlotSize + record.LeafCellSize(n.keys[i], n.values[i])
		} else {
			sizes[i] = record.SlotSize + record.InternalCellSize(n.keys[i])
		}
	}

	if n.leaf {
		m := splitPoint(sizes, 1, len(sizes)-1)
		right.keys = append([][]byte(nil), n.keys[m:]...)
		right.values = append([][]byte(nil), n.values[m:]...)
		n.keys = n.keys[:m:m]
		n.values = n.values[:m:m]
		return bytes.Clone(right.keys[0]), right, nil
	}

	m := splitPoint(sizes, 1, len(sizes)-2)
	sep := n.keys[m]
	right.keys = append([][]byte(nil), n.keys[m+1:]...)
	right.children = append([]pager.PageID(nil), n.children[m+1:]...)
	n.keys = n.keys[:m:m]
	n.children = n.children[: m+1 : m+1]
	return sep, right, nil
}

// splitPoint returns the index where the running size first passes half the
// total, clamped to [lo, hi].
func splitPoint(sizes []int, lo, hi int) int {
	total := 0
	for _, s := range sizes {
		total += s
	}
	acc, m := 0, len(sizes)-1
	for i, s := range sizes {
		if acc+s > total/2 {
			m = i
			break
		}
		acc += s
	}
	return max(lo, min(m, hi))
}

// rebalance merges parent.children[i] with a sibling when both fit in one
// page, and otherwise moves one boundary cell across.
func (w *Writer) rebalance(parent *node, i int) error {
	li := i - 1
	if i == 0 {
		li = 0
	}
	ri := li + 1

	left, err := w.mutable(parent.children[li])
	if err != nil {
		return err
	}
	parent.children[li] = left.id
	right, err := w.load(parent.children[ri])
	if err != nil {
		return err
	}
	sep := parent.keys[li]

	merged := left.size() + right.size()
	if !left.leaf {
		merged += record.SlotSize + record.InternalCellSize(sep)
	}
	if merged <= w.usable {
		if left.leaf {
			left.keys = append(left.keys, right.keys...)
			left.values = append(left.values, right.values...)
		} else {
			left.keys = append(append(left.keys, sep), right.keys...)
			left.children = append(left.children, right.children...)
		}
		left.stamp(right.lsn)
		w.drop(right)
		parent.keys = removeAt(parent.keys, li)
		parent.children = removeAt(parent.children, ri)
		return nil
	}

	right, err = w.mutable(parent.children[ri])
	if err != nil {
		return err
	}
	parent.children[ri] = right.id

	if i == li {
		// Left is short: take the first cell of right.
		if left.leaf {
			left.keys = append(left.keys, right.keys[0])
			left.values = append(left.values, right.values[0])
			right.keys = removeAt(right.keys, 0)
			right.values = removeAt(right.values, 0)
			parent.keys[li] = bytes.Clone(right.keys[0])
		} else {
			left.keys = append(left.keys, sep)
			left.children = append(left.children, right.children[0])
			parent.keys[li] = right.keys[0]
			right.keys = removeAt(right.keys, 0)
			right.children = removeAt(right.children, 0)
		}
	} else {
		// Right is short: take the last cell of left.
		last := len(left.keys) - 1
		if left.leaf {
			right.keys = insertAt(right.keys, 0, left.keys[last])
			right.values = insertAt(right.values, 0, left.values[last])
			left.keys = removeAt(left.keys, last)
			left.values = removeAt(left.values, last)
			parent.keys[li] = bytes.Clone(right.keys[0])
		} else {
			right.keys = insertAt(right.keys, 0, sep)
			right.children = insertAt(right.children, 0, left.children[last+1])
			parent.keys[li] = left.keys[last]
			left.keys = removeAt(left.keys, last)
			left.children = removeAt(left.children, last+1)
		}
	}
	lsn := max(left.lsn, right.lsn)
	left.stamp(lsn)
	right.stamp(lsn)
	return nil
}

// Flush writes every page allocated by the batch and returns the new root.
// Pages are not synced; the caller syncs before committing the header.
func (w *Writer) Flush() (pager.PageID, error) {
	ids := make([]pager.PageID, 0, len(w.nodes))
	for id := range w.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		page, err := w.nodes[id].encode(w.pageSize)
		if err != nil {
			return pager.NilPage, err
		}
		if err := w.pager.Write(page); err != nil {
			return pager.NilPage, err
		}
	}
	return w.root, nil
}
