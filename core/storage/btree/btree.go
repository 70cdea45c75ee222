// Package btree implements the copy-on-write B+tree that indexes JuniperKV.
//
// Keys are ordered by bytes.Compare and values live only in leaves. A Tree
// is an immutable view of one committed root; a Writer builds the next root
// by path copying, so readers holding an older root are never disturbed.
// Pages a Writer replaces are reported by Freed and must stay allocated
// until no snapshot can reach them.
package btree

import (
	"bytes"
	"fmt"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
	"github.com/FocuswithJustin/JuniperKV/core/storage/record"
)

// maxDepth guards walks against cycles in a corrupt file.
const maxDepth = 64

// usable returns the page body size available to cells.
func usable(pageSize int) int {
	return pageSize - pager.HeaderSize
}

// CheckRecord reports whether key and value can be stored in a tree with
// the given page size.
func CheckRecord(pageSize int, key, value []byte) error {
	if len(key) == 0 {
		return jerrors.NewValidation("key", "key must not be empty")
	}
	limit := record.MaxCellSize(usable(pageSize))
	if record.LeafCellSize(key, value) > limit || record.InternalCellSize(key) > limit {
		return jerrors.NewValidation("record",
			fmt.Sprintf("record of %d bytes exceeds the %d byte limit for %d byte pages", len(key)+len(value), limit, pageSize))
	}
	return nil
}

func errTooDeep(id pager.PageID) error {
	return jerrors.NewCorruption("btree", int64(id), "tree too deep")
}

func notFound(key []byte) error {
	return jerrors.NewNotFound("key", fmt.Sprintf("%q", key))
}

// Tree is a read-only view of the tree rooted at one page.
// It is safe for concurrent use as long as the root stays allocated.
type Tree struct {
	pager *pager.Pager
	root  pager.PageID
}

// New returns a view of the tree rooted at root. NilPage is the empty tree.
func New(p *pager.Pager, root pager.PageID) *Tree {
	return &Tree{pager: p, root: root}
}

// Root returns the root page id.
func (t *Tree) Root() pager.PageID { return t.root }

func (t *Tree) load(id pager.PageID) (*node, error) {
	page, err := t.pager.Read(id)
	if err != nil {
		return nil, err
	}
	return decodeNode(page)
}

// Get returns the value stored under key, or a NotFoundError.
func (t *Tree) Get(key []byte) ([]byte, error) {
	return get(t.load, t.root, key)
}

func get(load func(pager.PageID) (*node, error), root pager.PageID, key []byte) ([]byte, error) {
	if root == pager.NilPage {
		return nil, notFound(key)
	}
	n, err := load(root)
	if err != nil {
		return nil, err
	}
	for depth := 0; !n.leaf; depth++ {
		if depth > maxDepth {
			return nil, errTooDeep(n.id)
		}
		if n, err = load(n.children[n.childIndex(key)]); err != nil {
			return nil, err
		}
	}
	i, found := n.search(key)
	if !found {
		return nil, notFound(key)
	}
	return n.values[i], nil
}

// Scan returns an iterator over keys in [start, end]. A nil bound is open.
func (t *Tree) Scan(start, end []byte) *Iterator {
	return &Iterator{load: t.load, root: t.root, start: start, end: end}
}

// PageInfo describes one page reached by Walk.
type PageInfo struct {
	ID    pager.PageID
	Leaf  bool
	Keys  int
	Depth int
	LSN   uint64
}

// Walk calls fn for every page reachable from the root, parents first.
func (t *Tree) Walk(fn func(PageInfo) error) error {
	if t.root == pager.NilPage {
		return nil
	}
	return t.walk(t.root, 0, fn)
}

func (t *Tree) walk(id pager.PageID, depth int, fn func(PageInfo) error) error {
	if depth > maxDepth {
		return errTooDeep(id)
	}
	n, err := t.load(id)
	if err != nil {
		return err
	}
	if err := fn(PageInfo{ID: id, Leaf: n.leaf, Keys: len(n.keys), Depth: depth, LSN: n.lsn}); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := t.walk(c, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Check verifies key order, separator bounds and uniform leaf depth.
func (t *Tree) Check() error {
	if t.root == pager.NilPage {
		return nil
	}
	leafDepth := -1
	var check func(id pager.PageID, lo, hi []byte, depth int) error
	check = func(id pager.PageID, lo, hi []byte, depth int) error {
		if depth > maxDepth {
			return errTooDeep(id)
		}
		n, err := t.load(id)
		if err != nil {
			return err
		}
		for i, k := range n.keys {
			if i > 0 && bytes.Compare(n.keys[i-1], k) >= 0 {
				return jerrors.NewCorruption("btree", int64(id), fmt.Sprintf("key %d out of order", i))
			}
			if lo != nil && bytes.Compare(k, lo) < 0 || hi != nil && bytes.Compare(k, hi) >= 0 {
				return jerrors.NewCorruption("btree", int64(id), fmt.Sprintf("key %d outside parent bounds", i))
			}
		}
		if n.leaf {
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				return jerrors.NewCorruption("btree", int64(id), "leaves at different depths")
			}
			return nil
		}
		if len(n.children) != len(n.keys)+1 {
			return jerrors.NewCorruption("btree", int64(id), "child count mismatch")
		}
		for i, c := range n.children {
			clo, chi := lo, hi
			if i > 0 {
				clo = n.keys[i-1]
			}
			if i < len(n.keys) {
				chi = n.keys[i]
			}
			if err := check(c, clo, chi, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return check(t.root, nil, nil, 0)
}
