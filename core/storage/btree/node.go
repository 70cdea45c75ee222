package btree

import (
	"bytes"
	"fmt"
	"sort"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
	"github.com/FocuswithJustin/JuniperKV/core/storage/pager"
	"github.com/FocuswithJustin/JuniperKV/core/storage/record"
)

// node is the decoded form of a B-tree page.
//
// A leaf holds sorted keys and their values. An internal node holds n
// separators and n+1 children; every key in children[i] is < keys[i] and
// every key in children[i+1] is >= keys[i].
type node struct {
	id       pager.PageID
	leaf     bool
	lsn      uint64
	keys     [][]byte
	values   [][]byte
	children []pager.PageID
}

func decodeNode(p *pager.Page) (*node, error) {
	n := &node{id: p.ID, lsn: p.LSN()}
	switch p.Type() {
	case pager.PageBTreeLeaf:
		keys, values, err := record.DecodeLeaf(p.Data, pager.HeaderSize, p.Count())
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", p.ID, err)
		}
		n.leaf = true
		n.keys, n.values = keys, values
	case pager.PageBTreeInternal:
		keys, kids, err := record.DecodeInternal(p.Data, pager.HeaderSize, p.Count())
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", p.ID, err)
		}
		n.keys = keys
		n.children = make([]pager.PageID, 0, len(kids)+1)
		for _, c := range kids {
			n.children = append(n.children, pager.PageID(c))
		}
		n.children = append(n.children, p.Aux())
	default:
		return nil, jerrors.NewCorruption("btree", int64(p.ID), fmt.Sprintf("unexpected page type %s", p.Type()))
	}
	return n, nil
}

func (n *node) encode(pageSize int) (*pager.Page, error) {
	if n.leaf {
		p := pager.NewPage(n.id, pageSize, pager.PageBTreeLeaf)
		if err := record.EncodeLeaf(p.Data, pager.HeaderSize, n.keys, n.values); err != nil {
			return nil, fmt.Errorf("page %d: %w", n.id, err)
		}
		p.SetCount(len(n.keys))
		p.SetLSN(n.lsn)
		return p, nil
	}

	p := pager.NewPage(n.id, pageSize, pager.PageBTreeInternal)
	kids := make([]uint32, len(n.keys))
	for i := range n.keys {
		kids[i] = uint32(n.children[i])
	}
	if err := record.EncodeInternal(p.Data, pager.HeaderSize, n.keys, kids); err != nil {
		return nil, fmt.Errorf("page %d: %w", n.id, err)
	}
	p.SetCount(len(n.keys))
	p.SetAux(n.children[len(n.children)-1])
	p.SetLSN(n.lsn)
	return p, nil
}

// size returns the body bytes the node needs.
func (n *node) size() int {
	if n.leaf {
		return record.LeafSize(n.keys, n.values)
	}
	return record.InternalSize(n.keys)
}

// search returns the index of the first key >= key and whether it matches.
func (n *node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) >= 0 })
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// childIndex returns the child that covers key.
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool { return bytes.Compare(n.keys[i], key) > 0 })
}

func (n *node) clone(id pager.PageID) *node {
	c := &node{
		id:     id,
		leaf:   n.leaf,
		lsn:    n.lsn,
		keys:   append([][]byte(nil), n.keys...),
		values: append([][]byte(nil), n.values...),
	}
	if !n.leaf {
		c.children = append([]pager.PageID(nil), n.children...)
	}
	return c
}

func (n *node) stamp(lsn uint64) {
	if lsn > n.lsn {
		n.lsn = lsn
	}
}

func insertAt[T any](s []T, i int, v T) []T {
	s = append(s, v)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
