package txn

import (
	"bytes"
	"sort"
)

// Source is an ordered key/value cursor, such as a B-tree iterator.
type Source interface {
	Next() bool
	Seek(key []byte)
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// MergedIterator overlays sorted pending operations on a snapshot cursor.
// A pending put replaces the snapshot value for its key; a pending delete
// hides it.
type MergedIterator struct {
	base    Source
	pending []Op
	pos     int

	baseOK     bool
	baseKey    []byte
	baseValue  []byte
	primed     bool
	key, value []byte
}

// Merge returns an iterator over base with pending applied. pending must be
// sorted by key and hold at most one operation per key, as returned by
// WriteSet.Final.
func Merge(base Source, pending []Op) *MergedIterator {
	return &MergedIterator{base: base, pending: pending}
}

func (m *MergedIterator) advanceBase() {
	m.baseOK = m.base.Next()
	if m.baseOK {
		m.baseKey, m.baseValue = m.base.Key(), m.base.Value()
	} else {
		m.baseKey, m.baseValue = nil, nil
	}
}

// Next advances to the next visible key.
func (m *MergedIterator) Next() bool {
	if !m.primed {
		m.advanceBase()
		m.primed = true
	}
	for {
		if m.base.Err() != nil {
			m.key, m.value = nil, nil
			return false
		}
		var p *Op
		if m.pos < len(m.pending) {
			p = &m.pending[m.pos]
		}
		switch {
		case !m.baseOK && p == nil:
			m.key, m.value = nil, nil
			return false
		case p == nil || (m.baseOK && bytes.Compare(m.baseKey, p.Key) < 0):
			m.key, m.value = m.baseKey, m.baseValue
			m.advanceBase()
			return true
		default:
			if m.baseOK && bytes.Equal(m.baseKey, p.Key) {
				m.advanceBase()
			}
			m.pos++
			if p.Kind == OpDelete {
				continue
			}
			m.key, m.value = p.Key, p.Value
			return true
		}
	}
}

// Seek restarts at the first visible key >= key.
func (m *MergedIterator) Seek(key []byte) {
	m.base.Seek(key)
	m.pos = sort.Search(len(m.pending), func(i int) bool { return bytes.Compare(m.pending[i].Key, key) >= 0 })
	m.primed = false
	m.key, m.value = nil, nil
}

// Key returns the current key.
func (m *MergedIterator) Key() []byte { return m.key }

// Value returns the current value.
func (m *MergedIterator) Value() []byte { return m.value }

// Err returns the snapshot cursor's error.
func (m *MergedIterator) Err() error { return m.base.Err() }

// Close closes the snapshot cursor.
func (m *MergedIterator) Close() error { return m.base.Close() }
