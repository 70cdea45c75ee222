// Package record encodes B-tree nodes into slotted pages and typed tuples into values.
//
// A slotted page body starts at a caller-supplied base offset (just past the
// page header). A u16 slot array grows forward from base; each slot holds the
// absolute offset of a cell. Cells are packed backward from the end of the page.
//
//	+--------+------------------+-----------+-------------------+
//	| header | slot 0 .. slot n |   free    | cell n .. cell 0  |
//	+--------+------------------+-----------+-------------------+
//
// Leaf cell:     varint klen | varint vlen | key | value
// Internal cell: child u32   | varint klen | key
package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// SlotSize is the size of one entry in the slot array.
const SlotSize = 2

// ErrPageOverflow is returned when cells do not fit in the page body.
var ErrPageOverflow = errors.New("cells overflow page")

// MaxCellSize returns the largest cell accepted for a page with the given
// usable body size. Four maximal cells always fit in one page, so a split
// never produces a half that overflows.
func MaxCellSize(usable int) int {
	return usable/4 - SlotSize
}

// LeafCellSize returns the encoded size of a leaf cell.
func LeafCellSize(key, value []byte) int {
	return VarintLen(uint64(len(key))) + VarintLen(uint64(len(value))) + len(key) + len(value)
}

// InternalCellSize returns the encoded size of an internal cell.
func InternalCellSize(key []byte) int {
	return 4 + VarintLen(uint64(len(key))) + len(key)
}

// LeafSize returns the body bytes needed for the given leaf records.
func LeafSize(keys, values [][]byte) int {
	size := 0
	for i := range keys {
		size += SlotSize + LeafCellSize(keys[i], values[i])
	}
	return size
}

// InternalSize returns the body bytes needed for the given separators.
func InternalSize(keys [][]byte) int {
	size := 0
	for _, k := range keys {
		size += SlotSize + InternalCellSize(k)
	}
	return size
}

// EncodeLeaf writes keys and values into page starting at base.
func EncodeLeaf(page []byte, base int, keys, values [][]byte) error {
	if len(keys) != len(values) {
		return fmt.Errorf("leaf encode: %d keys but %d values", len(keys), len(values))
	}
	if base+LeafSize(keys, values) > len(page) {
		return ErrPageOverflow
	}

	end := len(page)
	for i := range keys {
		end -= LeafCellSize(keys[i], values[i])
		off := end
		off += PutVarint(page[off:], uint64(len(keys[i])))
		off += PutVarint(page[off:], uint64(len(values[i])))
		off += copy(page[off:], keys[i])
		copy(page[off:], values[i])
		binary.BigEndian.PutUint16(page[base+i*SlotSize:], uint16(end))
	}
	return nil
}

// DecodeLeaf reads n leaf cells from page. Returned slices are copies.
func DecodeLeaf(page []byte, base, n int) (keys, values [][]byte, err error) {
	keys = make([][]byte, n)
	values = make([][]byte, n)
	for i := 0; i < n; i++ {
		off, err := slot(page, base, i)
		if err != nil {
			return nil, nil, err
		}
		klen, k := GetVarint(page[off:])
		if k == 0 {
			return nil, nil, corrupt(off, "truncated key length")
		}
		off += k
		vlen, v := GetVarint(page[off:])
		if v == 0 {
			return nil, nil, corrupt(off, "truncated value length")
		}
		off += v
		if uint64(off)+klen+vlen > uint64(len(page)) {
			return nil, nil, corrupt(off, "cell extends past page end")
		}
		keys[i] = append([]byte(nil), page[off:off+int(klen)]...)
		off += int(klen)
		values[i] = append([]byte(nil), page[off:off+int(vlen)]...)
	}
	return keys, values, nil
}

// EncodeInternal writes separators and their left children into page.
// The right-most child is not a cell; callers store it in the page header.
func EncodeInternal(page []byte, base int, keys [][]byte, children []uint32) error {
	if len(keys) != len(children) {
		return fmt.Errorf("internal encode: %d keys but %d children", len(keys), len(children))
	}
	if base+InternalSize(keys) > len(page) {
		return ErrPageOverflow
	}

	end := len(page)
	for i := range keys {
		end -= InternalCellSize(keys[i])
		off := end
		binary.BigEndian.PutUint32(page[off:], children[i])
		off += 4
		off += PutVarint(page[off:], uint64(len(keys[i])))
		copy(page[off:], keys[i])
		binary.BigEndian.PutUint16(page[base+i*SlotSize:], uint16(end))
	}
	return nil
}

// DecodeInternal reads n internal cells from page.
func DecodeInternal(page []byte, base, n int) (keys [][]byte, children []uint32, err error) {
	keys = make([][]byte, n)
	children = make([]uint32, n)
	for i := 0; i < n; i++ {
		off, err := slot(page, base, i)
		if err != nil {
			return nil, nil, err
		}
		if off+4 > len(page) {
			return nil, nil, corrupt(off, "truncated child pointer")
		}
		children[i] = binary.BigEndian.Uint32(page[off:])
		off += 4
		klen, k := GetVarint(page[off:])
		if k == 0 {
			return nil, nil, corrupt(off, "truncated key length")
		}
		off += k
		if uint64(off)+klen > uint64(len(page)) {
			return nil, nil, corrupt(off, "cell extends past page end")
		}
		keys[i] = append([]byte(nil), page[off:off+int(klen)]...)
	}
	return keys, children, nil
}

func slot(page []byte, base, i int) (int, error) {
	pos := base + i*SlotSize
	if pos+SlotSize > len(page) {
		return 0, corrupt(pos, "slot array overruns page")
	}
	off := int(binary.BigEndian.Uint16(page[pos:]))
	if off < pos+SlotSize || off >= len(page) {
		return 0, corrupt(pos, fmt.Sprintf("slot %d points at %d", i, off))
	}
	return off, nil
}

func corrupt(off int, reason string) error {
	return jerrors.NewCorruption("cell", int64(off), reason)
}
