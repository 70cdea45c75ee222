package pager

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// PageID identifies a page in the database file.
// Page ids start at 1; 0 is the nil page.
type PageID uint32

// Fixed page ids.
const (
	// NilPage is never a valid page.
	NilPage PageID = 0

	// HeaderPage holds the file header.
	HeaderPage PageID = 1

	// FreelistPage is the head of the persisted free-list chain.
	FreelistPage PageID = 2

	// FirstDataPage is the lowest id handed out by Allocate.
	FirstDataPage PageID = 3
)

// PageType is stored in the first byte of every page.
type PageType uint8

const (
	// PageFree is an unused page. A never-written page reads as all zeroes.
	PageFree PageType = iota
	// PageMeta is the file header page.
	PageMeta
	// PageFreelist holds free page ids.
	PageFreelist
	// PageBTreeInternal is a B-tree node holding separators and children.
	PageBTreeInternal
	// PageBTreeLeaf is a B-tree node holding records.
	PageBTreeLeaf
)

func (t PageType) String() string {
	switch t {
	case PageFree:
		return "free"
	case PageMeta:
		return "meta"
	case PageFreelist:
		return "freelist"
	case PageBTreeInternal:
		return "internal"
	case PageBTreeLeaf:
		return "leaf"
	}
	return "unknown"
}

// Common page header layout.
//
//	[0]     type
//	[1]     flags (reserved)
//	[2:4]   cell count
//	[4:8]   aux: right-most child (internal) or next page (freelist)
//	[8:16]  LSN stamp of the last log entry applied to this page
//	[16:24] checksum
const (
	offType     = 0
	offCount    = 2
	offAux      = 4
	offLSN      = 8
	offChecksum = 16

	// HeaderSize is the size of the common page header.
	HeaderSize = 24
)

// Page is one fixed-size block of the database file.
// Pages returned by Pager.Read are shared with the cache and must be treated
// as read-only; build a new page with NewPage to change contents.
type Page struct {
	ID   PageID
	Data []byte
}

// NewPage returns a zeroed page of the given type.
func NewPage(id PageID, pageSize int, typ PageType) *Page {
	p := &Page{ID: id, Data: make([]byte, pageSize)}
	p.Data[offType] = byte(typ)
	return p
}

// Type returns the page type.
func (p *Page) Type() PageType { return PageType(p.Data[offType]) }

// Count returns the cell count.
func (p *Page) Count() int { return int(binary.BigEndian.Uint16(p.Data[offCount:])) }

// SetCount sets the cell count.
func (p *Page) SetCount(n int) { binary.BigEndian.PutUint16(p.Data[offCount:], uint16(n)) }

// Aux returns the auxiliary pointer.
func (p *Page) Aux() PageID { return PageID(binary.BigEndian.Uint32(p.Data[offAux:])) }

// SetAux sets the auxiliary pointer.
func (p *Page) SetAux(id PageID) { binary.BigEndian.PutUint32(p.Data[offAux:], uint32(id)) }

// LSN returns the applied-LSN stamp.
func (p *Page) LSN() uint64 { return binary.BigEndian.Uint64(p.Data[offLSN:]) }

// SetLSN sets the applied-LSN stamp.
func (p *Page) SetLSN(lsn uint64) { binary.BigEndian.PutUint64(p.Data[offLSN:], lsn) }

// Size returns the page size in bytes.
func (p *Page) Size() int { return len(p.Data) }

func (p *Page) storedChecksum() uint64 {
	return binary.BigEndian.Uint64(p.Data[offChecksum:])
}

func (p *Page) stampChecksum() {
	binary.BigEndian.PutUint64(p.Data[offChecksum:], checksum(p.Data))
}

// verify reports whether the stored checksum matches the contents.
// All-zero pages have never been written and are accepted.
func (p *Page) verify() bool {
	sum := p.storedChecksum()
	if sum == 0 && isZero(p.Data) {
		return true
	}
	return sum == checksum(p.Data)
}

// checksum is the first 8 bytes of BLAKE3 over the page with the checksum
// field treated as zero.
func checksum(data []byte) uint64 {
	var zero [8]byte
	h := blake3.New()
	_, _ = h.Write(data[:offChecksum])
	_, _ = h.Write(zero[:])
	_, _ = h.Write(data[offChecksum+8:])
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
