package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// File format constants
const (
	// Magic identifies a JuniperKV database file.
	Magic = "JUNIPRKV"

	// FormatVersion is the on-disk format written by this package.
	FormatVersion = 1

	// DefaultPageSize is the default page size for new databases.
	DefaultPageSize = 4096

	// MinPageSize is the minimum allowed page size.
	MinPageSize = 512

	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 65536
)

// Header field offsets within page 1, after the common page header.
const (
	offMagic       = HeaderSize      // 8 bytes
	offVersion     = offMagic + 8    // 2 bytes
	offPageSize    = offVersion + 2  // 4 bytes
	offFileID      = offPageSize + 4 // 16 bytes
	offRoot        = offFileID + 16  // 4 bytes
	offPageCount   = offRoot + 4     // 4 bytes
	offSnapshot    = offPageCount + 4
	offAppliedLSN  = offSnapshot + 8
	headerFieldEnd = offAppliedLSN + 8
)

// Header is the decoded content of the file header page.
type Header struct {
	// FormatVersion of the file.
	FormatVersion uint16

	// PageSize in bytes, a power of two between MinPageSize and MaxPageSize.
	PageSize int

	// FileID ties the write-ahead log to this database file.
	FileID uuid.UUID

	// Root is the B-tree root page, NilPage for an empty tree.
	Root PageID

	// PageCount is the number of pages in the file including the header.
	PageCount uint32

	// Version is the committed snapshot version. The persisted free list is
	// valid only when stamped with the same version.
	Version uint64

	// AppliedLSN is the last log sequence number reflected in the pages.
	AppliedLSN uint64
}

// NewHeader returns the header for a fresh database.
func NewHeader(pageSize int) Header {
	return Header{
		FormatVersion: FormatVersion,
		PageSize:      pageSize,
		FileID:        uuid.New(),
		PageCount:     uint32(FirstDataPage) - 1,
	}
}

// encode renders h as a full header page.
func (h Header) encode() *Page {
	p := NewPage(HeaderPage, h.PageSize, PageMeta)
	d := p.Data
	copy(d[offMagic:], Magic)
	binary.BigEndian.PutUint16(d[offVersion:], h.FormatVersion)
	binary.BigEndian.PutUint32(d[offPageSize:], uint32(h.PageSize))
	copy(d[offFileID:], h.FileID[:])
	binary.BigEndian.PutUint32(d[offRoot:], uint32(h.Root))
	binary.BigEndian.PutUint32(d[offPageCount:], h.PageCount)
	binary.BigEndian.PutUint64(d[offSnapshot:], h.Version)
	binary.BigEndian.PutUint64(d[offAppliedLSN:], h.AppliedLSN)
	p.stampChecksum()
	return p
}

// peekPageSize reads the page size from the fixed prefix of a header page.
func peekPageSize(prefix []byte) (int, error) {
	if len(prefix) < headerFieldEnd {
		return 0, jerrors.NewCorruption("header", 0, "file too short")
	}
	if !bytes.Equal(prefix[offMagic:offMagic+len(Magic)], []byte(Magic)) {
		return 0, jerrors.NewCorruption("header", 0, "bad magic")
	}
	size := int(binary.BigEndian.Uint32(prefix[offPageSize:]))
	if err := ValidatePageSize(size); err != nil {
		return 0, jerrors.NewCorruption("header", 0, err.Error())
	}
	return size, nil
}

// decodeHeader parses and verifies a full header page.
func decodeHeader(p *Page) (Header, error) {
	if p.Type() != PageMeta || !p.verify() {
		return Header{}, jerrors.NewCorruption("header", int64(HeaderPage), "checksum mismatch")
	}
	d := p.Data
	h := Header{
		FormatVersion: binary.BigEndian.Uint16(d[offVersion:]),
		PageSize:      int(binary.BigEndian.Uint32(d[offPageSize:])),
		Root:          PageID(binary.BigEndian.Uint32(d[offRoot:])),
		PageCount:     binary.BigEndian.Uint32(d[offPageCount:]),
		Version:       binary.BigEndian.Uint64(d[offSnapshot:]),
		AppliedLSN:    binary.BigEndian.Uint64(d[offAppliedLSN:]),
	}
	copy(h.FileID[:], d[offFileID:offFileID+16])

	if h.FormatVersion > FormatVersion {
		return Header{}, jerrors.NewUnsupported("format version",
			fmt.Sprintf("file has version %d, this build reads up to %d", h.FormatVersion, FormatVersion))
	}
	if h.PageCount < uint32(FirstDataPage)-1 {
		return Header{}, jerrors.NewCorruption("header", int64(HeaderPage), "page count below reserved pages")
	}
	if h.Root != NilPage && (h.Root < FirstDataPage || uint32(h.Root) > h.PageCount) {
		return Header{}, jerrors.NewCorruption("header", int64(HeaderPage), fmt.Sprintf("root %d out of range", h.Root))
	}
	return h, nil
}

// ValidatePageSize reports whether size is a usable page size.
func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || size&(size-1) != 0 {
		return jerrors.NewValidation("page_size", fmt.Sprintf("%d is not a power of two between %d and %d", size, MinPageSize, MaxPageSize))
	}
	return nil
}
