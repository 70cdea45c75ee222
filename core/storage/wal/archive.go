package wal

import (
	"bufio"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// Indirection for testing.
var xzNewWriter = xz.NewWriter

// writeArchive stores entries as an xz-compressed log segment. The
// decompressed stream is a complete log file whose base LSN precedes the
// first entry.
func writeArchive(path string, fileID uuid.UUID, entries []Entry) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return jerrors.NewIO("create archive", path, err)
	}
	fail := func(op string, err error) error {
		f.Close()
		os.Remove(path)
		return jerrors.NewIO(op, path, err)
	}

	xw, err := xzNewWriter(f)
	if err != nil {
		return fail("create xz writer", err)
	}
	if _, err := xw.Write(encodeFileHeader(fileID, entries[0].LSN-1)); err != nil {
		return fail("write archive", err)
	}
	var buf []byte
	for i := range entries {
		buf = appendEntry(buf[:0], &entries[i])
		if _, err := xw.Write(buf); err != nil {
			return fail("write archive", err)
		}
	}
	if err := xw.Close(); err != nil {
		return fail("close xz writer", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync archive", err)
	}
	if err := f.Close(); err != nil {
		return jerrors.NewIO("close archive", path, err)
	}
	return nil
}

// ReadArchive decodes an archived segment written by Checkpoint.
func ReadArchive(path string) (uuid.UUID, []Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return uuid.Nil, nil, jerrors.NewIO("open archive", path, err)
	}
	defer f.Close()

	xr, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return uuid.Nil, nil, jerrors.NewCorruption("wal archive", 0, err.Error())
	}
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(xr, hdr); err != nil {
		return uuid.Nil, nil, jerrors.NewCorruption("wal archive", 0, "short header")
	}
	fileID, base, err := decodeFileHeader(hdr)
	if err != nil {
		return uuid.Nil, nil, err
	}
	entries, _, err := readEntries(xr, HeaderSize, base)
	return fileID, entries, err
}
