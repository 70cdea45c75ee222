// Package wal implements the JuniperKV write-ahead log.
//
// The log is a single append-only file next to the database. Every
// transaction writes its Put and Delete entries followed by a Commit marker;
// recovery applies only transactions whose marker reached the disk. Each
// entry carries a BLAKE3 checksum so a torn or damaged tail is detected and
// cut off at the first bad entry.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// Magic identifies a JuniperKV log file.
const Magic = "JKVWAL01"

// HeaderSize is the size of the file header: magic, file UUID, base LSN.
const HeaderSize = 8 + 16 + 8

var fileWriteAt = (*os.File).WriteAt

// SyncMode selects when appended entries reach stable storage.
type SyncMode int

const (
	// SyncModeSync fsyncs on every Flush.
	SyncModeSync SyncMode = iota
	// SyncModeAsync writes to the OS on Flush and fsyncs only at checkpoint
	// and close. A crash may lose recently committed transactions but never
	// exposes a partial one.
	SyncModeAsync
)

func (m SyncMode) String() string {
	switch m {
	case SyncModeSync:
		return "sync"
	case SyncModeAsync:
		return "async"
	}
	return fmt.Sprintf("SyncMode(%d)", int(m))
}

// ParseSyncMode parses "sync" or "async".
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(s) {
	case "", "sync":
		return SyncModeSync, nil
	case "async":
		return SyncModeAsync, nil
	}
	return 0, jerrors.NewValidation("sync", fmt.Sprintf("unknown sync mode %q", s))
}

// Options configures a Log.
type Options struct {
	SyncMode SyncMode

	// FileID ties the log to its database. A log with a different id is
	// rejected. uuid.Nil accepts any id.
	FileID uuid.UUID

	// Reset discards any existing log content. Used when the database file
	// itself was just created.
	Reset bool

	// Archive keeps entries dropped by Checkpoint in an xz-compressed
	// segment next to the log.
	Archive bool

	// Strict leaves a corrupt log untouched so it can be inspected. A torn
	// tail is still cut off.
	Strict bool

	ReadOnly bool
	Logger   *slog.Logger
}

// Log is an open write-ahead log.
//
// Append, Flush and Rewind belong to the single writer. All methods are
// serialized by an internal mutex.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	opts Options
	log  *slog.Logger

	fileID  uuid.UUID
	baseLSN uint64
	nextLSN uint64

	size       int64  // bytes written to the file
	buf        []byte // entries appended but not yet flushed
	flushedLSN uint64
	closed     bool
}

// Open opens or creates the log at path.
func Open(path string, opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Log{
		path: path,
		opts: opts,
		log:  opts.Logger.With("component", "wal"),
	}

	if opts.ReadOnly {
		file, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			// Nothing to replay.
			l.fileID = opts.FileID
			l.nextLSN = 1
			return l, nil
		}
		if err != nil {
			return nil, jerrors.NewIO("open", path, err)
		}
		l.file = file
	} else {
		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, jerrors.NewIO("open", path, err)
		}
		l.file = file
	}

	if err := l.load(); err != nil {
		l.file.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	info, err := l.file.Stat()
	if err != nil {
		return jerrors.NewIO("stat", l.path, err)
	}

	if (l.opts.Reset && !l.opts.ReadOnly) || info.Size() < HeaderSize {
		if l.opts.ReadOnly {
			if info.Size() == 0 {
				l.fileID = l.opts.FileID
				l.nextLSN = 1
				return nil
			}
			return jerrors.NewCorruption("wal header", 0, "file too short")
		}
		if info.Size() > 0 && !l.opts.Reset {
			l.log.Warn("rewriting torn log header", "path", l.path, "size", info.Size())
		}
		return l.reset(l.opts.FileID, 0)
	}

	hdr := make([]byte, HeaderSize)
	if _, err := l.file.ReadAt(hdr, 0); err != nil {
		return jerrors.NewIO("read header", l.path, err)
	}
	fileID, base, err := decodeFileHeader(hdr)
	if err != nil {
		return err
	}
	if l.opts.FileID != uuid.Nil && fileID != l.opts.FileID {
		return jerrors.NewCorruption("wal header", 8,
			fmt.Sprintf("log belongs to database %s, not %s", fileID, l.opts.FileID))
	}
	l.fileID = fileID
	l.baseLSN = base
	l.nextLSN = base + 1
	l.size = info.Size()
	return nil
}

// reset truncates the file to a bare header.
func (l *Log) reset(fileID uuid.UUID, base uint64) error {
	if err := l.file.Truncate(0); err != nil {
		return jerrors.NewIO("truncate", l.path, err)
	}
	if _, err := l.file.WriteAt(encodeFileHeader(fileID, base), 0); err != nil {
		return jerrors.NewIO("write header", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return jerrors.NewIO("sync", l.path, err)
	}
	l.fileID = fileID
	l.baseLSN = base
	l.nextLSN = base + 1
	l.flushedLSN = base
	l.size = HeaderSize
	l.buf = l.buf[:0]
	return nil
}

func encodeFileHeader(fileID uuid.UUID, base uint64) []byte {
	b := make([]byte, 0, HeaderSize)
	b = append(b, Magic...)
	b = append(b, fileID[:]...)
	return binary.BigEndian.AppendUint64(b, base)
}

func decodeFileHeader(b []byte) (uuid.UUID, uint64, error) {
	if len(b) < HeaderSize || string(b[:8]) != Magic {
		return uuid.Nil, 0, jerrors.NewCorruption("wal header", 0, "bad magic")
	}
	var id uuid.UUID
	copy(id[:], b[8:24])
	return id, binary.BigEndian.Uint64(b[24:32]), nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// FileID returns the database id recorded in the log header.
func (l *Log) FileID() uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fileID
}

// NextLSN returns the LSN the next Append will assign.
func (l *Log) NextLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN
}

// EnsureNext raises the next LSN to at least lsn. LSNs already applied to
// the database must never be issued again, even if the log was removed.
func (l *Log) EnsureNext(lsn uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nextLSN < lsn {
		l.nextLSN = lsn
	}
}

// Size returns the log size in bytes, including unflushed entries.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size + int64(len(l.buf))
}

// Offset returns the position the next Append writes at. Pass it to Rewind
// to drop everything appended after it.
func (l *Log) Offset() int64 { return l.Size() }

// Append assigns the next LSN to e and buffers it. The entry is not durable
// until Flush returns.
func (l *Log) Append(e Entry) (uint64, error) {
	if l.opts.ReadOnly {
		return 0, fmt.Errorf("wal: %w", jerrors.ErrReadOnly)
	}
	if !e.Op.valid() {
		return 0, jerrors.NewValidation("op", fmt.Sprintf("invalid op %d", e.Op))
	}
	if len(e.Key)+len(e.Value) > MaxEntrySize {
		return 0, jerrors.NewValidation("entry", fmt.Sprintf("entry of %d bytes exceeds %d", len(e.Key)+len(e.Value), MaxEntrySize))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("wal: %w", jerrors.ErrClosed)
	}
	e.LSN = l.nextLSN
	l.nextLSN++
	l.buf = appendEntry(l.buf, &e)
	return e.LSN, nil
}

// Flush writes buffered entries up to and including upTo. In SyncModeSync
// the file is fsynced before Flush returns. On failure the file is cut back
// to its size before the write and the buffer is discarded.
func (l *Log) Flush(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upTo <= l.flushedLSN && len(l.buf) == 0 {
		return nil
	}
	return l.flushLocked(l.opts.SyncMode == SyncModeSync)
}

func (l *Log) flushLocked(sync bool) error {
	if l.closed {
		return fmt.Errorf("wal: %w", jerrors.ErrClosed)
	}
	if len(l.buf) > 0 {
		if _, err := fileWriteAt(l.file, l.buf, l.size); err != nil {
			l.buf = l.buf[:0]
			werr := jerrors.NewIO("append", l.path, err)
			// Part of the buffer may have landed past l.size.
			if terr := l.file.Truncate(l.size); terr != nil {
				return errors.Join(werr, jerrors.NewIO("truncate", l.path, terr))
			}
			return werr
		}
		l.size += int64(len(l.buf))
		l.buf = l.buf[:0]
	}
	if sync {
		if err := l.file.Sync(); err != nil {
			return jerrors.NewIO("sync", l.path, err)
		}
	}
	l.flushedLSN = l.nextLSN - 1
	return nil
}

// Rewind drops every byte after offset, buffered or written.
func (l *Log) Rewind(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < HeaderSize {
		offset = HeaderSize
	}
	return l.discardLocked(offset)
}

func (l *Log) discardLocked(offset int64) error {
	if offset >= l.size {
		keep := offset - l.size
		if keep < int64(len(l.buf)) {
			l.buf = l.buf[:keep]
		}
		return nil
	}
	l.buf = l.buf[:0]
	if err := l.file.Truncate(offset); err != nil {
		return jerrors.NewIO("truncate", l.path, err)
	}
	l.size = offset
	return nil
}

// Sync flushes buffered entries and fsyncs regardless of the sync mode.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.flushLocked(true)
}

// Replay returns every intact entry after the header, in log order.
//
// A torn tail is cut off silently. A checksum mismatch, an out-of-order LSN
// or an impossible length cuts the log at the first bad entry; the surviving
// prefix is returned together with a CorruptionError. Read-only and strict
// logs are not truncated at corruption.
func (l *Log) Replay() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil || l.size <= HeaderSize {
		return nil, nil
	}

	r := bufio.NewReader(io.NewSectionReader(l.file, HeaderSize, l.size-HeaderSize))
	entries, end, scanErr := readEntries(r, HeaderSize, l.baseLSN)
	if len(entries) > 0 {
		last := entries[len(entries)-1].LSN
		if last >= l.nextLSN {
			l.nextLSN = last + 1
		}
		l.flushedLSN = last
	}

	var ioErr *jerrors.IOError
	if errors.As(scanErr, &ioErr) {
		return nil, scanErr
	}
	if end < l.size && (scanErr == nil || !l.opts.Strict) {
		l.log.Warn("truncating log tail", "path", l.path, "offset", end, "dropped_bytes", l.size-end, "error", scanErr)
		if !l.opts.ReadOnly {
			if err := l.file.Truncate(end); err != nil {
				return nil, jerrors.NewIO("truncate", l.path, err)
			}
			if err := l.file.Sync(); err != nil {
				return nil, jerrors.NewIO("sync", l.path, err)
			}
			l.size = end
		}
	}
	return entries, scanErr
}

// readEntries decodes entries from r until EOF, a torn entry or the first
// corrupt entry. offset is the file position of r's first byte; end is the
// position just past the last intact entry.
func readEntries(r io.Reader, offset int64, base uint64) (entries []Entry, end int64, err error) {
	end = offset
	prev := base
	hdr := make([]byte, entryHeaderSize)
	for {
		if _, err := io.ReadFull(r, hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return entries, end, nil
			}
			return entries, end, jerrors.NewIO("read entry", "", err)
		}
		e := Entry{
			TxID: binary.BigEndian.Uint64(hdr[0:8]),
			LSN:  binary.BigEndian.Uint64(hdr[8:16]),
			Op:   Op(hdr[16]),
		}
		klen := binary.BigEndian.Uint32(hdr[17:21])
		vlen := binary.BigEndian.Uint32(hdr[21:25])
		if uint64(klen)+uint64(vlen) > MaxEntrySize {
			return entries, end, jerrors.NewCorruption("wal", end, fmt.Sprintf("entry length %d+%d out of range", klen, vlen))
		}

		body := make([]byte, int(klen)+int(vlen)+checksumSize)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return entries, end, nil
			}
			return entries, end, jerrors.NewIO("read entry", "", err)
		}

		payload := body[:klen+vlen]
		want := binary.BigEndian.Uint64(body[klen+vlen:])
		if entryChecksum(append(append([]byte(nil), hdr...), payload...)) != want {
			return entries, end, jerrors.NewCorruption("wal", end, "checksum mismatch")
		}
		if !e.Op.valid() {
			return entries, end, jerrors.NewCorruption("wal", end, fmt.Sprintf("invalid op %d", e.Op))
		}
		if e.LSN <= prev {
			return entries, end, jerrors.NewCorruption("wal", end, fmt.Sprintf("lsn %d after %d", e.LSN, prev))
		}

		e.Key = payload[:klen:klen]
		e.Value = payload[klen:]
		entries = append(entries, e)
		prev = e.LSN
		end += int64(entryHeaderSize) + int64(len(body))
	}
}

// Checkpoint rewrites the log keeping only entries with LSN > safeLSN.
// The new file is written beside the old one, fsynced and renamed over it,
// so a crash leaves either the old or the new log intact.
func (l *Log) Checkpoint(safeLSN uint64) error {
	if l.opts.ReadOnly {
		return fmt.Errorf("wal: %w", jerrors.ErrReadOnly)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(true); err != nil {
		return err
	}

	var entries []Entry
	if l.size > HeaderSize {
		r := bufio.NewReader(io.NewSectionReader(l.file, HeaderSize, l.size-HeaderSize))
		var err error
		entries, _, err = readEntries(r, HeaderSize, l.baseLSN)
		if err != nil {
			return err
		}
	}

	var kept, dropped []Entry
	for _, e := range entries {
		if e.LSN > safeLSN {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e)
		}
	}

	base := max(safeLSN, l.baseLSN)
	if len(dropped) == 0 && base == l.baseLSN {
		return nil
	}

	if l.opts.Archive && len(dropped) > 0 {
		if err := writeArchive(l.archivePath(dropped), l.fileID, dropped); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	buf.Write(encodeFileHeader(l.fileID, base))
	for i := range kept {
		buf.Write(appendEntry(nil, &kept[i]))
	}

	tmp := l.path + ".tmp"
	if err := writeFileSync(tmp, buf.Bytes()); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return jerrors.NewIO("rename", l.path, err)
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		return err
	}

	file, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return jerrors.NewIO("open", l.path, err)
	}
	l.file.Close()
	l.file = file
	l.baseLSN = base
	l.size = int64(buf.Len())
	if l.nextLSN <= base {
		l.nextLSN = base + 1
	}

	l.log.Debug("log checkpointed", "safe_lsn", safeLSN, "kept", len(kept), "dropped", len(dropped), "size", l.size)
	return nil
}

func (l *Log) archivePath(dropped []Entry) string {
	return fmt.Sprintf("%s.%d-%d.xz", l.path, dropped[0].LSN, dropped[len(dropped)-1].LSN)
}

// Close flushes, fsyncs and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	var err error
	if l.file != nil {
		if !l.opts.ReadOnly {
			err = l.flushLocked(true)
		}
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = jerrors.NewIO("close", l.path, cerr)
		}
	}
	l.closed = true
	return err
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return jerrors.NewIO("create", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return jerrors.NewIO("write", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return jerrors.NewIO("sync", path, err)
	}
	if err := f.Close(); err != nil {
		return jerrors.NewIO("close", path, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return jerrors.NewIO("open dir", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return jerrors.NewIO("sync dir", dir, err)
	}
	return nil
}
