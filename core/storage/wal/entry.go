package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Op is the operation recorded by an entry.
type Op uint8

const (
	// OpPut stores Value under Key.
	OpPut Op = iota + 1
	// OpDelete removes Key.
	OpDelete
	// OpCommit marks every earlier entry of TxID as committed.
	OpCommit
	// OpAbort marks TxID as abandoned after its commit marker was written.
	OpAbort
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpCommit:
		return "commit"
	case OpAbort:
		return "abort"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

func (o Op) valid() bool { return o >= OpPut && o <= OpAbort }

// Entry is one record of the log. Entries are immutable once appended.
type Entry struct {
	TxID  uint64
	LSN   uint64
	Op    Op
	Key   []byte
	Value []byte
}

// Entry wire format, big-endian:
//
//	txid u64 | lsn u64 | op u8 | key len u32 | value len u32 | key | value | checksum u64
const (
	entryHeaderSize = 8 + 8 + 1 + 4 + 4
	checksumSize    = 8

	// MaxEntrySize bounds key+value so a corrupt length cannot trigger a
	// huge allocation during replay.
	MaxEntrySize = 64 << 20
)

// encodedSize returns the number of bytes e occupies on disk.
func (e *Entry) encodedSize() int {
	return entryHeaderSize + len(e.Key) + len(e.Value) + checksumSize
}

// appendEntry appends the encoding of e to dst.
func appendEntry(dst []byte, e *Entry) []byte {
	start := len(dst)
	dst = binary.BigEndian.AppendUint64(dst, e.TxID)
	dst = binary.BigEndian.AppendUint64(dst, e.LSN)
	dst = append(dst, byte(e.Op))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(e.Key)))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(e.Value)))
	dst = append(dst, e.Key...)
	dst = append(dst, e.Value...)
	return binary.BigEndian.AppendUint64(dst, entryChecksum(dst[start:]))
}

func entryChecksum(b []byte) uint64 {
	sum := blake3.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}
