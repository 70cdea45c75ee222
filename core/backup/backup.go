// Package backup writes and reads logical dumps of a JuniperKV database.
//
// A dump is an xz stream holding a magic string, length-prefixed key/value
// records in key order and a trailer with the record count and a blake3
// digest of the records. Dumps are taken from a single read-only snapshot,
// so they are consistent while writers keep running.
package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/JuniperKV/core/db"
	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// Magic starts every dump.
const Magic = "JKVDUMP1"

const batchSize = 256

// Stats describes a dump or restore.
type Stats struct {
	Records int
	Bytes   int64
	Version uint64
}

type kv struct {
	key, value []byte
}

type recordIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

var openScan = func(tx *db.Tx) recordIterator { return tx.Scan(nil, nil) }

// Dump writes every record of the current snapshot to w.
func Dump(ctx context.Context, d *db.DB, w io.Writer) (Stats, error) {
	tx, err := d.Begin(ctx, db.ReadOnly)
	if err != nil {
		return Stats{}, err
	}
	defer tx.Rollback()

	st := Stats{Version: tx.Version()}
	batches := make(chan []kv, 4)
	g, ctx := errgroup.WithContext(ctx)

	// batches is closed only after a complete scan. On a scan error the
	// encoder sees the cancelled context instead and never writes a trailer.
	g.Go(func() error {
		it := openScan(tx)
		defer it.Close()
		batch := make([]kv, 0, batchSize)
		for it.Next() {
			batch = append(batch, kv{
				key:   append([]byte(nil), it.Key()...),
				value: append([]byte(nil), it.Value()...),
			})
			if len(batch) == batchSize {
				select {
				case batches <- batch:
				case <-ctx.Done():
					return ctx.Err()
				}
				batch = make([]kv, 0, batchSize)
			}
		}
		if err := it.Err(); err != nil {
			return err
		}
		if len(batch) > 0 {
			select {
			case batches <- batch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		close(batches)
		return nil
	})

	g.Go(func() error {
		cw := &countingWriter{w: w}
		xw, err := xz.NewWriter(cw)
		if err != nil {
			return jerrors.NewIO("xz writer", "", err)
		}
		bw := bufio.NewWriter(xw)
		h := blake3.New()
		enc := io.MultiWriter(bw, h)

		if _, err := bw.WriteString(Magic); err != nil {
			return jerrors.NewIO("write", "", err)
		}
		var scratch [binary.MaxVarintLen64]byte
	records:
		for {
			var batch []kv
			select {
			case b, ok := <-batches:
				if !ok {
					break records
				}
				batch = b
			case <-ctx.Done():
				return ctx.Err()
			}
			for _, r := range batch {
				if err := writeField(enc, scratch[:], r.key); err != nil {
					return err
				}
				if err := writeField(enc, scratch[:], r.value); err != nil {
					return err
				}
				st.Records++
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		// A zero key length cannot start a record, so it marks the trailer.
		trailer := binary.AppendUvarint([]byte{0}, uint64(st.Records))
		trailer = append(trailer, h.Sum(nil)[:8]...)
		if _, err := bw.Write(trailer); err != nil {
			return jerrors.NewIO("write", "", err)
		}
		if err := bw.Flush(); err != nil {
			return jerrors.NewIO("write", "", err)
		}
		if err := xw.Close(); err != nil {
			return jerrors.NewIO("xz close", "", err)
		}
		st.Bytes = cw.n
		return nil
	})

	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func writeField(w io.Writer, scratch []byte, b []byte) error {
	n := binary.PutUvarint(scratch, uint64(len(b)))
	if _, err := w.Write(scratch[:n]); err != nil {
		return jerrors.NewIO("write", "", err)
	}
	if _, err := w.Write(b); err != nil {
		return jerrors.NewIO("write", "", err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Restore loads a dump into d in one read-write transaction. Existing keys
// are overwritten. Nothing is committed unless the whole dump verifies.
func Restore(ctx context.Context, d *db.DB, r io.Reader) (Stats, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return Stats{}, jerrors.NewCorruption("dump", 0, fmt.Sprintf("not an xz stream: %v", err))
	}
	br := bufio.NewReader(xr)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != Magic {
		return Stats{}, jerrors.NewCorruption("dump", 0, "bad magic")
	}

	var st Stats
	err = d.Update(ctx, func(tx *db.Tx) error {
		tr := &trackingReader{r: br, h: blake3.New()}
		for {
			if st.Records%batchSize == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			key, err := tr.field(true)
			if err != nil {
				return err
			}
			if key == nil {
				break
			}
			value, err := tr.field(false)
			if err != nil {
				return err
			}
			if err := tx.Insert(key, value); err != nil {
				return err
			}
			st.Records++
		}

		sum := tr.h.Sum(nil)[:8]
		count, err := binary.ReadUvarint(br)
		if err != nil {
			return truncated(tr.n)
		}
		want := make([]byte, 8)
		if _, err := io.ReadFull(br, want); err != nil {
			return truncated(tr.n)
		}
		if count != uint64(st.Records) {
			return jerrors.NewCorruption("dump", tr.n, fmt.Sprintf("trailer counts %d records, read %d", count, st.Records))
		}
		if !bytes.Equal(sum, want) {
			return jerrors.NewCorruption("dump", tr.n, "digest mismatch")
		}
		st.Bytes = tr.n
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	st.Version = d.Stats().Version
	return st, nil
}

func truncated(off int64) error {
	return jerrors.NewCorruption("dump", off, "unexpected end of dump")
}

// maxField bounds a single key or value read from a dump.
const maxField = 64 << 20

// trackingReader hashes record bytes and counts the offset for errors.
type trackingReader struct {
	r *bufio.Reader
	h *blake3.Hasher
	n int64
}

// field reads one length-prefixed field. For the first field of a record a
// zero length is the trailer marker and field returns nil.
func (t *trackingReader) field(first bool) ([]byte, error) {
	start := t.n
	n, err := binary.ReadUvarint(t.r)
	if err != nil {
		return nil, truncated(start)
	}
	var prefix [binary.MaxVarintLen64]byte
	plen := binary.PutUvarint(prefix[:], n)
	t.n += int64(plen)
	if first && n == 0 {
		return nil, nil
	}
	if n > maxField {
		return nil, jerrors.NewCorruption("dump", start, fmt.Sprintf("field length %d too large", n))
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(t.r, b); err != nil {
		return nil, truncated(t.n)
	}
	t.n += int64(n)
	t.h.Write(prefix[:plen])
	t.h.Write(b)
	return b, nil
}

// DumpFile writes a dump to path. The file is replaced only once the dump
// is complete and synced.
func DumpFile(ctx context.Context, d *db.DB, path string) (Stats, error) {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Stats{}, jerrors.NewIO("create", tmp, err)
	}
	st, err := Dump(ctx, d, f)
	if err == nil {
		if serr := f.Sync(); serr != nil {
			err = jerrors.NewIO("sync", tmp, serr)
		}
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = jerrors.NewIO("close", tmp, cerr)
	}
	if err != nil {
		os.Remove(tmp)
		return Stats{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Stats{}, jerrors.NewIO("rename", path, err)
	}
	return st, nil
}

// RestoreFile loads the dump at path into d.
func RestoreFile(ctx context.Context, d *db.DB, path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, jerrors.NewIO("open", path, err)
	}
	defer f.Close()
	return Restore(ctx, d, f)
}
