package pager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

func tempFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.jkv")
}

func openPager(t *testing.T, path string, opts Options) *Pager {
	t.Helper()
	p, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return p
}

func TestOpen_NewDatabase(t *testing.T) {
	filename := tempFile(t)

	p := openPager(t, filename, Options{})
	defer p.Close()

	if p.PageSize() != DefaultPageSize {
		t.Errorf("PageSize() = %d, want %d", p.PageSize(), DefaultPageSize)
	}
	if p.PageCount() != 2 {
		t.Errorf("PageCount() = %d, want 2", p.PageCount())
	}

	info, err := os.Stat(filename)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 2*DefaultPageSize {
		t.Errorf("file size = %d, want %d", info.Size(), 2*DefaultPageSize)
	}

	h := p.Header()
	if h.Root != NilPage {
		t.Errorf("Root = %d, want nil", h.Root)
	}
	if h.FileID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("FileID was not generated")
	}
}

func TestOpen_InvalidPageSize(t *testing.T) {
	for _, size := range []int{100, 1000, 256, 131072} {
		if _, err := Open(tempFile(t), Options{PageSize: size}); !errors.Is(err, jerrors.ErrInvalidInput) {
			t.Errorf("Open(page size %d) error = %v, want validation error", size, err)
		}
	}
}

func TestOpen_KeepsFilePageSize(t *testing.T) {
	filename := tempFile(t)
	p := openPager(t, filename, Options{PageSize: 1024})
	p.Close()

	p = openPager(t, filename, Options{PageSize: 8192})
	defer p.Close()
	if p.PageSize() != 1024 {
		t.Errorf("PageSize() = %d, want 1024 from file", p.PageSize())
	}
}

func TestOpen_BadMagic(t *testing.T) {
	filename := tempFile(t)
	if err := os.WriteFile(filename, make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(filename, Options{}); !errors.Is(err, jerrors.ErrCorrupt) {
		t.Errorf("Open() error = %v, want corruption", err)
	}
}

func TestOpen_ReadOnlyNewFile(t *testing.T) {
	if _, err := Open(tempFile(t), Options{ReadOnly: true}); err == nil {
		t.Error("Open() read-only on missing file should fail")
	}
}

func TestAllocateWriteRead(t *testing.T) {
	filename := tempFile(t)
	p := openPager(t, filename, Options{PageSize: 512})

	id, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if id != FirstDataPage {
		t.Errorf("Allocate() = %d, want %d", id, FirstDataPage)
	}

	page := NewPage(id, 512, PageBTreeLeaf)
	page.SetCount(3)
	page.SetLSN(42)
	copy(page.Data[HeaderSize:], "hello")
	if err := p.Write(page); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	h := p.Header()
	h.Root = id
	if err := p.CommitHeader(h); err != nil {
		t.Fatalf("CommitHeader() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	p = openPager(t, filename, Options{})
	defer p.Close()

	got, err := p.Read(id)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Type() != PageBTreeLeaf || got.Count() != 3 || got.LSN() != 42 {
		t.Errorf("page = type %v count %d lsn %d", got.Type(), got.Count(), got.LSN())
	}
	if string(got.Data[HeaderSize:HeaderSize+5]) != "hello" {
		t.Errorf("payload = %q", got.Data[HeaderSize:HeaderSize+5])
	}
	if p.Header().Root != id {
		t.Errorf("Root = %d, want %d", p.Header().Root, id)
	}
}

func TestRead_Corruption(t *testing.T) {
	filename := tempFile(t)
	p := openPager(t, filename, Options{PageSize: 512})

	id, _ := p.Allocate()
	page := NewPage(id, 512, PageBTreeLeaf)
	if err := p.Write(page); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := p.CommitHeader(p.Header()); err != nil {
		t.Fatalf("CommitHeader() error = %v", err)
	}
	p.Close()

	// Flip a byte inside the page body.
	f, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xAA}, int64(id-1)*512+100); err != nil {
		t.Fatal(err)
	}
	f.Close()

	p = openPager(t, filename, Options{})
	defer p.Close()
	_, err = p.Read(id)
	var ce *jerrors.CorruptionError
	if !errors.As(err, &ce) {
		t.Fatalf("Read() error = %v, want CorruptionError", err)
	}
	if ce.Offset != int64(id) {
		t.Errorf("Offset = %d, want %d", ce.Offset, id)
	}
}

func TestRead_InvalidPage(t *testing.T) {
	p := openPager(t, tempFile(t), Options{})
	defer p.Close()

	for _, id := range []PageID{NilPage, 99} {
		if _, err := p.Read(id); !errors.Is(err, ErrInvalidPageNum) {
			t.Errorf("Read(%d) error = %v, want ErrInvalidPageNum", id, err)
		}
	}
	if err := p.Write(NewPage(HeaderPage, p.PageSize(), PageMeta)); !errors.Is(err, ErrInvalidPageNum) {
		t.Errorf("Write(header) error = %v, want ErrInvalidPageNum", err)
	}
}

func TestFreeAndReuse(t *testing.T) {
	p := openPager(t, tempFile(t), Options{PageSize: 512})
	defer p.Close()

	a, _ := p.Allocate()
	b, _ := p.Allocate()
	c, _ := p.Allocate()

	p.Free(b)
	p.Free(a)

	if got, _ := p.Allocate(); got != a {
		t.Errorf("Allocate() = %d, want lowest free %d", got, a)
	}
	if got, _ := p.Allocate(); got != b {
		t.Errorf("Allocate() = %d, want %d", got, b)
	}
	if got, _ := p.Allocate(); got != c+1 {
		t.Errorf("Allocate() = %d, want new page %d", got, c+1)
	}
}

func TestReleaseReclaim(t *testing.T) {
	p := openPager(t, tempFile(t), Options{PageSize: 512})
	defer p.Close()

	a, _ := p.Allocate()
	b, _ := p.Allocate()
	p.Release(5, []PageID{a})
	p.Release(7, []PageID{b})

	if n := p.Reclaim(4); n != 0 {
		t.Errorf("Reclaim(4) = %d, want 0", n)
	}
	if n := p.Reclaim(6); n != 1 {
		t.Errorf("Reclaim(6) = %d, want 1", n)
	}
	if st := p.Stats(); st.FreePages != 1 || st.PendingPages != 1 {
		t.Errorf("Stats() free=%d pending=%d, want 1/1", st.FreePages, st.PendingPages)
	}
	if n := p.Reclaim(7); n != 1 {
		t.Errorf("Reclaim(7) = %d, want 1", n)
	}
}

func TestMarkRestore(t *testing.T) {
	p := openPager(t, tempFile(t), Options{PageSize: 512})
	defer p.Close()

	a, _ := p.Allocate()
	p.Free(a)
	mark := p.Mark()

	p.Allocate()
	p.Allocate()
	p.Restore(mark)

	if p.PageCount() != uint32(a) {
		t.Errorf("PageCount() = %d, want %d", p.PageCount(), a)
	}
	if got, _ := p.Allocate(); got != a {
		t.Errorf("Allocate() after Restore = %d, want %d", got, a)
	}
}

func TestFreelistPersistence(t *testing.T) {
	filename := tempFile(t)
	p := openPager(t, filename, Options{PageSize: 512})

	// Enough ids to need several chain pages at 512 bytes per page.
	var ids []PageID
	for i := 0; i < 500; i++ {
		id, err := p.Allocate()
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids[:300] {
		p.Free(id)
	}
	p.Release(1, ids[300:310])

	h := p.Header()
	h.Version = 1
	if err := p.CommitHeader(h); err != nil {
		t.Fatalf("CommitHeader() error = %v", err)
	}
	if err := p.SyncFreelist(); err != nil {
		t.Fatalf("SyncFreelist() error = %v", err)
	}
	chain := p.Stats().ChainPages
	if chain == 0 {
		t.Fatal("expected extra chain pages for 310 ids at 512-byte pages")
	}
	p.Close()

	p = openPager(t, filename, Options{})
	defer p.Close()

	if !p.FreelistValid() {
		t.Fatal("FreelistValid() = false after clean sync")
	}
	st := p.Stats()
	if st.FreePages+st.ChainPages != 310 {
		t.Errorf("free+chain = %d+%d, want 310", st.FreePages, st.ChainPages)
	}
}

func TestFreelistStaleAfterHeader(t *testing.T) {
	filename := tempFile(t)
	p := openPager(t, filename, Options{PageSize: 512})

	a, _ := p.Allocate()
	b, _ := p.Allocate()
	leaf := NewPage(a, 512, PageBTreeLeaf)
	if err := p.Write(leaf); err != nil {
		t.Fatal(err)
	}
	p.Free(b)

	// Header moves to version 3 but the free list is never rewritten.
	h := p.Header()
	h.Root = a
	h.Version = 3
	if err := p.CommitHeader(h); err != nil {
		t.Fatal(err)
	}
	p.Close()

	p = openPager(t, filename, Options{})
	defer p.Close()
	if p.FreelistValid() {
		t.Fatal("FreelistValid() = true, want stale")
	}

	err := p.RebuildFreelist(func(visit func(PageID)) error {
		visit(a)
		return nil
	})
	if err != nil {
		t.Fatalf("RebuildFreelist() error = %v", err)
	}
	free := p.FreeIDs()
	if len(free) != 1 || free[0] != b {
		t.Errorf("FreeIDs() = %v, want [%d]", free, b)
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	filename := tempFile(t)
	openPager(t, filename, Options{}).Close()

	p := openPager(t, filename, Options{ReadOnly: true})
	defer p.Close()

	if _, err := p.Allocate(); !errors.Is(err, jerrors.ErrReadOnly) {
		t.Errorf("Allocate() error = %v, want read-only", err)
	}
	if err := p.SyncFreelist(); !errors.Is(err, jerrors.ErrReadOnly) {
		t.Errorf("SyncFreelist() error = %v, want read-only", err)
	}
}

func TestPageTypeString(t *testing.T) {
	tests := map[PageType]string{
		PageFree:          "free",
		PageMeta:          "meta",
		PageFreelist:      "freelist",
		PageBTreeInternal: "internal",
		PageBTreeLeaf:     "leaf",
		PageType(99):      "unknown",
	}
	for typ, want := range tests {
		if got := typ.String(); got != want {
			t.Errorf("PageType(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
