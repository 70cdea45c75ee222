package pager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/FocuswithJustin/JuniperKV/core/cache"
	jerrors "github.com/FocuswithJustin/JuniperKV/core/errors"
)

// Default values
const (
	DefaultCacheSize = 1024 // Default number of pages to cache
)

// Common errors
var (
	ErrInvalidPageNum = errors.New("invalid page number")
	ErrReadOnly       = fmt.Errorf("pager: %w", jerrors.ErrReadOnly)
	ErrClosed         = fmt.Errorf("pager: %w", jerrors.ErrClosed)
)

// Options configures a Pager.
type Options struct {
	// PageSize for a new file. Ignored when opening an existing file.
	PageSize int

	// CacheSize is the number of pages kept in the LRU cache.
	CacheSize int

	// ReadOnly opens the file without write access.
	ReadOnly bool

	// Logger receives pager events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Pager is the page store: a fixed-size block allocator over a single file.
//
// Read is safe for concurrent use. Allocate, Free, Write and the free-list
// operations belong to the single writer.
type Pager struct {
	file     *os.File
	path     string
	pageSize int
	readOnly bool
	log      *slog.Logger

	cache *cache.LRU[PageID, []byte]

	// pageCount is read by concurrent readers for bounds checks.
	pageCount atomic.Uint32

	mu     sync.Mutex
	header Header
	fl     freelist
	closed bool

	// freelistValid is false when the persisted chain did not match the
	// header and the caller must RebuildFreelist.
	freelistValid bool
}

// Stats describes the page store.
type Stats struct {
	PageSize     int
	PageCount    uint32
	FreePages    int
	PendingPages int
	ChainPages   int
	Cache        cache.Stats
}

// Open opens or creates the database file at path.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if err := ValidatePageSize(opts.PageSize); err != nil {
		return nil, err
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, jerrors.NewIO("open", path, err)
	}

	p := &Pager{
		file:     file,
		path:     path,
		pageSize: opts.PageSize,
		readOnly: opts.ReadOnly,
		log:      opts.Logger.With("component", "pager"),
		cache:    cache.New[PageID, []byte](opts.CacheSize),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, jerrors.NewIO("stat", path, err)
	}

	if info.Size() == 0 {
		if opts.ReadOnly {
			file.Close()
			return nil, jerrors.NewValidation("path", "cannot create a new database in read-only mode")
		}
		err = p.initialize()
	} else {
		err = p.load()
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	return p, nil
}

// initialize writes the header and an empty free-list page.
func (p *Pager) initialize() error {
	p.header = NewHeader(p.pageSize)
	p.pageCount.Store(p.header.PageCount)

	fl := encodeFreelistPage(FreelistPage, p.pageSize, 0, NilPage, nil)
	if err := p.writeRaw(fl); err != nil {
		return err
	}
	if err := p.writeRaw(p.header.encode()); err != nil {
		return err
	}
	if err := p.Sync(); err != nil {
		return err
	}
	p.freelistValid = true
	p.log.Debug("database created", "path", p.path, "page_size", p.pageSize, "file_id", p.header.FileID)
	return nil
}

// load reads the header and the persisted free list.
func (p *Pager) load() error {
	prefix := make([]byte, headerFieldEnd)
	if _, err := p.file.ReadAt(prefix, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return jerrors.NewCorruption("header", 0, "file too short")
		}
		return jerrors.NewIO("read header", p.path, err)
	}
	size, err := peekPageSize(prefix)
	if err != nil {
		return err
	}
	if size != p.pageSize {
		p.log.Debug("using page size from file", "requested", p.pageSize, "file", size)
		p.pageSize = size
	}

	raw, err := p.readRaw(HeaderPage)
	if err != nil {
		return err
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return err
	}
	p.header = h
	p.pageCount.Store(h.PageCount)

	ids, chain, ok, err := p.readChain(h.Version)
	if err != nil {
		return err
	}
	if ok {
		p.fl.push(ids...)
		// Chain pages stay reserved until a newer chain replaces them.
		p.fl.chain = chain
		p.fl.free = without(p.fl.free, chain)
		p.freelistValid = true
	} else {
		p.log.Warn("free list does not match header, rebuild required", "version", h.Version)
	}
	return nil
}

// readChain follows the free-list chain from page 2. ok is false when any
// page in the chain is stale or damaged.
func (p *Pager) readChain(version uint64) (ids, chain []PageID, ok bool, err error) {
	seen := map[PageID]bool{}
	for id := FreelistPage; id != NilPage; {
		if seen[id] || uint32(id) > p.pageCount.Load() {
			return nil, nil, false, nil
		}
		seen[id] = true

		page, err := p.readRaw(id)
		if err != nil {
			var ioErr *jerrors.IOError
			if errors.As(err, &ioErr) {
				return nil, nil, false, err
			}
			return nil, nil, false, nil
		}
		if page.Type() != PageFreelist || !page.verify() || page.LSN() != version || page.Count() > idsPerPage(p.pageSize) {
			return nil, nil, false, nil
		}
		ids = append(ids, decodeFreelistPage(page)...)
		if id != FreelistPage {
			chain = append(chain, id)
		}
		id = page.Aux()
	}
	return ids, chain, true, nil
}

// FreelistValid reports whether the persisted free list was usable at open.
func (p *Pager) FreelistValid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freelistValid
}

// RebuildFreelist recomputes the free list as every data page not visited by
// walk. walk must call visit for each page reachable from the committed root.
func (p *Pager) RebuildFreelist(walk func(visit func(PageID)) error) error {
	used := map[PageID]bool{HeaderPage: true, FreelistPage: true}
	if err := walk(func(id PageID) { used[id] = true }); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.fl = freelist{}
	count := PageID(p.pageCount.Load())
	for id := FirstDataPage; id <= count; id++ {
		if !used[id] {
			p.fl.push(id)
		}
	}
	p.freelistValid = true
	p.log.Info("free list rebuilt", "free_pages", len(p.fl.free), "page_count", count)
	return nil
}

// Close syncs and closes the file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.cache.Purge()

	var syncErr error
	if !p.readOnly {
		if err := p.file.Sync(); err != nil {
			syncErr = jerrors.NewIO("sync", p.path, err)
		}
	}
	if err := p.file.Close(); err != nil && syncErr == nil {
		return jerrors.NewIO("close", p.path, err)
	}
	return syncErr
}

// Header returns a copy of the current header.
func (p *Pager) Header() Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.header
	h.PageCount = p.pageCount.Load()
	return h
}

// PageSize returns the page size of the database.
func (p *Pager) PageSize() int { return p.pageSize }

// PageCount returns the number of pages in the database.
func (p *Pager) PageCount() uint32 { return p.pageCount.Load() }

// IsReadOnly returns true if the pager is read-only.
func (p *Pager) IsReadOnly() bool { return p.readOnly }

// Path returns the database file path.
func (p *Pager) Path() string { return p.path }

// Allocate returns a page id for a new page, reusing freed ids first.
func (p *Pager) Allocate() (PageID, error) {
	if p.readOnly {
		return NilPage, ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.fl.pop(); ok {
		return id, nil
	}
	next := p.pageCount.Load() + 1
	if next == 0 {
		return NilPage, jerrors.NewValidation("page_count", "database has reached the maximum page count")
	}
	p.pageCount.Store(next)
	return PageID(next), nil
}

// Free returns id to the free list immediately. Use Release for pages that
// a live snapshot may still read.
func (p *Pager) Free(id PageID) {
	if id < FirstDataPage {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fl.push(id)
	p.cache.Remove(id)
}

// Release parks ids dropped by the commit that produced version until no
// snapshot older than version remains.
func (p *Pager) Release(version uint64, ids []PageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fl.release(version, ids)
}

// Reclaim frees pending pages no longer visible to any snapshot at or after
// oldest. It returns the number of pages freed.
func (p *Pager) Reclaim(oldest uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.fl.reclaim(oldest)
	if n > 0 {
		p.log.Debug("pages reclaimed", "count", n, "oldest_snapshot", oldest)
	}
	return n
}

// Mark captures the allocator so a failed batch can be undone with Restore.
func (p *Pager) Mark() AllocState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AllocState{
		free:      append([]PageID(nil), p.fl.free...),
		pageCount: p.pageCount.Load(),
	}
}

// Restore rewinds the allocator to a Mark.
func (p *Pager) Restore(s AllocState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fl.free = s.free
	p.pageCount.Store(s.pageCount)
}

// Read returns the page with the given id.
func (p *Pager) Read(id PageID) (*Page, error) {
	if id == NilPage || uint32(id) > p.pageCount.Load() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageNum, id)
	}
	if data, ok := p.cache.Get(id); ok {
		return &Page{ID: id, Data: data}, nil
	}
	page, err := p.readRaw(id)
	if err != nil {
		return nil, err
	}
	if !page.verify() {
		p.log.Error("page checksum mismatch", "page", id)
		return nil, jerrors.NewCorruption("page", int64(id), "checksum mismatch")
	}
	p.cache.Put(id, page.Data)
	return page, nil
}

// Write stores page at its id. The write covers exactly one page.
func (p *Pager) Write(page *Page) error {
	if p.readOnly {
		return ErrReadOnly
	}
	if page.ID < FirstDataPage || uint32(page.ID) > p.pageCount.Load() {
		return fmt.Errorf("%w: %d", ErrInvalidPageNum, page.ID)
	}
	if page.Size() != p.pageSize {
		return fmt.Errorf("page %d has size %d, want %d", page.ID, page.Size(), p.pageSize)
	}
	page.stampChecksum()
	if err := p.writeRaw(page); err != nil {
		p.cache.Remove(page.ID)
		return err
	}
	p.cache.Put(page.ID, page.Data)
	return nil
}

// CommitHeader writes h as the new header page and syncs the file.
// Data pages must already be synced so the header never points at pages
// that are not durable.
func (p *Pager) CommitHeader(h Header) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	h.PageSize = p.pageSize
	h.FileID = p.header.FileID
	h.FormatVersion = FormatVersion
	h.PageCount = p.pageCount.Load()
	p.mu.Unlock()

	if err := p.writeRaw(h.encode()); err != nil {
		return err
	}
	if err := p.Sync(); err != nil {
		return err
	}

	p.mu.Lock()
	p.header = h
	p.mu.Unlock()
	return nil
}

// SyncFreelist persists free, pending and chain ids stamped with the header
// version. Extra chain pages are taken only from truly free ids, and the
// previous chain is returned to the free list only after the new one is on disk.
func (p *Pager) SyncFreelist() error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	version := p.header.Version
	perPage := idsPerPage(p.pageSize)
	oldChain := p.fl.chain
	p.fl.chain = nil

	var newChain []PageID
	for {
		// Chain pages hold the list; they are listed too so they come back
		// as free on the next open.
		total := len(p.fl.free) + p.fl.pendingCount() + len(oldChain) + len(newChain)
		pages := (total + perPage - 1) / perPage
		if pages <= 1+len(newChain) {
			break
		}
		id, ok := p.fl.pop()
		if !ok {
			next := p.pageCount.Load() + 1
			p.pageCount.Store(next)
			id = PageID(next)
		}
		newChain = append(newChain, id)
	}

	p.fl.chain = newChain
	ids := p.fl.all()
	ids = append(ids, oldChain...)
	sortIDs(ids)

	heads := append([]PageID{FreelistPage}, newChain...)
	// Write the tail pages first; page 2 last makes the chain valid.
	for i := len(heads) - 1; i >= 0; i-- {
		lo := i * perPage
		hi := lo + perPage
		if lo > len(ids) {
			lo = len(ids)
		}
		if hi > len(ids) {
			hi = len(ids)
		}
		next := NilPage
		if i+1 < len(heads) {
			next = heads[i+1]
		}
		page := encodeFreelistPage(heads[i], p.pageSize, version, next, ids[lo:hi])
		if err := p.writeRaw(page); err != nil {
			p.fl.chain = oldChain
			p.fl.push(newChain...)
			return err
		}
		if i == 1 {
			if err := p.syncLocked(); err != nil {
				p.fl.chain = oldChain
				p.fl.push(newChain...)
				return err
			}
		}
	}
	if err := p.syncLocked(); err != nil {
		return err
	}

	p.fl.push(oldChain...)
	p.freelistValid = true
	return nil
}

// Sync flushes the file to stable storage.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.syncLocked()
}

func (p *Pager) syncLocked() error {
	if p.closed {
		return ErrClosed
	}
	if err := p.file.Sync(); err != nil {
		return jerrors.NewIO("sync", p.path, err)
	}
	return nil
}

// Stats returns page store statistics.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		PageSize:     p.pageSize,
		PageCount:    p.pageCount.Load(),
		FreePages:    len(p.fl.free),
		PendingPages: p.fl.pendingCount(),
		ChainPages:   len(p.fl.chain),
		Cache:        p.cache.Stats(),
	}
}

// FreeIDs returns the allocatable ids, for inspection.
func (p *Pager) FreeIDs() []PageID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PageID(nil), p.fl.free...)
}

// readRaw reads a page without verifying its checksum. Pages past the end
// of the file read as zeroes.
func (p *Pager) readRaw(id PageID) (*Page, error) {
	page := &Page{ID: id, Data: make([]byte, p.pageSize)}
	offset := int64(id-1) * int64(p.pageSize)
	n, err := p.file.ReadAt(page.Data, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, jerrors.NewIO(fmt.Sprintf("read page %d", id), p.path, err)
	}
	if n < p.pageSize {
		clear(page.Data[n:])
	}
	return page, nil
}

func (p *Pager) writeRaw(page *Page) error {
	offset := int64(page.ID-1) * int64(p.pageSize)
	if _, err := p.file.WriteAt(page.Data, offset); err != nil {
		return jerrors.NewIO(fmt.Sprintf("write page %d", page.ID), p.path, err)
	}
	return nil
}

func without(ids, drop []PageID) []PageID {
	if len(drop) == 0 {
		return ids
	}
	skip := make(map[PageID]bool, len(drop))
	for _, id := range drop {
		skip[id] = true
	}
	kept := ids[:0]
	for _, id := range ids {
		if !skip[id] {
			kept = append(kept, id)
		}
	}
	return kept
}

func sortIDs(ids []PageID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
