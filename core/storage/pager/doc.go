/*
Package pager implements the JuniperKV page store: fixed-size blocks over a
single file, an LRU page cache, and free-page management.

# File Layout

	page 1   header: magic "JUNIPRKV", format version, page size, file UUID,
	         B-tree root, page count, snapshot version, applied LSN
	page 2   head of the persisted free-list chain
	page 3+  B-tree pages, free pages, extra free-list pages

Every page starts with a 24-byte header (type, cell count, aux pointer,
applied-LSN stamp, checksum). The checksum is the first 8 bytes of a BLAKE3
hash of the page; a mismatch on Read surfaces as a CorruptionError.

# Page Lifecycle

Allocate hands out the lowest free id, or extends the file. Pages dropped
by a copy-on-write commit are parked with Release until Reclaim proves that
no snapshot older than the commit is pinned. Free returns an id immediately;
it is only for pages no snapshot has ever seen.

# Commit Ordering

The caller writes data pages, syncs, then calls CommitHeader, then
SyncFreelist. The free list is stamped with the header version. If the
process dies between the header and the free list, the stamps disagree on
the next Open, FreelistValid reports false, and the caller rebuilds the
list with RebuildFreelist from a walk of the committed tree.

# Usage

	p, err := pager.Open("data.jkv", pager.Options{PageSize: 4096})
	if err != nil {
	    return err
	}
	defer p.Close()

	id, err := p.Allocate()
	if err != nil {
	    return err
	}
	page := pager.NewPage(id, p.PageSize(), pager.PageBTreeLeaf)
	if err := p.Write(page); err != nil {
	    return err
	}

# Thread Safety

Read may be called from any goroutine. Mutating operations are reserved to
the single writer transaction; the transaction manager enforces that.
*/
package pager
