package pager

import (
	"encoding/binary"
	"sort"
)

// freelist tracks page ids that are not part of the committed tree.
//
// Ids move through three sets:
//   - free: allocatable now
//   - pending: dropped by a commit but possibly still read by an older snapshot
//   - chain: extra pages (beyond page 2) holding the persisted list
type freelist struct {
	free    []PageID // sorted ascending
	pending []pendingGroup
	chain   []PageID
}

type pendingGroup struct {
	version uint64
	ids     []PageID
}

// AllocState is a restorable copy of the allocator, used to undo a
// failed commit.
type AllocState struct {
	free      []PageID
	pageCount uint32
}

func (f *freelist) pop() (PageID, bool) {
	if len(f.free) == 0 {
		return NilPage, false
	}
	id := f.free[0]
	f.free = f.free[1:]
	return id, true
}

func (f *freelist) push(ids ...PageID) {
	for _, id := range ids {
		i := sort.Search(len(f.free), func(i int) bool { return f.free[i] >= id })
		if i < len(f.free) && f.free[i] == id {
			continue
		}
		f.free = append(f.free, 0)
		copy(f.free[i+1:], f.free[i:])
		f.free[i] = id
	}
}

func (f *freelist) release(version uint64, ids []PageID) {
	if len(ids) == 0 {
		return
	}
	f.pending = append(f.pending, pendingGroup{version: version, ids: append([]PageID(nil), ids...)})
}

// reclaim frees every pending group whose version is at most oldest.
// Snapshots older than a group's version may still reference its pages.
func (f *freelist) reclaim(oldest uint64) int {
	n := 0
	kept := f.pending[:0]
	for _, g := range f.pending {
		if g.version <= oldest {
			f.push(g.ids...)
			n += len(g.ids)
			continue
		}
		kept = append(kept, g)
	}
	f.pending = kept
	return n
}

func (f *freelist) pendingCount() int {
	n := 0
	for _, g := range f.pending {
		n += len(g.ids)
	}
	return n
}

// all returns every id the persisted list must record. After a restart no
// snapshot survives, so pending and chain pages are free too.
func (f *freelist) all() []PageID {
	ids := append([]PageID(nil), f.free...)
	for _, g := range f.pending {
		ids = append(ids, g.ids...)
	}
	return append(ids, f.chain...)
}

// idsPerPage returns how many ids fit in one freelist page.
func idsPerPage(pageSize int) int {
	return (pageSize - HeaderSize) / 4
}

func encodeFreelistPage(id PageID, pageSize int, version uint64, next PageID, ids []PageID) *Page {
	p := NewPage(id, pageSize, PageFreelist)
	p.SetCount(len(ids))
	p.SetAux(next)
	p.SetLSN(version)
	for i, fid := range ids {
		binary.BigEndian.PutUint32(p.Data[HeaderSize+4*i:], uint32(fid))
	}
	p.stampChecksum()
	return p
}

func decodeFreelistPage(p *Page) []PageID {
	n := p.Count()
	ids := make([]PageID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, PageID(binary.BigEndian.Uint32(p.Data[HeaderSize+4*i:])))
	}
	return ids
}
