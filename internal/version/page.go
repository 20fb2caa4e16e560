package version

import (
	"sync"

	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/google/btree"
)

// Page is the in-memory record of one version page. It exists while any fix
// outlives the buffer pool's reuse and carries the per-page latch and the
// modifier list: the read-write transactions that produced the current
// latest version since the page was last synchronised.
type Page struct {
	id   PageID
	file *File

	latch sync.Mutex
	// modifiers is ordered by transaction start (IDs ascend in begin
	// order). Guarded by latch.
	modifiers []trans.ID

	refCount int // guarded by pageTable.mu
}

// ID returns the page identifier.
func (p *Page) ID() PageID { return p.id }

// hasModifier reports whether id is already on the modifier list. Caller
// holds the latch.
func (p *Page) hasModifier(id trans.ID) bool {
	for _, m := range p.modifiers {
		if m == id {
			return true
		}
	}
	return false
}

func pageLess(a, b *Page) bool { return a.id < b.id }

// pageTable keeps page records ordered by id so range operations (truncate,
// sync sweeps) can walk them in order.
type pageTable struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Page]
}

func newPageTable() *pageTable {
	return &pageTable{tree: btree.NewG[*Page](16, pageLess)}
}

// attach returns the page record for id, creating it on first use.
func (t *pageTable) attach(file *File, id PageID) *Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.tree.Get(&Page{id: id}); ok {
		p.refCount++
		return p
	}
	p := &Page{id: id, file: file, refCount: 1}
	t.tree.ReplaceOrInsert(p)
	return p
}

// detach drops one reference; the record is destroyed at zero unless its
// modifier list is still non-empty.
func (t *pageTable) detach(p *Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.refCount--
	if p.refCount <= 0 {
		p.latch.Lock()
		idle := len(p.modifiers) == 0
		p.latch.Unlock()
		if idle {
			t.tree.Delete(p)
		}
	}
}

// dropFrom removes every record with id >= from, regardless of refcount.
// Used by truncate, which holds the file lock exclusively.
func (t *pageTable) dropFrom(from PageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []*Page
	t.tree.AscendGreaterOrEqual(&Page{id: from}, func(p *Page) bool {
		doomed = append(doomed, p)
		return true
	})
	for _, p := range doomed {
		t.tree.Delete(p)
	}
}

// clear empties the table on unmount.
func (t *pageTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Clear(false)
}
