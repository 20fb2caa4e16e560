package version

import (
	"encoding/binary"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// Version blocks
// ───────────────────────────────────────────────────────────────────────────
//
// A version block carries one image of one page. Its payload starts with a
// fixed header (little-endian):
//
//	older          u32  block id of the previous version, IllegalBlockID at
//	                    the end of the chain
//	physicalLog    u32  block id of a physical-log chain, or IllegalBlockID
//	olderTimeStamp u64  last modification of `older` when the link was made
//	category       u32  Oldest | Copy | Newer
//	pageID         u32  owning page, for verification
//
// followed by the page image. Master data blocks and sync log blocks reuse
// the same layout.

const logHeaderSize = 4 + 4 + 8 + 4 + 4

// LogCategory classifies a version block.
type LogCategory uint32

const (
	CategoryUnknown LogCategory = iota
	// CategoryOldest marks the oldest version, stored in master data.
	CategoryOldest
	// CategoryCopy marks a defensive copy of an older image that has not
	// been rewritten since it was made.
	CategoryCopy
	// CategoryNewer marks a version whose content was actually updated.
	CategoryNewer
)

// PageContentSize returns the page image bytes carried by one block.
func PageContentSize(blockSize int) int {
	return ContentSize(blockSize) - logHeaderSize
}

// logBlock wraps the payload of a fixed version block.
type logBlock struct{ p []byte }

func logOf(m *BlockMemory) logBlock { return logBlock{p: m.Payload()} }

func (l logBlock) older() BlockID { return BlockID(binary.LittleEndian.Uint32(l.p[0:4])) }

func (l logBlock) setOlder(id BlockID) { binary.LittleEndian.PutUint32(l.p[0:4], uint32(id)) }

func (l logBlock) physicalLog() BlockID { return BlockID(binary.LittleEndian.Uint32(l.p[4:8])) }

func (l logBlock) setPhysicalLog(id BlockID) { binary.LittleEndian.PutUint32(l.p[4:8], uint32(id)) }

func (l logBlock) olderTimeStamp() trans.Timestamp {
	return trans.Timestamp(binary.LittleEndian.Uint64(l.p[8:16]))
}

func (l logBlock) setOlderTimeStamp(t trans.Timestamp) {
	binary.LittleEndian.PutUint64(l.p[8:16], uint64(t))
}

func (l logBlock) category() LogCategory {
	return LogCategory(binary.LittleEndian.Uint32(l.p[16:20]))
}

func (l logBlock) setCategory(c LogCategory) {
	binary.LittleEndian.PutUint32(l.p[16:20], uint32(c))
}

func (l logBlock) pageID() PageID { return PageID(binary.LittleEndian.Uint32(l.p[20:24])) }

func (l logBlock) setPageID(id PageID) { binary.LittleEndian.PutUint32(l.p[20:24], uint32(id)) }

func (l logBlock) image() []byte { return l.p[logHeaderSize:] }

// markUpdated turns a defensive copy into a real new version. Called when a
// client write dirties the block.
func (l logBlock) markUpdated() {
	if l.category() == CategoryCopy {
		l.setCategory(CategoryNewer)
	}
}

// checkPreservedPage verifies the embedded page id against the page the
// block was reached through. Page id 0 in the block is accepted for any
// page except page 0 itself: old files left the field zero.
func checkPreservedPage(path string, l logBlock, pageID PageID) error {
	stored := l.pageID()
	if (stored != 0 || pageID == 0) && stored != pageID {
		return &PreservedDifferentPageError{Path: path, Expected: pageID, Found: stored}
	}
	return nil
}

// allocateLogBlock allocates a fresh single version block and fixes it in
// allocate mode.
func (f *logFile) allocateLogBlock(headerMulti *MultiplexBlock, priority buffer.Priority) (BlockMemory, error) {
	id, err := f.allocate(headerMulti, 1)
	if err != nil {
		return BlockMemory{}, err
	}
	mem, err := fixBlock(f.buf, f.clock, id, FixAllocate, priority)
	if err != nil {
		return BlockMemory{}, err
	}
	mem.Reset()
	l := logOf(&mem)
	l.setOlder(IllegalBlockID)
	l.setPhysicalLog(IllegalBlockID)
	l.setOlderTimeStamp(trans.IllegalTimestamp)
	l.setCategory(CategoryCopy)
	l.setPageID(IllegalPageID)
	mem.Dirty()
	return mem, nil
}

// fixLog fixes an existing version block.
func (f *logFile) fixLog(id BlockID, mode FixMode, priority buffer.Priority) (BlockMemory, error) {
	return fixBlock(f.buf, f.clock, id, mode, priority)
}

// ───────────────────────────────────────────────────────────────────────────
// Chain walk
// ───────────────────────────────────────────────────────────────────────────

// traverseLog walks pageID's version chain starting at the latest block and
// returns the block tx should see, or a non-owner memory when the reader
// must fall through to the master data file.
//
// oldest is the last-modification timestamp of the page's oldest log
// version, IllegalTimestamp if unknown.
func (f *logFile) traverseLog(tx *trans.Transaction, page *Page, id BlockID,
	oldest trans.Timestamp, priority buffer.Priority) (BlockMemory, error) {

	if id == IllegalBlockID {
		return BlockMemory{}, nil
	}

	mem, err := f.fixLog(id, FixRead, priority)
	if err != nil {
		return BlockMemory{}, err
	}
	l := logOf(&mem)
	if err := checkPreservedPage(f.buf.Path(), l, page.id); err != nil {
		mem.Unfix()
		return BlockMemory{}, err
	}

	if tx.IsNoVersion() {
		// No-version transactions always read the latest version.
		return mem, nil
	}

	goOlder := false
	page.latch.Lock()
	if tx.Birth() > mem.LastModification() {
		// The latest was not rewritten after the reader started. It is
		// still invisible if it is an unwritten copy of this epoch, or if
		// one of its modifiers overlaps the reader's start.
		first := f.ckpt.MostRecent()
		switch {
		case l.category() == CategoryCopy && mem.LastModification() > first:
			goOlder = true
		case len(tx.StartingList()) > 0 && tx.Overlaps(page.modifiers):
			goOlder = true
		}
	} else {
		goOlder = true
	}
	page.latch.Unlock()

	if !goOlder {
		return mem, nil
	}

	if !oldest.IsIllegal() && l.olderTimeStamp() < oldest {
		// Only the latest log version exists.
		mem.Unfix()
		return BlockMemory{}, nil
	}

	id = l.older()
	expect := l.olderTimeStamp()
	mem.Unfix()

	for id != IllegalBlockID {
		mem, err := f.fixLog(id, FixRead, priority)
		if err != nil {
			return BlockMemory{}, err
		}
		l := logOf(&mem)
		if err := checkPreservedPage(f.buf.Path(), l, page.id); err != nil {
			mem.Unfix()
			return BlockMemory{}, err
		}
		if mem.LastModification() != expect {
			// The link carried a different timestamp than the block:
			// the chain is broken. Fall through to master.
			mem.Unfix()
			return BlockMemory{}, nil
		}
		if tx.Birth() > mem.LastModification() {
			return mem, nil
		}
		if !oldest.IsIllegal() && l.olderTimeStamp() < oldest {
			mem.Unfix()
			return BlockMemory{}, nil
		}
		id = l.older()
		expect = l.olderTimeStamp()
		mem.Unfix()
	}
	return BlockMemory{}, nil
}

// ───────────────────────────────────────────────────────────────────────────
// New-version allocation
// ───────────────────────────────────────────────────────────────────────────

// allocateLog prepares a block the updating transaction tx may write
// pageID's new latest version into. src must be the fixed, clean current
// latest. allocateLog may consume src (releasing it with a back-dated
// timestamp); callers must treat src as released when the returned memory
// differs from it.
func (f *logFile) allocateLog(tx *trans.Transaction, headerMulti *MultiplexBlock,
	page *Page, src *BlockMemory, oldest trans.Timestamp,
	priority buffer.Priority) (BlockMemory, error) {

	if tx.Category() != trans.ReadWrite {
		return BlockMemory{}, errors.Wrap(ErrBadArgument, "allocateLog by read-only transaction")
	}
	if src.IsDirty() {
		return BlockMemory{}, errors.Wrap(ErrBadArgument, "allocateLog with dirty latest")
	}

	first := f.ckpt.MostRecent()
	afterMostRecent := src.LastModification() > first

	srcLog := logOf(src)
	if err := checkPreservedPage(f.buf.Path(), srcLog, page.id); err != nil {
		return BlockMemory{}, err
	}

	if (srcLog.category() == CategoryCopy || page.file.batchInsert) && afterMostRecent {
		// The latest is a this-epoch copy nobody has rewritten (or the
		// file runs in batch-insert mode): update it in place. A
		// non-owner result tells the caller to keep using src.
		return BlockMemory{}, nil
	}

	inProgress := false
	overlapped := false
	start := trans.IllegalTimestamp

	page.latch.Lock()
	if len(page.modifiers) > 0 {
		// The asking transaction counts: a modifier rewriting its own
		// latest must not stack a new version every time.
		inProgress = f.mgr.AnyInProgress(page.modifiers, trans.IllegalID)
		if !inProgress {
			overlapped, start = f.mgr.OverlappedSince(src.LastModification(), page.modifiers)
		} else if afterMostRecent {
			// A concurrent updater already produced this epoch's version;
			// share it. Readers see the overlap through the modifier list.
			if !page.hasModifier(tx.ID()) {
				page.modifiers = append(page.modifiers, tx.ID())
			}
			page.latch.Unlock()
			return BlockMemory{}, nil
		}
	}
	defer page.latch.Unlock()

	v := readFileHeader(headerMulti.MasterMemory(), f.blockSize()).Version

	// Reuse the previous version's block if it exists, is not needed by any
	// live reader, and was written this epoch (so recovery cannot need it).
	reuse := !(srcLog.older() == IllegalBlockID ||
		(v == VersionFirst && srcLog.olderTimeStamp() < oldest) ||
		srcLog.olderTimeStamp() < first ||
		f.mgr.IsReferred(srcLog.olderTimeStamp(), src.LastModification(), page.modifiers))

	var dst0 BlockMemory
	var err error
	if reuse {
		dst0, err = f.fixLog(srcLog.older(), FixWrite, priority)
	} else {
		dst0, err = f.allocateLogBlock(headerMulti, priority)
	}
	if err != nil {
		return BlockMemory{}, err
	}
	dst0Log := logOf(&dst0)

	if reuse {
		// Splice the reused block out: the latest inherits its links.
		srcLog.setOlder(dst0Log.older())
		srcLog.setPhysicalLog(dst0Log.physicalLog())
		srcLog.setOlderTimeStamp(dst0Log.olderTimeStamp())
		src.Dirty()
	}

	dst0.Copy(src)
	dst0Log.setCategory(CategoryCopy)
	dst0Log.setPageID(page.id)

	if v >= VersionSecond {
		if reuse {
			if err := f.setNewest(v, dst0.ID(), true); err != nil {
				dst0.Unfix()
				return BlockMemory{}, err
			}
		}
		if srcLog.category() != CategoryOldest {
			if err := f.setNewest(v, src.ID(), false); err != nil {
				dst0.Unfix()
				return BlockMemory{}, err
			}
		}
	}

	var allocated BlockMemory

	switch {
	case inProgress:
		// A modifier is still running and the latest predates this
		// epoch: the current latest becomes a physical-log target only.
		if srcLog.category() != CategoryOldest {
			dst0Log.setPhysicalLog(src.ID())
		} else {
			dst0Log.setOlderTimeStamp(trans.IllegalTimestamp)
		}
		dst0.Dirty()
		allocated = dst0

	case !overlapped:
		// Every modifier finished and no live reader depends on the
		// modifier list: plain chain extension.
		if srcLog.category() != CategoryOldest {
			older := src.ID()
			start = src.LastModification()
			if src.IsDirty() {
				// Keep the reused latest's on-disk timestamp unchanged.
				src.UnfixAt(start)
			}
			dst0Log.setOlder(older)
			dst0Log.setPhysicalLog(IllegalBlockID)
			dst0Log.setOlderTimeStamp(start)
		} else {
			dst0Log.setOlderTimeStamp(trans.IllegalTimestamp)
		}
		dst0.Dirty()
		allocated = dst0

	case afterMostRecent && srcLog.category() != CategoryOldest:
		// Readers that overlapped the finished modifiers still need the
		// old latest: back-date it below the first such reader's birth.
		if start.IsIllegal() {
			start = f.clock.Assign()
		} else {
			start--
		}
		older := src.ID()
		src.UnfixAt(start)
		dst0Log.setOlder(older)
		dst0Log.setPhysicalLog(IllegalBlockID)
		dst0Log.setOlderTimeStamp(start)
		dst0.Dirty()
		allocated = dst0

	default:
		// Overlapping readers exist and the latest predates this epoch:
		// the latest must stay exactly as it is. Interpose a back-dated
		// copy and stack a second new block on top of it.
		if v >= VersionSecond {
			if err := f.setNewest(v, dst0.ID(), false); err != nil {
				dst0.Unfix()
				return BlockMemory{}, err
			}
		}
		if srcLog.category() != CategoryOldest {
			dst0Log.setPhysicalLog(src.ID())
		} else {
			dst0Log.setOlderTimeStamp(trans.IllegalTimestamp)
		}
		if start.IsIllegal() {
			start = f.clock.Assign()
		} else {
			start--
		}
		mid := dst0.ID()
		dst0.UnfixAt(start)

		dst1, err := f.allocateLogBlock(headerMulti, priority)
		if err != nil {
			return BlockMemory{}, err
		}
		dst1.Copy(src)
		dst1Log := logOf(&dst1)
		dst1Log.setCategory(CategoryCopy)
		dst1Log.setPageID(page.id)
		dst1Log.setOlder(mid)
		dst1Log.setPhysicalLog(IllegalBlockID)
		dst1Log.setOlderTimeStamp(start)
		dst1.Dirty()
		allocated = dst1
	}

	// The new latest has exactly one creator from a reader's perspective.
	page.modifiers = page.modifiers[:0]
	if !page.file.batchInsert {
		page.modifiers = append(page.modifiers, tx.ID())
	}

	allocated.Dirty()
	return allocated, nil
}

// allocateLogForBackup makes sure the image every live version-managed
// reader resolves to is reachable through the on-disk chain, so a file copy
// taken during backup is self-contained. tx is the serialisable reader that
// anchors the backup.
//
// When changed is true a new latest was written at newLatest/newTS and the
// caller must rewrite the PBCT leaf. When dirtied is true the caller must
// unfix src dirty so the latest receives a fresh stamp.
func (f *logFile) allocateLogForBackup(tx *trans.Transaction, headerMulti *MultiplexBlock,
	page *Page, src *BlockMemory) (newLatest BlockID, newTS trans.Timestamp, changed, dirtied bool, err error) {

	if tx.IsNoVersion() || tx.Isolation() != trans.Serializable {
		return IllegalBlockID, trans.IllegalTimestamp, false, false,
			errors.Wrap(ErrBadArgument, "backup requires a serialisable version-managed transaction")
	}

	page.latch.Lock()
	defer page.latch.Unlock()

	if len(page.modifiers) == 0 || tx.Birth() < src.LastModification() {
		// Either nobody updated the latest, or the backup transaction can
		// already resolve its version without the modifier list.
		return IllegalBlockID, trans.IllegalTimestamp, false, false, nil
	}

	if f.mgr.AnyInProgress(page.modifiers, trans.IllegalID) {
		if src.LastModification() > f.ckpt.MostRecent() {
			// Pretend-update the latest: after a fresh stamp every reader
			// resolves without the modifier list.
			page.modifiers = page.modifiers[:0]
			return IllegalBlockID, trans.IllegalTimestamp, false, true, nil
		}
	} else if overlapped, _ := f.mgr.OverlappedSince(src.LastModification(), page.modifiers); !overlapped {
		page.modifiers = page.modifiers[:0]
		return IllegalBlockID, trans.IllegalTimestamp, false, false, nil
	}

	// Force a new latest whose timestamp sits just below the earliest
	// overlapping reader's birth.
	dst, err := f.allocateLogBlock(headerMulti, buffer.Low)
	if err != nil {
		return IllegalBlockID, trans.IllegalTimestamp, false, false, err
	}
	dst.Copy(src)
	dstLog := logOf(&dst)
	dstLog.setCategory(CategoryCopy)
	dstLog.setPageID(page.id)

	srcLog := logOf(src)
	if srcLog.category() != CategoryOldest {
		dstLog.setPhysicalLog(src.ID())
		v := readFileHeader(headerMulti.MasterMemory(), f.blockSize()).Version
		if v >= VersionSecond {
			if err := f.setNewest(v, src.ID(), false); err != nil {
				dst.Unfix()
				return IllegalBlockID, trans.IllegalTimestamp, false, false, err
			}
		}
	} else {
		dstLog.setOlderTimeStamp(trans.IllegalTimestamp)
	}

	_, start := f.mgr.OverlappedSince(src.LastModification(), page.modifiers)
	if start.IsIllegal() {
		start = f.clock.Assign()
	} else {
		start--
	}
	newLatest = dst.ID()
	dst.UnfixAt(start)
	page.modifiers = page.modifiers[:0]
	return newLatest, start, true, false, nil
}

// ───────────────────────────────────────────────────────────────────────────
// Freeing
// ───────────────────────────────────────────────────────────────────────────

// freeLog frees the version block id and everything older than it,
// physical logs included. oldest bounds the walk for version 1 files.
func (f *logFile) freeLog(v VersionNumber, id BlockID, oldest trans.Timestamp) error {
	for id != IllegalBlockID {
		mem, err := f.fixLog(id, FixRead, buffer.Low)
		if err != nil {
			return err
		}
		l := logOf(&mem)
		older := l.older()
		olderTS := l.olderTimeStamp()
		phys := l.physicalLog()
		mem.Unfix()

		if phys != IllegalBlockID {
			if err := f.freePhysicalLog(v, phys); err != nil {
				return err
			}
		}
		if err := f.free(v, id, 1); err != nil {
			return err
		}
		if v == VersionFirst && !oldest.IsIllegal() && olderTS < oldest {
			break
		}
		id = older
	}
	return nil
}

// freePhysicalLog frees a physical-log chain.
func (f *logFile) freePhysicalLog(v VersionNumber, id BlockID) error {
	for id != IllegalBlockID {
		mem, err := f.fixLog(id, FixRead, buffer.Low)
		if err != nil {
			return err
		}
		next := logOf(&mem).physicalLog()
		mem.Unfix()
		if err := f.free(v, id, 1); err != nil {
			return err
		}
		id = next
	}
	return nil
}
