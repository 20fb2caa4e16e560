package version

import (
	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
)

// leafIndex returns pageID's slot inside its leaf for a tree of the given
// level.
func (f *File) leafIndex(pageID PageID, level int32) uint32 {
	return pbctChildIndex(pageID, level, level, f.vlog.blockSize())
}

// lookupLatest walks the PBCT for pageID under an already fixed header and
// returns the latest version block id, IllegalBlockID when the page has no
// log entry. The header is re-read from the block so a level change by an
// earlier iteration is honoured.
func (f *File) lookupLatest(headerMem *BlockMemory, pageID PageID, mode FixMode) (BlockID, error) {
	level := readFileHeader(headerMem, f.vlog.blockSize()).PBCTLevel
	leafMem, err := f.vlog.traversePBCT(headerMem, pageID, mode)
	if err != nil {
		return IllegalBlockID, err
	}
	if !leafMem.IsOwner() {
		return IllegalBlockID, nil
	}
	leaf := leafOf(&leafMem, level == 0, f.vlog.blockSize())
	latest := leaf.latestAt(f.leafIndex(pageID, level))
	leafMem.Unfix()
	return latest, nil
}

// clearLatest clears pageID's leaf entry and collapses the emptied part of
// the tree.
func (f *File) clearLatest(headerMem *BlockMemory, pageID PageID) error {
	level := readFileHeader(headerMem, f.vlog.blockSize()).PBCTLevel
	leafMem, err := f.vlog.traversePBCT(headerMem, pageID, FixWrite)
	if err != nil {
		return err
	}
	if leafMem.IsOwner() {
		leaf := leafOf(&leafMem, level == 0, f.vlog.blockSize())
		idx := f.leafIndex(pageID, level)
		if leaf.latestAt(idx) != IllegalBlockID {
			leaf.setLatestAt(idx, IllegalBlockID)
			leaf.setNewestAt(idx, trans.IllegalTimestamp)
			leafMem.Dirty()
		}
		leafMem.Unfix()
	}
	return f.vlog.freePBCT(headerMem, pageID)
}

// ───────────────────────────────────────────────────────────────────────────
// Sync
// ───────────────────────────────────────────────────────────────────────────

// Sync runs one pass of the sync engine: for every page whose versions are
// old enough that neither crash recovery nor any live reader can need them,
// the latest image is promoted into the master data file through the sync
// log and the page's chain is freed. Returns whether unsynchronised
// versions remain and whether anything changed.
func (f *File) Sync(tx *trans.Transaction) (incomplete, modified bool, err error) {
	f.rw.Lock()
	defer f.rw.Unlock()
	f.resetCancel()

	if !f.mounted || !f.vlog.buf.IsAccessible() {
		return false, false, nil
	}

	// eldest: versions stamped at or after this instant stay untouched.
	eldest := f.ckpt.SecondMostRecent()
	if birth := f.mgr.EarliestVersionReaderBirth(); !birth.IsIllegal() && birth < eldest {
		eldest = birth
	}
	if eldest == 0 {
		// Not enough checkpoint history to promote anything safely.
		return true, false, nil
	}

	headerMem, err := f.vlog.fixHeader(FixWrite)
	if err != nil {
		return false, false, err
	}
	defer headerMem.Unfix()
	header := readFileHeader(&headerMem, f.vlog.blockSize())

	syncLogUsed := false

	for pageID := PageID(0); uint32(pageID) < header.PageCount; pageID++ {
		if err := f.cancelled(); err != nil {
			return true, modified, err
		}
		latest, err := f.lookupLatest(&headerMem, pageID, FixWrite)
		if err != nil {
			return true, modified, err
		}
		if latest == IllegalBlockID {
			continue
		}

		page := f.pages.attach(f, pageID)
		promoted, used, err := f.syncOne(page, &headerMem, &header, latest, eldest, &syncLogUsed)
		f.pages.detach(page)
		if err != nil {
			return true, modified, err
		}
		if promoted {
			modified = true
		} else {
			incomplete = true
		}
		_ = used
	}

	if modified {
		if err := f.trimTrailing(&headerMem); err != nil {
			return incomplete, modified, err
		}
	}

	if syncLogUsed {
		// Master holds every promoted image; the write-ahead copies are
		// no longer needed.
		if err := f.master.flush(); err != nil {
			return incomplete, modified, err
		}
		if err := f.slog.destroy(); err != nil {
			return incomplete, modified, err
		}
	}
	return incomplete, modified, nil
}

// syncOne promotes one page's latest version into master if no live
// transaction can still need any chained version.
func (f *File) syncOne(page *Page, headerMem *BlockMemory, header *FileHeader,
	latest BlockID, eldest trans.Timestamp, syncLogUsed *bool) (promoted, usedLog bool, err error) {

	latestMem, err := f.vlog.fixLog(latest, FixRead, buffer.Low)
	if err != nil {
		return false, false, err
	}
	if latestMem.LastModification() >= eldest {
		latestMem.Unfix()
		return false, false, nil
	}

	page.latch.Lock()
	busy := f.mgr.AnyInProgress(page.modifiers, trans.IllegalID) ||
		f.mgr.IsReferred(latestMem.LastModification(), latestMem.LastModification(), page.modifiers)
	if !busy {
		page.modifiers = page.modifiers[:0]
	}
	page.latch.Unlock()
	if busy {
		latestMem.Unfix()
		return false, false, nil
	}

	// Write-ahead the current master image, then overwrite master.
	var allocation trans.Timestamp
	if uint32(page.id) < f.master.blockCount() {
		if err := f.slog.create(); err != nil {
			latestMem.Unfix()
			return false, false, err
		}
		*syncLogUsed = true
		allocation, err = f.slog.appendLog(page.id, f.master)
		if err != nil {
			latestMem.Unfix()
			return false, false, err
		}
		if err := f.slog.flush(); err != nil {
			latestMem.Unfix()
			return false, false, err
		}
	} else {
		allocation = f.clock.Assign()
	}

	if err := f.master.syncData(BlockID(page.id), &latestMem, allocation); err != nil {
		latestMem.Unfix()
		return false, false, err
	}
	latestMem.Unfix()

	if err := f.vlog.freeLog(header.Version, latest, trans.IllegalTimestamp); err != nil {
		return false, false, err
	}
	if err := f.clearLatest(headerMem, page.id); err != nil {
		return false, false, err
	}
	return true, *syncLogUsed, nil
}

// trimTrailing applies deferred frees when safe and cuts trailing free
// blocks off the version log file.
func (f *File) trimTrailing(headerMem *BlockMemory) error {
	header := readFileHeader(headerMem, f.vlog.blockSize())

	if header.Version >= VersionSecond && f.mgr.OldestLiveBirth() > f.ckpt.SecondMostRecent() {
		if err := f.vlog.applyFreeAll(&header); err != nil {
			return err
		}
	}

	last, err := f.vlog.lastBoundBlockID(header.Version, header.BlockCount)
	if err != nil {
		return err
	}
	if uint32(last)+1 < header.BlockCount {
		header.BlockCount = uint32(last) + 1
		writeFileHeader(headerMem, f.vlog.blockSize(), header)
		headerMem.Dirty()
	}
	// The OS file may also carry unused extension blocks past the count.
	if header.BlockCount < f.vlog.buf.BlockCount() {
		if err := f.vlog.flush(); err != nil {
			return err
		}
		if err := f.vlog.buf.TruncateBlocks(header.BlockCount); err != nil {
			return err
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Truncate
// ───────────────────────────────────────────────────────────────────────────

// Truncate frees every version of pages at or beyond pageID, lowers the
// page count, and trims both files.
func (f *File) Truncate(pageID PageID) error {
	f.rw.Lock()
	defer f.rw.Unlock()

	headerMem, err := f.vlog.fixHeader(FixWrite)
	if err != nil {
		return err
	}
	defer headerMem.Unfix()
	header := readFileHeader(&headerMem, f.vlog.blockSize())

	if uint32(pageID) >= header.PageCount {
		return nil
	}

	for p := pageID; uint32(p) < header.PageCount; p++ {
		latest, err := f.lookupLatest(&headerMem, p, FixWrite)
		if err != nil {
			return err
		}
		if latest != IllegalBlockID {
			if err := f.vlog.freeLog(header.Version, latest, trans.IllegalTimestamp); err != nil {
				return err
			}
		}
		if err := f.clearLatest(&headerMem, p); err != nil {
			return err
		}
	}

	header = readFileHeader(&headerMem, f.vlog.blockSize())
	header.PageCount = uint32(pageID)
	writeFileHeader(&headerMem, f.vlog.blockSize(), header)
	headerMem.Dirty()

	f.pages.dropFrom(pageID)
	if err := f.master.truncate(BlockID(pageID)); err != nil {
		return err
	}
	return f.trimTrailing(&headerMem)
}

// ───────────────────────────────────────────────────────────────────────────
// Backup
// ───────────────────────────────────────────────────────────────────────────

// StartBackup freezes the on-disk metadata of the store so the three files
// can be copied consistently. With restorable set, the chain of every page
// is first arranged so the version each live reader resolves to stays
// reachable inside the copy; tx anchors that arrangement.
func (f *File) StartBackup(tx *trans.Transaction, restorable bool) error {
	f.rw.Lock()
	defer f.rw.Unlock()

	f.backupMu.Lock()
	defer f.backupMu.Unlock()
	if f.backupActive {
		return errors.Wrap(ErrBadArgument, "backup already in progress")
	}

	if restorable {
		var headerMulti MultiplexBlock
		if err := f.vlog.fixHeaderMulti(FixWrite, &headerMulti); err != nil {
			return err
		}
		headerMem := headerMulti.MasterMemory()
		header := readFileHeader(headerMem, f.vlog.blockSize())

		for pageID := PageID(0); uint32(pageID) < header.PageCount; pageID++ {
			latest, err := f.lookupLatest(headerMem, pageID, FixWrite)
			if err != nil {
				headerMulti.UnfixAll()
				return err
			}
			if latest == IllegalBlockID {
				continue
			}
			src, err := f.vlog.fixLog(latest, FixWrite, buffer.Low)
			if err != nil {
				headerMulti.UnfixAll()
				return err
			}
			page := f.pages.attach(f, pageID)
			newLatest, newTS, changed, dirtied, err := f.vlog.allocateLogForBackup(tx, &headerMulti, page, &src)
			if err != nil {
				f.pages.detach(page)
				src.Unfix()
				headerMulti.UnfixAll()
				return err
			}
			if dirtied {
				// Restamp the latest in place; the leaf tracks the stamp.
				ts := f.clock.Assign()
				src.UnfixAt(ts)
				newLatest, newTS, changed = latest, ts, true
			} else if src.IsOwner() {
				src.Unfix()
			}
			if changed {
				leafMem, err := f.vlog.traversePBCT(headerMem, pageID, FixWrite)
				if err == nil && leafMem.IsOwner() {
					leaf := leafOf(&leafMem, header.PBCTLevel == 0, f.vlog.blockSize())
					idx := f.leafIndex(pageID, header.PBCTLevel)
					leaf.setLatestAt(idx, newLatest)
					leaf.setNewestAt(idx, newTS)
					leafMem.UnfixDirty()
				}
				if err != nil {
					f.pages.detach(page)
					headerMulti.UnfixAll()
					return err
				}
			}
			f.pages.detach(page)
		}
		headerMulti.UnfixAll()
	}

	// Put a consistent image on disk, then inhibit write-back of the
	// metadata blocks for the duration of the copy.
	if err := f.vlog.flush(); err != nil {
		return err
	}
	if err := f.master.flush(); err != nil {
		return err
	}
	f.vlog.buf.SetFlushInhibited(true)

	f.backupActive = true
	f.backupRestorable = restorable
	f.backupID = newBackupID()
	f.log.WithField("backup", f.backupID).Info("backup started")
	return nil
}

// EndBackup re-enables metadata write-back.
func (f *File) EndBackup() error {
	f.rw.Lock()
	defer f.rw.Unlock()

	f.backupMu.Lock()
	defer f.backupMu.Unlock()
	if !f.backupActive {
		return errors.Wrap(ErrBadArgument, "no backup in progress")
	}
	f.vlog.buf.SetFlushInhibited(false)
	if err := f.vlog.flush(); err != nil {
		return err
	}
	f.log.WithField("backup", f.backupID).Info("backup ended")
	f.backupActive = false
	f.backupRestorable = false
	f.backupID = ""
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Restore / Recover
// ───────────────────────────────────────────────────────────────────────────

// Restore makes the version a transaction born at point would have seen the
// new latest of every page, freeing everything newer.
func (f *File) Restore(point trans.Timestamp) error {
	f.rw.Lock()
	defer f.rw.Unlock()

	f.backupMu.Lock()
	active := f.backupActive
	f.backupMu.Unlock()
	if active {
		return errors.Wrap(ErrBadArgument, "restore during backup; end the backup first")
	}
	if point.IsIllegal() {
		return errors.Wrap(ErrBadArgument, "restore to illegal timestamp")
	}

	ok, err := f.restoreVersionLog(point)
	if err != nil {
		return err
	}
	if !ok {
		// The version log postdates point; master alone carries the state.
		if _, err := f.master.restore(point); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) restoreVersionLog(point trans.Timestamp) (bool, error) {
	if !f.vlog.buf.IsAccessible() {
		return false, nil
	}
	headerMem, err := f.vlog.fixHeader(FixWrite)
	if err != nil {
		if errors.Is(err, ErrBadDataPage) {
			return false, nil
		}
		return false, err
	}
	defer headerMem.Unfix()
	header := readFileHeader(&headerMem, f.vlog.blockSize())
	if point < header.Creation {
		return false, nil
	}

	for pageID := PageID(0); uint32(pageID) < header.PageCount; pageID++ {
		leafMem, err := f.vlog.traversePBCT(&headerMem, pageID, FixWrite)
		if err != nil {
			return false, err
		}
		if !leafMem.IsOwner() {
			continue
		}
		leaf := leafOf(&leafMem, header.PBCTLevel == 0, f.vlog.blockSize())
		idx := f.leafIndex(pageID, header.PBCTLevel)
		id := leaf.latestAt(idx)
		if id == IllegalBlockID {
			leafMem.Unfix()
			continue
		}

		// Walk newest to oldest collecting blocks the restored state must
		// not contain.
		var freeList []BlockID
		var newTS trans.Timestamp
		for id != IllegalBlockID {
			mem, err := f.vlog.fixLog(id, FixRead, buffer.Low)
			if err != nil {
				leafMem.Unfix()
				return false, err
			}
			if mem.LastModification() < point {
				newTS = mem.LastModification()
				mem.Unfix()
				break
			}
			freeList = append(freeList, id)
			id = logOf(&mem).older()
			mem.Unfix()
		}

		if len(freeList) > 0 {
			leaf.setLatestAt(idx, id)
			if id == IllegalBlockID {
				leaf.setNewestAt(idx, trans.IllegalTimestamp)
			} else {
				leaf.setNewestAt(idx, newTS)
			}
			if header.Version >= VersionSecond {
				if id != IllegalBlockID {
					if err := f.vlog.setNewest(header.Version, id, true); err != nil {
						leafMem.Unfix()
						return false, err
					}
				}
				if err := f.vlog.setNewest(header.Version, freeList[0], false); err != nil {
					leafMem.Unfix()
					return false, err
				}
			}
			leafMem.Dirty()
			for i := len(freeList) - 1; i >= 0; i-- {
				if err := f.vlog.free(header.Version, freeList[i], 1); err != nil {
					leafMem.Unfix()
					return false, err
				}
			}
		}
		leafMem.Unfix()
	}
	return true, nil
}

// Recover rolls the whole store back to the checkpoint-consistent state at
// or before point. A version log created after point is removed and rebuilt
// empty over the recovered master.
func (f *File) Recover(point trans.Timestamp) error {
	f.rw.Lock()
	defer f.rw.Unlock()

	if point.IsIllegal() {
		return errors.Wrap(ErrBadArgument, "recover to illegal timestamp")
	}
	f.pages.clear()

	pageCount, ok, err := f.recoverVersionLog(point)
	if err != nil {
		return err
	}
	if ok {
		if err := f.master.recoverToPageCount(pageCount, f.slog); err != nil {
			return err
		}
	} else {
		if err := f.vlog.destroy(); err != nil {
			return err
		}
		if _, err := f.master.recover(point, f.slog); err != nil {
			return err
		}
		if err := f.vlog.create(f.master.blockCount()); err != nil {
			return err
		}
	}
	if f.slog.isAccessible() {
		if err := f.slog.destroy(); err != nil {
			return err
		}
	}
	// Nothing cached before the rollback can be trusted.
	f.vlog.clearMultiplexInfo(0, true)
	return nil
}

func (f *File) recoverVersionLog(point trans.Timestamp) (uint32, bool, error) {
	headerMem := f.vlog.recoverMaster(0, point)
	if !headerMem.IsOwner() {
		return 0, false, nil
	}
	defer headerMem.Unfix()

	header := readFileHeader(&headerMem, f.vlog.blockSize())
	if header.Creation == 0 || point < header.Creation {
		// A zero creation stamp means we recovered one of the zero-filled
		// replicas of a file younger than point.
		return 0, false, nil
	}

	span := allocTableSpan(f.vlog.blockSize())
	for tableID := BlockID(MultiplexCount); uint32(tableID) < header.BlockCount; tableID += BlockID(span) {
		if mem := f.vlog.recoverMaster(tableID, point); mem.IsOwner() {
			mem.Unfix()
		}
	}
	if err := f.vlog.recoverPBCT(&headerMem, point); err != nil {
		return 0, false, err
	}
	return header.PageCount, true, nil
}
