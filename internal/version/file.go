package version

import (
	"sync"
	"sync/atomic"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// File is one versioned page store: a master data file, a version log file,
// and a sync log file under a common parent directory.
//
// Lock order: File.rw → Page.latch → multiplex info latch. PBCT descent
// takes only multiplex latches.
type File struct {
	// rw is the per-file reader/writer lock. Ordinary operations hold it
	// shared; control operations hold it exclusively.
	rw sync.RWMutex

	pool     *buffer.Pool
	strategy StorageStrategy

	clock *trans.Clock
	ckpt  *trans.CheckpointClock
	mgr   *trans.Manager

	master *masterFile
	vlog   *logFile
	slog   *syncLogFile

	pages *pageTable

	batchInsert bool
	mounted     bool

	backupMu         sync.Mutex
	backupActive     bool
	backupRestorable bool
	backupID         string

	cancelFlag atomic.Bool

	log *logrus.Entry
}

// Open builds the descriptor of a versioned file set. The on-disk files are
// not touched until Create or Mount.
func Open(storage StorageStrategy, buffering BufferingStrategy,
	mgr *trans.Manager, ckpt *trans.CheckpointClock) (*File, error) {

	if err := storage.Validate(); err != nil {
		return nil, err
	}
	pool := buffer.NewPool(buffer.Normal, buffering.MaxFrames)
	f := &File{
		pool:        pool,
		strategy:    storage,
		clock:       mgr.Clock(),
		ckpt:        ckpt,
		mgr:         mgr,
		pages:       newPageTable(),
		batchInsert: storage.BatchInsert,
		log: logrus.WithFields(logrus.Fields{
			"component": "version",
			"store":     storage.Parent,
		}),
	}
	f.master = openMasterFile(pool, &storage, f.clock)
	f.vlog = openVersionLogFile(pool, &storage, f.clock, ckpt, mgr)
	f.slog = openSyncLogFile(pool, &storage, f.clock)
	if storage.Mounted {
		if err := f.Mount(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Parent returns the directory holding the file set.
func (f *File) Parent() string { return f.strategy.Parent }

// BlockSize returns the configured block size.
func (f *File) BlockSize() int { return f.strategy.BlockSize }

// PageSize returns the usable page image bytes per page.
func (f *File) PageSize() int { return PageContentSize(f.strategy.BlockSize) }

// IsAccessible reports whether the constituent files exist.
func (f *File) IsAccessible() bool {
	return f.master.buf.IsAccessible() && f.vlog.buf.IsAccessible()
}

// IsMountedAndAccessible reports whether the store is mounted and on disk.
func (f *File) IsMountedAndAccessible() bool {
	f.rw.RLock()
	defer f.rw.RUnlock()
	return f.mounted && f.IsAccessible()
}

// Cancel requests cooperative cancellation of long-running verification and
// sync loops on this file.
func (f *File) Cancel() { f.cancelFlag.Store(true) }

func (f *File) resetCancel() { f.cancelFlag.Store(false) }

func (f *File) cancelled() error {
	if f.cancelFlag.Load() {
		return ErrCancelled
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Control operations
// ───────────────────────────────────────────────────────────────────────────

// Create initialises the master data and version log files with pageCount
// pages. The sync log file is created lazily by the sync engine.
func (f *File) Create(pageCount uint32) error {
	f.rw.Lock()
	defer f.rw.Unlock()

	f.log.WithField("pages", pageCount).Info("creating versioned file set")
	if err := f.master.create(pageCount); err != nil {
		return err
	}
	if err := f.vlog.create(pageCount); err != nil {
		_ = f.master.destroy()
		return err
	}
	f.mounted = true
	return nil
}

// Destroy unlinks every constituent file.
func (f *File) Destroy() error {
	f.rw.Lock()
	defer f.rw.Unlock()

	f.pages.clear()
	if err := f.vlog.destroy(); err != nil {
		return err
	}
	if err := f.master.destroy(); err != nil {
		return err
	}
	if f.slog.isAccessible() {
		if err := f.slog.destroy(); err != nil {
			return err
		}
	}
	f.mounted = false
	return nil
}

// Mount makes the store available. Mounting missing files succeeds; a
// present sync log means a sync pass was interrupted, and its recovery runs
// before any read is admitted.
func (f *File) Mount() error {
	f.rw.Lock()
	defer f.rw.Unlock()

	if err := f.master.mount(); err != nil {
		return err
	}
	if err := f.vlog.mount(); err != nil {
		return err
	}
	if f.slog.isAccessible() {
		f.log.Warn("sync log present at mount; replaying before admitting reads")
		if err := f.slog.overwrite(f.master); err != nil {
			return err
		}
		if err := f.slog.destroy(); err != nil {
			return err
		}
	}
	f.mounted = true
	return nil
}

// Unmount detaches the store from the buffer pool and closes the files.
func (f *File) Unmount() error {
	f.rw.Lock()
	defer f.rw.Unlock()

	f.pages.clear()
	if err := f.vlog.unmount(); err != nil {
		return err
	}
	if err := f.master.unmount(); err != nil {
		return err
	}
	f.mounted = false
	return nil
}

// Move renames every constituent file into a new parent directory.
func (f *File) Move(newParent string) error {
	f.rw.Lock()
	defer f.rw.Unlock()

	if err := f.master.move(newParent); err != nil {
		return err
	}
	if err := f.vlog.move(newParent); err != nil {
		return err
	}
	if f.slog.isAccessible() {
		if err := f.slog.move(newParent); err != nil {
			return err
		}
	}
	f.strategy.Parent = newParent
	return nil
}

// Flush writes every dirty frame of the store to disk.
func (f *File) Flush() error {
	f.rw.RLock()
	defer f.rw.RUnlock()
	if err := f.vlog.flush(); err != nil {
		return err
	}
	return f.master.flush()
}

// PageCount returns the number of logical pages.
func (f *File) PageCount() (uint32, error) {
	f.rw.RLock()
	defer f.rw.RUnlock()
	headerMem, err := f.vlog.fixHeader(FixRead)
	if err != nil {
		return 0, err
	}
	n := readFileHeader(&headerMem, f.vlog.blockSize()).PageCount
	headerMem.Unfix()
	return n, nil
}

// Size returns the combined on-disk size of the file set.
func (f *File) Size() uint64 {
	return uint64(f.master.buf.Size()) + uint64(f.vlog.buf.Size())
}

// BoundSize returns the bytes of the version log occupied by live blocks.
func (f *File) BoundSize() (uint64, error) {
	f.rw.RLock()
	defer f.rw.RUnlock()
	if !f.mounted || !f.vlog.buf.IsAccessible() {
		return 0, nil
	}
	headerMem, err := f.vlog.fixHeader(FixRead)
	if err != nil {
		return 0, err
	}
	header := readFileHeader(&headerMem, f.vlog.blockSize())
	headerMem.Unfix()
	return f.vlog.boundSize(&header)
}

// ApplyFree runs the deferred-free pass over every allocation table.
func (f *File) ApplyFree() error {
	f.rw.Lock()
	defer f.rw.Unlock()
	headerMem, err := f.vlog.fixHeader(FixRead)
	if err != nil {
		return err
	}
	header := readFileHeader(&headerMem, f.vlog.blockSize())
	headerMem.Unfix()
	return f.vlog.applyFreeAll(&header)
}

// ───────────────────────────────────────────────────────────────────────────
// Fix
// ───────────────────────────────────────────────────────────────────────────

// PageMemory is the guard a fix returns: the image of one page version,
// pinned until Unfix.
type PageMemory struct {
	file     *File
	page     *Page
	tx       *trans.Transaction
	mem      BlockMemory
	inMaster bool
	writable bool
}

// PageID returns the fixed page's identifier.
func (pm *PageMemory) PageID() PageID { return pm.page.id }

// Content returns the page image. Valid until Unfix.
func (pm *PageMemory) Content() []byte {
	return logOf(&pm.mem).image()
}

// LastModification returns the timestamp of the version being viewed.
func (pm *PageMemory) LastModification() trans.Timestamp {
	return pm.mem.LastModification()
}

// Unfix releases the page. A dirty unfix stamps the block with a fresh
// timestamp and, for log-resident versions, records that timestamp in the
// PBCT leaf.
func (pm *PageMemory) Unfix(dirty bool) error {
	if pm.page == nil {
		return errors.Wrap(ErrBadArgument, "unfix of an unfixed page")
	}
	f := pm.file
	defer func() {
		f.pages.detach(pm.page)
		pm.page = nil
	}()

	// A freshly materialised version carries a dirty guard even when the
	// client wrote nothing; it still needs its stamp recorded in the leaf.
	if pm.writable && pm.mem.IsDirty() {
		dirty = true
	}

	if !dirty {
		pm.mem.Unfix()
		return nil
	}
	if !pm.writable {
		pm.mem.Unfix()
		return errors.Wrap(ErrBadArgument, "dirty unfix of a read-only fix")
	}

	f.rw.RLock()
	defer f.rw.RUnlock()

	logOf(&pm.mem).markUpdated()
	ts := f.clock.Assign()
	pageID := pm.page.id
	inMaster := pm.inMaster
	pm.mem.UnfixAt(ts)

	if inMaster {
		return nil
	}

	// Track the latest's new timestamp in the PBCT leaf.
	headerMem, err := f.vlog.fixHeader(FixWrite)
	if err != nil {
		return err
	}
	header := readFileHeader(&headerMem, f.vlog.blockSize())
	leafMem, err := f.vlog.traversePBCT(&headerMem, pageID, FixWrite)
	if err != nil {
		headerMem.Unfix()
		return err
	}
	if leafMem.IsOwner() {
		leaf := leafOf(&leafMem, header.PBCTLevel == 0, f.vlog.blockSize())
		idx := pbctChildIndex(pageID, header.PBCTLevel, header.PBCTLevel, f.vlog.blockSize())
		if leaf.latestAt(idx) != IllegalBlockID {
			leaf.setNewestAt(idx, ts)
			leafMem.Dirty()
		}
		leafMem.Unfix()
	}
	headerMem.Unfix()
	return nil
}

// Fix resolves the version of pageID that tx should see and pins it.
//
// FixRead returns the snapshot per the transaction's birth timestamp (or the
// latest for no-version transactions). FixWrite and FixAllocate prepare a
// writable latest version: the current latest is written in place when it
// was created in this epoch and is still being updated (or the file runs in
// batch-insert mode), otherwise a version block is chained in front of it,
// whether or not readers need the current one; FixAllocate additionally grows the
// page count to cover pageID.
func (f *File) Fix(tx *trans.Transaction, pageID PageID, mode FixMode,
	priority buffer.Priority) (*PageMemory, error) {

	f.rw.RLock()
	defer f.rw.RUnlock()

	if !f.mounted {
		return nil, errors.Wrap(ErrBadArgument, "store is not mounted")
	}
	if mode != FixRead && tx.Category() != trans.ReadWrite {
		return nil, errors.Wrap(ErrBadArgument, "write fix by read-only transaction")
	}

	page := f.pages.attach(f, pageID)
	pm, err := f.fixAttached(tx, page, pageID, mode, priority)
	if err != nil {
		f.pages.detach(page)
		return nil, err
	}
	return pm, nil
}

func (f *File) fixAttached(tx *trans.Transaction, page *Page, pageID PageID,
	mode FixMode, priority buffer.Priority) (*PageMemory, error) {

	if mode == FixRead {
		return f.fixForRead(tx, page, pageID, priority)
	}
	return f.fixForWrite(tx, page, pageID, mode, priority)
}

func (f *File) fixForRead(tx *trans.Transaction, page *Page, pageID PageID,
	priority buffer.Priority) (*PageMemory, error) {

	headerMem, err := f.vlog.fixHeader(FixRead)
	if err != nil {
		return nil, err
	}
	header := readFileHeader(&headerMem, f.vlog.blockSize())
	if uint32(pageID) >= header.PageCount {
		headerMem.Unfix()
		return nil, errors.Wrapf(ErrBadArgument, "page %d beyond page count %d",
			pageID, header.PageCount)
	}

	latest := IllegalBlockID
	leafMem, err := f.vlog.traversePBCT(&headerMem, pageID, FixRead)
	if err != nil {
		headerMem.Unfix()
		return nil, err
	}
	if leafMem.IsOwner() {
		leaf := leafOf(&leafMem, header.PBCTLevel == 0, f.vlog.blockSize())
		idx := pbctChildIndex(pageID, header.PBCTLevel, header.PBCTLevel, f.vlog.blockSize())
		latest = leaf.latestAt(idx)
		leafMem.Unfix()
	}
	headerMem.Unfix()

	if latest != IllegalBlockID {
		mem, err := f.vlog.traverseLog(tx, page, latest, trans.IllegalTimestamp, priority)
		if err != nil {
			return nil, err
		}
		if mem.IsOwner() {
			return &PageMemory{file: f, page: page, tx: tx, mem: mem}, nil
		}
	}

	// Fall through to the master data file.
	mem, err := f.fixMasterData(pageID, priority)
	if err != nil {
		return nil, err
	}
	return &PageMemory{file: f, page: page, tx: tx, mem: mem, inMaster: true}, nil
}

// fixMasterData fixes pageID's master block, allocating a zeroed data block
// for pages that have never been synchronised.
func (f *File) fixMasterData(pageID PageID, priority buffer.Priority) (BlockMemory, error) {
	if uint32(pageID) >= f.master.blockCount() {
		mem, err := f.master.allocateData(BlockID(pageID), priority)
		if err != nil {
			return BlockMemory{}, err
		}
		// Hand back a clean fix so callers see a settled block.
		mem.UnfixDirty()
	}
	return f.master.fixData(BlockID(pageID), FixRead, priority)
}

func (f *File) fixForWrite(tx *trans.Transaction, page *Page, pageID PageID,
	mode FixMode, priority buffer.Priority) (*PageMemory, error) {

	var headerMulti MultiplexBlock
	if err := f.vlog.fixHeaderMulti(FixWrite, &headerMulti); err != nil {
		return nil, err
	}
	defer headerMulti.UnfixAll()

	headerMem := headerMulti.MasterMemory()
	header := readFileHeader(headerMem, f.vlog.blockSize())

	if uint32(pageID) >= header.PageCount {
		if mode != FixAllocate {
			return nil, errors.Wrapf(ErrBadArgument, "page %d beyond page count %d",
				pageID, header.PageCount)
		}
		header.PageCount = uint32(pageID) + 1
		writeFileHeader(headerMem, f.vlog.blockSize(), header)
		headerMem.Dirty()
	}

	// Locate the current latest.
	latest := IllegalBlockID
	leafMem, err := f.vlog.traversePBCT(headerMem, pageID, FixWrite)
	if err != nil {
		return nil, err
	}
	leafFixed := leafMem.IsOwner()
	if leafFixed {
		leaf := leafOf(&leafMem, header.PBCTLevel == 0, f.vlog.blockSize())
		idx := pbctChildIndex(pageID, header.PBCTLevel, header.PBCTLevel, f.vlog.blockSize())
		latest = leaf.latestAt(idx)
	}

	var src BlockMemory
	srcInMaster := false
	if latest != IllegalBlockID {
		src, err = f.vlog.fixLog(latest, FixWrite, priority)
	} else {
		src, err = f.fixMasterData(pageID, priority)
		srcInMaster = true
	}
	if err != nil {
		if leafFixed {
			leafMem.Unfix()
		}
		return nil, err
	}

	newMem, err := f.vlog.allocateLog(tx, &headerMulti, page, &src, trans.IllegalTimestamp, priority)
	if err != nil {
		if src.IsOwner() {
			src.Unfix()
		}
		if leafFixed {
			leafMem.Unfix()
		}
		return nil, err
	}

	if !newMem.IsOwner() {
		// The latest is updated in place.
		if leafFixed {
			leafMem.Unfix()
		}
		return &PageMemory{
			file: f, page: page, tx: tx, mem: src,
			inMaster: srcInMaster, writable: true,
		}, nil
	}

	// A new latest exists: record it in the leaf.
	if !leafFixed {
		if leafMem, err = f.vlog.allocatePBCT(&headerMulti, pageID); err != nil {
			newMem.Unfix()
			if src.IsOwner() {
				src.Unfix()
			}
			return nil, err
		}
		// The tree may have grown; re-read the level.
		header = readFileHeader(headerMem, f.vlog.blockSize())
	}
	leaf := leafOf(&leafMem, header.PBCTLevel == 0, f.vlog.blockSize())
	idx := pbctChildIndex(pageID, header.PBCTLevel, header.PBCTLevel, f.vlog.blockSize())
	leaf.setLatestAt(idx, newMem.ID())
	leaf.setNewestAt(idx, newMem.LastModification())
	leafMem.UnfixDirty()

	if src.IsOwner() {
		src.Unfix()
	}
	return &PageMemory{
		file: f, page: page, tx: tx, mem: newMem, writable: true,
	}, nil
}

// newBackupID labels a backup window for the operator's log trail.
func newBackupID() string { return uuid.NewString() }
