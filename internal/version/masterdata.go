package version

import (
	"path/filepath"
	"sync"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
)

// MasterFileName is the name of the master data file inside the parent
// directory.
const MasterFileName = "MASTER.SYD"

// masterFile is the master data file: a flat array of blocks, one per page,
// each holding the oldest durable image of its page. Blocks use the version
// block layout with category Oldest; the olderTimeStamp field stores the
// timestamp the data block was allocated at.
type masterFile struct {
	buf   *buffer.File
	clock *trans.Clock

	parent        string
	sizeMax       uint64
	extensionSize uint64

	mu sync.Mutex // serialises extension and truncation
}

func openMasterFile(pool *buffer.Pool, strategy *StorageStrategy, clock *trans.Clock) *masterFile {
	return &masterFile{
		buf:           buffer.NewFile(pool, filepath.Join(strategy.Parent, MasterFileName), strategy.BlockSize),
		clock:         clock,
		parent:        strategy.Parent,
		sizeMax:       strategy.MasterSizeMax,
		extensionSize: strategy.MasterExtensionSize,
	}
}

func (m *masterFile) blockSize() int { return m.buf.BlockSize() }

// blockCount returns the number of data blocks (= pages) on disk.
func (m *masterFile) blockCount() uint32 { return m.buf.BlockCount() }

// create initialises the master data file with pageCount data blocks.
func (m *masterFile) create(pageCount uint32) error {
	if err := m.buf.Create(); err != nil {
		return err
	}
	for id := PageID(0); uint32(id) < pageCount; id++ {
		mem, err := m.allocateData(BlockID(id), buffer.Low)
		if err != nil {
			return err
		}
		mem.UnfixDirty()
	}
	return m.buf.Flush()
}

func (m *masterFile) destroy() error { return m.buf.Destroy() }

func (m *masterFile) mount() error { return m.buf.Mount() }

func (m *masterFile) unmount() error { return m.buf.Unmount() }

func (m *masterFile) flush() error { return m.buf.Flush() }

func (m *masterFile) move(newParent string) error {
	if err := m.buf.Move(filepath.Join(newParent, MasterFileName)); err != nil {
		return err
	}
	m.parent = newParent
	return nil
}

// extend grows the file so blocks below id exist, respecting the maximum.
func (m *masterFile) extend(id BlockID) error {
	bs := uint64(m.blockSize())
	need := uint64(id) * bs
	if m.sizeMax != 0 && need > m.sizeMax {
		return errors.Wrapf(ErrStorageFull, "master data would exceed %d bytes", m.sizeMax)
	}
	return m.buf.Extend(uint32(id))
}

// truncate cuts the file back to id blocks.
func (m *masterFile) truncate(id BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.TruncateBlocks(uint32(id))
}

// allocateData extends the file to cover block id and initialises it as an
// Oldest block of the page with the same ordinal.
func (m *masterFile) allocateData(id BlockID, priority buffer.Priority) (BlockMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.extend(id + 1); err != nil {
		return BlockMemory{}, err
	}
	mem, err := fixBlock(m.buf, m.clock, id, FixAllocate, priority)
	if err != nil {
		return BlockMemory{}, err
	}
	mem.Reset()
	l := logOf(&mem)
	l.setOlder(IllegalBlockID)
	l.setPhysicalLog(IllegalBlockID)
	l.setOlderTimeStamp(m.clock.Assign()) // allocation timestamp
	l.setCategory(CategoryOldest)
	l.setPageID(PageID(id))
	mem.Dirty()
	return mem, nil
}

// fixData fixes the data block of page id, checking the preserved page id.
func (m *masterFile) fixData(id BlockID, mode FixMode, priority buffer.Priority) (BlockMemory, error) {
	mem, err := fixBlock(m.buf, m.clock, id, mode, priority)
	if err != nil {
		return BlockMemory{}, err
	}
	if err := checkPreservedPage(m.buf.Path(), logOf(&mem), PageID(id)); err != nil {
		mem.Unfix()
		return BlockMemory{}, err
	}
	return mem, nil
}

// syncData overwrites data block id with src's image, re-initialising the
// block header: the block becomes the page's oldest version, remembering
// allocation as its data-block allocation timestamp.
func (m *masterFile) syncData(id BlockID, src *BlockMemory, allocation trans.Timestamp) error {
	m.mu.Lock()
	if err := m.extend(id + 1); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	dst, err := fixBlock(m.buf, m.clock, id, FixAllocate, buffer.Low)
	if err != nil {
		return err
	}
	dst.Copy(src)
	l := logOf(&dst)
	l.setOlder(IllegalBlockID)
	l.setPhysicalLog(IllegalBlockID)
	l.setOlderTimeStamp(allocation)
	l.setCategory(CategoryOldest)
	l.setPageID(PageID(id))
	dst.UnfixDirty()
	return nil
}

// restore truncates every data block allocated at or after point. Returns
// false when the whole file postdates point.
func (m *masterFile) restore(point trans.Timestamp) (bool, error) {
	id := BlockID(m.blockCount())
	for id > 0 {
		mem, err := m.fixData(id-1, FixRead, buffer.Low)
		if err != nil {
			return false, err
		}
		older := logOf(&mem).olderTimeStamp()
		mem.Unfix()
		if older < point {
			break
		}
		id--
	}
	if err := m.truncate(id); err != nil {
		return false, err
	}
	return id > 0, nil
}

// recover replays a pending sync log over master, then drops blocks
// allocated after point.
func (m *masterFile) recover(point trans.Timestamp, syncLog *syncLogFile) (bool, error) {
	if err := syncLog.overwrite(m); err != nil {
		return false, err
	}
	return m.restore(point)
}

// recoverToPageCount replays a pending sync log, then truncates master to
// exactly pageCount data blocks.
func (m *masterFile) recoverToPageCount(pageCount uint32, syncLog *syncLogFile) error {
	if err := syncLog.overwrite(m); err != nil {
		return err
	}
	return m.truncate(BlockID(pageCount))
}
