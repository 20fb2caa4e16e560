package version

import (
	"path/filepath"
	"sync"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// VersionFileName is the name of the version log file inside the parent
// directory.
const VersionFileName = "VERSION.SYD"

// multiplexInfoCacheSize bounds the selector cache; evicted entries are
// rebuilt by fixing the replicas.
const multiplexInfoCacheSize = 4096

// defaultExtensionBlocks is the growth unit when no extension size is
// configured.
const defaultExtensionBlocks = 64

// logFile is the version log file: file header, allocation tables, PBCT,
// and version blocks. It is the hot mutable file of the store.
type logFile struct {
	buf   *buffer.File
	clock *trans.Clock
	ckpt  *trans.CheckpointClock
	mgr   *trans.Manager

	parent        string
	sizeMax       uint64
	extensionSize uint64

	infoMu sync.Mutex
	info   *lru.Cache[BlockID, *multiplexInfo]

	log *logrus.Entry
}

func openVersionLogFile(pool *buffer.Pool, strategy *StorageStrategy,
	clock *trans.Clock, ckpt *trans.CheckpointClock, mgr *trans.Manager) *logFile {

	cache, _ := lru.New[BlockID, *multiplexInfo](multiplexInfoCacheSize)
	return &logFile{
		buf:           buffer.NewFile(pool, filepath.Join(strategy.Parent, VersionFileName), strategy.BlockSize),
		clock:         clock,
		ckpt:          ckpt,
		mgr:           mgr,
		parent:        strategy.Parent,
		sizeMax:       strategy.VersionSizeMax,
		extensionSize: strategy.VersionExtensionSize,
		info:          cache,
		log:           logrus.WithField("component", "version"),
	}
}

func (f *logFile) blockSize() int { return f.buf.BlockSize() }

// create initialises the version log file: the multiplexed header group and
// the first allocation table group, with pageCount pages and an empty PBCT.
func (f *logFile) create(pageCount uint32) error {
	if err := f.buf.Create(); err != nil {
		return err
	}

	// The header group plus the first allocation table group.
	if err := f.buf.Extend(uint32(2 * MultiplexCount)); err != nil {
		return err
	}

	headerMem, err := f.fixMaster(0, FixAllocate, buffer.High, nil)
	if err != nil {
		return err
	}
	writeFileHeader(&headerMem, f.blockSize(), FileHeader{
		Version:    CurrentVersion,
		BlockCount: uint32(2 * MultiplexCount),
		PageCount:  pageCount,
		PBCTLevel:  PBCTLevelIllegal,
		Creation:   f.clock.Assign(),
	})
	headerMem.UnfixDirty()

	tableMem, err := f.fixMaster(BlockID(MultiplexCount), FixAllocate, buffer.High, nil)
	if err != nil {
		return err
	}
	initAllocationTable(&tableMem)
	tableMem.UnfixDirty()

	return f.buf.Flush()
}

// destroy unlinks the file and forgets all selector state.
func (f *logFile) destroy() error {
	f.clearMultiplexInfo(0, true)
	return f.buf.Destroy()
}

// mount makes the file available; a missing file is not an error.
func (f *logFile) mount() error { return f.buf.Mount() }

// unmount closes the file and discards cached frames and selector state.
func (f *logFile) unmount() error {
	f.clearMultiplexInfo(0, true)
	return f.buf.Unmount()
}

// move renames the underlying OS file into a new parent directory.
func (f *logFile) move(newParent string) error {
	if err := f.buf.Move(filepath.Join(newParent, VersionFileName)); err != nil {
		return err
	}
	f.parent = newParent
	return nil
}

// flush writes back all dirty frames.
func (f *logFile) flush() error { return f.buf.Flush() }

// extend grows the OS file so every block below id exists, in
// extension-size units.
// Signals ErrStorageFull at the configured maximum.
func (f *logFile) extend(id BlockID) error {
	bs := uint64(f.blockSize())
	need := (uint64(id)) * bs
	if f.sizeMax != 0 && need > f.sizeMax {
		return errors.Wrapf(ErrStorageFull, "version log would exceed %d bytes", f.sizeMax)
	}
	unit := f.extensionSize
	if unit == 0 {
		unit = bs * defaultExtensionBlocks
	}
	// Round the target up to a whole extension unit, but never past the
	// configured maximum.
	target := (need + unit - 1) / unit * unit
	if target < need {
		target = need
	}
	if f.sizeMax != 0 && target > f.sizeMax {
		target = f.sizeMax / bs * bs
		if target < need {
			target = need
		}
	}
	blocks := uint32((target + bs - 1) / bs)
	if blocks < uint32(id) {
		blocks = uint32(id)
	}
	return f.buf.Extend(blocks)
}

// boundSize returns the bytes of the file occupied by live blocks, found by
// scanning the allocation tables for the last in-use block.
func (f *logFile) boundSize(header *FileHeader) (uint64, error) {
	last, err := f.lastBoundBlockID(header.Version, header.BlockCount)
	if err != nil {
		return 0, err
	}
	return uint64(last+1) * uint64(f.blockSize()), nil
}

// lastBoundBlockID scans allocation tables bottom-up for the highest in-use
// block. The header and the first allocation table are always bound.
func (f *logFile) lastBoundBlockID(v VersionNumber, blockCount uint32) (BlockID, error) {
	bitCount := allocBitCount(f.blockSize())
	span := bitCount + uint32(MultiplexCount)

	// Iterate the allocation tables in reverse order.
	var tables []BlockID
	for tableID := BlockID(MultiplexCount); uint32(tableID) < blockCount; tableID += BlockID(span) {
		tables = append(tables, tableID)
	}
	for i := len(tables) - 1; i >= 0; i-- {
		tableID := tables[i]
		var multi MultiplexBlock
		if err := f.fixMasterAndSlaves(tableID, FixRead, buffer.Middle, &multi); err != nil {
			return 0, err
		}
		highest := highestBoundBit(&multi, f.blockSize())
		multi.UnfixAll()
		if highest >= 0 {
			return tableID + BlockID(MultiplexCount) + BlockID(highest), nil
		}
	}
	// Only the header and the first allocation table remain.
	return BlockID(2*MultiplexCount) - 1, nil
}
