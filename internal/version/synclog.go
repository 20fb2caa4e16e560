package version

import (
	"encoding/binary"
	"path/filepath"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/sirupsen/logrus"
)

// SyncLogFileName is the name of the sync log file inside the parent
// directory. The file exists only while a sync pass is overwriting master
// data blocks; its presence at mount time means recovery is pending.
const SyncLogFileName = "SYNCLOG.SYD"

// syncLogFile is the single-file write-ahead log of the sync engine. Block 0
// is the header carrying the block count; blocks 1.. hold prior master
// images in version-block layout, with `older` recording the master block id
// the image came from and `olderTimeStamp` that block's allocation
// timestamp.
type syncLogFile struct {
	buf   *buffer.File
	clock *trans.Clock

	parent        string
	sizeMax       uint64
	extensionSize uint64

	log *logrus.Entry
}

// Header layout at the payload head of block 0.
const syncLogHeaderSize = 4 + 4 // versionNumber i32, blockCount u32

func openSyncLogFile(pool *buffer.Pool, strategy *StorageStrategy, clock *trans.Clock) *syncLogFile {
	return &syncLogFile{
		buf:           buffer.NewFile(pool, filepath.Join(strategy.Parent, SyncLogFileName), strategy.BlockSize),
		clock:         clock,
		parent:        strategy.Parent,
		sizeMax:       strategy.VersionSizeMax,
		extensionSize: strategy.VersionExtensionSize,
		log:           logrus.WithField("component", "synclog"),
	}
}

func (s *syncLogFile) isAccessible() bool { return s.buf.IsAccessible() }

func (s *syncLogFile) mount() error { return s.buf.Mount() }

func (s *syncLogFile) unmount() error { return s.buf.Unmount() }

func (s *syncLogFile) move(newParent string) error {
	if err := s.buf.Move(filepath.Join(newParent, SyncLogFileName)); err != nil {
		return err
	}
	s.parent = newParent
	return nil
}

// create makes the sync log file with an initialised header. Creating an
// existing file is a no-op.
func (s *syncLogFile) create() error {
	if s.isAccessible() {
		return nil
	}
	if err := s.buf.Create(); err != nil {
		return err
	}
	if err := s.buf.Extend(1); err != nil {
		return err
	}
	headerMem, err := fixBlock(s.buf, s.clock, 0, FixAllocate, buffer.Low)
	if err != nil {
		return err
	}
	headerMem.Reset()
	p := headerMem.Payload()
	binary.LittleEndian.PutUint32(p[0:4], uint32(CurrentVersion))
	binary.LittleEndian.PutUint32(p[4:8], 1)
	headerMem.UnfixDirty()
	return nil
}

// destroy removes the sync log file, ending the pending-recovery state.
func (s *syncLogFile) destroy() error { return s.buf.Destroy() }

// flush forces the log to disk. Must run before any master overwrite.
func (s *syncLogFile) flush() error { return s.buf.Flush() }

func (s *syncLogFile) headerBlockCount(m *BlockMemory) uint32 {
	return binary.LittleEndian.Uint32(m.Payload()[4:8])
}

func (s *syncLogFile) setHeaderBlockCount(m *BlockMemory, n uint32) {
	binary.LittleEndian.PutUint32(m.Payload()[4:8], n)
}

// appendLog copies the current master image of pageID into a fresh sync log
// block and returns the data block's allocation timestamp.
func (s *syncLogFile) appendLog(pageID PageID, master *masterFile) (trans.Timestamp, error) {
	headerMem, err := fixBlock(s.buf, s.clock, 0, FixWrite, buffer.Low)
	if err != nil {
		return trans.IllegalTimestamp, err
	}
	id := BlockID(s.headerBlockCount(&headerMem))
	if err := s.buf.Extend(uint32(id) + 1); err != nil {
		headerMem.Unfix()
		return trans.IllegalTimestamp, err
	}
	s.setHeaderBlockCount(&headerMem, uint32(id)+1)
	headerMem.UnfixDirty()

	dst, err := fixBlock(s.buf, s.clock, id, FixAllocate, buffer.Low)
	if err != nil {
		return trans.IllegalTimestamp, err
	}

	src, err := master.fixData(BlockID(pageID), FixRead, buffer.Low)
	if err != nil {
		dst.Unfix()
		return trans.IllegalTimestamp, err
	}
	dst.Copy(&src)
	l := logOf(&dst)
	l.setOlder(BlockID(pageID))
	allocation := l.olderTimeStamp()
	src.Unfix()
	dst.UnfixDirty()
	return allocation, nil
}

// overwrite replays the sync log over the master data file. A torn or
// unreadable log means the crash happened before the log was flushed, so
// master was never touched and there is nothing to replay. Replay is
// idempotent: each record restores one master block to its pre-sync image.
func (s *syncLogFile) overwrite(master *masterFile) error {
	if !s.isAccessible() {
		return nil
	}
	if err := s.mount(); err != nil {
		return err
	}

	var n uint32
	headerMem, err := fixBlock(s.buf, s.clock, 0, FixRead, buffer.Low)
	if err == nil {
		n = s.headerBlockCount(&headerMem)
		headerMem.Unfix()
		// Probe every record before applying any of them.
		for id := BlockID(1); uint32(id) < n; id++ {
			mem, err := fixBlock(s.buf, s.clock, id, FixRead, buffer.Low)
			if err != nil {
				n = 0
				break
			}
			mem.Unfix()
		}
	}

	if n > 1 {
		s.log.WithField("records", n-1).Info("replaying sync log over master data")
		for id := BlockID(1); uint32(id) < n; id++ {
			mem, err := fixBlock(s.buf, s.clock, id, FixRead, buffer.Low)
			if err != nil {
				return err
			}
			l := logOf(&mem)
			target := l.older()
			allocation := l.olderTimeStamp()
			if err := master.syncData(target, &mem, allocation); err != nil {
				mem.Unfix()
				return err
			}
			mem.Unfix()
		}
		if err := master.flush(); err != nil {
			return err
		}
	}
	return nil
}
