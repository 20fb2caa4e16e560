package version

import (
	"encoding/binary"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
)

// ───────────────────────────────────────────────────────────────────────────
// Version log file header
// ───────────────────────────────────────────────────────────────────────────
//
// The header lives in the multiplexed block group 0..MultiplexCount-1 of the
// version log file. It shares its block with the root of the PBCT: the
// header struct sits at the tail of the payload, the root node or leaf at
// the head. Layout of the tail (little-endian):
//
//	versionNumber  i32
//	blockCount     u32
//	pageCount      u32
//	pbctLevel      i32  (-1 = empty tree)
//	creation       u64
//	reserved       [10]u32
const fileHeaderSize = 4 + 4 + 4 + 4 + 8 + 40

// VersionNumber is the on-disk format generation of a version log file.
type VersionNumber int32

const (
	VersionUnknown VersionNumber = -1
	VersionFirst   VersionNumber = 0
	VersionSecond  VersionNumber = 1

	// CurrentVersion is written into newly created files.
	CurrentVersion = VersionSecond
)

// PBCTLevelIllegal is the header depth of an empty PBCT.
const PBCTLevelIllegal int32 = -1

// FileHeader is the decoded header of a version log file.
type FileHeader struct {
	Version    VersionNumber
	BlockCount uint32
	PageCount  uint32
	PBCTLevel  int32
	Creation   trans.Timestamp
}

// headerOffset returns where in the payload the header struct starts.
func headerOffset(blockSize int) int {
	return ContentSize(blockSize) - fileHeaderSize
}

// readFileHeader decodes the header from a fixed header block.
func readFileHeader(m *BlockMemory, blockSize int) FileHeader {
	b := m.Payload()[headerOffset(blockSize):]
	return FileHeader{
		Version:    VersionNumber(int32(binary.LittleEndian.Uint32(b[0:4]))),
		BlockCount: binary.LittleEndian.Uint32(b[4:8]),
		PageCount:  binary.LittleEndian.Uint32(b[8:12]),
		PBCTLevel:  int32(binary.LittleEndian.Uint32(b[12:16])),
		Creation:   trans.Timestamp(binary.LittleEndian.Uint64(b[16:24])),
	}
}

// writeFileHeader encodes the header into a fixed header block. The caller
// marks the block dirty.
func writeFileHeader(m *BlockMemory, blockSize int, h FileHeader) {
	b := m.Payload()[headerOffset(blockSize):]
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Version))
	binary.LittleEndian.PutUint32(b[4:8], h.BlockCount)
	binary.LittleEndian.PutUint32(b[8:12], h.PageCount)
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.PBCTLevel))
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.Creation))
}

// IsPBCTEmpty reports whether the tree has no levels at all.
func (h *FileHeader) IsPBCTEmpty() bool { return h.PBCTLevel < 0 }

// fixHeader fixes the master replica of the file header group.
func (f *logFile) fixHeader(mode FixMode) (BlockMemory, error) {
	return f.fixMaster(0, mode, buffer.High, nil)
}

// fixHeaderMulti fixes the header master plus recovery-relevant slaves.
func (f *logFile) fixHeaderMulti(mode FixMode, multi *MultiplexBlock) error {
	return f.fixMasterAndSlaves(0, mode, buffer.High, multi)
}
