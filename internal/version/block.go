// Package version implements the versioned page store: an array of fixed-size
// logical pages, each with multiple time-ordered versions, spread over a
// master data file, a version log file, and a sync log file.
//
// The version log file multiplexes its metadata blocks three ways and selects
// among the replicas by last-modification timestamp, which gives the store
// checkpoint-grained crash recovery without a redo log. Newer page versions
// live in per-page chains indexed by a shallow page→block conversion tree
// (PBCT); a background sync engine migrates versions back into the master
// data file through the sync log.
package version

import (
	"encoding/binary"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// Identifiers
// ───────────────────────────────────────────────────────────────────────────

// BlockID is the zero-based ordinal of a block within one file.
type BlockID uint32

// IllegalBlockID marks a missing block reference.
const IllegalBlockID BlockID = ^BlockID(0)

// PageID is the zero-based ordinal of a logical page.
type PageID uint32

// IllegalPageID marks a missing page reference.
const IllegalPageID PageID = ^PageID(0)

// blockHeaderSize is the per-block header: the last-modification timestamp.
const blockHeaderSize = 8

// FixMode tells a fix what the caller will do with the block.
type FixMode int

const (
	FixRead FixMode = iota
	FixWrite
	FixAllocate
)

func (m FixMode) bufferMode() buffer.Mode {
	switch m {
	case FixWrite:
		return buffer.Write
	case FixAllocate:
		return buffer.Allocate
	default:
		return buffer.ReadOnly
	}
}

// ContentSize returns the payload bytes available in a block of the given
// size.
func ContentSize(blockSize int) int { return blockSize - blockHeaderSize }

// ───────────────────────────────────────────────────────────────────────────
// BlockMemory
// ───────────────────────────────────────────────────────────────────────────

// BlockMemory is the guard returned by every fix. It pins one block frame
// until an Unfix variant runs; a dirty unfix stamps the block with a fresh
// timestamp from the store clock, and UnfixAt back-dates it explicitly.
//
// The zero BlockMemory is not an owner; IsOwner distinguishes "no block".
type BlockMemory struct {
	file  *buffer.File
	frame *buffer.Frame
	clock *trans.Clock
	id    BlockID
	dirty bool
	owner bool
}

// fixBlock pins block id of file.
func fixBlock(file *buffer.File, clock *trans.Clock, id BlockID, mode FixMode,
	priority buffer.Priority) (BlockMemory, error) {

	if id == IllegalBlockID {
		return BlockMemory{}, errors.Wrap(ErrBadArgument, "fix of illegal block id")
	}
	fr, err := file.Fix(uint32(id), mode.bufferMode(), priority)
	if err != nil {
		return BlockMemory{}, errors.Wrap(ErrBadDataPage, err.Error())
	}
	return BlockMemory{file: file, frame: fr, clock: clock, id: id, owner: true}, nil
}

// IsOwner reports whether the memory holds a fixed block.
func (m *BlockMemory) IsOwner() bool { return m.owner }

// ID returns the block identifier, IllegalBlockID if unfixed.
func (m *BlockMemory) ID() BlockID {
	if !m.owner {
		return IllegalBlockID
	}
	return m.id
}

// IsDirty reports whether the block was updated since the fix.
func (m *BlockMemory) IsDirty() bool { return m.dirty }

// Payload returns the block content after the header. Valid while fixed.
func (m *BlockMemory) Payload() []byte {
	return m.frame.Bytes()[blockHeaderSize:]
}

// raw returns the whole block image including the header.
func (m *BlockMemory) raw() []byte { return m.frame.Bytes() }

// LastModification returns the block's last-modification timestamp.
func (m *BlockMemory) LastModification() trans.Timestamp {
	return trans.Timestamp(binary.LittleEndian.Uint64(m.frame.Bytes()[:8]))
}

func (m *BlockMemory) setLastModification(t trans.Timestamp) {
	binary.LittleEndian.PutUint64(m.frame.Bytes()[:8], uint64(t))
}

// Copy overwrites the block image, header included, with src's image.
func (m *BlockMemory) Copy(src *BlockMemory) *BlockMemory {
	copy(m.frame.Bytes(), src.frame.Bytes())
	return m
}

// Reset zeroes the entire block image.
func (m *BlockMemory) Reset() *BlockMemory {
	b := m.frame.Bytes()
	for i := range b {
		b[i] = 0
	}
	return m
}

// Dirty marks the block updated without releasing it.
func (m *BlockMemory) Dirty() { m.dirty = true }

// MarkDeterrent makes the frame's write-back inhibitable during backup.
func (m *BlockMemory) MarkDeterrent() {
	if m.owner {
		m.file.MarkDeterrent(m.frame)
	}
}

// Refix pins the same block again in the same mode family, returning an
// independent guard. The original stays fixed.
func (m *BlockMemory) Refix() (BlockMemory, error) {
	if !m.owner {
		return BlockMemory{}, errors.Wrap(ErrBadArgument, "refix of unfixed block")
	}
	fr, err := m.file.Fix(uint32(m.id), buffer.ReadOnly, buffer.Middle)
	if err != nil {
		return BlockMemory{}, err
	}
	return BlockMemory{file: m.file, frame: fr, clock: m.clock, id: m.id, owner: true}, nil
}

// Unfix releases the block. If it was marked dirty, the block receives a
// fresh timestamp from the clock before the pin drops.
func (m *BlockMemory) Unfix() {
	if !m.owner {
		return
	}
	if m.dirty {
		m.setLastModification(m.clock.Assign())
	}
	m.file.Unfix(m.frame, m.dirty)
	*m = BlockMemory{}
}

// UnfixDirty marks the block dirty and releases it.
func (m *BlockMemory) UnfixDirty() {
	if !m.owner {
		return
	}
	m.dirty = true
	m.Unfix()
}

// UnfixAt releases the block stamping the given timestamp instead of a fresh
// one. The chain walk uses this to make a block appear older than a live
// reader's birth.
func (m *BlockMemory) UnfixAt(t trans.Timestamp) {
	if !m.owner {
		return
	}
	m.setLastModification(t)
	m.file.Unfix(m.frame, true)
	*m = BlockMemory{}
}

// UnfixClean releases the block discarding the dirty mark. The image may
// have been modified in memory; callers use this only when the modification
// is also recorded elsewhere (recovery zero-fill paths).
func (m *BlockMemory) UnfixClean() {
	if !m.owner {
		return
	}
	m.file.Unfix(m.frame, false)
	*m = BlockMemory{}
}
