package version

import (
	"encoding/binary"
	"math/bits"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// Allocation tables
// ───────────────────────────────────────────────────────────────────────────
//
// Allocation tables sit at block offsets N, N+(B+N), N+2(B+N), ... where
// N = MultiplexCount and B is the number of blocks one table addresses.
// Each table is a multiplex group whose payload holds:
//
//	count  u32   in-use block count; bit 31 = "freed blocks applied" flag
//	inUse  [L]u32
//	newest [L]u32
//
// A block is treated as busy if its bit is set in ANY replica: a replica
// that an upcoming recovery could restore must not have its blocks handed
// out again.

const allocAppliedFlag = uint32(0x80000000)

// allocBitmapWords returns L, the per-bitmap word count for a block size.
func allocBitmapWords(blockSize int) int {
	return (ContentSize(blockSize) - 4) / 8
}

// allocBitCount returns B, the number of blocks one table addresses.
func allocBitCount(blockSize int) uint32 {
	return uint32(allocBitmapWords(blockSize)) * 32
}

// allocTableSpan returns the block distance between consecutive tables.
func allocTableSpan(blockSize int) uint32 {
	return allocBitCount(blockSize) + uint32(MultiplexCount)
}

// allocTableIDFor returns the table group managing block id.
func allocTableIDFor(blockSize int, id BlockID) BlockID {
	span := BlockID(allocTableSpan(blockSize))
	return (id-BlockID(MultiplexCount))/span*span + BlockID(MultiplexCount)
}

// initAllocationTable zeroes a freshly allocated table block and marks the
// freed-applied flag so the first allocate pass does not try to reclaim.
func initAllocationTable(m *BlockMemory) {
	p := m.Payload()
	for i := range p {
		p[i] = 0
	}
	binary.LittleEndian.PutUint32(p[0:4], allocAppliedFlag)
	m.Dirty()
}

// allocTable wraps the payload of a fixed allocation-table block.
type allocTable struct {
	p     []byte
	words int
}

func tableOf(m *BlockMemory, blockSize int) allocTable {
	return allocTable{p: m.Payload(), words: allocBitmapWords(blockSize)}
}

func (t allocTable) count() uint32 {
	return binary.LittleEndian.Uint32(t.p[0:4]) &^ allocAppliedFlag
}

func (t allocTable) isApplied() bool {
	return binary.LittleEndian.Uint32(t.p[0:4])&allocAppliedFlag != 0
}

func (t allocTable) setApplied(on bool) {
	v := binary.LittleEndian.Uint32(t.p[0:4])
	if on {
		v |= allocAppliedFlag
	} else {
		v &^= allocAppliedFlag
	}
	binary.LittleEndian.PutUint32(t.p[0:4], v)
}

func (t allocTable) setCount(n uint32) {
	v := binary.LittleEndian.Uint32(t.p[0:4]) & allocAppliedFlag
	binary.LittleEndian.PutUint32(t.p[0:4], v|n)
}

func (t allocTable) inUseWord(j int) uint32 {
	return binary.LittleEndian.Uint32(t.p[4+4*j:])
}

func (t allocTable) setInUseWord(j int, v uint32) {
	binary.LittleEndian.PutUint32(t.p[4+4*j:], v)
}

func (t allocTable) newestWord(j int) uint32 {
	return binary.LittleEndian.Uint32(t.p[4+4*t.words+4*j:])
}

func (t allocTable) setNewestWord(j int, v uint32) {
	binary.LittleEndian.PutUint32(t.p[4+4*t.words+4*j:], v)
}

func (t allocTable) inUseBit(idx uint32) bool {
	return t.inUseWord(int(idx/32))&(1<<(idx%32)) != 0
}

func (t allocTable) newestBit(idx uint32) bool {
	return t.newestWord(int(idx/32))&(1<<(idx%32)) != 0
}

// setInUseRange sets or clears n in-use bits starting at idx, maintaining
// the count.
func (t allocTable) setInUseRange(idx, n uint32, on bool) {
	count := t.count()
	for i := uint32(0); i < n; i++ {
		j := int((idx + i) / 32)
		m := uint32(1) << ((idx + i) % 32)
		w := t.inUseWord(j)
		if on && w&m == 0 {
			t.setInUseWord(j, w|m)
			count++
		} else if !on && w&m != 0 {
			t.setInUseWord(j, w&^m)
			count--
		}
	}
	t.setCount(count)
}

// setNewestRange sets or clears n newest-version bits starting at idx.
func (t allocTable) setNewestRange(idx, n uint32, on bool) {
	for i := uint32(0); i < n; i++ {
		j := int((idx + i) / 32)
		m := uint32(1) << ((idx + i) % 32)
		w := t.newestWord(j)
		if on {
			t.setNewestWord(j, w|m)
		} else {
			t.setNewestWord(j, w&^m)
		}
	}
}

// applyFree reclaims blocks that are in use but no longer anyone's newest
// version: inUse &= newest. Runs on the master replica only; the older
// replicas keep their image for recovery.
func (t allocTable) applyFree() {
	count := uint32(0)
	for j := 0; j < t.words; j++ {
		w := t.inUseWord(j) & t.newestWord(j)
		t.setInUseWord(j, w)
		count += uint32(bits.OnesCount32(w))
	}
	t.setCount(count)
	t.setApplied(true)
}

// highestBoundBit returns the highest in-use bit index across all fixed
// replicas of a table group, or -1 when the table is empty.
func highestBoundBit(multi *MultiplexBlock, blockSize int) int {
	words := allocBitmapWords(blockSize)
	for j := words - 1; j >= 0; j-- {
		var w uint32
		for i := range multi.Memories {
			if multi.Memories[i].IsOwner() {
				w |= tableOf(&multi.Memories[i], blockSize).inUseWord(j)
			}
		}
		if w != 0 {
			return j*32 + (31 - bits.LeadingZeros32(w))
		}
	}
	return -1
}

// ───────────────────────────────────────────────────────────────────────────
// Allocation
// ───────────────────────────────────────────────────────────────────────────

// allocate finds n consecutive free blocks whose first id is divisible by n,
// extending the file and creating new allocation tables as needed. The
// header group must already be fixed for write in headerMulti.
func (f *logFile) allocate(headerMulti *MultiplexBlock, n uint32) (BlockID, error) {
	if n == 0 {
		return IllegalBlockID, errors.Wrap(ErrBadArgument, "allocate of zero blocks")
	}

	// Count blocks a pending recovery could still resurrect: take the
	// maximum block count over every fixed header replica.
	maxBlockCount := uint32(0)
	v := VersionFirst
	for i := range headerMulti.Memories {
		if !headerMulti.Memories[i].IsOwner() {
			continue
		}
		h := readFileHeader(&headerMulti.Memories[i], f.blockSize())
		if h.BlockCount > maxBlockCount {
			maxBlockCount = h.BlockCount
			v = h.Version
		}
	}

	bitCount := allocBitCount(f.blockSize())
	span := allocTableSpan(f.blockSize())

	var second trans.Timestamp
	needApply := -1

	tableID := BlockID(MultiplexCount)
	for ; uint32(tableID) < maxBlockCount; tableID += BlockID(span) {
		var tableMulti MultiplexBlock
		if err := f.fixMasterAndSlaves(tableID, FixWrite, buffer.High, &tableMulti); err != nil {
			return IllegalBlockID, err
		}

		master := tableMulti.MasterMemory()
		mt := tableOf(master, f.blockSize())

		if v >= VersionSecond && !mt.isApplied() {
			if needApply == -1 {
				// Reclamation is safe only once no live transaction
				// spans the second most recent checkpoint.
				second = f.ckpt.SecondMostRecent()
				if f.mgr.OldestLiveBirth() > second {
					needApply = 1
				} else {
					needApply = 0
				}
			}
			if needApply == 1 {
				mt.applyFree()
				master.Dirty()
			}
		}

		// Not enough slack in this table at all?
		maxCount := uint32(0)
		for i := range tableMulti.Memories {
			if tableMulti.Memories[i].IsOwner() {
				if c := tableOf(&tableMulti.Memories[i], f.blockSize()).count(); c > maxCount {
					maxCount = c
				}
			}
		}
		if n > bitCount-maxCount {
			tableMulti.UnfixAll()
			continue
		}

		// Search the OR of every replica's in-use bitmap for a run of n
		// clear bits whose first block id is divisible by n.
		words := allocBitmapWords(f.blockSize())
		rest := n
		for j := 0; j < words; j++ {
			var w uint32
			for i := range tableMulti.Memories {
				if tableMulti.Memories[i].IsOwner() {
					w |= tableOf(&tableMulti.Memories[i], f.blockSize()).inUseWord(j)
				}
			}
			if w == ^uint32(0) {
				rest = n
				continue
			}
			for k := uint32(0); k < 32; k++ {
				if w&(1<<k) != 0 {
					rest = n
					continue
				}
				rest--
				if rest != 0 {
					continue
				}
				end := tableID + BlockID(MultiplexCount) + BlockID(uint32(j)*32+k+1)
				begin := end - BlockID(n)
				if uint32(begin)%n != 0 {
					rest = 1
					continue
				}
				if uint32(end) > maxBlockCount {
					if err := f.extend(end); err != nil {
						tableMulti.UnfixAll()
						return IllegalBlockID, err
					}
				}
				hm := headerMulti.MasterMemory()
				h := readFileHeader(hm, f.blockSize())
				if uint32(end) > h.BlockCount {
					h.BlockCount = uint32(end)
					writeFileHeader(hm, f.blockSize(), h)
					hm.Dirty()
				}
				idx := uint32(begin - tableID - BlockID(MultiplexCount))
				mt.setInUseRange(idx, n, true)
				mt.setNewestRange(idx, n, true)
				master.Dirty()
				tableMulti.UnfixAll()
				return begin, nil
			}
		}
		tableMulti.UnfixAll()
	}

	// No existing table has room: start a new table past the current end.
	if err := f.extend(tableID); err != nil {
		return IllegalBlockID, err
	}
	hm := headerMulti.MasterMemory()
	h := readFileHeader(hm, f.blockSize())
	h.BlockCount = uint32(tableID)
	writeFileHeader(hm, f.blockSize(), h)
	hm.Dirty()

	if err := f.extend(tableID + BlockID(MultiplexCount)); err != nil {
		return IllegalBlockID, err
	}
	tableMem, err := f.fixMaster(tableID, FixAllocate, buffer.High, nil)
	if err != nil {
		return IllegalBlockID, err
	}
	initAllocationTable(&tableMem)

	begin := BlockID((uint32(tableID) + uint32(MultiplexCount) + n - 1) / n * n)
	end := begin + BlockID(n)
	if err := f.extend(end); err != nil {
		tableMem.Unfix()
		return IllegalBlockID, err
	}
	h.BlockCount = uint32(end)
	writeFileHeader(hm, f.blockSize(), h)
	hm.Dirty()

	mt := tableOf(&tableMem, f.blockSize())
	idx := uint32(begin - tableID - BlockID(MultiplexCount))
	mt.setInUseRange(idx, n, true)
	mt.setNewestRange(idx, n, true)
	tableMem.UnfixDirty()
	return begin, nil
}

// free releases n consecutive blocks starting at id. Version 1 files clear
// both bitmaps immediately; version 2 files clear only the newest bit and
// leave the in-use bit for the next applyFree pass, so recovery to an older
// checkpoint still sees the block as live.
func (f *logFile) free(v VersionNumber, id BlockID, n uint32) error {
	tableID := allocTableIDFor(f.blockSize(), id)
	tableMem, err := f.fixMaster(tableID, FixWrite, buffer.High, nil)
	if err != nil {
		return err
	}
	t := tableOf(&tableMem, f.blockSize())
	idx := uint32(id - tableID - BlockID(MultiplexCount))
	if v < VersionSecond {
		t.setInUseRange(idx, n, false)
		t.setNewestRange(idx, n, false)
	} else {
		t.setNewestRange(idx, n, false)
		t.setApplied(false)
	}
	tableMem.UnfixDirty()
	f.buf.Discard(uint32(id))
	return nil
}

// setNewest flips the newest-version bit of one block. Used when a new
// latest replaces an old latest in a PBCT leaf.
func (f *logFile) setNewest(v VersionNumber, id BlockID, on bool) error {
	if v < VersionSecond {
		return nil
	}
	tableID := allocTableIDFor(f.blockSize(), id)
	tableMem, err := f.fixMaster(tableID, FixWrite, buffer.High, nil)
	if err != nil {
		return err
	}
	t := tableOf(&tableMem, f.blockSize())
	idx := uint32(id - tableID - BlockID(MultiplexCount))
	t.setNewestRange(idx, 1, on)
	if !on {
		t.setApplied(false)
	}
	tableMem.UnfixDirty()
	return nil
}

// applyFreeAll forces the deferred-free pass over every table. Used by the
// explicit ApplyFree control operation.
func (f *logFile) applyFreeAll(header *FileHeader) error {
	if header.Version < VersionSecond {
		return nil
	}
	span := allocTableSpan(f.blockSize())
	for tableID := BlockID(MultiplexCount); uint32(tableID) < header.BlockCount; tableID += BlockID(span) {
		tableMem, err := f.fixMaster(tableID, FixWrite, buffer.High, nil)
		if err != nil {
			return err
		}
		t := tableOf(&tableMem, f.blockSize())
		if !t.isApplied() {
			t.applyFree()
			tableMem.UnfixDirty()
		} else {
			tableMem.Unfix()
		}
	}
	return nil
}

// isBound reports whether block id is in use in any fixed replica of its
// allocation table. Verification uses this to cross-check the PBCT.
func (f *logFile) isBound(id BlockID) (bool, error) {
	tableID := allocTableIDFor(f.blockSize(), id)
	var multi MultiplexBlock
	if err := f.fixMasterAndSlaves(tableID, FixRead, buffer.Middle, &multi); err != nil {
		return false, err
	}
	defer multi.UnfixAll()
	idx := uint32(id - tableID - BlockID(MultiplexCount))
	for i := range multi.Memories {
		if multi.Memories[i].IsOwner() &&
			tableOf(&multi.Memories[i], f.blockSize()).inUseBit(idx) {
			return true, nil
		}
	}
	return false, nil
}
