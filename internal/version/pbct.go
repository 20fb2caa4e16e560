package version

import (
	"encoding/binary"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
)

// ───────────────────────────────────────────────────────────────────────────
// PBCT — page → block conversion tree
// ───────────────────────────────────────────────────────────────────────────
//
// The PBCT maps a page id to the block holding that page's latest version.
// The root (node or leaf, depending on depth) shares block 0 with the file
// header, occupying the payload head; every non-root node and leaf is a
// multiplex group of its own.
//
// Node payload: count u32, child [C]u32.
// Leaf payload: count u32, latest [C]u32, newest [C]u64.
// Root variants shrink C by the file header's footprint.

// pbctNodeMax returns the child fan-out of a node.
func pbctNodeMax(isRoot bool, blockSize int) uint32 {
	usable := ContentSize(blockSize)
	if isRoot {
		usable -= fileHeaderSize
	}
	return uint32((usable - 4) / 4)
}

// pbctLeafMax returns the entry fan-out of a leaf.
func pbctLeafMax(isRoot bool, blockSize int) uint32 {
	usable := ContentSize(blockSize)
	if isRoot {
		usable -= fileHeaderSize
	}
	return uint32((usable - 4) / 12)
}

// pbctNode wraps the node region of a fixed block.
type pbctNode struct {
	p   []byte
	max uint32
}

func nodeOf(m *BlockMemory, isRoot bool, blockSize int) pbctNode {
	return pbctNode{p: m.Payload(), max: pbctNodeMax(isRoot, blockSize)}
}

func (n pbctNode) count() uint32 { return binary.LittleEndian.Uint32(n.p[0:4]) }

func (n pbctNode) setCount(c uint32) { binary.LittleEndian.PutUint32(n.p[0:4], c) }

func (n pbctNode) childAt(i uint32) BlockID {
	return BlockID(binary.LittleEndian.Uint32(n.p[4+4*i:]))
}

func (n pbctNode) setChildAt(i uint32, id BlockID) {
	prev := n.childAt(i)
	binary.LittleEndian.PutUint32(n.p[4+4*i:], uint32(id))
	switch {
	case prev == IllegalBlockID && id != IllegalBlockID:
		n.setCount(n.count() + 1)
	case prev != IllegalBlockID && id == IllegalBlockID:
		n.setCount(n.count() - 1)
	}
}

// init resets a node region to the empty state.
func (n pbctNode) init() {
	n.setCount(0)
	for i := uint32(0); i < n.max; i++ {
		binary.LittleEndian.PutUint32(n.p[4+4*i:], uint32(IllegalBlockID))
	}
	n.setCount(0)
}

// copyFrom overwrites this node with src's children.
func (n pbctNode) copyFrom(src pbctNode) {
	n.init()
	limit := src.max
	if limit > n.max {
		limit = n.max
	}
	for i := uint32(0); i < limit; i++ {
		if id := src.childAt(i); id != IllegalBlockID {
			n.setChildAt(i, id)
		}
	}
}

// pbctLeaf wraps the leaf region of a fixed block.
type pbctLeaf struct {
	p   []byte
	max uint32
}

func leafOf(m *BlockMemory, isRoot bool, blockSize int) pbctLeaf {
	return pbctLeaf{p: m.Payload(), max: pbctLeafMax(isRoot, blockSize)}
}

func (l pbctLeaf) count() uint32 { return binary.LittleEndian.Uint32(l.p[0:4]) }

func (l pbctLeaf) setCount(c uint32) { binary.LittleEndian.PutUint32(l.p[0:4], c) }

func (l pbctLeaf) latestAt(i uint32) BlockID {
	return BlockID(binary.LittleEndian.Uint32(l.p[4+4*i:]))
}

func (l pbctLeaf) setLatestAt(i uint32, id BlockID) {
	prev := l.latestAt(i)
	binary.LittleEndian.PutUint32(l.p[4+4*i:], uint32(id))
	switch {
	case prev == IllegalBlockID && id != IllegalBlockID:
		l.setCount(l.count() + 1)
	case prev != IllegalBlockID && id == IllegalBlockID:
		l.setCount(l.count() - 1)
	}
}

func (l pbctLeaf) newestAt(i uint32) trans.Timestamp {
	return trans.Timestamp(binary.LittleEndian.Uint64(l.p[4+4*l.max+8*i:]))
}

func (l pbctLeaf) setNewestAt(i uint32, t trans.Timestamp) {
	binary.LittleEndian.PutUint64(l.p[4+4*l.max+8*i:], uint64(t))
}

// init resets a leaf region to the empty state.
func (l pbctLeaf) init() {
	l.setCount(0)
	for i := uint32(0); i < l.max; i++ {
		binary.LittleEndian.PutUint32(l.p[4+4*i:], uint32(IllegalBlockID))
		binary.LittleEndian.PutUint64(l.p[4+4*l.max+8*i:], uint64(trans.IllegalTimestamp))
	}
	l.setCount(0)
}

// copyFrom overwrites this leaf with src's entries.
func (l pbctLeaf) copyFrom(src pbctLeaf) {
	l.init()
	limit := src.max
	if limit > l.max {
		limit = l.max
	}
	for i := uint32(0); i < limit; i++ {
		if id := src.latestAt(i); id != IllegalBlockID {
			l.setLatestAt(i, id)
			l.setNewestAt(i, src.newestAt(i))
		}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Addressing
// ───────────────────────────────────────────────────────────────────────────

// pbctRequiredLevel returns the minimum tree depth able to address pageID.
func pbctRequiredLevel(pageID PageID, blockSize int) int32 {
	level := int32(0)
	m := uint64(pbctLeafMax(true, blockSize))
	for m <= uint64(pageID) {
		if level == 0 {
			m = uint64(pbctNodeMax(true, blockSize)) * uint64(pbctLeafMax(false, blockSize))
		} else {
			m *= uint64(pbctNodeMax(false, blockSize))
		}
		level++
	}
	return level
}

// pbctChildIndex returns the child index of pageID at the given depth in a
// tree of the given level. Depth 0 is the root; the leaf sits at depth
// level.
func pbctChildIndex(pageID PageID, depth, level int32, blockSize int) uint32 {
	if depth == level {
		// Index within the leaf.
		return uint32(pageID) % pbctLeafMax(level == 0, blockSize)
	}
	// Pages addressed by one subtree hanging off a depth-`depth` node.
	sub := uint64(pbctLeafMax(false, blockSize))
	for d := depth + 1; d < level; d++ {
		sub *= uint64(pbctNodeMax(false, blockSize))
	}
	fan := pbctNodeMax(depth == 0, blockSize)
	return uint32((uint64(pageID) / sub) % uint64(fan))
}

// ───────────────────────────────────────────────────────────────────────────
// Traversal
// ───────────────────────────────────────────────────────────────────────────

// pbctCapacity returns how many pages a tree of the given level can address.
func pbctCapacity(level int32, blockSize int) uint64 {
	if level < 0 {
		return 0
	}
	if level == 0 {
		return uint64(pbctLeafMax(true, blockSize))
	}
	total := uint64(pbctNodeMax(true, blockSize)) * uint64(pbctLeafMax(false, blockSize))
	for d := int32(1); d < level; d++ {
		total *= uint64(pbctNodeMax(false, blockSize))
	}
	return total
}

// traversePBCT walks from the fixed header block to the leaf that records
// pageID's latest version. A non-owner result means the page has no entry
// and its oldest version lives in the master data file.
func (f *logFile) traversePBCT(headerMem *BlockMemory, pageID PageID, mode FixMode) (BlockMemory, error) {
	header := readFileHeader(headerMem, f.blockSize())
	if header.IsPBCTEmpty() {
		return BlockMemory{}, nil
	}
	if uint64(pageID) >= pbctCapacity(header.PBCTLevel, f.blockSize()) {
		// The tree is not deep enough to address this page yet.
		return BlockMemory{}, nil
	}
	if header.PBCTLevel == 0 {
		// The root leaf lives in the header block; hand back another pin
		// on the same frame instead of a second disk fix.
		return headerMem.Refix()
	}

	root := nodeOf(headerMem, true, f.blockSize())
	id := root.childAt(pbctChildIndex(pageID, 0, header.PBCTLevel, f.blockSize()))

	for depth := int32(1); ; depth++ {
		if id == IllegalBlockID {
			return BlockMemory{}, nil
		}
		mem, err := f.fixMaster(id, mode, buffer.Middle, nil)
		if err != nil {
			return BlockMemory{}, err
		}
		if depth == header.PBCTLevel {
			return mem, nil
		}
		node := nodeOf(&mem, false, f.blockSize())
		id = node.childAt(pbctChildIndex(pageID, depth, header.PBCTLevel, f.blockSize()))
		mem.Unfix()
	}
}

// allocatePBCT grows and walks the tree so that a leaf able to record
// pageID exists, allocating nodes and leaves as needed. The returned leaf
// is fixed for write.
func (f *logFile) allocatePBCT(headerMulti *MultiplexBlock, pageID PageID) (BlockMemory, error) {
	headerMem := headerMulti.MasterMemory()
	header := readFileHeader(headerMem, f.blockSize())

	level := pbctRequiredLevel(pageID, f.blockSize())

	if header.IsPBCTEmpty() {
		header.PBCTLevel = 0
		writeFileHeader(headerMem, f.blockSize(), header)
		leafOf(headerMem, true, f.blockSize()).init()
		headerMem.Dirty()
	}

	// Push the current root down one level at a time until the tree is
	// deep enough. In practice one call adds at most one level. The header
	// is re-read after each allocation: allocate updates the block count
	// inside the same block.
	for header.PBCTLevel < level {
		var id BlockID
		if header.PBCTLevel > 0 {
			nodeMem, err := f.allocateGroup(headerMulti)
			if err != nil {
				return BlockMemory{}, err
			}
			nodeOf(&nodeMem, false, f.blockSize()).init()
			nodeOf(&nodeMem, false, f.blockSize()).copyFrom(nodeOf(headerMem, true, f.blockSize()))
			id = nodeMem.ID()
			nodeMem.UnfixDirty()
		} else {
			leafMem, err := f.allocateGroup(headerMulti)
			if err != nil {
				return BlockMemory{}, err
			}
			leafOf(&leafMem, false, f.blockSize()).init()
			leafOf(&leafMem, false, f.blockSize()).copyFrom(leafOf(headerMem, true, f.blockSize()))
			id = leafMem.ID()
			leafMem.UnfixDirty()
		}

		header = readFileHeader(headerMem, f.blockSize())
		header.PBCTLevel++
		writeFileHeader(headerMem, f.blockSize(), header)
		root := nodeOf(headerMem, true, f.blockSize())
		root.init()
		root.setChildAt(0, id)
		headerMem.Dirty()
	}

	if header.PBCTLevel == 0 {
		return headerMem.Refix()
	}

	// Walk down, allocating missing children; the last allocation is the
	// target leaf.
	root := nodeOf(headerMem, true, f.blockSize())
	id := root.childAt(pbctChildIndex(pageID, 0, header.PBCTLevel, f.blockSize()))

	var held BlockMemory // fixed non-header parent, if any
	parent := headerMem
	parentRoot := true
	defer func() {
		if held.IsOwner() {
			held.Unfix()
		}
	}()

	for depth := int32(1); ; depth++ {
		if id == IllegalBlockID {
			childMem, err := f.allocateGroup(headerMulti)
			if err != nil {
				return BlockMemory{}, err
			}
			if depth == header.PBCTLevel {
				leafOf(&childMem, false, f.blockSize()).init()
			} else {
				nodeOf(&childMem, false, f.blockSize()).init()
			}
			nodeOf(parent, parentRoot, f.blockSize()).setChildAt(
				pbctChildIndex(pageID, depth-1, header.PBCTLevel, f.blockSize()), childMem.ID())
			parent.Dirty()
			childMem.Dirty()
			if depth == header.PBCTLevel {
				return childMem, nil
			}
			if held.IsOwner() {
				held.Unfix()
			}
			held = childMem
			parent = &held
			parentRoot = false
			continue
		}

		if depth == header.PBCTLevel {
			return f.fixMaster(id, FixWrite, buffer.Middle, nil)
		}
		mem, err := f.fixMaster(id, FixWrite, buffer.Middle, nil)
		if err != nil {
			return BlockMemory{}, err
		}
		if held.IsOwner() {
			held.Unfix()
		}
		held = mem
		parent = &held
		parentRoot = false
		id = nodeOf(&held, false, f.blockSize()).childAt(
			pbctChildIndex(pageID, depth, header.PBCTLevel, f.blockSize()))
	}
}

// allocateGroup allocates one multiplex group and fixes its master in
// allocate mode.
func (f *logFile) allocateGroup(headerMulti *MultiplexBlock) (BlockMemory, error) {
	id, err := f.allocate(headerMulti, uint32(MultiplexCount))
	if err != nil {
		return BlockMemory{}, err
	}
	return f.fixMaster(id, FixAllocate, buffer.Middle, nil)
}

// freePBCT releases the leaf on pageID's path if it became empty, then
// collapses empty nodes upward. An empty root resets the depth to -1.
func (f *logFile) freePBCT(headerMem *BlockMemory, pageID PageID) error {
	header := readFileHeader(headerMem, f.blockSize())
	if header.IsPBCTEmpty() {
		return nil
	}

	if header.PBCTLevel == 0 {
		leaf := leafOf(headerMem, true, f.blockSize())
		if leaf.count() == 0 {
			header.PBCTLevel = PBCTLevelIllegal
			writeFileHeader(headerMem, f.blockSize(), header)
			headerMem.Dirty()
		}
		return nil
	}

	empty, err := f.freePBCTBelow(headerMem, true, header.Version, pageID, 0, header.PBCTLevel)
	if err != nil {
		return err
	}
	if empty {
		header.PBCTLevel = PBCTLevelIllegal
		writeFileHeader(headerMem, f.blockSize(), header)
		headerMem.Dirty()
	}
	return nil
}

// freePBCTBelow recursively frees the path to pageID under nodeMem at the
// given depth, returning whether the node itself is now empty.
func (f *logFile) freePBCTBelow(nodeMem *BlockMemory, isRoot bool, v VersionNumber,
	pageID PageID, depth, level int32) (bool, error) {

	node := nodeOf(nodeMem, isRoot, f.blockSize())
	idx := pbctChildIndex(pageID, depth, level, f.blockSize())
	childID := node.childAt(idx)
	if childID == IllegalBlockID {
		return node.count() == 0, nil
	}

	childMem, err := f.fixMaster(childID, FixWrite, buffer.Middle, nil)
	if err != nil {
		return false, err
	}

	var childEmpty bool
	if depth+1 == level {
		childEmpty = leafOf(&childMem, false, f.blockSize()).count() == 0
	} else {
		childEmpty, err = f.freePBCTBelow(&childMem, false, v, pageID, depth+1, level)
		if err != nil {
			childMem.Unfix()
			return false, err
		}
	}
	childMem.Unfix()

	if childEmpty {
		if err := f.free(v, childID, uint32(MultiplexCount)); err != nil {
			return false, err
		}
		node.setChildAt(idx, IllegalBlockID)
		nodeMem.Dirty()
	}
	return node.count() == 0, nil
}

// recoverPBCT rolls every node and leaf on the tree back to the checkpoint
// at or before point. Called with the already-recovered header block.
func (f *logFile) recoverPBCT(headerMem *BlockMemory, point trans.Timestamp) error {
	header := readFileHeader(headerMem, f.blockSize())
	if header.IsPBCTEmpty() || header.PBCTLevel == 0 {
		return nil
	}
	root := nodeOf(headerMem, true, f.blockSize())
	return f.recoverPBCTBelow(root, 1, header.PBCTLevel, point)
}

func (f *logFile) recoverPBCTBelow(node pbctNode, depth, level int32, point trans.Timestamp) error {
	for i := uint32(0); i < node.max; i++ {
		id := node.childAt(i)
		if id == IllegalBlockID {
			continue
		}
		mem := f.recoverMaster(id, point)
		if !mem.IsOwner() {
			return errors.Wrapf(ErrBadDataPage, "pbct group %d unrecoverable", id)
		}
		if depth < level {
			child := nodeOf(&mem, false, f.blockSize())
			if err := f.recoverPBCTBelow(child, depth+1, level, point); err != nil {
				mem.Unfix()
				return err
			}
		}
		mem.Unfix()
	}
	return nil
}
