package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPBCTFanouts(t *testing.T) {
	// Non-root variants use the whole payload; root variants reserve the
	// file header's footprint.
	require.Greater(t, pbctNodeMax(false, testBlockSize), pbctNodeMax(true, testBlockSize))
	require.Greater(t, pbctLeafMax(false, testBlockSize), pbctLeafMax(true, testBlockSize))

	usable := ContentSize(testBlockSize)
	require.Equal(t, uint32((usable-4)/4), pbctNodeMax(false, testBlockSize))
	require.Equal(t, uint32((usable-4)/12), pbctLeafMax(false, testBlockSize))
}

func TestPBCTRequiredLevel(t *testing.T) {
	rootLeaf := pbctLeafMax(true, testBlockSize)
	require.Equal(t, int32(0), pbctRequiredLevel(0, testBlockSize))
	require.Equal(t, int32(0), pbctRequiredLevel(PageID(rootLeaf-1), testBlockSize))
	require.Equal(t, int32(1), pbctRequiredLevel(PageID(rootLeaf), testBlockSize))

	levelOne := uint64(pbctNodeMax(true, testBlockSize)) * uint64(pbctLeafMax(false, testBlockSize))
	require.Equal(t, int32(1), pbctRequiredLevel(PageID(levelOne-1), testBlockSize))
	require.Equal(t, int32(2), pbctRequiredLevel(PageID(levelOne), testBlockSize))
}

func TestPBCTCapacityMatchesRequiredLevel(t *testing.T) {
	for _, p := range []PageID{0, 1, 78, 79, 1000, 100000} {
		level := pbctRequiredLevel(p, testBlockSize)
		require.Greater(t, pbctCapacity(level, testBlockSize), uint64(p), "page %d", p)
		if level > 0 {
			require.LessOrEqual(t, pbctCapacity(level-1, testBlockSize), uint64(p), "page %d", p)
		}
	}
}

func TestPBCTChildIndexLeafSlot(t *testing.T) {
	// Level 0: the slot is the page id itself.
	require.Equal(t, uint32(5), pbctChildIndex(5, 0, 0, testBlockSize))

	// Level 1: leaf slot wraps at the non-root leaf fan-out, and sibling
	// pages that share a leaf get consecutive slots.
	leafCap := pbctLeafMax(false, testBlockSize)
	p := PageID(leafCap + 3)
	require.Equal(t, uint32(3), pbctChildIndex(p, 1, 1, testBlockSize))
	require.Equal(t, uint32(1), pbctChildIndex(p, 0, 1, testBlockSize),
		"second leaf hangs off root slot 1")
}

func TestPBCTNodeLeafCountMaintenance(t *testing.T) {
	buf := make([]byte, ContentSize(testBlockSize))
	node := pbctNode{p: buf, max: pbctNodeMax(false, testBlockSize)}
	node.init()
	require.Equal(t, uint32(0), node.count())

	node.setChildAt(3, 42)
	node.setChildAt(7, 43)
	require.Equal(t, uint32(2), node.count())
	require.Equal(t, BlockID(42), node.childAt(3))

	node.setChildAt(3, IllegalBlockID)
	require.Equal(t, uint32(1), node.count())

	leaf := pbctLeaf{p: buf, max: pbctLeafMax(false, testBlockSize)}
	leaf.init()
	leaf.setLatestAt(0, 9)
	leaf.setNewestAt(0, 777)
	require.Equal(t, uint32(1), leaf.count())
	require.Equal(t, BlockID(9), leaf.latestAt(0))
	require.EqualValues(t, 777, leaf.newestAt(0))
	require.True(t, leaf.newestAt(1).IsIllegal())
}
