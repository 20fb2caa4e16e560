package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocTableGeometry(t *testing.T) {
	words := allocBitmapWords(testBlockSize)
	require.Equal(t, (ContentSize(testBlockSize)-4)/8, words)
	require.Equal(t, uint32(words)*32, allocBitCount(testBlockSize))

	span := allocTableSpan(testBlockSize)
	require.Equal(t, allocBitCount(testBlockSize)+uint32(MultiplexCount), span)

	// Blocks right after the first table belong to it; the block after the
	// table's range belongs to the second table.
	first := BlockID(MultiplexCount)
	require.Equal(t, first, allocTableIDFor(testBlockSize, first+1))
	require.Equal(t, first, allocTableIDFor(testBlockSize, first+BlockID(span)-1))
	require.Equal(t, first+BlockID(span), allocTableIDFor(testBlockSize, first+BlockID(span)))
}

func TestAllocTableBitAlgebra(t *testing.T) {
	buf := make([]byte, ContentSize(testBlockSize))
	tbl := allocTable{p: buf, words: allocBitmapWords(testBlockSize)}
	tbl.setApplied(true)

	tbl.setInUseRange(3, 4, true)
	tbl.setNewestRange(3, 4, true)
	require.Equal(t, uint32(4), tbl.count())
	require.True(t, tbl.inUseBit(3))
	require.True(t, tbl.inUseBit(6))
	require.False(t, tbl.inUseBit(7))
	require.True(t, tbl.isApplied(), "count updates must not clobber the flag")

	// Clearing only the newest bits leaves the in-use bits for the
	// deferred pass.
	tbl.setNewestRange(3, 2, false)
	require.True(t, tbl.inUseBit(3))
	require.False(t, tbl.newestBit(3))
	require.True(t, tbl.newestBit(5))

	tbl.applyFree()
	require.False(t, tbl.inUseBit(3))
	require.False(t, tbl.inUseBit(4))
	require.True(t, tbl.inUseBit(5))
	require.Equal(t, uint32(2), tbl.count())
	require.True(t, tbl.isApplied())
}

func TestAllocateAlignsAndReclaims(t *testing.T) {
	f, _, _ := newStore(t)
	defer f.Unmount()

	var multi MultiplexBlock
	require.NoError(t, f.vlog.fixHeaderMulti(FixWrite, &multi))
	defer multi.UnfixAll()

	a, err := f.vlog.allocate(&multi, 1)
	require.NoError(t, err)
	require.Equal(t, BlockID(2*MultiplexCount), a, "first block after header and table")

	b, err := f.vlog.allocate(&multi, 1)
	require.NoError(t, err)
	require.Equal(t, a+1, b)

	// Triple allocations start at a multiple of three.
	g, err := f.vlog.allocate(&multi, 3)
	require.NoError(t, err)
	require.Zero(t, uint32(g)%3)

	// Free both singles (deferred), then allocate again: with no live
	// transactions the pass reclaims them.
	require.NoError(t, f.vlog.free(CurrentVersion, a, 1))
	require.NoError(t, f.vlog.free(CurrentVersion, b, 1))
	bound, err := f.vlog.isBound(a)
	require.NoError(t, err)
	require.True(t, bound, "version 2 free defers the in-use clear")

	c, err := f.vlog.allocate(&multi, 1)
	require.NoError(t, err)
	require.Equal(t, a, c, "deferred free applied on the next allocation")
}
