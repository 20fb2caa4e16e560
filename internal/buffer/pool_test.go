package buffer

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

func newTestFile(t *testing.T, maxFrames int) *File {
	t.Helper()
	pool := NewPool(Normal, maxFrames)
	f := NewFile(pool, filepath.Join(t.TempDir(), "blocks.dat"), testBlockSize)
	require.NoError(t, f.Create())
	return f
}

func TestFile_FixWriteReadBack(t *testing.T) {
	f := newTestFile(t, 16)
	defer f.Unmount()

	fr, err := f.Fix(0, Allocate, Middle)
	require.NoError(t, err)
	copy(fr.Bytes(), bytes.Repeat([]byte{0xAB}, testBlockSize))
	f.Unfix(fr, true)

	require.NoError(t, f.Flush())

	buf := make([]byte, testBlockSize)
	require.NoError(t, f.ReadRaw(0, buf))
	require.Equal(t, byte(0xAB), buf[0])
	require.Equal(t, byte(0xAB), buf[testBlockSize-1])
}

func TestFile_CacheHitSharesFrame(t *testing.T) {
	f := newTestFile(t, 16)
	defer f.Unmount()

	a, err := f.Fix(3, Allocate, Middle)
	require.NoError(t, err)
	a.Bytes()[0] = 0x77
	f.Unfix(a, true)

	b, err := f.Fix(3, ReadOnly, Middle)
	require.NoError(t, err)
	require.Equal(t, byte(0x77), b.Bytes()[0])
	f.Unfix(b, false)
}

func TestPool_EvictionWritesBack(t *testing.T) {
	f := newTestFile(t, 2)
	defer f.Unmount()

	for id := uint32(0); id < 6; id++ {
		fr, err := f.Fix(id, Allocate, Low)
		require.NoError(t, err)
		fr.Bytes()[0] = byte(id + 1)
		f.Unfix(fr, true)
	}

	// The early blocks were evicted; their content must have hit the disk.
	for id := uint32(0); id < 6; id++ {
		fr, err := f.Fix(id, ReadOnly, Low)
		require.NoError(t, err)
		require.Equal(t, byte(id+1), fr.Bytes()[0], "block %d", id)
		f.Unfix(fr, false)
	}
}

func TestPool_PinnedFramesSurviveCapacity(t *testing.T) {
	f := newTestFile(t, 2)
	defer f.Unmount()

	var frames []*Frame
	for id := uint32(0); id < 4; id++ {
		fr, err := f.Fix(id, Allocate, Middle)
		require.NoError(t, err)
		fr.Bytes()[0] = byte(0x40 + id)
		frames = append(frames, fr)
	}
	for i, fr := range frames {
		require.Equal(t, byte(0x40+i), fr.Bytes()[0])
		f.Unfix(fr, true)
	}
}

func TestFile_MountMissingSucceeds(t *testing.T) {
	pool := NewPool(Normal, 4)
	f := NewFile(pool, filepath.Join(t.TempDir(), "absent.dat"), testBlockSize)
	require.NoError(t, f.Mount())
	require.False(t, f.IsAccessible())
	require.True(t, f.IsMountedAndAccessible() == false)
}

func TestFile_TruncateBlocksDropsFrames(t *testing.T) {
	f := newTestFile(t, 16)
	defer f.Unmount()

	for id := uint32(0); id < 4; id++ {
		fr, err := f.Fix(id, Allocate, Middle)
		require.NoError(t, err)
		fr.Bytes()[0] = 0xEE
		f.Unfix(fr, true)
	}
	require.NoError(t, f.Flush())
	require.Equal(t, uint32(4), f.BlockCount())

	require.NoError(t, f.TruncateBlocks(2))
	require.Equal(t, uint32(2), f.BlockCount())

	buf := make([]byte, testBlockSize)
	require.Error(t, f.ReadRaw(3, buf))
}

func TestFile_FlushInhibition(t *testing.T) {
	f := newTestFile(t, 16)
	defer f.Unmount()

	fr, err := f.Fix(0, Allocate, High)
	require.NoError(t, err)
	fr.Bytes()[0] = 0xFF
	f.Unfix(fr, true)
	require.NoError(t, f.Flush())

	fr, err = f.Fix(0, Write, High)
	require.NoError(t, err)
	fr.Bytes()[0] = 0x11
	f.MarkDeterrent(fr)
	f.Unfix(fr, true)

	f.SetFlushInhibited(true)
	require.NoError(t, f.Flush())
	buf := make([]byte, testBlockSize)
	require.NoError(t, f.ReadRaw(0, buf))
	require.Equal(t, byte(0xFF), buf[0], "deterrent frame must not reach disk while inhibited")

	f.SetFlushInhibited(false)
	require.NoError(t, f.Flush())
	require.NoError(t, f.ReadRaw(0, buf))
	require.Equal(t, byte(0x11), buf[0])
}
