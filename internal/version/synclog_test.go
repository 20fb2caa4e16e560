package version

import (
	"bytes"
	"testing"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/stretchr/testify/require"
)

func TestSyncLogReplayIsIdempotent(t *testing.T) {
	f, _, _ := newStore(t)
	defer f.Unmount()

	// Materialise master block 0 with a zeroed image.
	mem, err := f.fixMasterData(0, buffer.Low)
	require.NoError(t, err)
	mem.Unfix()

	require.NoError(t, f.slog.create())
	allocation, err := f.slog.appendLog(0, f.master)
	require.NoError(t, err)
	require.False(t, allocation.IsIllegal())
	require.NoError(t, f.slog.flush())

	// A crashed sync half-overwrote the block.
	junk, err := f.master.fixData(0, FixWrite, buffer.Low)
	require.NoError(t, err)
	copy(logOf(&junk).image(), bytes.Repeat([]byte{0xEE}, PageContentSize(testBlockSize)))
	junk.UnfixDirty()

	for round := 0; round < 2; round++ {
		require.NoError(t, f.slog.overwrite(f.master))
		got, err := f.master.fixData(0, FixRead, buffer.Low)
		require.NoError(t, err)
		requireFilled(t, append([]byte(nil), logOf(&got).image()...), 0x00)
		require.Equal(t, allocation, logOf(&got).olderTimeStamp())
		got.Unfix()
	}

	require.NoError(t, f.slog.destroy())
	require.False(t, f.slog.isAccessible())
}

func TestMountReplaysPendingSyncLog(t *testing.T) {
	var dir string
	{
		f, mgr, _ := newStore(t)
		writePage(t, f, mgr, 0, 0xAA)
		require.NoError(t, f.Flush())

		// Leave a sync log behind, as a crash mid-sync would.
		require.NoError(t, f.slog.create())
		_, err := f.slog.appendLog(0, f.master)
		require.NoError(t, err)
		require.NoError(t, f.slog.flush())

		// The crash clobbers master block 0.
		junk, err := f.master.fixData(0, FixWrite, buffer.Low)
		require.NoError(t, err)
		copy(logOf(&junk).image(), bytes.Repeat([]byte{0xEE}, PageContentSize(testBlockSize)))
		junk.UnfixDirty()
		require.NoError(t, f.master.flush())

		dir = f.Parent()
		require.NoError(t, f.Unmount())
	}

	f2, mgr2 := reopenStore(t, dir)
	defer f2.Unmount()

	// The pre-sync master image is back.
	got, err := f2.master.fixData(0, FixRead, buffer.Low)
	require.NoError(t, err)
	requireFilled(t, append([]byte(nil), logOf(&got).image()...), 0x00)
	got.Unfix()

	// And the sync log is gone.
	require.False(t, f2.slog.isAccessible())

	// The logged version is unaffected.
	reader := mgr2.Begin(trans.ReadOnly, trans.ReadCommitted, true)
	requireFilled(t, readPage(t, f2, reader, 0), 0xAA)
	mgr2.Commit(reader)
}
