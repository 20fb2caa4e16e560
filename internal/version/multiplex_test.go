package version

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/stretchr/testify/require"
)

// allocGroup allocates a fresh multiplex group on the store's version log.
func allocGroup(t *testing.T, f *File) BlockID {
	t.Helper()
	var multi MultiplexBlock
	require.NoError(t, f.vlog.fixHeaderMulti(FixWrite, &multi))
	defer multi.UnfixAll()
	id, err := f.vlog.allocate(&multi, uint32(MultiplexCount))
	require.NoError(t, err)
	require.Zero(t, uint32(id)%uint32(MultiplexCount), "group base must be aligned")
	return id
}

func rawTimestamp(t *testing.T, f *File, id BlockID) trans.Timestamp {
	t.Helper()
	buf := make([]byte, testBlockSize)
	require.NoError(t, f.vlog.buf.ReadRaw(uint32(id), buf))
	return trans.Timestamp(binary.LittleEndian.Uint64(buf[:8]))
}

func TestFixMasterAllocateStampsSlaves(t *testing.T) {
	f, _, ckpt := newStore(t)
	defer f.Unmount()

	base := allocGroup(t, f)
	first := ckpt.MostRecent()

	mem, err := f.vlog.fixMaster(base, FixAllocate, buffer.Middle, nil)
	require.NoError(t, err)
	require.Equal(t, base, mem.ID())
	mem.Payload()[0] = 0x99
	mem.UnfixDirty()
	require.NoError(t, f.vlog.flush())

	// Slaves carry the reserved sentinel stamps.
	require.Equal(t, first+1, rawTimestamp(t, f, base+1))
	require.Equal(t, first+2, rawTimestamp(t, f, base+2))
	// The master's real stamp is beyond every sentinel.
	require.Greater(t, rawTimestamp(t, f, base), first+trans.Timestamp(MultiplexCount))
}

func TestFixMasterWriteStaysOnReplicaWithinEpoch(t *testing.T) {
	f, _, _ := newStore(t)
	defer f.Unmount()

	base := allocGroup(t, f)
	mem, err := f.vlog.fixMaster(base, FixAllocate, buffer.Middle, nil)
	require.NoError(t, err)
	mem.UnfixDirty()

	// Within one epoch every write lands on the same (current) replica.
	for i := 0; i < 3; i++ {
		mem, err := f.vlog.fixMaster(base, FixWrite, buffer.Middle, nil)
		require.NoError(t, err)
		require.Equal(t, base, mem.ID())
		mem.UnfixDirty()
	}
}

func TestFixMasterWriteRotatesAfterCheckpoint(t *testing.T) {
	f, mgr, ckpt := newStore(t)
	defer f.Unmount()

	base := allocGroup(t, f)
	mem, err := f.vlog.fixMaster(base, FixAllocate, buffer.Middle, nil)
	require.NoError(t, err)
	mem.Payload()[0] = 0x42
	mem.UnfixDirty()

	ckpt.Completed(mgr.Clock().Assign())

	// The next write picks the oldest replica, carrying the content over,
	// and leaves the previous epoch's image untouched on its replica.
	mem, err = f.vlog.fixMaster(base, FixWrite, buffer.Middle, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, mem.ID())
	require.Equal(t, byte(0x42), mem.Payload()[0])
	mem.Payload()[0] = 0x43
	mem.UnfixDirty()

	// Reads now resolve to the new epoch's replica.
	mem, err = f.vlog.fixMaster(base, FixRead, buffer.Middle, nil)
	require.NoError(t, err)
	require.Equal(t, byte(0x43), mem.Payload()[0])
	mem.Unfix()
}

func TestRecoverMasterDropsPostPointReplicas(t *testing.T) {
	f, mgr, ckpt := newStore(t)
	defer f.Unmount()

	base := allocGroup(t, f)
	mem, err := f.vlog.fixMaster(base, FixAllocate, buffer.Middle, nil)
	require.NoError(t, err)
	mem.Payload()[0] = 0x01
	mem.UnfixDirty()

	point := mgr.Clock().Assign()
	ckpt.Completed(point)

	mem, err = f.vlog.fixMaster(base, FixWrite, buffer.Middle, nil)
	require.NoError(t, err)
	mem.Payload()[0] = 0x02
	mem.UnfixDirty()

	recovered := f.vlog.recoverMaster(base, point)
	require.True(t, recovered.IsOwner())
	require.Equal(t, byte(0x01), recovered.Payload()[0])
	recovered.Unfix()
}

func TestMountRecoversZeroedReplicas(t *testing.T) {
	dir := ""
	{
		mgr := trans.NewManager(trans.NewClock(0))
		ckpt := trans.NewCheckpointClock()
		f, err := Open(StorageStrategy{Parent: t.TempDir(), BlockSize: testBlockSize},
			BufferingStrategy{}, mgr, ckpt)
		require.NoError(t, err)
		require.NoError(t, f.Create(0))
		writePage(t, f, mgr, 0, 0xAA)
		writePage(t, f, mgr, 0, 0xBB)
		require.NoError(t, f.Flush())
		dir = f.Parent()
		require.NoError(t, f.Unmount())
	}

	// Crash damage: zero the third replica of the file header and of the
	// first allocation table.
	path := filepath.Join(dir, VersionFileName)
	zero := make([]byte, testBlockSize)
	file, err := os.OpenFile(path, os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.WriteAt(zero, 2*testBlockSize)
	require.NoError(t, err)
	_, err = file.WriteAt(zero, 5*testBlockSize)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	// Remount in a fresh process lifetime.
	mgr := trans.NewManager(trans.NewClock(1_000_000))
	ckpt := trans.NewCheckpointClock()
	f, err := Open(StorageStrategy{Parent: dir, BlockSize: testBlockSize},
		BufferingStrategy{}, mgr, ckpt)
	require.NoError(t, err)
	require.NoError(t, f.Mount())
	defer f.Unmount()

	reader := mgr.Begin(trans.ReadOnly, trans.ReadCommitted, true)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 0), 0xBB)

	tx := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(tx)
	progress := &CollectingProgress{}
	require.NoError(t, f.Verify(tx, TreatmentContinue, progress, false))
	require.True(t, progress.IsGood(), "findings: %v", progress.Findings)
}
