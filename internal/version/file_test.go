package version

import (
	"bytes"
	"testing"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 1024

func newStore(t *testing.T) (*File, *trans.Manager, *trans.CheckpointClock) {
	t.Helper()
	mgr := trans.NewManager(trans.NewClock(0))
	ckpt := trans.NewCheckpointClock()
	f, err := Open(StorageStrategy{Parent: t.TempDir(), BlockSize: testBlockSize},
		BufferingStrategy{}, mgr, ckpt)
	require.NoError(t, err)
	require.NoError(t, f.Create(0))
	return f, mgr, ckpt
}

// reopenStore mounts an existing store directory in a fresh process
// lifetime: new manager, new checkpoint clock, clock advanced past every
// on-disk stamp.
func reopenStore(t *testing.T, dir string) (*File, *trans.Manager) {
	t.Helper()
	mgr := trans.NewManager(trans.NewClock(1_000_000))
	ckpt := trans.NewCheckpointClock()
	f, err := Open(StorageStrategy{Parent: dir, BlockSize: testBlockSize},
		BufferingStrategy{}, mgr, ckpt)
	require.NoError(t, err)
	require.NoError(t, f.Mount())
	return f, mgr
}

// writePage fills pageID with one byte under its own committed transaction.
func writePage(t *testing.T, f *File, mgr *trans.Manager, pageID PageID, fill byte) {
	t.Helper()
	tx := mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
	pm, err := f.Fix(tx, pageID, FixAllocate, buffer.Middle)
	require.NoError(t, err)
	content := pm.Content()
	for i := range content {
		content[i] = fill
	}
	require.NoError(t, pm.Unfix(true))
	mgr.Commit(tx)
}

// readPage returns the page image tx observes.
func readPage(t *testing.T, f *File, tx *trans.Transaction, pageID PageID) []byte {
	t.Helper()
	pm, err := f.Fix(tx, pageID, FixRead, buffer.Middle)
	require.NoError(t, err)
	out := append([]byte(nil), pm.Content()...)
	require.NoError(t, pm.Unfix(false))
	return out
}

func requireFilled(t *testing.T, got []byte, fill byte) {
	t.Helper()
	require.True(t, bytes.Equal(got, bytes.Repeat([]byte{fill}, len(got))),
		"page image not uniformly %#x (first bytes %v)", fill, got[:8])
}

func TestCreateWriteRead(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)

	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 0), 0xAA)
}

func TestPageCountGrowsWithAllocate(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	n, err := f.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(0), n)

	writePage(t, f, mgr, 4, 0x11)
	n, err = f.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(5), n)

	// A plain read of an unwritten page inside the count falls through to
	// a zeroed master image.
	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 2), 0x00)
}

func TestFixBeyondPageCountFails(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	_, err := f.Fix(reader, 7, FixRead, buffer.Middle)
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestSnapshotIsolation(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)

	snapshot := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)

	writePage(t, f, mgr, 0, 0xBB)

	// The snapshot keeps seeing the old image.
	requireFilled(t, readPage(t, f, snapshot, 0), 0xAA)
	// A no-version reader sees the newest one.
	noVersion := mgr.Begin(trans.ReadOnly, trans.ReadCommitted, true)
	requireFilled(t, readPage(t, f, noVersion, 0), 0xBB)
	mgr.Commit(noVersion)

	// Still 0xAA on a second read (repeatable).
	requireFilled(t, readPage(t, f, snapshot, 0), 0xAA)
	mgr.Commit(snapshot)

	// After the snapshot ends, fresh readers see 0xBB.
	late := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(late)
	requireFilled(t, readPage(t, f, late, 0), 0xBB)
}

func TestSameTransactionSeesOwnWrite(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	tx := mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
	pm, err := f.Fix(tx, 0, FixAllocate, buffer.Middle)
	require.NoError(t, err)
	content := pm.Content()
	for i := range content {
		content[i] = 0x5A
	}
	require.NoError(t, pm.Unfix(true))

	requireFilled(t, readPage(t, f, tx, 0), 0x5A)

	// A second write fix inside the same transaction and epoch mutates the
	// same version instead of materialising a new one.
	pm, err = f.Fix(tx, 0, FixWrite, buffer.Middle)
	require.NoError(t, err)
	pm.Content()[0] = 0x5B
	require.NoError(t, pm.Unfix(true))
	mgr.Commit(tx)

	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	require.Equal(t, byte(0x5B), readPage(t, f, reader, 0)[0])
}

func checkpoint(mgr *trans.Manager, ckpt *trans.CheckpointClock) {
	ckpt.Completed(mgr.Clock().Assign())
}

func TestSyncPromotesIntoMaster(t *testing.T) {
	f, mgr, ckpt := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)
	writePage(t, f, mgr, 0, 0xBB)

	// Two checkpoint epochs must pass before versions become promotable.
	checkpoint(mgr, ckpt)
	checkpoint(mgr, ckpt)

	syncTx := mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
	incomplete, modified, err := f.Sync(syncTx)
	mgr.Commit(syncTx)
	require.NoError(t, err)
	require.False(t, incomplete)
	require.True(t, modified)

	// The master data block now carries the latest image.
	mem, err := f.master.fixData(0, FixRead, buffer.Low)
	require.NoError(t, err)
	requireFilled(t, append([]byte(nil), logOf(&mem).image()...), 0xBB)
	require.Equal(t, CategoryOldest, logOf(&mem).category())
	mem.Unfix()

	// The version log shrank back to its metadata skeleton.
	require.LessOrEqual(t, f.vlog.buf.BlockCount(), uint32(3*MultiplexCount))

	// The sync log is gone: no recovery pending.
	require.False(t, f.slog.isAccessible())

	// Readers still see 0xBB, now out of master.
	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 0), 0xBB)
}

func TestSyncPreservesSnapshotReads(t *testing.T) {
	f, mgr, ckpt := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)
	snapshot := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	requireFilled(t, readPage(t, f, snapshot, 0), 0xAA)

	checkpoint(mgr, ckpt)
	checkpoint(mgr, ckpt)

	syncTx := mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
	_, _, err := f.Sync(syncTx)
	mgr.Commit(syncTx)
	require.NoError(t, err)

	// The snapshot's view is unchanged by the sync.
	requireFilled(t, readPage(t, f, snapshot, 0), 0xAA)
	mgr.Commit(snapshot)
}

func TestTruncateIdempotent(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	for p := PageID(0); p < 4; p++ {
		writePage(t, f, mgr, p, byte(0x10+p))
	}

	require.NoError(t, f.Truncate(2))
	n, err := f.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)

	require.NoError(t, f.Truncate(2))
	n, err = f.PageCount()
	require.NoError(t, err)
	require.Equal(t, uint32(2), n)

	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 1), 0x11)
	_, err = f.Fix(reader, 2, FixRead, buffer.Middle)
	require.ErrorIs(t, err, ErrBadArgument)
}

func TestPBCTGrowthAndReadback(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	rootLeafCap := pbctLeafMax(true, testBlockSize)
	pageCount := PageID(rootLeafCap + 20) // forces one level of growth

	tx := mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
	for p := PageID(0); p < pageCount; p++ {
		pm, err := f.Fix(tx, p, FixAllocate, buffer.Middle)
		require.NoError(t, err)
		pm.Content()[0] = byte(p)
		pm.Content()[1] = byte(p >> 8)
		require.NoError(t, pm.Unfix(true))
	}
	mgr.Commit(tx)

	headerMem, err := f.vlog.fixHeader(FixRead)
	require.NoError(t, err)
	level := readFileHeader(&headerMem, testBlockSize).PBCTLevel
	headerMem.Unfix()
	require.Equal(t, int32(1), level, "one growth step past the root leaf")

	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	for p := PageID(0); p < pageCount; p++ {
		got := readPage(t, f, reader, p)
		require.Equal(t, byte(p), got[0], "page %d", p)
		require.Equal(t, byte(p>>8), got[1], "page %d", p)
	}

	progress := &CollectingProgress{}
	require.NoError(t, f.Verify(reader, TreatmentContinue, progress, true))
	require.True(t, progress.IsGood(), "findings: %v", progress.Findings)
}

func TestVerifyCleanStore(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)
	writePage(t, f, mgr, 0, 0xBB)
	writePage(t, f, mgr, 1, 0xCC)

	tx := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(tx)
	progress := &CollectingProgress{}
	require.NoError(t, f.Verify(tx, TreatmentContinue, progress, true))
	require.True(t, progress.IsGood(), "findings: %v", progress.Findings)
}

func TestVerifyDetectsPreservedPageMismatch(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)
	writePage(t, f, mgr, 1, 0xBB)

	// Corrupt page 1's latest block: claim it belongs to page 9.
	headerMem, err := f.vlog.fixHeader(FixRead)
	require.NoError(t, err)
	latest, err := f.lookupLatest(&headerMem, 1, FixRead)
	require.NoError(t, err)
	headerMem.Unfix()
	require.NotEqual(t, IllegalBlockID, latest)

	mem, err := f.vlog.fixLog(latest, FixWrite, buffer.Middle)
	require.NoError(t, err)
	logOf(&mem).setPageID(9)
	mem.UnfixDirty()

	tx := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(tx)
	progress := &CollectingProgress{}
	require.NoError(t, f.Verify(tx, TreatmentContinue, progress, false))
	require.False(t, progress.IsGood())
	found := false
	for _, finding := range progress.Findings {
		if finding.Kind == PreservedPageInconsistent {
			found = true
		}
	}
	require.True(t, found, "findings: %v", progress.Findings)
}

func TestRestoreToPriorPoint(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)
	point := mgr.Clock().Assign()
	writePage(t, f, mgr, 0, 0xBB)

	require.NoError(t, f.Restore(point))

	reader := mgr.Begin(trans.ReadOnly, trans.RepeatableRead, false)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 0), 0xAA)
}

func TestRecoverToCheckpoint(t *testing.T) {
	f, mgr, ckpt := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)
	require.NoError(t, f.Flush())

	point := mgr.Clock().Assign()
	ckpt.Completed(point)

	writePage(t, f, mgr, 0, 0xBB)
	require.NoError(t, f.Flush())

	require.NoError(t, f.Recover(point))

	reader := mgr.Begin(trans.ReadOnly, trans.ReadCommitted, true)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 0), 0xAA)
}

func TestBackupWindowInhibitsRestore(t *testing.T) {
	f, mgr, _ := newStore(t)
	defer f.Unmount()

	writePage(t, f, mgr, 0, 0xAA)

	anchor := mgr.Begin(trans.ReadOnly, trans.Serializable, false)
	require.NoError(t, f.StartBackup(anchor, true))

	err := f.Restore(mgr.Clock().Peek())
	require.ErrorIs(t, err, ErrBadArgument)

	require.NoError(t, f.EndBackup())
	mgr.Commit(anchor)
}

func TestBatchInsertWritesInPlace(t *testing.T) {
	mgr := trans.NewManager(trans.NewClock(0))
	ckpt := trans.NewCheckpointClock()
	f, err := Open(StorageStrategy{
		Parent:      t.TempDir(),
		BlockSize:   testBlockSize,
		BatchInsert: true,
	}, BufferingStrategy{}, mgr, ckpt)
	require.NoError(t, err)
	require.NoError(t, f.Create(0))
	defer f.Unmount()

	for round := 0; round < 3; round++ {
		writePage(t, f, mgr, 0, byte(0x21+round))
	}

	// No version chain was materialised: batch mode mutates the latest in
	// place, so the version log keeps only its metadata skeleton.
	headerMem, err := f.vlog.fixHeader(FixRead)
	require.NoError(t, err)
	header := readFileHeader(&headerMem, testBlockSize)
	headerMem.Unfix()
	require.Equal(t, int32(PBCTLevelIllegal), header.PBCTLevel)

	reader := mgr.Begin(trans.ReadOnly, trans.ReadCommitted, true)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 0), 0x23)
}

func TestMoveRenamesFileSet(t *testing.T) {
	f, mgr, _ := newStore(t)
	writePage(t, f, mgr, 0, 0x77)
	require.NoError(t, f.Flush())

	newParent := t.TempDir()
	require.NoError(t, f.Move(newParent))
	require.Equal(t, newParent, f.Parent())
	require.True(t, f.IsAccessible())

	reader := mgr.Begin(trans.ReadOnly, trans.ReadCommitted, true)
	defer mgr.Commit(reader)
	requireFilled(t, readPage(t, f, reader, 0), 0x77)
	require.NoError(t, f.Unmount())
}

func TestStorageFull(t *testing.T) {
	mgr := trans.NewManager(trans.NewClock(0))
	ckpt := trans.NewCheckpointClock()
	f, err := Open(StorageStrategy{
		Parent:         t.TempDir(),
		BlockSize:      testBlockSize,
		VersionSizeMax: 8 * testBlockSize,
	}, BufferingStrategy{}, mgr, ckpt)
	require.NoError(t, err)
	require.NoError(t, f.Create(0))
	defer f.Unmount()

	var lastErr error
	for p := PageID(0); p < 64; p++ {
		tx := mgr.Begin(trans.ReadWrite, trans.ReadCommitted, true)
		pm, err := f.Fix(tx, p, FixAllocate, buffer.Middle)
		if err != nil {
			lastErr = err
			mgr.Abort(tx)
			break
		}
		require.NoError(t, pm.Unfix(true))
		mgr.Commit(tx)
	}
	require.ErrorIs(t, lastErr, ErrStorageFull)
}
