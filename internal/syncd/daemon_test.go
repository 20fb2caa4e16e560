package syncd

import (
	"testing"

	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/DoqueDB/verstore/internal/version"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*version.File, *trans.Manager) {
	t.Helper()
	mgr := trans.NewManager(trans.NewClock(0))
	ckpt := trans.NewCheckpointClock()
	f, err := version.Open(version.StorageStrategy{Parent: t.TempDir()},
		version.BufferingStrategy{}, mgr, ckpt)
	require.NoError(t, err)
	require.NoError(t, f.Create(0))
	return f, mgr
}

func TestDaemonStartStop(t *testing.T) {
	f, mgr := newTestStore(t)
	defer f.Unmount()

	d := New(f, mgr, Config{SyncSchedule: "* * * * *", VerifySchedule: "* * * * *"})
	require.NoError(t, d.Start())
	d.Stop()
}

func TestDaemonRejectsBadSchedule(t *testing.T) {
	f, mgr := newTestStore(t)
	defer f.Unmount()

	d := New(f, mgr, Config{SyncSchedule: "not a schedule"})
	require.Error(t, d.Start())
}

func TestDaemonPassesRunDirectly(t *testing.T) {
	f, mgr := newTestStore(t)
	defer f.Unmount()

	d := New(f, mgr, Config{})
	require.NoError(t, d.syncPass())
	require.NoError(t, d.verifyPass())
}
