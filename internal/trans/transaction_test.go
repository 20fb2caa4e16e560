package trans

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClock_Monotonic(t *testing.T) {
	c := NewClock(0)
	prev := Timestamp(0)
	for i := 0; i < 100; i++ {
		ts := c.Assign()
		require.Greater(t, ts, prev)
		prev = ts
	}
}

func TestClock_Advance(t *testing.T) {
	c := NewClock(0)
	c.Advance(500)
	require.Greater(t, c.Assign(), Timestamp(500))
	// Advancing backwards is a no-op.
	c.Advance(10)
	require.Greater(t, c.Assign(), Timestamp(500))
}

func TestCheckpointClock_Rotation(t *testing.T) {
	ck := NewCheckpointClock()
	require.Equal(t, Timestamp(0), ck.MostRecent())
	require.Equal(t, Timestamp(0), ck.SecondMostRecent())

	ck.Completed(10)
	require.Equal(t, Timestamp(10), ck.MostRecent())
	require.Equal(t, Timestamp(0), ck.SecondMostRecent())

	ck.Completed(20)
	require.Equal(t, Timestamp(20), ck.MostRecent())
	require.Equal(t, Timestamp(10), ck.SecondMostRecent())
}

func TestManager_StartingList(t *testing.T) {
	m := NewManager(NewClock(0))

	w1 := m.Begin(ReadWrite, ReadCommitted, false)
	require.True(t, w1.IsNoVersion())

	r := m.Begin(ReadOnly, RepeatableRead, false)
	require.False(t, r.IsNoVersion())
	require.Equal(t, []ID{w1.ID()}, r.StartingList())
	require.True(t, r.Overlaps([]ID{w1.ID()}))
	require.False(t, r.Overlaps([]ID{w1.ID() + 100}))

	m.Commit(w1)
	r2 := m.Begin(ReadOnly, RepeatableRead, false)
	require.Empty(t, r2.StartingList())
}

func TestManager_Liveness(t *testing.T) {
	m := NewManager(NewClock(0))

	w := m.Begin(ReadWrite, ReadCommitted, false)
	require.True(t, m.AnyInProgress([]ID{w.ID()}, IllegalID))
	require.False(t, m.AnyInProgress([]ID{w.ID()}, w.ID()), "the asking transaction is excluded")

	m.Commit(w)
	require.False(t, m.AnyInProgress([]ID{w.ID()}, IllegalID))
}

func TestManager_OldestLiveBirth(t *testing.T) {
	m := NewManager(NewClock(0))
	require.True(t, m.OldestLiveBirth().IsIllegal())

	a := m.Begin(ReadWrite, ReadCommitted, false)
	b := m.Begin(ReadOnly, RepeatableRead, false)
	require.Equal(t, a.Birth(), m.OldestLiveBirth())
	require.Equal(t, b.Birth(), m.EarliestVersionReaderBirth())

	m.Commit(a)
	require.Equal(t, b.Birth(), m.OldestLiveBirth())
	m.Commit(b)
	require.True(t, m.EarliestVersionReaderBirth().IsIllegal())
}

func TestManager_OverlappedSince(t *testing.T) {
	m := NewManager(NewClock(0))

	w := m.Begin(ReadWrite, ReadCommitted, false)
	lastMod := m.Clock().Assign() // the latest version's stamp
	r := m.Begin(ReadOnly, RepeatableRead, false)

	// r was born while w ran, so it overlaps w's modification.
	overlapped, start := m.OverlappedSince(lastMod, []ID{w.ID()})
	require.True(t, overlapped)
	require.True(t, start.IsIllegal())

	m.Commit(w)
	r2 := m.Begin(ReadOnly, RepeatableRead, false)
	overlapped, start = m.OverlappedSince(lastMod, []ID{w.ID()})
	require.True(t, overlapped, "r is still live")
	require.Equal(t, r2.Birth(), start)

	m.Commit(r)
	overlapped, start = m.OverlappedSince(lastMod, []ID{w.ID()})
	require.False(t, overlapped)
	require.Equal(t, r2.Birth(), start)
	m.Commit(r2)
}

func TestManager_IsReferred(t *testing.T) {
	m := NewManager(NewClock(0))

	prevTS := m.Clock().Assign()
	r := m.Begin(ReadOnly, RepeatableRead, false)
	latestTS := m.Clock().Assign()

	// r was born between the two versions, so it reads the older one.
	require.True(t, m.IsReferred(prevTS, latestTS, nil))

	m.Commit(r)
	require.False(t, m.IsReferred(prevTS, latestTS, nil))
}
