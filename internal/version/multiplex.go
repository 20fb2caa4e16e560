package version

import (
	"sync"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
)

// MultiplexCount is how many consecutive blocks replicate one metadata block
// of the version log file: the file header, every allocation table, and
// every PBCT node and leaf.
const MultiplexCount = 3

// multiplexInfo caches the last known last-modification timestamps of one
// multiplex group so master selection rarely has to fix all replicas.
// Entries are created lazily and discarded on group free or file close.
type multiplexInfo struct {
	mu   sync.Mutex
	last [MultiplexCount]trans.Timestamp
}

func newMultiplexInfo() *multiplexInfo {
	info := &multiplexInfo{}
	for i := range info.last {
		info.last[i] = trans.IllegalTimestamp
	}
	return info
}

// MultiplexBlock carries the fixed replicas of one group: the master and any
// slave still needed for rollback to the second most recent checkpoint.
// Replicas outside both recovery horizons stay unfixed.
type MultiplexBlock struct {
	Memories [MultiplexCount]BlockMemory
	Master   int
}

// MasterMemory returns the master replica.
func (m *MultiplexBlock) MasterMemory() *BlockMemory {
	return &m.Memories[m.Master]
}

// UnfixAll releases every fixed replica.
func (m *MultiplexBlock) UnfixAll() {
	for i := range m.Memories {
		if m.Memories[i].IsOwner() {
			m.Memories[i].Unfix()
		}
	}
}

// normalizeGroupID maps any replica id to the first id of its group.
func normalizeGroupID(id BlockID) BlockID {
	return id - id%MultiplexCount
}

// multiplexInfoFor returns (creating if needed) the cached selector state of
// the group starting at base.
func (f *logFile) multiplexInfoFor(base BlockID) *multiplexInfo {
	f.infoMu.Lock()
	defer f.infoMu.Unlock()
	if info, ok := f.info.Get(base); ok {
		return info
	}
	info := newMultiplexInfo()
	f.info.Add(base, info)
	return info
}

// clearMultiplexInfo discards cached selector state: a single group when one
// id is given, or everything on file close.
func (f *logFile) clearMultiplexInfo(base BlockID, all bool) {
	f.infoMu.Lock()
	defer f.infoMu.Unlock()
	if all {
		f.info.Purge()
		return
	}
	f.info.Remove(base)
}

// fixMaster selects and fixes the master replica of the group starting at
// base.
//
// Read fixes return the most recently updated replica. Write fixes return
// the replica already updated since the most recent checkpoint if there is
// one; otherwise the *least* recently updated replica with the latest
// content copied in and marked dirty, so at least one on-disk replica keeps
// a timestamp at or before the most recent checkpoint. Allocate fixes
// initialise the whole group, stamping the slaves with the reserved
// sentinel timestamps.
//
// initialize, when non-nil, runs on the chosen replica after a write-mode
// copy. Every caller in this package passes nil.
func (f *logFile) fixMaster(base BlockID, mode FixMode, priority buffer.Priority,
	initialize func(*BlockMemory)) (BlockMemory, error) {

	if base == IllegalBlockID || base%MultiplexCount != 0 {
		return BlockMemory{}, errors.Wrapf(ErrBadArgument, "multiplex base %d", base)
	}

	info := f.multiplexInfoFor(base)
	info.mu.Lock()
	defer info.mu.Unlock()

	first := f.ckpt.MostRecent()

	if mode == FixAllocate {
		// A fresh group: replica 0 becomes the master. The sentinel stamps
		// keep the selection invariant on a group nothing has written yet;
		// the clock moves past them so no real stamp collides.
		f.clock.Advance(first + trans.Timestamp(MultiplexCount))
		master, err := fixBlock(f.buf, f.clock, base, FixAllocate, priority)
		if err != nil {
			return BlockMemory{}, err
		}
		master.Reset()
		master.setLastModification(first + trans.Timestamp(MultiplexCount))
		master.Dirty()
		info.last[0] = first + trans.Timestamp(MultiplexCount)

		for i := 1; i < MultiplexCount; i++ {
			slave, err := fixBlock(f.buf, f.clock, base+BlockID(i), FixAllocate, priority)
			if err != nil {
				master.Unfix()
				return BlockMemory{}, err
			}
			slave.Reset()
			slave.UnfixAt(first + trans.Timestamp(i))
			info.last[i] = first + trans.Timestamp(i)
		}
		return master, nil
	}

	// Find the most recently updated replica. A replica updated after the
	// most recent checkpoint is the unique master of this epoch.
	var held [MultiplexCount]BlockMemory
	unfixHeld := func(keep int) {
		for i := range held {
			if i != keep && held[i].IsOwner() {
				held[i].Unfix()
			}
		}
	}

	latest := -1
	readFailures := 0
	for i := 0; i < MultiplexCount; i++ {
		t := info.last[i]
		if t.IsIllegal() {
			mem, err := fixBlock(f.buf, f.clock, base+BlockID(i), mode, priority)
			if err != nil {
				if mode == FixRead {
					// Bad replica: fail over to the next one.
					readFailures++
					if readFailures == MultiplexCount {
						unfixHeld(-1)
						return BlockMemory{}, errors.Wrapf(ErrBadDataPage,
							"every replica of group %d unreadable", base)
					}
					continue
				}
				unfixHeld(-1)
				return BlockMemory{}, err
			}
			held[i] = mem
			t = mem.LastModification()
			info.last[i] = t
		}
		if t > first {
			if !held[i].IsOwner() {
				mem, err := fixBlock(f.buf, f.clock, base+BlockID(i), mode, priority)
				if err != nil {
					unfixHeld(-1)
					return BlockMemory{}, err
				}
				held[i] = mem
			}
			unfixHeld(i)
			if mode != FixRead {
				held[i].MarkDeterrent()
			}
			return held[i], nil
		}
		if latest < 0 || t > info.last[latest] {
			latest = i
		}
	}

	// No replica was updated this epoch.

	if mode == FixRead {
		if !held[latest].IsOwner() {
			mem, err := fixBlock(f.buf, f.clock, base+BlockID(latest), mode, priority)
			if err != nil {
				unfixHeld(-1)
				return BlockMemory{}, err
			}
			held[latest] = mem
		}
		unfixHeld(latest)
		return held[latest], nil
	}

	// Write: take the oldest replica, overwrite it with the latest content,
	// and leave the latest replica untouched on disk for rollback.
	oldest := (latest + 1) % MultiplexCount
	for _, i := range []int{oldest, latest} {
		if !held[i].IsOwner() {
			mem, err := fixBlock(f.buf, f.clock, base+BlockID(i), FixWrite, priority)
			if err != nil {
				unfixHeld(-1)
				return BlockMemory{}, err
			}
			held[i] = mem
		}
	}
	held[oldest].Copy(&held[latest])
	held[oldest].Dirty()
	held[oldest].MarkDeterrent()
	info.last[oldest] = first + 1
	if initialize != nil {
		initialize(&held[oldest])
	}
	unfixHeld(oldest)
	return held[oldest], nil
}

// fixMasterAndSlaves fixes the master replica plus whichever older replicas
// are still inside a recovery horizon. The older replica stays fixed only if
// recovery to the most recent checkpoint could restore it; the oldest only
// if recovery to the second most recent checkpoint could.
func (f *logFile) fixMasterAndSlaves(base BlockID, mode FixMode,
	priority buffer.Priority, multi *MultiplexBlock) error {

	if base == IllegalBlockID || base%MultiplexCount != 0 {
		return errors.Wrapf(ErrBadArgument, "multiplex base %d", base)
	}

	info := f.multiplexInfoFor(base)
	info.mu.Lock()
	defer info.mu.Unlock()

	first := f.ckpt.MostRecent()

	if mode == FixAllocate {
		f.clock.Advance(first + trans.Timestamp(MultiplexCount))
		master, err := fixBlock(f.buf, f.clock, base, FixAllocate, priority)
		if err != nil {
			return err
		}
		master.Reset()
		master.setLastModification(first + trans.Timestamp(MultiplexCount))
		master.Dirty()
		info.last[0] = first + trans.Timestamp(MultiplexCount)
		for i := 1; i < MultiplexCount; i++ {
			slave, err := fixBlock(f.buf, f.clock, base+BlockID(i), FixAllocate, priority)
			if err != nil {
				master.Unfix()
				return err
			}
			slave.Reset()
			slave.UnfixAt(first + trans.Timestamp(i))
			info.last[i] = first + trans.Timestamp(i)
		}
		multi.Memories[0] = master
		multi.Master = 0
		return nil
	}

	second := f.ckpt.SecondMostRecent()

	fixAt := func(i int) error {
		if multi.Memories[i].IsOwner() {
			return nil
		}
		mem, err := fixBlock(f.buf, f.clock, base+BlockID(i), mode, priority)
		if err != nil {
			return err
		}
		if mode != FixRead {
			mem.MarkDeterrent()
		}
		multi.Memories[i] = mem
		return nil
	}
	ensureStamp := func(i int) error {
		if !info.last[i].IsIllegal() {
			return nil
		}
		if err := fixAt(i); err != nil {
			return err
		}
		info.last[i] = multi.Memories[i].LastModification()
		return nil
	}

	latest := -1
	for i := 0; i < MultiplexCount; i++ {
		if err := ensureStamp(i); err != nil {
			multi.UnfixAll()
			return err
		}
		t := info.last[i]

		if t > first {
			// This replica is the unique master of the current epoch.
			older := (i + MultiplexCount - 1) % MultiplexCount
			oldest := (i + 1) % MultiplexCount
			if err := ensureStamp(older); err != nil {
				multi.UnfixAll()
				return err
			}
			if err := ensureStamp(oldest); err != nil {
				multi.UnfixAll()
				return err
			}
			if err := fixAt(i); err != nil {
				multi.UnfixAll()
				return err
			}

			// Keep only replicas a recovery could still restore.
			if info.last[older] > first {
				multi.Memories[older].Unfix()
			} else if err := fixAt(older); err != nil {
				multi.UnfixAll()
				return err
			}
			if !(info.last[older] > second && info.last[oldest] < second) {
				multi.Memories[oldest].Unfix()
			} else if err := fixAt(oldest); err != nil {
				multi.UnfixAll()
				return err
			}
			multi.Master = i
			return nil
		}
		if latest < 0 || t > info.last[latest] {
			latest = i
		}
	}

	// The most recent replica predates the last checkpoint: recovery can
	// only restore the latest or the one before it.
	older := (latest + MultiplexCount - 1) % MultiplexCount
	oldest := (latest + 1) % MultiplexCount

	if err := fixAt(latest); err != nil {
		multi.UnfixAll()
		return err
	}

	if mode != FixRead {
		// Writing must land on the oldest replica, carrying the latest
		// content over, so the previous epoch's image survives on disk.
		if err := fixAt(oldest); err != nil {
			multi.UnfixAll()
			return err
		}
		multi.Memories[oldest].Copy(&multi.Memories[latest])
		multi.Memories[oldest].Dirty()
		multi.Memories[oldest].MarkDeterrent()
		info.last[oldest] = first + 1

		// The displaced latest serves recovery to the most recent
		// checkpoint; the replica before it only if the second horizon
		// still needs it.
		if !(info.last[latest] > second && info.last[older] < second) {
			multi.Memories[older].Unfix()
		} else if err := fixAt(older); err != nil {
			multi.UnfixAll()
			return err
		}
		multi.Master = oldest
		return nil
	}

	if !(info.last[latest] > second && info.last[older] < second) {
		multi.Memories[older].Unfix()
	} else if err := fixAt(older); err != nil {
		multi.UnfixAll()
		return err
	}
	multi.Memories[oldest].Unfix()
	multi.Master = latest
	return nil
}

// recoverMaster rolls the group starting at base back to its state at the
// checkpoint at or before point. Replicas that fail to read are zeroed;
// replicas updated after point are reset. The most recent survivor is
// authoritative. A non-owner result means every replica was unreadable,
// which signals that the file predates point entirely.
func (f *logFile) recoverMaster(base BlockID, point trans.Timestamp) BlockMemory {
	var master BlockMemory
	for i := 0; i < MultiplexCount; i++ {
		mem, err := fixBlock(f.buf, f.clock, base+BlockID(i), FixRead, buffer.Middle)
		if err != nil {
			// Unreadable: re-initialise the replica in place.
			zero, zerr := fixBlock(f.buf, f.clock, base+BlockID(i), FixAllocate, buffer.Middle)
			if zerr == nil {
				zero.Reset()
				zero.UnfixAt(0)
			}
			continue
		}
		if mem.LastModification() > point {
			mem.Reset()
			mem.UnfixAt(0)
			continue
		}
		if !master.IsOwner() || mem.LastModification() > master.LastModification() {
			if master.IsOwner() {
				master.Unfix()
			}
			master = mem
		} else {
			mem.Unfix()
		}
	}
	f.clearMultiplexInfo(base, false)
	return master
}
