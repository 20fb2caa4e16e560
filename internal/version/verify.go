package version

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync"

	"github.com/DoqueDB/verstore/internal/buffer"
	"github.com/DoqueDB/verstore/internal/trans"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Treatment tells the checker what to do with a finding.
type Treatment int

const (
	// TreatmentContinue records findings and keeps going.
	TreatmentContinue Treatment = iota
	// TreatmentCorrect additionally repairs what can be repaired in place
	// (derived counters).
	TreatmentCorrect
	// TreatmentAbort stops at the first finding.
	TreatmentAbort
)

// Finding is one inconsistency reported by Verify.
type Finding struct {
	Kind        InconsistencyKind
	Page        PageID
	Block       BlockID
	Description string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s page=%d block=%d: %s", f.Kind, f.Page, f.Block, f.Description)
}

// Progress receives findings as the checker produces them.
type Progress interface {
	Report(Finding)
}

// CollectingProgress is a Progress that accumulates findings.
type CollectingProgress struct {
	mu       sync.Mutex
	Findings []Finding
}

// Report appends a finding.
func (p *CollectingProgress) Report(f Finding) {
	p.mu.Lock()
	p.Findings = append(p.Findings, f)
	p.mu.Unlock()
}

// IsGood reports whether no finding was recorded.
func (p *CollectingProgress) IsGood() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Findings) == 0
}

// verification tracks the state of one integrity check: which blocks the
// sweep reached, so the summary can cross-check the allocation tables.
type verification struct {
	treatment Treatment
	progress  Progress

	mu      sync.Mutex
	visited map[BlockID]struct{}
	aborted bool
}

func (v *verification) markVisited(id BlockID, n uint32) {
	v.mu.Lock()
	for i := uint32(0); i < n; i++ {
		v.visited[id+BlockID(i)] = struct{}{}
	}
	v.mu.Unlock()
}

func (v *verification) isVisited(id BlockID) bool {
	v.mu.Lock()
	_, ok := v.visited[id]
	v.mu.Unlock()
	return ok
}

// report records a finding; the returned error is non-nil when the
// treatment demands an abort.
func (v *verification) report(f Finding) error {
	v.progress.Report(f)
	if v.treatment == TreatmentAbort {
		v.mu.Lock()
		v.aborted = true
		v.mu.Unlock()
		return errors.Wrap(ErrVerifyAborted, f.String())
	}
	return nil
}

// Verify runs integrity checks over all layers of the store. With overall
// set, the master data file's preserved page ids are swept too.
func (f *File) Verify(tx *trans.Transaction, treatment Treatment,
	progress Progress, overall bool) error {

	f.resetCancel()
	v := &verification{
		treatment: treatment,
		progress:  progress,
		visited:   make(map[BlockID]struct{}),
	}

	f.rw.RLock()
	if !f.mounted || !f.vlog.buf.IsAccessible() {
		f.rw.RUnlock()
		return nil
	}

	// A sync log outside a sync pass means a crashed sync was never
	// recovered; mount should have replayed it.
	if f.slog.isAccessible() {
		f.rw.RUnlock()
		return v.report(Finding{
			Kind:        BlockCountInconsistent,
			Block:       IllegalBlockID,
			Description: "sync log file present outside a sync pass",
		})
	}

	headerMem, err := f.vlog.fixHeader(FixRead)
	if err != nil {
		f.rw.RUnlock()
		return err
	}
	header := readFileHeader(&headerMem, f.vlog.blockSize())

	// The header and every allocation table group are always live.
	v.markVisited(0, uint32(MultiplexCount))
	span := allocTableSpan(f.vlog.blockSize())
	for tableID := BlockID(MultiplexCount); uint32(tableID) < header.BlockCount; tableID += BlockID(span) {
		v.markVisited(tableID, uint32(MultiplexCount))
	}

	if diskBlocks := f.vlog.buf.BlockCount(); diskBlocks < header.BlockCount {
		if err := v.report(Finding{
			Kind:  BlockCountInconsistent,
			Block: IllegalBlockID,
			Description: fmt.Sprintf("header records %d blocks, file holds %d",
				header.BlockCount, diskBlocks),
		}); err != nil {
			headerMem.Unfix()
			f.rw.RUnlock()
			return err
		}
	}

	// Every PBCT node and leaf is live by construction.
	if err := f.markPBCT(v, &headerMem, &header); err != nil {
		headerMem.Unfix()
		f.rw.RUnlock()
		return err
	}

	// Sweep every page's PBCT path and version chain in parallel.
	g := new(errgroup.Group)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for pageID := PageID(0); uint32(pageID) < header.PageCount; pageID++ {
		pageID := pageID
		g.Go(func() error {
			if err := f.cancelled(); err != nil {
				return err
			}
			return f.verifyPage(v, &headerMem, &header, pageID)
		})
	}
	err = g.Wait()
	headerMem.Unfix()
	f.rw.RUnlock()
	if err != nil {
		return err
	}

	if overall {
		if err := f.verifyMasterData(v, &header); err != nil {
			return err
		}
	}

	// Summary phase: allocation tables against the sweep.
	f.rw.Lock()
	defer f.rw.Unlock()
	return f.verifyAllocationTables(v, &header)
}

// markPBCT records every node and leaf group of the tree as visited, and
// checks each node's child counter on the way.
func (f *File) markPBCT(v *verification, headerMem *BlockMemory, header *FileHeader) error {
	if header.IsPBCTEmpty() || header.PBCTLevel == 0 {
		return nil
	}
	return f.markPBCTBelow(v, nodeOf(headerMem, true, f.vlog.blockSize()), 1, header.PBCTLevel)
}

func (f *File) markPBCTBelow(v *verification, node pbctNode, depth, level int32) error {
	live := uint32(0)
	for i := uint32(0); i < node.max; i++ {
		id := node.childAt(i)
		if id == IllegalBlockID {
			continue
		}
		live++
		v.markVisited(normalizeGroupID(id), uint32(MultiplexCount))
		if depth < level {
			mem, err := f.vlog.fixMaster(id, FixRead, buffer.Middle, nil)
			if err != nil {
				return err
			}
			err = f.markPBCTBelow(v, nodeOf(&mem, false, f.vlog.blockSize()), depth+1, level)
			mem.Unfix()
			if err != nil {
				return err
			}
		}
	}
	if live != node.count() {
		return v.report(Finding{
			Kind:        ChildCountInconsistent,
			Block:       IllegalBlockID,
			Description: fmt.Sprintf("node count %d, live children %d", node.count(), live),
		})
	}
	return nil
}

// verifyPage checks pageID's PBCT path and version chain.
func (f *File) verifyPage(v *verification, headerMem *BlockMemory,
	header *FileHeader, pageID PageID) error {

	leafMem, err := f.vlog.traversePBCT(headerMem, pageID, FixRead)
	if err != nil {
		return err
	}
	if !leafMem.IsOwner() {
		return nil
	}
	if leafMem.ID() != headerMem.ID() {
		v.markVisited(normalizeGroupID(leafMem.ID()), uint32(MultiplexCount))
	}
	leaf := leafOf(&leafMem, header.PBCTLevel == 0, f.vlog.blockSize())

	// The leaf's count must match its live entries.
	live := uint32(0)
	for i := uint32(0); i < leaf.max; i++ {
		if leaf.latestAt(i) != IllegalBlockID {
			live++
		}
	}
	if live != leaf.count() {
		if err := v.report(Finding{
			Kind:        LatestCountInconsistent,
			Page:        pageID,
			Block:       leafMem.ID(),
			Description: fmt.Sprintf("leaf count %d, live entries %d", leaf.count(), live),
		}); err != nil {
			leafMem.Unfix()
			return err
		}
		if v.treatment == TreatmentCorrect {
			leaf.setCount(live)
			leafMem.Dirty()
		}
	}

	idx := f.leafIndex(pageID, header.PBCTLevel)
	latest := leaf.latestAt(idx)
	newest := leaf.newestAt(idx)
	leafMem.Unfix()

	if latest == IllegalBlockID {
		return nil
	}

	bound, err := f.vlog.isBound(latest)
	if err != nil {
		return err
	}
	if !bound {
		if err := v.report(Finding{
			Kind:        AllocationBitInconsistent,
			Page:        pageID,
			Block:       latest,
			Description: "latest version block is not marked in use",
		}); err != nil {
			return err
		}
	}

	return f.verifyChain(v, header, pageID, latest, newest)
}

// verifyChain walks the version chain of pageID from latest, checking the
// preserved page id, the link timestamps, and cycle freedom.
func (f *File) verifyChain(v *verification, header *FileHeader,
	pageID PageID, latest BlockID, newest trans.Timestamp) error {

	seen := make(map[BlockID]struct{})
	id := latest
	expect := trans.IllegalTimestamp

	for id != IllegalBlockID {
		if err := f.cancelled(); err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			return v.report(Finding{
				Kind:        VersionLogIDInconsistent,
				Page:        pageID,
				Block:       id,
				Description: "version chain revisits a block",
			})
		}
		seen[id] = struct{}{}
		v.markVisited(id, 1)

		mem, err := f.vlog.fixLog(id, FixRead, buffer.Low)
		if err != nil {
			return v.report(Finding{
				Kind:        VersionLogIDInconsistent,
				Page:        pageID,
				Block:       id,
				Description: err.Error(),
			})
		}
		l := logOf(&mem)

		if perr := checkPreservedPage(f.vlog.buf.Path(), l, pageID); perr != nil {
			mem.Unfix()
			return v.report(Finding{
				Kind:        PreservedPageInconsistent,
				Page:        pageID,
				Block:       id,
				Description: perr.Error(),
			})
		}
		if id == latest && !newest.IsIllegal() && mem.LastModification() != newest {
			if err := v.report(Finding{
				Kind:  OldestTimeStampInconsistent,
				Page:  pageID,
				Block: id,
				Description: fmt.Sprintf("leaf newest %d, block stamp %d",
					newest, mem.LastModification()),
			}); err != nil {
				mem.Unfix()
				return err
			}
		}
		if !expect.IsIllegal() && mem.LastModification() != expect {
			if err := v.report(Finding{
				Kind:  OlderTimeStampInconsistent,
				Page:  pageID,
				Block: id,
				Description: fmt.Sprintf("link expects stamp %d, block carries %d",
					expect, mem.LastModification()),
			}); err != nil {
				mem.Unfix()
				return err
			}
		}

		if phys := l.physicalLog(); phys != IllegalBlockID {
			if err := f.verifyPhysicalLog(v, pageID, phys, seen); err != nil {
				mem.Unfix()
				return err
			}
		}

		next := l.older()
		expect = l.olderTimeStamp()
		mem.Unfix()
		id = next
	}
	return nil
}

// verifyPhysicalLog walks one physical-log chain.
func (f *File) verifyPhysicalLog(v *verification, pageID PageID,
	id BlockID, seen map[BlockID]struct{}) error {

	for id != IllegalBlockID {
		if _, dup := seen[id]; dup {
			return v.report(Finding{
				Kind:        PhysicalLogIDInconsistent,
				Page:        pageID,
				Block:       id,
				Description: "physical log chain revisits a block",
			})
		}
		seen[id] = struct{}{}
		v.markVisited(id, 1)

		mem, err := f.vlog.fixLog(id, FixRead, buffer.Low)
		if err != nil {
			return v.report(Finding{
				Kind:        PhysicalLogIDInconsistent,
				Page:        pageID,
				Block:       id,
				Description: err.Error(),
			})
		}
		id = logOf(&mem).physicalLog()
		mem.Unfix()
	}
	return nil
}

// verifyMasterData sweeps the master data file's preserved page ids.
func (f *File) verifyMasterData(v *verification, header *FileHeader) error {
	f.rw.RLock()
	defer f.rw.RUnlock()

	count := f.master.blockCount()
	if count > header.PageCount {
		if err := v.report(Finding{
			Kind:  PageCountInconsistent,
			Block: IllegalBlockID,
			Description: fmt.Sprintf("master data holds %d blocks, header records %d pages",
				count, header.PageCount),
		}); err != nil {
			return err
		}
	}
	for id := BlockID(0); uint32(id) < count; id++ {
		if err := f.cancelled(); err != nil {
			return err
		}
		mem, err := f.master.fixData(id, FixRead, buffer.Low)
		if err != nil {
			var pd *PreservedDifferentPageError
			if errors.As(err, &pd) {
				if rerr := v.report(Finding{
					Kind:        PreservedPageInconsistent,
					Page:        PageID(id),
					Block:       id,
					Description: err.Error(),
				}); rerr != nil {
					return rerr
				}
				continue
			}
			return err
		}
		mem.Unfix()
	}
	return nil
}

// verifyAllocationTables cross-checks every table's bitmap and counter
// against the sweep's visited set.
func (f *File) verifyAllocationTables(v *verification, header *FileHeader) error {
	span := allocTableSpan(f.vlog.blockSize())
	words := allocBitmapWords(f.vlog.blockSize())

	for tableID := BlockID(MultiplexCount); uint32(tableID) < header.BlockCount; tableID += BlockID(span) {
		if err := f.cancelled(); err != nil {
			return err
		}
		tableMem, err := f.vlog.fixMaster(tableID, FixRead, buffer.Middle, nil)
		if err != nil {
			return err
		}
		t := tableOf(&tableMem, f.vlog.blockSize())

		// Counter vs bitmap population.
		pop := uint32(0)
		for j := 0; j < words; j++ {
			pop += uint32(bits.OnesCount32(t.inUseWord(j)))
		}
		if pop != t.count() {
			if err := v.report(Finding{
				Kind:  AllocationBitInconsistent,
				Block: tableID,
				Description: fmt.Sprintf("table counter %d, bitmap population %d",
					t.count(), pop),
			}); err != nil {
				tableMem.Unfix()
				return err
			}
			if v.treatment == TreatmentCorrect {
				t.setCount(pop)
				tableMem.Dirty()
			}
		}

		// Every newest bit must be an in-use bit.
		for j := 0; j < words; j++ {
			if bad := t.newestWord(j) &^ t.inUseWord(j); bad != 0 {
				if err := v.report(Finding{
					Kind:  AllocationBitInconsistent,
					Block: tableID + BlockID(MultiplexCount) + BlockID(j*32),
					Description: fmt.Sprintf("newest bits %08x set on blocks not in use",
						bad),
				}); err != nil {
					tableMem.Unfix()
					return err
				}
			}
		}

		// In-use version blocks the sweep never reached are leaks, unless
		// the deferred-free pass simply has not run yet.
		if t.isApplied() {
			for j := 0; j < words; j++ {
				w := t.inUseWord(j)
				for k := uint32(0); k < 32 && w != 0; k++ {
					if w&(1<<k) == 0 {
						continue
					}
					id := tableID + BlockID(MultiplexCount) + BlockID(uint32(j)*32+k)
					if uint32(id) >= header.BlockCount {
						break
					}
					if !v.isVisited(id) {
						if err := v.report(Finding{
							Kind:        AllocationBitInconsistent,
							Block:       id,
							Description: "block marked in use but unreachable",
						}); err != nil {
							tableMem.Unfix()
							return err
						}
					}
				}
			}
		}
		tableMem.Unfix()
	}
	return nil
}
