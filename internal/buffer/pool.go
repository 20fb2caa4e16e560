// Package buffer implements the shared block buffer pool under the versioned
// page store. It caches fixed-size blocks of any number of files, tracks pin
// counts and dirty state, and evicts least-recently-used unpinned frames,
// preferring frames fixed at low replacement priority.
package buffer

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Mode tells the pool what a fix will do with the block.
type Mode int

const (
	// ReadOnly fixes the block for reading.
	ReadOnly Mode = iota
	// Write fixes the block for update; the on-disk image is read first.
	Write
	// Allocate fixes a zeroed frame without reading the disk. Used when a
	// block is initialised for the first time.
	Allocate
)

// Priority hints how long a frame should survive in the cache.
type Priority int

const (
	Low Priority = iota
	Middle
	High
)

// Category classifies files sharing one pool.
type Category int

const (
	Normal Category = iota
	Temporary
	ReadOnlyFile
	LogicalLog
)

// Frame is a cached block image. Frames are owned by the pool; callers hold
// them only between Fix and Unfix.
type Frame struct {
	file *File
	id   uint32
	buf  []byte

	pinned      int
	dirty       bool
	deterrent   bool // dirty write-back may be inhibited during backup
	priority    Priority
	prev, next  *Frame
}

// ID returns the block identifier of the frame within its file.
func (f *Frame) ID() uint32 { return f.id }

// Bytes returns the cached block image. Valid only while the frame is fixed.
func (f *Frame) Bytes() []byte { return f.buf }

type frameKey struct {
	file *File
	id   uint32
}

// Pool is an LRU block cache shared by all files of one category.
type Pool struct {
	mu        sync.Mutex
	category  Category
	maxFrames int
	frames    map[frameKey]*Frame
	// LRU list: head = most recent, tail = eviction candidate.
	head, tail *Frame

	log *logrus.Entry
}

// NewPool creates a pool holding at most maxFrames cached blocks.
func NewPool(category Category, maxFrames int) *Pool {
	if maxFrames <= 0 {
		maxFrames = 1024
	}
	return &Pool{
		category:  category,
		maxFrames: maxFrames,
		frames:    make(map[frameKey]*Frame, maxFrames),
		log:       logrus.WithField("component", "buffer"),
	}
}

// Category returns the pool's file category.
func (p *Pool) Category() Category { return p.category }

// fix returns a pinned frame for (file, id), reading from disk on a miss
// unless mode is Allocate.
func (p *Pool) fix(f *File, id uint32, mode Mode, priority Priority) (*Frame, error) {
	p.mu.Lock()
	key := frameKey{file: f, id: id}
	if fr, ok := p.frames[key]; ok {
		fr.pinned++
		if priority > fr.priority {
			fr.priority = priority
		}
		p.moveToFront(fr)
		p.mu.Unlock()
		return fr, nil
	}
	p.mu.Unlock()

	buf := make([]byte, f.blockSize)
	if mode != Allocate {
		if err := f.readRaw(id, buf); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check: another fix may have raced the read.
	if fr, ok := p.frames[key]; ok {
		fr.pinned++
		p.moveToFront(fr)
		return fr, nil
	}
	for len(p.frames) >= p.maxFrames {
		if !p.evictOne() {
			break // every frame pinned; run over capacity
		}
	}
	fr := &Frame{file: f, id: id, buf: buf, pinned: 1, priority: priority}
	p.frames[key] = fr
	p.pushFront(fr)
	return fr, nil
}

// unfix releases one pin. A dirty unfix keeps the frame cached for later
// write-back; write-back happens on flush or eviction.
func (p *Pool) unfix(fr *Frame, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fr.pinned > 0 {
		fr.pinned--
	}
	if dirty {
		fr.dirty = true
	}
}

// discard drops a frame regardless of its dirty state. Used when freed
// blocks must not be written back.
func (p *Pool) discard(f *File, id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := frameKey{file: f, id: id}
	if fr, ok := p.frames[key]; ok && fr.pinned == 0 {
		p.unlink(fr)
		delete(p.frames, key)
	}
}

// evictOne writes back and drops the least recently used unpinned frame,
// scanning low-priority frames first. Frames whose write-back is inhibited
// by a backup are skipped.
func (p *Pool) evictOne() bool {
	for _, want := range []Priority{Low, Middle, High} {
		for fr := p.tail; fr != nil; fr = fr.prev {
			if fr.pinned != 0 || fr.priority != want {
				continue
			}
			if fr.dirty {
				if fr.deterrent && fr.file.flushInhibited() {
					continue
				}
				if err := fr.file.writeRaw(fr.id, fr.buf); err != nil {
					p.log.WithError(err).WithField("block", fr.id).
						Warn("write-back failed; keeping frame")
					continue
				}
				fr.dirty = false
			}
			p.unlink(fr)
			delete(p.frames, frameKey{file: fr.file, id: fr.id})
			return true
		}
	}
	return false
}

// flushFile writes back every dirty frame of f. Deterrent frames are skipped
// while the file's backup inhibition is on, unless force is set.
func (p *Pool) flushFile(f *File, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fr := range p.frames {
		if fr.file != f || !fr.dirty {
			continue
		}
		if !force && fr.deterrent && f.flushInhibited() {
			continue
		}
		if err := fr.file.writeRaw(fr.id, fr.buf); err != nil {
			return errors.Wrapf(err, "flush block %d", fr.id)
		}
		fr.dirty = false
	}
	return nil
}

// dropFile removes every frame of f from the cache without write-back.
func (p *Pool) dropFile(f *File) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, fr := range p.frames {
		if fr.file != f {
			continue
		}
		p.unlink(fr)
		delete(p.frames, key)
	}
}

func (p *Pool) pushFront(fr *Frame) {
	fr.prev = nil
	fr.next = p.head
	if p.head != nil {
		p.head.prev = fr
	}
	p.head = fr
	if p.tail == nil {
		p.tail = fr
	}
}

func (p *Pool) unlink(fr *Frame) {
	if fr.prev != nil {
		fr.prev.next = fr.next
	} else {
		p.head = fr.next
	}
	if fr.next != nil {
		fr.next.prev = fr.prev
	} else {
		p.tail = fr.prev
	}
	fr.prev = nil
	fr.next = nil
}

func (p *Pool) moveToFront(fr *Frame) {
	p.unlink(fr)
	p.pushFront(fr)
}

// markDeterrent flags a frame for backup flush inhibition.
func (p *Pool) markDeterrent(fr *Frame) {
	p.mu.Lock()
	fr.deterrent = true
	p.mu.Unlock()
}

// dropFrom removes every cached frame of f at or beyond boundary without
// write-back. Used when the file is truncated.
func (p *Pool) dropFrom(f *File, boundary uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, fr := range p.frames {
		if fr.file == f && fr.id >= boundary {
			p.unlink(fr)
			delete(p.frames, key)
		}
	}
}
