package buffer

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// File is a block-addressed OS file managed through a Pool. All reads and
// writes go through fixed frames; the raw accessors exist for the recovery
// paths that must bypass the cache.
//
// Lock order: Pool.mu may be held while calling readRaw/writeRaw, which only
// take File.mu long enough to obtain the handle. No File method takes
// Pool.mu while holding File.mu.
type File struct {
	pool      *Pool
	blockSize int

	mu      sync.Mutex
	path    string
	f       *os.File
	mounted bool

	inhibit atomic.Bool // backup: write-back of deterrent frames inhibited
}

// NewFile describes a block file without touching the filesystem. Call
// Create or Mount before fixing blocks.
func NewFile(pool *Pool, path string, blockSize int) *File {
	return &File{pool: pool, path: path, blockSize: blockSize}
}

// Path returns the OS path of the file.
func (f *File) Path() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path
}

// BlockSize returns the fixed block size in bytes.
func (f *File) BlockSize() int { return f.blockSize }

// Create makes the OS file, truncating any previous content.
func (f *File) Create() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "create %s", f.path)
	}
	if f.f != nil {
		_ = f.f.Close()
	}
	f.f = file
	f.mounted = true
	return nil
}

// Mount opens the OS file if it exists. Mounting a missing file succeeds;
// the file simply stays inaccessible until created.
func (f *File) Mount() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f != nil {
		f.mounted = true
		return nil
	}
	file, err := os.OpenFile(f.path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			f.mounted = true
			return nil
		}
		return errors.Wrapf(err, "mount %s", f.path)
	}
	f.f = file
	f.mounted = true
	return nil
}

// Unmount drops every cached frame and closes the OS file.
func (f *File) Unmount() error {
	f.pool.dropFile(f)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounted = false
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Destroy unlinks the OS file.
func (f *File) Destroy() error {
	if err := f.Unmount(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "destroy %s", f.path)
	}
	return nil
}

// Move renames the OS file, dropping any cached frames first.
func (f *File) Move(newPath string) error {
	f.pool.dropFile(f)
	f.mu.Lock()
	defer f.mu.Unlock()
	wasOpen := f.f != nil
	if wasOpen {
		if err := f.f.Close(); err != nil {
			return err
		}
		f.f = nil
	}
	if err := os.Rename(f.path, newPath); err != nil {
		return errors.Wrapf(err, "move %s", f.path)
	}
	f.path = newPath
	if wasOpen {
		file, err := os.OpenFile(f.path, os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		f.f = file
	}
	return nil
}

// IsAccessible reports whether the OS file exists.
func (f *File) IsAccessible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f != nil {
		return true
	}
	_, err := os.Stat(f.path)
	return err == nil
}

// IsMountedAndAccessible reports whether the file is mounted and exists.
func (f *File) IsMountedAndAccessible() bool {
	f.mu.Lock()
	mounted := f.mounted
	f.mu.Unlock()
	return mounted && f.IsAccessible()
}

// Size returns the current file size in bytes, 0 if the file is absent.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		if st, err := os.Stat(f.path); err == nil {
			return st.Size()
		}
		return 0
	}
	st, err := f.f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// BlockCount returns the number of whole blocks currently on disk.
func (f *File) BlockCount() uint32 {
	return uint32(f.Size() / int64(f.blockSize))
}

// Extend grows the file to hold at least blockCount blocks.
func (f *File) Extend(blockCount uint32) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	want := int64(blockCount) * int64(f.blockSize)
	st, err := h.Stat()
	if err != nil {
		return err
	}
	if st.Size() >= want {
		return nil
	}
	return errors.Wrapf(h.Truncate(want), "extend %s to %d blocks", f.path, blockCount)
}

// TruncateBlocks shrinks the file to exactly blockCount blocks and discards
// any cached frames beyond the boundary.
func (f *File) TruncateBlocks(blockCount uint32) error {
	f.pool.dropFrom(f, blockCount)
	h, err := f.handle()
	if err != nil {
		return err
	}
	return errors.Wrapf(h.Truncate(int64(blockCount)*int64(f.blockSize)),
		"truncate %s to %d blocks", f.path, blockCount)
}

// Fix pins the block id in the cache.
func (f *File) Fix(id uint32, mode Mode, priority Priority) (*Frame, error) {
	return f.pool.fix(f, id, mode, priority)
}

// Unfix releases a frame obtained from Fix.
func (f *File) Unfix(fr *Frame, dirty bool) {
	f.pool.unfix(fr, dirty)
}

// MarkDeterrent flags the frame so its write-back can be inhibited during a
// backup window.
func (f *File) MarkDeterrent(fr *Frame) {
	f.pool.markDeterrent(fr)
}

// Discard drops an unpinned cached frame without write-back.
func (f *File) Discard(id uint32) {
	f.pool.discard(f, id)
}

// Flush writes back every dirty frame and fsyncs.
func (f *File) Flush() error {
	if err := f.pool.flushFile(f, false); err != nil {
		return err
	}
	h, err := f.handle()
	if err != nil {
		return nil // nothing on disk yet
	}
	return h.Sync()
}

// FlushForce writes back every dirty frame including deterrent ones.
func (f *File) FlushForce() error {
	if err := f.pool.flushFile(f, true); err != nil {
		return err
	}
	h, err := f.handle()
	if err != nil {
		return nil
	}
	return h.Sync()
}

// SetFlushInhibited toggles backup mode: while on, dirty frames marked
// deterrent stay in memory.
func (f *File) SetFlushInhibited(on bool) { f.inhibit.Store(on) }

func (f *File) flushInhibited() bool { return f.inhibit.Load() }

// ReadRaw reads block id directly from disk, bypassing the cache.
func (f *File) ReadRaw(id uint32, buf []byte) error { return f.readRaw(id, buf) }

// WriteRaw writes block id directly to disk, bypassing the cache.
func (f *File) WriteRaw(id uint32, buf []byte) error { return f.writeRaw(id, buf) }

// handle returns the open OS file, opening it lazily for a mounted file.
func (f *File) handle() (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f != nil {
		return f.f, nil
	}
	if !f.mounted {
		return nil, errors.Errorf("%s is not mounted", f.path)
	}
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", f.path)
	}
	f.f = file
	return f.f, nil
}

func (f *File) readRaw(id uint32, buf []byte) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	_, err = h.ReadAt(buf, int64(id)*int64(f.blockSize))
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(err, "short read of block %d in %s", id, f.path)
	}
	return errors.Wrapf(err, "read block %d in %s", id, f.path)
}

func (f *File) writeRaw(id uint32, buf []byte) error {
	h, err := f.handle()
	if err != nil {
		return err
	}
	// WriteAt past EOF extends the file, so no explicit grow is needed.
	_, err = h.WriteAt(buf, int64(id)*int64(f.blockSize))
	return errors.Wrapf(err, "write block %d in %s", id, f.path)
}
