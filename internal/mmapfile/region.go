// Package mmapfile provides scoped creation/opening of fixed-size,
// file-backed memory mappings with bounds-checked slicing and flush/fsync.
//
// A Region erases the difference between a read-only consumer's view and a
// writer's mutable view at the call site: both get a []byte back from
// Slice, and it is the caller's responsibility (enforced by the owning
// package, e.g. publisher vs subscriber) not to mutate through a read-only
// Region. Region itself only enforces that every slice falls within the
// mapped extent.
package mmapfile

import (
	"fmt"
	"os"

	"github.com/chronicle-journal/chronicle/chronicleerr"
)

// Region is a fixed-size mapping of a single file.
type Region struct {
	file     *os.File
	data     []byte
	writable bool
}

// Create creates a new file of exactly size bytes and maps it writable. It
// fails if the file already exists or if size is zero.
func Create(path string, size int64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("mmapfile: create %s: zero size", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, chronicleerr.IO("create", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(path)
		}
	}()

	if err := f.Truncate(size); err != nil {
		return nil, chronicleerr.IO("truncate", err)
	}

	data, err := mmap(f, int(size), true)
	if err != nil {
		return nil, chronicleerr.IO("mmap", err)
	}

	ok = true
	return &Region{file: f, data: data, writable: true}, nil
}

// Open maps an existing file of the given size. The size must be known by
// the caller (segments are fixed-size; the control block is a fixed page).
func Open(path string, size int64, writable bool) (*Region, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o666)
	if err != nil {
		return nil, chronicleerr.IO("open", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, chronicleerr.IO("stat", err)
	}
	if st.Size() != size {
		return nil, chronicleerr.Corrupt(fmt.Sprintf("mmapfile: %s: expected size %d, got %d", path, size, st.Size()))
	}

	data, err := mmap(f, int(size), writable)
	if err != nil {
		return nil, chronicleerr.IO("mmap", err)
	}

	ok = true
	return &Region{file: f, data: data, writable: writable}, nil
}

// Len returns the mapped length.
func (r *Region) Len() int { return len(r.data) }

// File returns the underlying file handle, e.g. for fsync-adjacent uses.
func (r *Region) File() *os.File { return r.file }

// Bytes returns the whole mapped slice without bounds narrowing. Callers
// that want bounds enforcement should use Slice.
func (r *Region) Bytes() []byte { return r.data }

// Slice returns the [off, off+length) window into the mapping, failing
// Corrupt if it falls outside the mapped extent.
func (r *Region) Slice(off, length int) ([]byte, error) {
	if off < 0 || length < 0 || off+length > len(r.data) {
		return nil, chronicleerr.Corrupt(fmt.Sprintf("mmapfile: slice [%d:%d) out of bounds (len %d)", off, off+length, len(r.data)))
	}
	return r.data[off : off+length : off+length], nil
}

// FlushRange asynchronously flushes dirty pages covering [off, off+length)
// to the backing file without fsync'ing the file itself.
func (r *Region) FlushRange(off, length int) error {
	if off < 0 || length < 0 || off+length > len(r.data) {
		return chronicleerr.Corrupt("mmapfile: flush range out of bounds")
	}
	if err := msync(r.data[off:off+length], false); err != nil {
		return chronicleerr.IO("msync", err)
	}
	return nil
}

// FlushAll synchronously flushes the whole mapping and fsyncs the backing
// file, guaranteeing durability.
func (r *Region) FlushAll() error {
	if err := msync(r.data, true); err != nil {
		return chronicleerr.IO("msync", err)
	}
	if err := r.file.Sync(); err != nil {
		return chronicleerr.IO("fsync", err)
	}
	return nil
}

// Close unmaps and closes the backing file.
func (r *Region) Close() error {
	var err error
	if r.data != nil {
		err = munmap(r.data)
		r.data = nil
	}
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return chronicleerr.IO("close", err)
	}
	return nil
}
