// Package mmapfile presents a regular file as an addressable byte range,
// caching a sliding page-aligned mmap window over it the way
// spec section 4.1 describes. It grows the file on writes, never grows it
// on reads, and exposes byte slices into the mapped window whose validity
// ends at the next call that moves the window.
//
// Grounded on _examples/infinivision-gaeadb/wal/file.go, which opens,
// mmaps (golang.org/x/sys/unix.Mmap with PROT_READ|PROT_WRITE and
// MAP_SHARED), Msyncs and Munmaps a single heap file directly via
// golang.org/x/sys/unix, generalized here from a fixed whole-file mapping
// to a growable, re-windowable one, and from _examples/original_source's
// mmap_file.cpp (MmapFile), which documents the exact window-sizing and
// growth algorithm this type follows.
package mmapfile

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ctavplay/heapfile/errmsg"
)

var pageSize = unix.Getpagesize()

// File is a sliding-window mmap over a single regular file. It is not
// safe for concurrent use: per spec section 5, the heap exposes no
// synchronization, and a call that moves the window invalidates any byte
// slice previously returned by ReadPtr or WritePtr.
type File struct {
	path string
	fd   int

	fileSize int64

	winOff  int64
	winSize int64
	base    []byte
}

// Open opens path for read-write access, creating it if it does not
// exist, and maps one page at offset 0. Construction failure is fatal and
// is returned to the caller.
func Open(path string) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w: %v", path, errmsg.OpenFailed, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmapfile: fstat %s: %w: %v", path, errmsg.OpenFailed, err)
	}

	f := &File{
		path:     path,
		fd:       fd,
		fileSize: st.Size,
	}

	if err := f.remap(0, int64(pageSize)); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return f, nil
}

// Size returns the current file length in bytes.
func (f *File) Size() int64 {
	return f.fileSize
}

// inWindow reports whether [off, off+size) lies entirely within the
// currently mapped window.
func (f *File) inWindow(off, size int64) bool {
	mapped := f.fileSize - f.winOff
	if mapped > f.winSize {
		mapped = f.winSize
	}
	return f.winOff <= off && off+size <= f.winOff+mapped
}

// remap unmaps the current window (if any) and maps a new one covering
// at least [off, off+size), rounded out to page boundaries.
func (f *File) remap(off, size int64) error {
	if f.base != nil {
		if err := unix.Munmap(f.base); err != nil {
			return fmt.Errorf("mmapfile: munmap %s: %v", f.path, err)
		}
		f.base = nil
	}

	winOff := off - (off % int64(pageSize))
	winSize := off - winOff + size
	if rem := winSize % int64(pageSize); rem != 0 {
		winSize += int64(pageSize) - rem
	}
	if winSize == 0 {
		winSize = int64(pageSize)
	}

	// It's legal to map more bytes than exist in the file when the
	// file's length isn't a page multiple: the mapping just extends
	// past EOF, and those trailing bytes fault on touch. Callers never
	// touch them because ReadPtr/WritePtr bound every access against
	// the real file size first.
	base, err := unix.Mmap(f.fd, winOff, int(winSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmapfile: mmap %s: %v", f.path, err)
	}

	f.winOff = winOff
	f.winSize = winSize
	f.base = base
	return nil
}

func (f *File) grow(size int64) error {
	if err := unix.Ftruncate(f.fd, size); err != nil {
		return fmt.Errorf("mmapfile: ftruncate %s: %v", f.path, err)
	}
	f.fileSize = size
	return nil
}

// ReadPtr returns a byte slice view over [off, off+size) if that range
// lies within the file, remapping the window if necessary. It returns
// errmsg.NotExist (not fatal) when off+size is beyond the current file
// size; it never grows the file.
func (f *File) ReadPtr(off, size int64) ([]byte, error) {
	if off < 0 || size < 0 || off+size > f.fileSize {
		return nil, errmsg.NotExist
	}
	if !f.inWindow(off, size) {
		if err := f.remap(off, size); err != nil {
			return nil, err
		}
	}
	start := off - f.winOff
	return f.base[start : start+size], nil
}

// WritePtr returns a byte slice view over [off, off+size), growing the
// file first if it is smaller than off+size. It never returns an error
// for short files; I/O errors while growing or remapping are fatal.
func (f *File) WritePtr(off, size int64) ([]byte, error) {
	if off < 0 || size < 0 {
		return nil, fmt.Errorf("mmapfile: negative range")
	}
	if need := off + size; need > f.fileSize {
		if err := f.grow(need); err != nil {
			return nil, err
		}
	}
	if !f.inWindow(off, size) {
		if err := f.remap(off, size); err != nil {
			return nil, err
		}
	}
	start := off - f.winOff
	return f.base[start : start+size], nil
}

// Trim truncates the file to n bytes, discards the current window, and
// remaps a single page at offset 0. Used after tail deallocation and to
// grow the file to a projected size (ftruncate can do either).
func (f *File) Trim(n int64) error {
	if f.base != nil {
		if err := unix.Munmap(f.base); err != nil {
			return fmt.Errorf("mmapfile: munmap %s: %v", f.path, err)
		}
		f.base = nil
	}
	if err := unix.Ftruncate(f.fd, n); err != nil {
		return fmt.Errorf("mmapfile: ftruncate %s: %v", f.path, err)
	}
	f.fileSize = n
	return f.remap(0, int64(pageSize))
}

// Clear is equivalent to Trim(0).
func (f *File) Clear() error {
	return f.Trim(0)
}

// Close msyncs and munmaps the current window, then closes the fd.
// Close must not be called more than once.
func (f *File) Close() error {
	var err error
	if f.base != nil {
		if syncErr := unix.Msync(f.base, unix.MS_SYNC); syncErr != nil {
			err = fmt.Errorf("mmapfile: msync %s: %v", f.path, syncErr)
		}
		if unmapErr := unix.Munmap(f.base); unmapErr != nil && err == nil {
			err = fmt.Errorf("mmapfile: munmap %s: %v", f.path, unmapErr)
		}
		f.base = nil
	}
	if closeErr := unix.Close(f.fd); closeErr != nil && err == nil {
		err = fmt.Errorf("mmapfile: close %s: %v", f.path, closeErr)
	}
	return err
}
