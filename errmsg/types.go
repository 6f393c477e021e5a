// Package errmsg holds the sentinel errors returned across the heapfile
// packages, so callers can compare with errors.Is instead of parsing
// strings.
package errmsg

import "errors"

var (
	// NotExist is returned by internal/mmapfile.File.ReadPtr when the
	// requested range lies beyond the current file size, and by
	// HeapFile.Get when no blob is stored under the given id.
	NotExist = errors.New("not exist")

	// OpenFailed wraps open/create and fstat failures from
	// internal/mmapfile.Open. ReadFailed and WriteFailed are not returned
	// by any current code path; mmap, munmap, msync and ftruncate
	// failures are returned as errors that wrap none of these sentinels.
	OpenFailed  = errors.New("open failed")
	ReadFailed  = errors.New("read failed")
	WriteFailed = errors.New("write failed")

	// KeyTooLong and ValTooLong are the size-limit-violation-on-input
	// errors from spec section 7.6: id longer than 255 bytes, or
	// payload longer than 2^32-1 bytes.
	KeyTooLong = errors.New("object id too long")
	ValTooLong = errors.New("payload too long")

	// OutOfSpace is returned when a put cannot grow the heap file within
	// its configured max size.
	OutOfSpace = errors.New("out of space")

	// Corrupt is returned by Get when the stored payload hash doesn't
	// match, or a blob's length fields fall outside its record bounds.
	Corrupt = errors.New("blob corrupt")

	// Closed is returned by Get, Put, Erase, SetMaxSize and Clear on a
	// HeapFile after Close has been called. Has reports false instead, and
	// a repeated Close returns nil.
	Closed = errors.New("heap file closed")
)
