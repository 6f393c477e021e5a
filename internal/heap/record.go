// Package heap implements the free-list allocator described in spec
// section 4.3: an implicit free list of fixed Records (offset, key, size)
// kept in three views over one population — an offset-ordered list
// enforcing the contiguity invariant, a key-keyed multimap of allocated
// records, and a size-keyed multimap of free records used for
// first-fit-by-lower-bound allocation.
//
// Grounded on _examples/original_source/src/heap_index.cpp (Record and
// HeapIndex, including the exact coalesce/split/allocate algorithms), and
// on the container/list + map multi-bucket technique used by
// _examples/infinivision-gaeadb/cache/cache.go and locker/locker.go to
// emulate the two multimaps Go's standard library does not provide.
package heap

import (
	"encoding/binary"
	"fmt"

	"github.com/ctavplay/heapfile/constant"
)

// Record is the fixed on-disk metadata for one blob: its byte offset in
// the payload region, the hash of its (encrypted) object id, and the
// number of bytes it occupies. A Record does not say whether the space
// it describes is allocated or free; that is purely a function of which
// of Index's two maps currently holds it.
type Record struct {
	Offset uint64
	Key    uint32
	Size   uint32
}

// MinSize is the floor applied to every newly allocated (or
// post-split) Record.
const MinSize = constant.MinBlockSize

// NewRecord builds a Record describing size bytes at offset for key. If
// toMinSize is set, size is raised to MinSize when it falls short — used
// when growing the file for a brand new allocation, not when recording
// an existing gap between two allocated blocks.
func NewRecord(offset uint64, key uint32, size uint32, toMinSize bool) Record {
	if toMinSize && size < MinSize {
		size = MinSize
	}
	return Record{Offset: offset, Key: key, Size: size}
}

// gapBetween returns the Record describing the free space between two
// adjacent allocated blocks, lhs followed by rhs. It returns an error if
// lhs and rhs are out of order, overlapping, or already share a
// boundary — which on-disk metadata can legitimately produce if it was
// corrupted or truncated before being loaded.
func gapBetween(lhs, rhs Record) (Record, error) {
	off := lhs.Offset + uint64(lhs.Size)
	if off >= rhs.Offset {
		return Record{}, fmt.Errorf("heap: records out of order or overlapping: %s, %s", lhs, rhs)
	}
	return Record{Offset: off, Key: 0, Size: uint32(rhs.Offset - off)}, nil
}

// Serialize writes the Record's 16-byte big-endian encoding to dst,
// which must be at least constant.RecordSize bytes.
func (r Record) Serialize(dst []byte) {
	binary.BigEndian.PutUint64(dst[0:8], r.Offset)
	binary.BigEndian.PutUint32(dst[8:12], r.Key)
	binary.BigEndian.PutUint32(dst[12:16], r.Size)
}

// DeserializeRecord reads a Record from its 16-byte big-endian encoding.
func DeserializeRecord(src []byte) Record {
	return Record{
		Offset: binary.BigEndian.Uint64(src[0:8]),
		Key:    binary.BigEndian.Uint32(src[8:12]),
		Size:   binary.BigEndian.Uint32(src[12:16]),
	}
}

// SharesRightBoundaryWith reports whether rhs begins exactly where r
// ends, i.e. the two Records describe contiguous, non-overlapping space.
func (r Record) SharesRightBoundaryWith(rhs Record) bool {
	return r.Offset+uint64(r.Size) == rhs.Offset
}

// coalesce absorbs rhs into r, widening r to cover both. The two must
// share a boundary in one direction or the other.
func (r Record) coalesce(rhs Record) Record {
	off := r.Offset
	if rhs.Offset < off {
		off = rhs.Offset
	}
	return Record{Offset: off, Key: r.Key, Size: r.Size + rhs.Size}
}

// splitOffLeft removes size bytes from the left of r and returns them as
// a new Record, shrinking r in place (via the returned remainder). r
// must have more than size bytes.
func (r Record) splitOffLeft(size uint32) (left, remainder Record) {
	if r.Size <= size {
		panic("heap: splitOffLeft requires r.Size > size")
	}
	left = Record{Offset: r.Offset, Key: 0, Size: size}
	remainder = Record{Offset: r.Offset + uint64(size), Key: r.Key, Size: r.Size - size}
	return left, remainder
}

func (r Record) String() string {
	return fmt.Sprintf("Record[offset=%d, size=%d, key=%d]", r.Offset, r.Size, r.Key)
}
