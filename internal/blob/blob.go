// Package blob implements the on-disk envelope a Record describes:
// id_len(1) + id + payload_hash(4) + payload_len(4) + payload. Writing
// and reading the payload go through capability callbacks rather than
// plain byte slices, so the caller (the root heapfile package) can
// encrypt/decrypt in place without Blob ever knowing a cipher exists.
//
// Grounded on _examples/original_source/src/heap_blob.cpp (Blob::writeData,
// Blob::getData, Blob::hasId, the djb2-xor hash function) and on
// _examples/infinivision-gaeadb/data/file.go's pattern of writing a
// fixed header directly into a byte slice obtained from the backing
// file.
package blob

import (
	"encoding/binary"

	"github.com/ctavplay/heapfile/constant"
	"github.com/ctavplay/heapfile/errmsg"
	"github.com/ctavplay/heapfile/internal/checksum"
)

// Overhead is the number of envelope bytes besides the id and payload:
// id_len (1) + payload_hash (4) + payload_len (4).
const Overhead = constant.BlobOverhead

// Size returns the on-disk size of a blob with the given id and payload
// lengths. It returns errmsg.ValTooLong if the combined envelope size
// would overflow the uint32 that Record.Size (and the allocator built
// on it) uses to describe a block, which a payload length near
// constant.MaxPayloadLength on its own can still trigger once Overhead
// and idLen are added on top.
func Size(idLen, payloadLen int) (uint32, error) {
	total := uint64(Overhead) + uint64(idLen) + uint64(payloadLen)
	if total > uint64(constant.MaxPayloadLength) {
		return 0, errmsg.ValTooLong
	}
	return uint32(total), nil
}

// PayloadSink receives the destination slice a Write call should fill
// with the (possibly transformed, e.g. encrypted) payload bytes.
type PayloadSink interface {
	Size() int
	WriteBlob(dst []byte)
}

// PayloadSource receives the stored (possibly transformed) payload bytes
// a Read call located.
type PayloadSource interface {
	ReadBlob(src []byte)
}

// Write lays out id, a payload hash placeholder, and the payload
// produced by src into dst, which must be at least Size(len(id),
// src.Size()) bytes (typically record.Size bytes, which may be larger).
// It returns errmsg.KeyTooLong / errmsg.ValTooLong if either length
// exceeds what the envelope's fixed-width fields can encode.
func Write(dst []byte, id []byte, src PayloadSink) error {
	if len(id) > constant.MaxIDLength {
		return errmsg.KeyTooLong
	}
	payloadLen := src.Size()
	if payloadLen > constant.MaxPayloadLength {
		return errmsg.ValTooLong
	}

	p := dst
	p[0] = byte(len(id))
	p = p[1:]
	copy(p, id)
	p = p[len(id):]

	hashPtr := p
	p = p[4:]

	binary.BigEndian.PutUint32(p, uint32(payloadLen))
	p = p[4:]

	src.WriteBlob(p[:payloadLen])

	h := checksum.Of(p[:payloadLen])
	binary.BigEndian.PutUint32(hashPtr, h)

	return nil
}

// HasID reports whether the id stored in the blob in src is exactly id
// (same length, same bytes). src must
// be at least 1 byte (the id_len field); a too-short src reports false
// rather than panicking.
func HasID(src []byte, id []byte) bool {
	if len(src) < 1 {
		return false
	}
	idLen := int(src[0])
	if idLen != len(id) || 1+idLen > len(src) {
		return false
	}
	stored := src[1 : 1+idLen]
	for i := range id {
		if id[i] != stored[i] {
			return false
		}
	}
	return true
}

// Read locates the payload inside src, verifies its integrity hash, and
// hands the verified slice to dst. It returns errmsg.Corrupt if the
// envelope's length fields don't fit inside src or the stored hash
// doesn't match the payload bytes.
func Read(src []byte, dst PayloadSource) error {
	if len(src) < 1 {
		return errmsg.Corrupt
	}
	idLen := int(src[0])
	if idLen+Overhead > len(src) {
		return errmsg.Corrupt
	}
	p := src[1+idLen:]

	storedHash := binary.BigEndian.Uint32(p[0:4])
	payloadLen := binary.BigEndian.Uint32(p[4:8])
	p = p[8:]

	if uint64(payloadLen) > uint64(len(p)) {
		return errmsg.Corrupt
	}
	payload := p[:payloadLen]

	if checksum.Of(payload) != storedHash {
		return errmsg.Corrupt
	}

	dst.ReadBlob(payload)
	return nil
}
