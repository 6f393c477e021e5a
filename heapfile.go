// Package heapfile implements a persistent, single-file, content-addressed
// object store: a memory-mapped on-disk heap with a size-bucketed
// free-list allocator, an integrity-hashed blob envelope, and
// size-capped eviction by tail truncation.
//
// Grounded on _examples/infinivision-gaeadb/db/db.go's Config/Open
// shape and _examples/original_source/src/heap_file.cpp's exact
// open/close/write/get/erase/setMaxSize algorithms.
package heapfile

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/nnsgmsone/damrey/logger"

	"github.com/ctavplay/heapfile/constant"
	"github.com/ctavplay/heapfile/errmsg"
	"github.com/ctavplay/heapfile/internal/blob"
	"github.com/ctavplay/heapfile/internal/checksum"
	"github.com/ctavplay/heapfile/internal/cipher"
	"github.com/ctavplay/heapfile/internal/heap"
	"github.com/ctavplay/heapfile/internal/mmapfile"
)

// HeapFile is a single open heap file. It is not safe for concurrent
// use: it has no internal synchronization.
type HeapFile struct {
	file    *mmapfile.File
	index   *heap.Index
	cipher  cipher.Cipher
	maxSize uint64
	log     logger.Log
	closed  bool
}

// Open opens (creating if necessary) the file at cfg.Path and loads its
// index. A nonzero-length file whose metadata cannot be parsed is reset
// to empty rather than rejected, matching the on-disk format's policy
// that a wrong key or corrupt metadata degrades to "looks empty"
// instead of refusing to open.
func Open(cfg Config) (*HeapFile, error) {
	if cfg.LogWriter == nil {
		cfg.LogWriter = os.Stderr
	}
	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = constant.Unbounded
	}

	f, err := mmapfile.Open(cfg.Path)
	if err != nil {
		return nil, err
	}

	hf := &HeapFile{
		file:    f,
		index:   heap.NewIndex(),
		cipher:  cipher.New(cfg.Key),
		maxSize: maxSize,
		log:     logger.New(cfg.LogWriter, "heapfile"),
	}

	if f.Size() == 0 {
		return hf, nil
	}

	if err := hf.load(); err != nil {
		hf.log.Errorf("resetting heap index after load failure: %v", err)
		hf.index = heap.NewIndex()
		if err := hf.file.Clear(); err != nil {
			return nil, err
		}
	}

	return hf, nil
}

func (hf *HeapFile) load() error {
	head, err := hf.file.ReadPtr(0, constant.FileHeaderSize)
	if err != nil {
		return err
	}
	metaOff := binary.BigEndian.Uint64(head)

	countBuf, err := hf.file.ReadPtr(int64(metaOff), constant.MetaCountSize)
	if err != nil {
		return err
	}
	numAlloc := binary.BigEndian.Uint32(countBuf)

	recsBuf, err := hf.file.ReadPtr(int64(metaOff)+constant.MetaCountSize, int64(numAlloc)*constant.RecordSize)
	if err != nil {
		return err
	}

	for i := uint32(0); i < numAlloc; i++ {
		start := int(i) * constant.RecordSize
		rec := heap.DeserializeRecord(recsBuf[start : start+constant.RecordSize])
		if err := hf.index.AddAllocatedBlock(rec); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the current on-disk file size in bytes.
func (hf *HeapFile) Size() uint64 {
	return uint64(hf.file.Size())
}

// Has reports whether id is present, independent of whether decryption
// with the configured key would actually succeed: a wrong key looks
// identical to "not found".
func (hf *HeapFile) Has(id []byte) bool {
	if hf.closed {
		return false
	}
	encID := hf.encryptID(id)
	_, _, found := hf.findBlob(encID)
	return found
}

// Get returns the decrypted payload stored under id, or errmsg.NotExist
// if absent, or errmsg.Corrupt if the stored hash doesn't verify.
func (hf *HeapFile) Get(id []byte) ([]byte, error) {
	if hf.closed {
		return nil, errmsg.Closed
	}
	encID := hf.encryptID(id)
	_, span, found := hf.findBlob(encID)
	if !found {
		return nil, errmsg.NotExist
	}

	var out []byte
	if err := blob.Read(span, payloadSource{cipher: hf.cipher, out: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores payload under id, replacing any existing blob for the same
// id first. It returns errmsg.KeyTooLong / errmsg.ValTooLong if either
// input exceeds the envelope's fixed-width length fields, and
// errmsg.OutOfSpace if a new allocation would exceed the configured
// MaxSize.
func (hf *HeapFile) Put(id, payload []byte) error {
	if hf.closed {
		return errmsg.Closed
	}
	if len(id) > constant.MaxIDLength {
		return errmsg.KeyTooLong
	}
	if uint64(len(payload)) > constant.MaxPayloadLength {
		return errmsg.ValTooLong
	}

	encID := hf.encryptID(id)
	if err := hf.eraseEncrypted(encID); err != nil {
		return err
	}

	need, err := blob.Size(len(encID), len(payload))
	if err != nil {
		return err
	}
	bucket := checksum.Of(encID)

	rec, ok := hf.index.Allocate(need, bucket)
	if !ok {
		offset := uint64(constant.FileHeaderSize)
		if last, has := hf.index.LastRecord(); has {
			offset = last.Offset + uint64(last.Size)
		}
		rec = heap.NewRecord(offset, bucket, need, true)
		if err := hf.index.AddAllocatedBlock(rec); err != nil {
			return fmt.Errorf("heapfile: put: %w", err)
		}

		projected := rec.Offset + uint64(rec.Size) + hf.index.SizeOnDisk()
		if projected > hf.maxSize {
			hf.index.Deallocate(rec) // just-added tail record; nothing to coalesce with yet
			return errmsg.OutOfSpace
		}
		if err := hf.file.Trim(int64(projected)); err != nil {
			return err
		}
	}

	p, err := hf.file.WritePtr(int64(rec.Offset), int64(rec.Size))
	if err != nil {
		return err
	}

	if err := blob.Write(p, encID, payloadSink{data: payload, cipher: hf.cipher}); err != nil {
		hf.release(rec)
		return err
	}
	return nil
}

// Erase removes the blob stored under id. It is idempotent: erasing an
// absent id returns nil.
func (hf *HeapFile) Erase(id []byte) error {
	if hf.closed {
		return errmsg.Closed
	}
	return hf.eraseEncrypted(hf.encryptID(id))
}

func (hf *HeapFile) eraseEncrypted(encID []byte) error {
	rec, _, found := hf.findBlob(encID)
	if !found {
		return nil
	}
	return hf.release(rec)
}

// release deallocates rec, trimming the file if rec was the tail
// record (or absorbed a free left neighbor into the tail before being
// dropped, in which case the trim point must back up to that
// neighbor's offset to reclaim its bytes too). Non-tail erasures only
// change metadata in memory.
func (hf *HeapFile) release(rec heap.Record) error {
	freed, wasLast, ok := hf.index.Deallocate(rec)
	if !ok {
		return fmt.Errorf("heapfile: release called on unknown record %s", rec)
	}
	if wasLast {
		return hf.file.Trim(int64(freed.Offset + hf.index.SizeOnDisk()))
	}
	return nil
}

// SetMaxSize updates the size cap, evicting from the tail (the only
// direction that can shrink the file) until the file fits within n or
// the index empties.
func (hf *HeapFile) SetMaxSize(n uint64) error {
	if hf.closed {
		return errmsg.Closed
	}
	hf.maxSize = n
	if uint64(hf.file.Size()) <= n {
		return nil
	}
	if hf.index.NumAllocatedRecords() == 0 {
		return hf.Clear()
	}

	rec, _ := hf.index.LastRecord()
	var current uint64
	for {
		if _, _, ok := hf.index.Deallocate(rec); !ok {
			break
		}
		if hf.index.NumAllocatedRecords() == 0 {
			return hf.Clear()
		}
		rec, _ = hf.index.LastRecord()
		current = rec.Offset + uint64(rec.Size) + hf.index.SizeOnDisk()
		if current <= n {
			break
		}
	}
	return hf.file.Trim(int64(current))
}

// Clear resets the index, truncates the file to zero length, and resets
// MaxSize to unbounded.
func (hf *HeapFile) Clear() error {
	if hf.closed {
		return errmsg.Closed
	}
	hf.index = heap.NewIndex()
	hf.maxSize = constant.Unbounded
	return hf.file.Clear()
}

// Close serializes the allocated-record metadata, msyncs, and unmaps
// the file. Calls after the first do nothing and return nil.
func (hf *HeapFile) Close() error {
	if hf.closed {
		return nil
	}
	hf.closed = true

	if hf.index.NumAllocatedRecords() == 0 {
		if err := hf.file.Clear(); err != nil {
			return err
		}
		return hf.file.Close()
	}

	last, _ := hf.index.LastRecord()
	metaOff := last.Offset + uint64(last.Size)
	metaSize := hf.index.SizeOnDisk()

	head, err := hf.file.WritePtr(0, constant.FileHeaderSize)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(head, metaOff)

	metaBuf, err := hf.file.WritePtr(int64(metaOff), int64(metaSize))
	if err != nil {
		return err
	}

	recs := hf.index.AllocatedRecords()
	binary.BigEndian.PutUint32(metaBuf[0:constant.MetaCountSize], uint32(len(recs)))
	for i, rec := range recs {
		start := constant.MetaCountSize + i*constant.RecordSize
		rec.Serialize(metaBuf[start : start+constant.RecordSize])
	}

	return hf.file.Close()
}

func (hf *HeapFile) encryptID(id []byte) []byte {
	enc := make([]byte, len(id))
	hf.cipher.Encrypt(id, enc)
	return enc
}

// findBlob walks the bucket for encID's hash (the collision equal-range)
// looking for the record whose stored id matches exactly.
func (hf *HeapFile) findBlob(encID []byte) (heap.Record, []byte, bool) {
	bucket := checksum.Of(encID)
	for _, rec := range hf.index.RecordsForKey(bucket) {
		span, err := hf.file.ReadPtr(int64(rec.Offset), int64(rec.Size))
		if err != nil {
			continue
		}
		if blob.HasID(span, encID) {
			return rec, span, true
		}
	}
	return heap.Record{}, nil, false
}
