package heap

import (
	"container/list"
	"sort"

	"github.com/ctavplay/heapfile/constant"
)

// node is the list/map payload: a Record plus the bookkeeping bit
// telling which of Index's two multimap views currently holds it. Only
// allocated records are ever persisted to disk (see SizeOnDisk).
type node struct {
	rec  Record
	free bool
}

// Index is the free-list allocator: one offset-ordered list of every
// Record (allocated or free), a key-keyed multimap over the allocated
// subset, and a size-keyed multimap over the free subset. Index is not
// safe for concurrent use.
type Index struct {
	order *list.List // *node, ordered by offset; INV-1 contiguity holds across it

	allocBuckets map[uint32][]*list.Element // key -> elements, for RecordsForKey and Deallocate lookups by object id hash

	freeBuckets map[uint32][]*list.Element // size -> elements
	freeSizes   []uint32                   // sorted ascending, distinct keys present in freeBuckets
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{
		order:        list.New(),
		allocBuckets: make(map[uint32][]*list.Element),
		freeBuckets:  make(map[uint32][]*list.Element),
	}
}

// NumAllocatedRecords returns the number of records currently allocated.
func (idx *Index) NumAllocatedRecords() int {
	n := 0
	for _, els := range idx.allocBuckets {
		n += len(els)
	}
	return n
}

// NumFreeRecords returns the number of records currently free.
func (idx *Index) NumFreeRecords() int {
	n := 0
	for _, els := range idx.freeBuckets {
		n += len(els)
	}
	return n
}

// SizeOnDisk returns the number of bytes the metadata section occupies:
// the record count field plus one serialized Record per allocated
// record. Free records are never persisted.
func (idx *Index) SizeOnDisk() uint64 {
	return uint64(constant.MetaCountSize) + uint64(constant.RecordSize)*uint64(idx.NumAllocatedRecords())
}

// LastRecord returns the Record with the highest offset and true, or the
// zero Record and false if the index is empty.
func (idx *Index) LastRecord() (Record, bool) {
	back := idx.order.Back()
	if back == nil {
		return Record{}, false
	}
	return back.Value.(*node).rec, true
}

// IsLast reports whether r is the Record with the highest offset.
func (idx *Index) IsLast(r Record) bool {
	last, ok := idx.LastRecord()
	return ok && last == r
}

// IsFree reports whether r currently sits in the free multimap.
func (idx *Index) IsFree(r Record) bool {
	for _, el := range idx.freeBuckets[r.Size] {
		if el.Value.(*node).rec == r {
			return true
		}
	}
	return false
}

// AllocatedRecords returns every currently allocated Record, in offset
// order. Used to rebuild the on-disk metadata section.
func (idx *Index) AllocatedRecords() []Record {
	recs := make([]Record, 0, idx.NumAllocatedRecords())
	for e := idx.order.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node)
		if !n.free {
			recs = append(recs, n.rec)
		}
	}
	return recs
}

// RecordsForKey returns every currently allocated Record whose bucket
// key equals key, in no particular order. Used by callers walking a
// hash collision's equal-range to find the one matching object id.
func (idx *Index) RecordsForKey(key uint32) []Record {
	els := idx.allocBuckets[key]
	recs := make([]Record, len(els))
	for i, el := range els {
		recs[i] = el.Value.(*node).rec
	}
	return recs
}

// AddAllocatedBlock appends rec to the tail of the index. If rec does
// not immediately follow the current last record, the gap between them
// is recorded as a new free block first. rec is expected to describe
// space contiguous with (or the first entry after) the current tail; it
// returns an error instead of panicking if last and rec are out of
// order or overlapping, which lets callers loading untrusted on-disk
// metadata handle the failure rather than crash.
func (idx *Index) AddAllocatedBlock(rec Record) error {
	if back := idx.order.Back(); back != nil {
		last := back.Value.(*node).rec
		if !last.SharesRightBoundaryWith(rec) {
			gap, err := gapBetween(last, rec)
			if err != nil {
				return err
			}
			el := idx.order.PushBack(&node{rec: gap, free: true})
			idx.insertFree(el)
		}
	}
	el := idx.order.PushBack(&node{rec: rec, free: false})
	idx.insertAlloc(el)
	return nil
}

func (idx *Index) insertAlloc(el *list.Element) {
	n := el.Value.(*node)
	idx.allocBuckets[n.rec.Key] = append(idx.allocBuckets[n.rec.Key], el)
}

func (idx *Index) removeAlloc(el *list.Element) {
	n := el.Value.(*node)
	idx.allocBuckets[n.rec.Key] = removeElement(idx.allocBuckets[n.rec.Key], el)
	if len(idx.allocBuckets[n.rec.Key]) == 0 {
		delete(idx.allocBuckets, n.rec.Key)
	}
}

func (idx *Index) insertFree(el *list.Element) {
	n := el.Value.(*node)
	size := n.rec.Size
	if _, ok := idx.freeBuckets[size]; !ok {
		idx.insertFreeSize(size)
	}
	idx.freeBuckets[size] = append(idx.freeBuckets[size], el)
}

func (idx *Index) removeFree(el *list.Element) {
	n := el.Value.(*node)
	size := n.rec.Size
	idx.freeBuckets[size] = removeElement(idx.freeBuckets[size], el)
	if len(idx.freeBuckets[size]) == 0 {
		delete(idx.freeBuckets, size)
		idx.removeFreeSize(size)
	}
}

func (idx *Index) insertFreeSize(size uint32) {
	i := sort.Search(len(idx.freeSizes), func(i int) bool { return idx.freeSizes[i] >= size })
	idx.freeSizes = append(idx.freeSizes, 0)
	copy(idx.freeSizes[i+1:], idx.freeSizes[i:])
	idx.freeSizes[i] = size
}

func (idx *Index) removeFreeSize(size uint32) {
	i := sort.Search(len(idx.freeSizes), func(i int) bool { return idx.freeSizes[i] >= size })
	if i < len(idx.freeSizes) && idx.freeSizes[i] == size {
		idx.freeSizes = append(idx.freeSizes[:i], idx.freeSizes[i+1:]...)
	}
}

func removeElement(els []*list.Element, target *list.Element) []*list.Element {
	for i, el := range els {
		if el == target {
			return append(els[:i], els[i+1:]...)
		}
	}
	return els
}

// Allocate reserves a block of at least size bytes for key, splitting a
// larger free block if the remainder would be at least MinSize, or
// handing over a whole block otherwise. It returns false if no free
// block is large enough; callers grow the file and call
// AddAllocatedBlock directly in that case.
func (idx *Index) Allocate(size uint32, key uint32) (Record, bool) {
	if size < MinSize {
		size = MinSize
	}

	i := sort.Search(len(idx.freeSizes), func(i int) bool { return idx.freeSizes[i] >= size })
	if i == len(idx.freeSizes) {
		return Record{}, false
	}
	bucketSize := idx.freeSizes[i]
	el := idx.freeBuckets[bucketSize][0]
	idx.removeFree(el)

	n := el.Value.(*node)

	if size > n.rec.Size-MinSize {
		n.rec.Key = key
		n.free = false
		idx.insertAlloc(el)
		return n.rec, true
	}

	left, remainder := n.rec.splitOffLeft(size)
	n.rec = remainder
	idx.insertFree(el)

	leftEl := idx.order.InsertBefore(&node{rec: left, free: false}, el)
	leftEl.Value.(*node).rec.Key = key
	idx.insertAlloc(leftEl)

	rec := leftEl.Value.(*node).rec
	return rec, true
}

// Deallocate frees rec. If rec was the last record in offset order, it
// is dropped from the index entirely, along with any free left neighbor
// coalesce absorbs into it (so the file can be trimmed back to the new
// tail), rather than kept as a free block. freed is the record that was
// actually dropped: its Offset may be lower than rec.Offset when a free
// left neighbor was absorbed first, and callers must trim against
// freed.Offset, not rec.Offset, to reclaim that neighbor's bytes too.
func (idx *Index) Deallocate(rec Record) (freed Record, wasLast bool, ok bool) {
	var el *list.Element
	for _, e := range idx.allocBuckets[rec.Key] {
		if e.Value.(*node).rec == rec {
			el = e
			break
		}
	}
	if el == nil {
		return Record{}, false, false
	}

	idx.removeAlloc(el)
	n := el.Value.(*node)
	n.free = true

	idx.coalesce(el)

	if el == idx.order.Back() {
		freed = n.rec
		idx.order.Remove(el)
		return freed, true, true
	}

	n.rec.Key = 0
	idx.insertFree(el)
	return Record{}, false, true
}

// coalesce absorbs el's immediate free neighbors (at most one on each
// side, since two adjacent free records are never left uncoalesced).
func (idx *Index) coalesce(el *list.Element) {
	n := el.Value.(*node)

	if prev := el.Prev(); prev != nil {
		if pn := prev.Value.(*node); pn.free {
			idx.removeFree(prev)
			idx.order.Remove(prev)
			n.rec = n.rec.coalesce(pn.rec)
		}
	}

	if next := el.Next(); next != nil {
		if nn := next.Value.(*node); nn.free {
			idx.removeFree(next)
			idx.order.Remove(next)
			n.rec = n.rec.coalesce(nn.rec)
		}
	}
}
