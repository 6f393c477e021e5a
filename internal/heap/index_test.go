package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeallocateOnlyRecordDropsIt(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 300, false))
	idx.Deallocate(Record{Offset: 0, Key: 1, Size: 300})
	// freeing the only (and last) record drops it instead of freeing it
	require.Equal(t, 0, idx.NumAllocatedRecords())
	require.Equal(t, 0, idx.NumFreeRecords())
}

func TestAllocateSplitsLargeFreeBlock(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 2000, false))
	idx.AddAllocatedBlock(NewRecord(2000, 2, 300, false))

	// freeing the first block leaves it free (it is not the tail)
	idx.Deallocate(Record{Offset: 0, Key: 1, Size: 2000})
	require.Equal(t, 1, idx.NumFreeRecords())

	// 300 bytes leaves a 1700-byte remainder, well over MinSize, so the
	// free block is split rather than handed over whole.
	rec, ok := idx.Allocate(300, 3)
	require.True(t, ok)
	require.EqualValues(t, 0, rec.Offset)
	require.EqualValues(t, 300, rec.Size)
	require.Equal(t, 1, idx.NumFreeRecords())
}

func TestAllocateTakesWholeBlockWhenRemainderWouldBeTooSmall(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 300, false))
	idx.AddAllocatedBlock(NewRecord(300, 2, 300, false))

	idx.Deallocate(Record{Offset: 0, Key: 1, Size: 300})
	require.Equal(t, 1, idx.NumFreeRecords())

	// requesting 300 out of a 300-byte free block would leave a
	// 0-byte remainder, far under MinSize, so the whole block is
	// handed over instead of being split.
	rec, ok := idx.Allocate(300, 3)
	require.True(t, ok)
	require.EqualValues(t, 0, rec.Offset)
	require.EqualValues(t, 300, rec.Size)
	require.Equal(t, 0, idx.NumFreeRecords())
}

func TestContiguityAfterCoalesce(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 300, false))
	idx.AddAllocatedBlock(NewRecord(300, 2, 300, false))
	idx.AddAllocatedBlock(NewRecord(600, 3, 300, false))

	idx.Deallocate(Record{Offset: 0, Key: 1, Size: 300})
	idx.Deallocate(Record{Offset: 300, Key: 2, Size: 300})

	require.Equal(t, 1, idx.NumFreeRecords())
	require.Equal(t, 1, idx.NumAllocatedRecords())

	rec, ok := idx.Allocate(600, 4)
	require.True(t, ok)
	require.EqualValues(t, 0, rec.Offset)
	require.EqualValues(t, 600, rec.Size)
}

func TestDeallocateTailAlwaysRemovesRecord(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 300, false))
	last, ok := idx.LastRecord()
	require.True(t, ok)

	freed, wasLast, ok := idx.Deallocate(last)
	require.True(t, ok)
	require.True(t, wasLast)
	require.Equal(t, last, freed)

	_, ok = idx.LastRecord()
	require.False(t, ok)
}

func TestDeallocateTailReportsAbsorbedLeftNeighborOffset(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 300, false))
	idx.AddAllocatedBlock(NewRecord(300, 2, 300, false))

	// freeing the first block leaves it as a free, non-tail neighbor
	idx.Deallocate(Record{Offset: 0, Key: 1, Size: 300})
	require.Equal(t, 1, idx.NumFreeRecords())

	// freeing the tail coalesces it with that free neighbor before being
	// dropped; freed.Offset must reflect the neighbor's lower offset so
	// the caller reclaims both blocks' bytes, not just the tail's own.
	freed, wasLast, ok := idx.Deallocate(Record{Offset: 300, Key: 2, Size: 300})
	require.True(t, ok)
	require.True(t, wasLast)
	require.EqualValues(t, 0, freed.Offset)
	require.EqualValues(t, 600, freed.Size)

	_, ok = idx.LastRecord()
	require.False(t, ok)
	require.Equal(t, 0, idx.NumFreeRecords())
}

func TestIsLast(t *testing.T) {
	idx := NewIndex()
	first := NewRecord(0, 1, 300, false)
	idx.AddAllocatedBlock(first)
	require.True(t, idx.IsLast(first))

	second := NewRecord(300, 2, 300, false)
	idx.AddAllocatedBlock(second)
	require.False(t, idx.IsLast(first))
	require.True(t, idx.IsLast(second))
}

func TestIsFree(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 2000, false))
	idx.AddAllocatedBlock(NewRecord(2000, 2, 300, false))

	freed := Record{Offset: 0, Key: 0, Size: 2000}
	require.False(t, idx.IsFree(freed))
	idx.Deallocate(Record{Offset: 0, Key: 1, Size: 2000})
	require.True(t, idx.IsFree(freed))

	// splitting the free block off a 300-byte allocation leaves a
	// 1700-byte free remainder; the freshly split piece itself is
	// allocated, not free.
	rec, ok := idx.Allocate(300, 3)
	require.True(t, ok)
	require.False(t, idx.IsFree(rec))
	require.False(t, idx.IsFree(freed))
	require.True(t, idx.IsFree(Record{Offset: 300, Key: 0, Size: 1700}))
}

func TestSizeOnDiskCountsOnlyAllocated(t *testing.T) {
	idx := NewIndex()
	require.EqualValues(t, 4, idx.SizeOnDisk())

	idx.AddAllocatedBlock(NewRecord(0, 1, 300, false))
	idx.AddAllocatedBlock(NewRecord(300, 2, 300, false))
	require.EqualValues(t, 4+16*2, idx.SizeOnDisk())

	idx.Deallocate(Record{Offset: 0, Key: 1, Size: 300})
	require.EqualValues(t, 4+16*1, idx.SizeOnDisk())
}

func TestAddAllocatedBlockRejectsOverlappingRecord(t *testing.T) {
	idx := NewIndex()
	idx.AddAllocatedBlock(NewRecord(0, 1, 300, false))

	// a corrupted on-disk offset can describe a block that overlaps the
	// one already at the tail; AddAllocatedBlock must report that
	// rather than panic, so a caller loading untrusted metadata can
	// reset instead of crashing.
	err := idx.AddAllocatedBlock(NewRecord(100, 2, 300, false))
	require.Error(t, err)
	require.Equal(t, 1, idx.NumAllocatedRecords())
}

func TestRecordSerializeRoundtrip(t *testing.T) {
	r := NewRecord(123456789, 0xdeadbeef, 4096, false)
	buf := make([]byte, 16)
	r.Serialize(buf)
	got := DeserializeRecord(buf)
	require.Equal(t, r, got)
}
