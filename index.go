package recfile

import (
	"fmt"
	"sort"
)

// Unknown is returned for offsets that are not cached.
const Unknown int64 = -1

// NewIndex creates an index with a single sentinel boundary at start.
func NewIndex(start int64) *Index {
	idx := &Index{}
	idx.Reset(start)
	return idx
}

// Index is a mapping from record number to a byte offset in the stream.
//
// Entry n is the boundary after n records, that is the offset where record n+1
// starts. Entry 0 is the start of stream. Entries are dense up to the frontier
// and only appended or rewritten there.
type Index struct {
	offsets []int64
}

// Reset drops all entries and sets start of stream to start.
func (i *Index) Reset(start int64) {
	i.offsets = append(i.offsets[:0], start)
}

// Clear resets index to the sentinel at offset 0.
func (i *Index) Clear() {
	i.Reset(0)
}

// Has returns true if boundary after n records is cached.
func (i *Index) Has(n int) bool {
	return n >= 0 && n < len(i.offsets)
}

// Highest returns the frontier. 0 if nothing beyond the sentinel is known.
func (i *Index) Highest() int {
	return len(i.offsets) - 1
}

// OffsetOf returns offset of the boundary n or Unknown.
func (i *Index) OffsetOf(n int) int64 {
	if !i.Has(n) {
		return Unknown
	}
	return i.offsets[n]
}

// Set records that boundary n is at offset.
//
// Appending past frontier+1 is ignored and reported with ErrIndexGap.
// Rewriting an entry with a different offset truncates everything above it.
// An offset that doesn't follow the previous boundary is stored anyway and
// reported with ErrNonMonotonic.
func (i *Index) Set(n int, offset int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRecord, n)
	}
	if n == 0 {
		i.Reset(offset)
		return nil
	}
	if n > len(i.offsets) {
		return fmt.Errorf("%w: entry %d past frontier %d", ErrIndexGap, n, i.Highest())
	}
	var err error
	if prev := i.offsets[n-1]; offset <= prev {
		err = fmt.Errorf("%w: entry %d offset %d previous %d", ErrNonMonotonic, n, offset, prev)
	}
	if n == len(i.offsets) {
		i.offsets = append(i.offsets, offset)
		return err
	}
	if i.offsets[n] != offset {
		i.offsets[n] = offset
		i.offsets = i.offsets[:n+1]
	}
	return err
}

// Truncate drops all entries above n.
func (i *Index) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(i.offsets) {
		i.offsets = i.offsets[:n+1]
	}
}

// NearestAtOrBefore returns the greatest cached entry that is not larger than n.
func (i *Index) NearestAtOrBefore(n int) (int, int64) {
	if n < 0 {
		return 0, i.offsets[0]
	}
	if n > i.Highest() {
		n = i.Highest()
	}
	return n, i.offsets[n]
}

// Search returns the smallest entry with an offset not less than offset,
// or -1 if offset is past the last cached boundary.
func (i *Index) Search(offset int64) int {
	n := sort.Search(len(i.offsets), func(j int) bool {
		return i.offsets[j] >= offset
	})
	if n == len(i.offsets) {
		return -1
	}
	return n
}

func (i *Index) String() string {
	return fmt.Sprintf("index frontier=%d offset=%d", i.Highest(), i.offsets[i.Highest()])
}
