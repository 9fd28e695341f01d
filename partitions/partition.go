package partitions

import (
	"sort"

	"github.com/notargets/AmgXGo/errs"
)

// IndexSet is a set of global row indices held by one rank. It is normally
// sorted; Describe treats an unsorted set as non-contiguous.
type IndexSet struct {
	Indices []int
}

// NewIndexSet copies idx into a set, keeping its order
func NewIndexSet(idx []int) IndexSet {
	return IndexSet{Indices: append([]int(nil), idx...)}
}

// Len is the number of indices
func (s IndexSet) Len() int { return len(s.Indices) }

// IsSorted reports whether the indices are strictly ascending
func (s IndexSet) IsSorted() bool {
	for i := 1; i < len(s.Indices); i++ {
		if s.Indices[i] <= s.Indices[i-1] {
			return false
		}
	}
	return true
}

// Sorted returns an ascending copy of the set
func (s IndexSet) Sorted() IndexSet {
	out := NewIndexSet(s.Indices)
	sort.Ints(out.Indices)
	return out
}

// Contiguous returns [lo, hi) if the set is sorted and has no gaps. An empty
// set is contiguous with lo == hi == 0.
func (s IndexSet) Contiguous() (lo, hi int, ok bool) {
	if len(s.Indices) == 0 {
		return 0, 0, true
	}
	if !s.IsSorted() {
		return 0, 0, false
	}
	lo, hi = s.Indices[0], s.Indices[len(s.Indices)-1]+1
	return lo, hi, hi-lo == len(s.Indices)
}

// PartitionData tells the solver which GPU partition owns each global row
type PartitionData struct {
	// Partition count (gpuWorld size) and global row count
	NumPartitions int
	NumRows       int

	// Offsets form: partition p owns rows [Offsets[p], Offsets[p+1]).
	// Length NumPartitions+1, starts at 0, ends at NumRows.
	UsesOffsets bool
	Offsets     []int

	// Vector form: PartitionVector[row] is the owning partition.
	// Length NumRows.
	PartitionVector []int
}

// OwnerOf returns the partition owning row, or -1 if row is out of range
func (pd *PartitionData) OwnerOf(row int) int {
	if row < 0 || row >= pd.NumRows {
		return -1
	}
	if !pd.UsesOffsets {
		return pd.PartitionVector[row]
	}
	// First offset strictly greater than row bounds the owner
	p := sort.Search(len(pd.Offsets), func(i int) bool { return pd.Offsets[i] > row })
	return p - 1
}

// RowCount returns the number of rows partition p owns
func (pd *PartitionData) RowCount(p int) int {
	if pd.UsesOffsets {
		return pd.Offsets[p+1] - pd.Offsets[p]
	}
	n := 0
	for _, owner := range pd.PartitionVector {
		if owner == p {
			n++
		}
	}
	return n
}

// Validate checks the active representation for consistency
func (pd *PartitionData) Validate() error {
	if pd.UsesOffsets {
		if len(pd.Offsets) != pd.NumPartitions+1 {
			return errs.Configf("%d offsets for %d partitions", len(pd.Offsets), pd.NumPartitions)
		}
		if pd.Offsets[0] != 0 || pd.Offsets[pd.NumPartitions] != pd.NumRows {
			return errs.Configf("offsets must span [0, %d), got [%d, %d)",
				pd.NumRows, pd.Offsets[0], pd.Offsets[pd.NumPartitions])
		}
		for p := 0; p < pd.NumPartitions; p++ {
			if pd.Offsets[p+1] < pd.Offsets[p] {
				return errs.Configf("offsets decrease at partition %d", p)
			}
		}
		return nil
	}
	if len(pd.PartitionVector) != pd.NumRows {
		return errs.Configf("partition vector has %d entries for %d rows",
			len(pd.PartitionVector), pd.NumRows)
	}
	for row, owner := range pd.PartitionVector {
		if owner < 0 || owner >= pd.NumPartitions {
			return errs.Configf("row %d assigned to partition %d of %d", row, owner, pd.NumPartitions)
		}
	}
	return nil
}
