package partitions

import (
	"sync"
	"testing"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// describeAll runs Describe with sets[r] on rank r and returns rank 0's
// result after checking every rank agrees
func describeAll(t *testing.T, sets [][]int, nRows int) (*PartitionData, error) {
	t.Helper()
	results := make([]*PartitionData, len(sets))
	errsByRank := make([]error, len(sets))
	var mu sync.Mutex
	err := comm.RunLocal(len(sets), func(c comm.Communicator) error {
		pd, err := Describe(NewIndexSet(sets[c.Rank()]), nRows, c)
		mu.Lock()
		results[c.Rank()], errsByRank[c.Rank()] = pd, err
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	for r := 1; r < len(sets); r++ {
		assert.Equal(t, results[0], results[r], "rank %d disagrees", r)
		assert.Equal(t, errs.KindOf(errsByRank[0]), errs.KindOf(errsByRank[r]))
	}
	return results[0], errsByRank[0]
}

func TestDescribe_Offsets(t *testing.T) {
	tests := []struct {
		name    string
		sets    [][]int
		nRows   int
		offsets []int
	}{
		{"FourEqualBlocks", [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}, {12, 13, 14, 15}}, 16,
			[]int{0, 4, 8, 12, 16}},
		{"UnevenBlocks", [][]int{{0}, {1, 2, 3, 4, 5}, {6, 7}}, 8, []int{0, 1, 6, 8}},
		{"SinglePartition", [][]int{{0, 1, 2}}, 3, []int{0, 3}},
		{"EmptyMiddleRank", [][]int{{0, 1}, {}, {2, 3, 4}}, 5, []int{0, 2, 2, 5}},
		{"EmptyFirstRank", [][]int{{}, {0, 1, 2}}, 3, []int{0, 0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pd, err := describeAll(t, tt.sets, tt.nRows)
			require.NoError(t, err)
			require.True(t, pd.UsesOffsets)
			assert.Equal(t, tt.offsets, pd.Offsets)
			assert.Len(t, pd.Offsets, len(tt.sets)+1)
			assert.Equal(t, 0, pd.Offsets[0])
			assert.Equal(t, tt.nRows, pd.Offsets[len(tt.sets)])
			assert.Nil(t, pd.PartitionVector)
			require.NoError(t, pd.Validate())
			for p, set := range tt.sets {
				for _, row := range set {
					assert.Equal(t, p, pd.OwnerOf(row), "row %d", row)
				}
			}
		})
	}
}

func TestDescribe_PartitionVector(t *testing.T) {
	tests := []struct {
		name   string
		sets   [][]int
		nRows  int
		vector []int
	}{
		{"Interleaved", [][]int{{0, 5, 6}, {1, 2, 3, 4, 7}}, 8, []int{0, 1, 1, 1, 1, 0, 0, 1}},
		{"ContiguousOutOfRankOrder", [][]int{{3, 4, 5}, {0, 1, 2}}, 6, []int{1, 1, 1, 0, 0, 0}},
		{"LocallyUnsorted", [][]int{{1, 0}, {2, 3}}, 4, []int{0, 0, 1, 1}},
		{"EmptyRankNonContiguous", [][]int{{0, 2}, {}, {1, 3}}, 4, []int{0, 2, 0, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pd, err := describeAll(t, tt.sets, tt.nRows)
			require.NoError(t, err)
			assert.False(t, pd.UsesOffsets)
			assert.Equal(t, tt.vector, pd.PartitionVector)
			require.NoError(t, pd.Validate())
			for p := range tt.sets {
				assert.Equal(t, len(tt.sets[p]), pd.RowCount(p))
			}
		})
	}
}

func TestDescribe_InvalidOwnership(t *testing.T) {
	tests := []struct {
		name  string
		sets  [][]int
		nRows int
	}{
		{"DuplicateRow", [][]int{{0, 2}, {1, 2}}, 3},
		{"MissingRow", [][]int{{0, 2}, {3}}, 4},
		{"RowOutOfRange", [][]int{{0, 1}, {5}}, 3},
		{"ShortTiling", [][]int{{0, 1}, {2}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := describeAll(t, tt.sets, tt.nRows)
			assert.True(t, errors.Is(err, errs.ErrConfig), "%v", err)
		})
	}
}

func TestIndexSet(t *testing.T) {
	s := NewIndexSet([]int{4, 2, 3})
	assert.False(t, s.IsSorted())
	_, _, ok := s.Contiguous()
	assert.False(t, ok)

	sorted := s.Sorted()
	assert.Equal(t, []int{2, 3, 4}, sorted.Indices)
	assert.Equal(t, []int{4, 2, 3}, s.Indices, "Sorted must not modify the receiver")
	lo, hi, ok := sorted.Contiguous()
	assert.True(t, ok)
	assert.Equal(t, 2, lo)
	assert.Equal(t, 5, hi)

	_, _, ok = NewIndexSet([]int{1, 3}).Contiguous()
	assert.False(t, ok)
	lo, hi, ok = IndexSet{}.Contiguous()
	assert.True(t, ok)
	assert.Equal(t, lo, hi)
}

func TestScatterMap(t *testing.T) {
	// Original layout: blocks of 3; target: rank 0 takes everything even,
	// rank 1 everything odd, rank 2 nothing
	from := [][]int{{0, 1, 2}, {3, 4, 5}, {6, 7, 8}}
	to := [][]int{{0, 2, 4, 6, 8}, {1, 3, 5, 7}, {}}
	gathered := make([][]float64, 3)
	back := make([][]float64, 3)
	err := comm.RunLocal(3, func(c comm.Communicator) error {
		r := c.Rank()
		sm, err := NewScatterMap(c, from[r], to[r])
		if err != nil {
			return err
		}
		src := make([]float64, len(from[r]))
		for i, row := range from[r] {
			src[i] = 10*float64(row) + 0.5
		}
		dst := make([]float64, len(to[r]))
		if err = sm.Forward(src, dst); err != nil {
			return err
		}
		ret := make([]float64, len(from[r]))
		if err = sm.Reverse(dst, ret); err != nil {
			return err
		}
		gathered[r], back[r] = dst, ret
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 20.5, 40.5, 60.5, 80.5}, gathered[0])
	assert.Equal(t, []float64{10.5, 30.5, 50.5, 70.5}, gathered[1])
	assert.Empty(t, gathered[2])
	for r := range from {
		for i, row := range from[r] {
			assert.Equal(t, 10*float64(row)+0.5, back[r][i])
		}
	}

	t.Run("UnsourcedRow", func(t *testing.T) {
		err := comm.RunLocal(2, func(c comm.Communicator) error {
			_, err := NewScatterMap(c, []int{c.Rank()}, []int{c.Rank() + 2})
			return err
		})
		assert.True(t, errors.Is(err, errs.ErrConfig))
	})

	t.Run("Identity", func(t *testing.T) {
		sm := NewIdentityScatter(comm.NewLocalWorld(1).Comm(0), 2)
		assert.True(t, sm.IsIdentity())
		dst := make([]float64, 2)
		require.NoError(t, sm.Forward([]float64{1, 2}, dst))
		assert.Equal(t, []float64{1, 2}, dst)
		assert.Error(t, sm.Reverse([]float64{1}, dst))
	})
}
