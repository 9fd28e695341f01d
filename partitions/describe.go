package partitions

import (
	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"k8s.io/klog/v2"
)

// Describe builds the PartitionData of the sets held by the ranks of gpu.
// When every set is sorted and contiguous and the sets tile [0, nRows) in rank
// order, only the P+1 offsets are exchanged. Otherwise every rank assembles
// the full ownership vector. Collective over gpu.
func Describe(set IndexSet, nRows int, gpu comm.Communicator) (*PartitionData, error) {
	lo, hi, ok := set.Contiguous()
	flag := 0.
	if ok {
		flag = 1
	}
	all, err := comm.Allgather(gpu, []float64{flag, float64(set.Len()), float64(lo), float64(hi)})
	if err != nil {
		return nil, err
	}

	pd := &PartitionData{NumPartitions: gpu.Size(), NumRows: nRows}
	if offsets, tiled := tiling(all, gpu.Size(), nRows); tiled {
		pd.UsesOffsets = true
		pd.Offsets = offsets
		klog.V(2).Infof("gpu rank %d: partition offsets %v", gpu.Rank(), offsets)
		return pd, nil
	}

	klog.V(1).Infof("gpu rank %d: row ownership is not contiguous, building partition vector", gpu.Rank())
	sets, err := comm.Allgatherv(gpu, comm.Floats(set.Indices))
	if err != nil {
		return nil, err
	}
	vec := make([]int, nRows)
	for i := range vec {
		vec[i] = -1
	}
	// Every rank sees the same sets, so every rank reaches the same verdict
	for p, rows := range sets {
		for _, r := range rows {
			row := int(r)
			if row < 0 || row >= nRows {
				return nil, errs.Configf("partition %d owns row %d outside [0, %d)", p, row, nRows)
			}
			if vec[row] >= 0 {
				return nil, errs.Configf("row %d owned by partitions %d and %d", row, vec[row], p)
			}
			vec[row] = p
		}
	}
	for row, p := range vec {
		if p < 0 {
			return nil, errs.Configf("row %d is not owned by any partition", row)
		}
	}
	pd.PartitionVector = vec
	return pd, nil
}

// tiling checks the gathered [contiguous, len, lo, hi] quadruples. Empty sets
// are zero-width intervals at the current position.
func tiling(all []float64, size, nRows int) ([]int, bool) {
	offsets := make([]int, size+1)
	next := 0
	for p := 0; p < size; p++ {
		ok, n := all[4*p] == 1, int(all[4*p+1])
		lo, hi := int(all[4*p+2]), int(all[4*p+3])
		if !ok {
			return nil, false
		}
		if n > 0 {
			if lo != next {
				return nil, false
			}
			next = hi
		}
		offsets[p+1] = next
	}
	return offsets, next == nRows
}
