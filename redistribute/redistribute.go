// Package redistribute moves the rows of an application matrix onto the
// ranks that own devices. Each device group's rows end up on its owner, kept
// under their original global numbering, together with the map that moves
// vectors between the two layouts.
package redistribute

import (
	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"github.com/notargets/AmgXGo/matrix"
	"github.com/notargets/AmgXGo/partitions"
	"github.com/notargets/AmgXGo/topology"
	"k8s.io/klog/v2"
)

// GetDeviceIndexSet gathers the rows owned by every member of this rank's
// device group onto the group owner, sorted ascending. Sharers get an empty
// set. A row owned twice within a group is a Config error on every member of
// that group. Collective over topo.Dev.
func GetDeviceIndexSet(m *matrix.DistMatrix, topo *topology.RankTopology) (partitions.IndexSet, error) {
	parts, err := comm.Allgatherv(topo.Dev, comm.Floats(m.Rows()))
	if err != nil {
		return partitions.IndexSet{}, err
	}
	var owned []int
	for _, p := range parts {
		owned = append(owned, comm.Ints(p)...)
	}
	rows := partitions.IndexSet{Indices: owned}.Sorted().Indices
	for i := 1; i < len(rows); i++ {
		if rows[i] == rows[i-1] {
			return partitions.IndexSet{}, errs.Configf("row %d is owned by two ranks of device %d",
				rows[i], topo.DeviceID)
		}
	}
	if !topo.IsOwner() {
		return partitions.IndexSet{}, nil
	}
	klog.V(2).Infof("rank %d: device %d owns %d rows", topo.GlobalRank, topo.DeviceID, len(rows))
	return partitions.IndexSet{Indices: rows}, nil
}

// aliasable reports whether the matrix already has the layout the devices
// need, so no copy is made
func aliasable(m *matrix.DistMatrix, topo *topology.RankTopology) bool {
	switch m.Kind() {
	case matrix.SequentialBlock:
		return true
	case matrix.DistributedBlock:
		return !topo.Shared()
	}
	return false
}

// GetLocalMatrix returns the matrix each device owner works on. Without
// device sharing that is m itself. Otherwise the rows of set are extracted
// onto the owner, and sharers hold no rows. Collective over the matrix
// communicator.
func GetLocalMatrix(m *matrix.DistMatrix, set partitions.IndexSet, topo *topology.RankTopology) (*matrix.DistMatrix, error) {
	var err error
	if m.Storage() != matrix.Compressed {
		err = errs.Formatf("matrix is not assembled")
	}
	if err = comm.Agree(m.Comm(), err); err != nil {
		return nil, err
	}
	if aliasable(m, topo) {
		return m, nil
	}
	klog.V(1).Infof("rank %d: redistributing %s matrix onto %d device owner(s)",
		topo.GlobalRank, m.Kind(), topo.GPUSize)
	return m.SubMatrix(set.Indices)
}

// RawCSR is a caller-owned copy of a local CSR block. Column ids are 64 bit
// since consolidated blocks can outgrow 32 bit indexing.
type RawCSR struct {
	RowPtr []int
	Cols   []int64
	Vals   []float64
}

// NumRows is the number of rows in the block
func (r *RawCSR) NumRows() int { return len(r.RowPtr) - 1 }

// NNZ is the number of stored entries
func (r *RawCSR) NNZ() int { return len(r.Vals) }

// ExtractRawCSR copies the local rows of m out of a scoped borrow
func ExtractRawCSR(m *matrix.DistMatrix) (*RawCSR, error) {
	b, err := m.BorrowCSR()
	if err != nil {
		return nil, err
	}
	defer b.Release()

	raw := &RawCSR{
		RowPtr: append([]int(nil), b.RowPtr...),
		Cols:   make([]int64, len(b.Cols)),
		Vals:   append([]float64(nil), b.Vals...),
	}
	for i, c := range b.Cols {
		raw.Cols[i] = int64(c)
	}
	return raw, nil
}

// BuildVectorScatter returns the map between the rows of original and the
// rows of redistributed. An aliased matrix gets the identity map. Collective
// over the matrix communicator unless aliased.
func BuildVectorScatter(original, redistributed *matrix.DistMatrix) (*partitions.ScatterMap, error) {
	if original == redistributed {
		return partitions.NewIdentityScatter(original.Comm(), original.LocalRows()), nil
	}
	return partitions.NewScatterMap(original.Comm(), original.Rows(), redistributed.Rows())
}

// DestroyLocalMatrix releases a redistributed copy. Aliases are left alone.
func DestroyLocalMatrix(original, local *matrix.DistMatrix) {
	if local != nil && local != original {
		local.Destroy()
	}
}

// BuildValueScatter maps the stored entries of original onto the stored
// entries of redistributed, keyed by global (row, column) position, so new
// coefficients can follow the rows without moving any structure. An aliased
// matrix gets the identity map. Collective over the matrix communicator
// unless aliased.
func BuildValueScatter(original, redistributed *matrix.DistMatrix) (*partitions.ScatterMap, error) {
	if original == redistributed {
		return partitions.NewIdentityScatter(original.Comm(), original.LocalNNZ()), nil
	}
	from, err := entryKeys(original)
	if err != nil {
		return nil, err
	}
	to, err := entryKeys(redistributed)
	if err != nil {
		return nil, err
	}
	return partitions.NewScatterMap(original.Comm(), from, to)
}

func entryKeys(m *matrix.DistMatrix) ([]int, error) {
	b, err := m.BorrowCSR()
	if err != nil {
		return nil, err
	}
	defer b.Release()
	_, nCols := m.GlobalSize()
	keys := make([]int, 0, len(b.Vals))
	for i, row := range m.Rows() {
		for k := b.RowPtr[i]; k < b.RowPtr[i+1]; k++ {
			keys = append(keys, row*nCols+b.Cols[k])
		}
	}
	return keys, nil
}
