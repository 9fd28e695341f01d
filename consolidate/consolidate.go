// Package consolidate merges the CSR blocks of the ranks sharing one device
// into a single block on the device owner, and moves vectors between the
// per-rank blocks and the merged block.
package consolidate

import (
	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"k8s.io/klog/v2"
)

// Status tells whether the engine merged anything
type Status uint8

const (
	// None: one rank per device, the caller's block is used as is
	None Status = iota
	// Merged: the owner holds the concatenation of every sharer's block
	Merged
)

func (s Status) String() string {
	if s == Merged {
		return "Merged"
	}
	return "None"
}

// Engine consolidates over one device group. Owner is rank 0 of dev.
type Engine struct {
	dev    comm.Communicator
	status Status
	ready  bool

	// Per member row and nonzero counts, recorded by Consolidate, in dev
	// rank order
	RowCounts []int
	NNZCounts []int

	// The consolidated block. Only populated on the owner.
	RowOffsets []int
	Cols       []int64
	Vals       []float64
}

// NewEngine creates an engine for the device group dev
func NewEngine(dev comm.Communicator) *Engine {
	e := &Engine{dev: dev}
	if dev.Size() > 1 {
		e.status = Merged
	}
	return e
}

// Status is None when the device is not shared
func (e *Engine) Status() Status { return e.status }

// IsOwner reports whether this rank holds the consolidated block
func (e *Engine) IsOwner() bool { return e.dev.Rank() == 0 }

// NumRows is the number of rows in the consolidated block
func (e *Engine) NumRows() int {
	n := 0
	for _, c := range e.RowCounts {
		n += c
	}
	return n
}

// NNZ is the number of entries in the consolidated block
func (e *Engine) NNZ() int { return len(e.Vals) }

func checkBlock(nRows, nnz int, rowOffsets []int, cols []int64, vals []float64) error {
	if nRows < 0 || nnz < 0 {
		return errs.Formatf("negative block size: %d rows, %d nonzeros", nRows, nnz)
	}
	if len(rowOffsets) != nRows+1 {
		return errs.Formatf("%d row offsets for %d rows", len(rowOffsets), nRows)
	}
	if rowOffsets[0] != 0 || rowOffsets[nRows] != nnz {
		return errs.Formatf("row offsets span [%d, %d), expected [0, %d)", rowOffsets[0], rowOffsets[nRows], nnz)
	}
	if len(cols) != nnz || len(vals) != nnz {
		return errs.Formatf("%d columns and %d values for %d nonzeros", len(cols), len(vals), nnz)
	}
	return nil
}

// Consolidate records the structure of this rank's block and, when the
// device is shared, gathers all blocks onto the owner in dev rank order with
// row offsets rebased to the merged numbering. Sharers keep only the counts.
// Collective over the device group.
func (e *Engine) Consolidate(nLocalRows, nLocalNZ int, rowOffsets []int, cols []int64, vals []float64) error {
	err := checkBlock(nLocalRows, nLocalNZ, rowOffsets, cols, vals)
	if err = comm.Agree(e.dev, err); err != nil {
		return err
	}
	counts, err := comm.Allgather(e.dev, []float64{float64(nLocalRows), float64(nLocalNZ)})
	if err != nil {
		return err
	}
	e.RowCounts = make([]int, e.dev.Size())
	e.NNZCounts = make([]int, e.dev.Size())
	for r := range e.RowCounts {
		e.RowCounts[r], e.NNZCounts[r] = int(counts[2*r]), int(counts[2*r+1])
	}
	e.ready = true

	if e.status == None {
		e.RowOffsets, e.Cols, e.Vals = rowOffsets, cols, vals
		return nil
	}

	offs, err := comm.Gatherv(e.dev, 0, comm.Floats(rowOffsets[:nLocalRows]))
	if err != nil {
		return err
	}
	colParts, err := comm.Gatherv(e.dev, 0, comm.FromInt64s(cols))
	if err != nil {
		return err
	}
	valParts, err := comm.Gatherv(e.dev, 0, vals)
	if err != nil {
		return err
	}
	if !e.IsOwner() {
		e.RowOffsets, e.Cols, e.Vals = nil, nil, nil
		return nil
	}

	nRows, nnz := 0, 0
	for r := range e.RowCounts {
		nRows += e.RowCounts[r]
		nnz += e.NNZCounts[r]
	}
	e.RowOffsets = make([]int, 0, nRows+1)
	e.Cols = make([]int64, 0, nnz)
	e.Vals = make([]float64, 0, nnz)
	base := 0
	for r := range offs {
		for _, o := range offs[r] {
			e.RowOffsets = append(e.RowOffsets, base+int(o))
		}
		e.Cols = append(e.Cols, comm.Int64s(colParts[r])...)
		e.Vals = append(e.Vals, valParts[r]...)
		base += e.NNZCounts[r]
	}
	e.RowOffsets = append(e.RowOffsets, base)
	klog.V(1).Infof("consolidated %d blocks into %d rows, %d nonzeros", e.dev.Size(), nRows, nnz)
	return nil
}

// Reconsolidate refreshes the values only. The row and nonzero counts must
// match the last Consolidate on every member, otherwise nothing is changed
// and the call fails with a StructuralMismatch error. Collective over the
// device group.
func (e *Engine) Reconsolidate(nLocalRows, nLocalNZ int, vals []float64) error {
	var err error
	me := e.dev.Rank()
	switch {
	case !e.ready:
		err = errs.Configf("values refreshed before the structure was consolidated")
	case nLocalRows != e.RowCounts[me]:
		err = errs.Mismatchf("%d local rows, structure has %d", nLocalRows, e.RowCounts[me])
	case nLocalNZ != e.NNZCounts[me]:
		err = errs.Mismatchf("%d local nonzeros, structure has %d", nLocalNZ, e.NNZCounts[me])
	case len(vals) != nLocalNZ:
		err = errs.Mismatchf("%d values for %d nonzeros", len(vals), nLocalNZ)
	}
	if err = comm.Agree(e.dev, err); err != nil {
		return err
	}

	if e.status == None {
		e.Vals = vals
		return nil
	}
	parts, err := comm.Gatherv(e.dev, 0, vals)
	if err != nil {
		return err
	}
	if !e.IsOwner() {
		return nil
	}
	off := 0
	for _, p := range parts {
		off += copy(e.Vals[off:], p)
	}
	return nil
}

// GatherVector collects the per-rank vector blocks onto the owner in the
// consolidated row order. Sharers get nil. Collective over the device group.
func (e *Engine) GatherVector(local []float64) ([]float64, error) {
	if e.status == None {
		return local, nil
	}
	parts, err := comm.Gatherv(e.dev, 0, local)
	if err != nil || !e.IsOwner() {
		return nil, err
	}
	out := make([]float64, 0, e.NumRows())
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// ScatterVector splits a consolidated vector on the owner back into the
// per-rank blocks. cons is only read on the owner. Collective over the
// device group.
func (e *Engine) ScatterVector(cons, local []float64) error {
	if e.status == None {
		copy(local, cons)
		return nil
	}
	var parts [][]float64
	if e.IsOwner() {
		parts = make([][]float64, e.dev.Size())
		off := 0
		for r, n := range e.RowCounts {
			parts[r] = cons[off : off+n]
			off += n
		}
	}
	mine, err := comm.Scatterv(e.dev, 0, parts)
	if err != nil {
		return err
	}
	copy(local, mine)
	return nil
}

// FreeStructure drops the row offsets and column ids once the block has
// been handed to the solver. Values and counts stay for Reconsolidate.
func (e *Engine) FreeStructure() {
	if e.status == Merged {
		e.RowOffsets, e.Cols = nil, nil
	}
}

// Free drops the consolidated block
func (e *Engine) Free() {
	e.RowOffsets, e.Cols, e.Vals = nil, nil, nil
	e.RowCounts, e.NNZCounts = nil, nil
	e.ready = false
}
