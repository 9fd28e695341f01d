package consolidate

import (
	"sync"
	"testing"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/device"
	"github.com/notargets/AmgXGo/errs"
	"github.com/notargets/AmgXGo/matrix"
	"github.com/notargets/AmgXGo/redistribute"
	"github.com/notargets/AmgXGo/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localBlock returns this rank's rows of the 4x4 grid Laplacian
func localBlock(c comm.Communicator) (*redistribute.RawCSR, error) {
	a, err := matrix.Poisson2D(c, 4, 4)
	if err != nil {
		return nil, err
	}
	return redistribute.ExtractRawCSR(a)
}

func sharedEngine(c comm.Communicator, devices int) (*Engine, error) {
	topo, err := topology.Partition(c, 0, &device.HostRuntime{NumDevices: devices}, topology.Block)
	if err != nil {
		return nil, err
	}
	return NewEngine(topo.Dev), nil
}

func TestConsolidate_FourRanksOneDevice(t *testing.T) {
	var (
		mu       sync.Mutex
		owner    *Engine
		localNNZ int
		blocks   = make([]*redistribute.RawCSR, 4)
	)
	err := comm.RunLocal(4, func(c comm.Communicator) error {
		raw, err := localBlock(c)
		if err != nil {
			return err
		}
		e, err := sharedEngine(c, 1)
		if err != nil {
			return err
		}
		if err = e.Consolidate(raw.NumRows(), raw.NNZ(), raw.RowPtr, raw.Cols, raw.Vals); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		blocks[c.Rank()] = raw
		localNNZ += raw.NNZ()
		if e.IsOwner() {
			owner = e
		} else if e.Vals != nil || e.RowOffsets != nil {
			return errors.Errorf("sharer %d kept block data", c.Rank())
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, owner)

	assert.Equal(t, Merged, owner.Status())
	assert.Equal(t, 16, owner.NumRows())
	assert.Equal(t, localNNZ, owner.NNZ())
	// 16 diagonal entries plus 2*24 grid edges
	assert.Equal(t, 64, owner.NNZ())
	assert.Equal(t, []int{4, 4, 4, 4}, owner.RowCounts)

	// Merged block is the blocks concatenated in rank order
	row := 0
	for _, b := range blocks {
		for i := 0; i < b.NumRows(); i++ {
			lo, hi := owner.RowOffsets[row], owner.RowOffsets[row+1]
			assert.Equal(t, b.Cols[b.RowPtr[i]:b.RowPtr[i+1]], owner.Cols[lo:hi], "row %d", row)
			assert.Equal(t, b.Vals[b.RowPtr[i]:b.RowPtr[i+1]], owner.Vals[lo:hi], "row %d", row)
			row++
		}
	}
}

func TestReconsolidate_ValueOnly(t *testing.T) {
	type snapshot struct {
		rowOffsets []int
		cols       []int64
		vals       []float64
	}
	var (
		mu    sync.Mutex
		snaps []snapshot
	)
	err := comm.RunLocal(4, func(c comm.Communicator) error {
		raw, err := localBlock(c)
		if err != nil {
			return err
		}
		e, err := sharedEngine(c, 2)
		if err != nil {
			return err
		}
		take := func() {
			if c.Rank() != 0 {
				return
			}
			mu.Lock()
			snaps = append(snaps, snapshot{
				rowOffsets: append([]int(nil), e.RowOffsets...),
				cols:       append([]int64(nil), e.Cols...),
				vals:       append([]float64(nil), e.Vals...),
			})
			mu.Unlock()
		}
		if err = e.Consolidate(raw.NumRows(), raw.NNZ(), raw.RowPtr, raw.Cols, raw.Vals); err != nil {
			return err
		}
		take()
		var first *float64
		if e.IsOwner() {
			first = &e.Vals[0]
		}
		for _, scale := range []float64{2, 3} {
			vals := make([]float64, len(raw.Vals))
			for i, v := range raw.Vals {
				vals[i] = scale * v
			}
			if err = e.Reconsolidate(raw.NumRows(), raw.NNZ(), vals); err != nil {
				return err
			}
			if e.IsOwner() && first != &e.Vals[0] {
				return errors.New("values were reallocated")
			}
			take()
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i := 1; i < 3; i++ {
		assert.Equal(t, snaps[0].rowOffsets, snaps[i].rowOffsets)
		assert.Equal(t, snaps[0].cols, snaps[i].cols)
	}
	for k, v := range snaps[0].vals {
		assert.Equal(t, 3*v, snaps[2].vals[k])
	}
}

func TestReconsolidate_StructuralMismatch(t *testing.T) {
	var (
		mu     sync.Mutex
		before []float64
		after  []float64
		errsBy = make([]error, 4)
	)
	err := comm.RunLocal(4, func(c comm.Communicator) error {
		raw, err := localBlock(c)
		if err != nil {
			return err
		}
		e, err := sharedEngine(c, 1)
		if err != nil {
			return err
		}
		if err = e.Consolidate(raw.NumRows(), raw.NNZ(), raw.RowPtr, raw.Cols, raw.Vals); err != nil {
			return err
		}
		if e.IsOwner() {
			before = append([]float64(nil), e.Vals...)
		}
		// Rank 2 drops a nonzero
		nnz, vals := raw.NNZ(), raw.Vals
		if c.Rank() == 2 {
			nnz--
			vals = vals[:nnz]
		}
		rerr := e.Reconsolidate(raw.NumRows(), nnz, vals)
		mu.Lock()
		errsBy[c.Rank()] = rerr
		if e.IsOwner() {
			after = append([]float64(nil), e.Vals...)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, errors.Is(errsBy[2], errs.ErrStructuralMismatch), "%v", errsBy[2])
	for _, r := range []int{0, 1, 3} {
		assert.True(t, errors.Is(errsBy[r], errs.ErrPartialFailure), "rank %d: %v", r, errsBy[r])
	}
	assert.Equal(t, before, after, "a rejected refresh must not touch the block")
}

func TestEngine_NoSharing(t *testing.T) {
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		raw, err := localBlock(c)
		if err != nil {
			return err
		}
		e, err := sharedEngine(c, 2)
		if err != nil {
			return err
		}
		if e.Status() != None {
			return errors.Errorf("status %v without sharing", e.Status())
		}
		if err = e.Consolidate(raw.NumRows(), raw.NNZ(), raw.RowPtr, raw.Cols, raw.Vals); err != nil {
			return err
		}
		if &e.Vals[0] != &raw.Vals[0] {
			return errors.New("pass-through must use the caller's block")
		}
		x := []float64{1, 2, 3}
		g, err := e.GatherVector(x)
		if err != nil {
			return err
		}
		if &g[0] != &x[0] {
			return errors.New("pass-through gather copied")
		}
		err = e.Reconsolidate(raw.NumRows(), raw.NNZ()+1, append(raw.Vals, 0))
		if !errors.Is(err, errs.ErrStructuralMismatch) {
			return errors.Errorf("expected mismatch, got %v", err)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestEngine_VectorRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var merged []float64
	err := comm.RunLocal(3, func(c comm.Communicator) error {
		e, err := sharedEngine(c, 1)
		if err != nil {
			return err
		}
		// Rank r holds r+1 rows with values 10r, 10r+1, ...
		n := c.Rank() + 1
		rowPtr := make([]int, n+1)
		local := make([]float64, n)
		for i := range local {
			local[i] = float64(10*c.Rank() + i)
		}
		if err = e.Consolidate(n, 0, rowPtr, nil, nil); err != nil {
			return err
		}
		cons, err := e.GatherVector(local)
		if err != nil {
			return err
		}
		if e.IsOwner() {
			mu.Lock()
			merged = append([]float64(nil), cons...)
			mu.Unlock()
			for i := range cons {
				cons[i] *= -1
			}
		}
		out := make([]float64, n)
		if err = e.ScatterVector(cons, out); err != nil {
			return err
		}
		for i := range out {
			if out[i] != -local[i] {
				return errors.Errorf("rank %d row %d: %v", c.Rank(), i, out[i])
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 11, 20, 21, 22}, merged)
}
