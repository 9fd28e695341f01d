package solver

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/notargets/AmgXGo/amgx"
	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/device"
	"github.com/notargets/AmgXGo/errs"
	"github.com/notargets/AmgXGo/matrix"
	"github.com/notargets/AmgXGo/redistribute"
	"github.com/notargets/AmgXGo/topology"
	"github.com/notargets/AmgXGo/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// session initializes a host-mode session. Every rank gets its own process
// context, as separate MPI processes would.
func session(c comm.Communicator, devices int, policy topology.AssignmentPolicy) (*AmgXSolver, error) {
	s := New(Options{
		Policy:  policy,
		Runtime: &device.HostRuntime{NumDevices: devices},
		Process: amgx.NewProcess(),
	})
	return s, s.Initialize(c, "hDDI", "")
}

// residual returns ||scale*A x - b|| / ||b||
func residual(a *matrix.DistMatrix, x, b *matrix.Vector, scale float64) (float64, error) {
	ax := a.NewVector()
	if err := a.Mult(x, ax); err != nil {
		return 0, err
	}
	r := a.NewVector()
	axv, bv := ax.Values(), b.Values()
	for i := range axv {
		axv[i] = scale*axv[i] - bv[i]
	}
	if err := r.SetValues(axv); err != nil {
		return 0, err
	}
	rn, err := r.Norm2()
	if err != nil {
		return 0, err
	}
	bn, err := b.Norm2()
	return rn / bn, err
}

// collect stores this rank's entries of x into the global array
func collect(mu *sync.Mutex, global []float64, x *matrix.Vector) {
	mu.Lock()
	defer mu.Unlock()
	for i, row := range x.Rows() {
		global[row] = x.Values()[i]
	}
}

func TestScenarioA_OneDevicePerRank(t *testing.T) {
	err := comm.RunLocal(4, func(c comm.Communicator) error {
		s, err := session(c, 4, topology.RoundRobin)
		if err != nil {
			return err
		}
		defer s.Finalize()
		if s.Topology().GPUSize != 4 {
			return errors.Errorf("gpuWorld has %d ranks", s.Topology().GPUSize)
		}
		a, err := matrix.Poisson2D(c, 4, 4)
		if err != nil {
			return err
		}
		if a.LocalRows() != 4 {
			return errors.Errorf("rank %d holds %d rows", c.Rank(), a.LocalRows())
		}
		if err = s.SetA(a); err != nil {
			return err
		}
		x, b := a.NewVector(), a.NewVector()
		b.Set(1)
		if err = s.Solve(x, b); err != nil {
			return err
		}
		if s.GetIters() < 1 || s.Status() != amgx.SolveSuccess {
			return errors.Errorf("rank %d: %s after %d iterations", c.Rank(), s.Status(), s.GetIters())
		}
		res, err := residual(a, x, b, 1)
		if err != nil {
			return err
		}
		if res > 1e-7 {
			return errors.Errorf("relative residual %g", res)
		}
		if s.GetMemUsage() <= 0 {
			return errors.New("owner reports no memory use")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestScenarioC_UpdateAScaled(t *testing.T) {
	for _, devices := range []int{4, 1, 2} {
		t.Run(fmt.Sprintf("%dDevices", devices), func(t *testing.T) {
			err := comm.RunLocal(4, func(c comm.Communicator) error {
				s, err := session(c, devices, topology.RoundRobin)
				if err != nil {
					return err
				}
				defer s.Finalize()
				a, err := matrix.Poisson2D(c, 4, 4)
				if err != nil {
					return err
				}
				if err = s.SetA(a); err != nil {
					return err
				}
				x, b := a.NewVector(), a.NewVector()
				b.Set(1)
				if err = s.Solve(x, b); err != nil {
					return err
				}

				raw, err := redistribute.ExtractRawCSR(a)
				if err != nil {
					return err
				}
				for i := range raw.Vals {
					raw.Vals[i] *= 2
				}
				if err = s.UpdateA(raw.NumRows(), raw.NNZ(), raw.Vals); err != nil {
					return err
				}
				half := a.NewVector()
				if err = s.Solve(half, b); err != nil {
					return err
				}
				// The new system is 2A x' = b
				res, err := residual(a, half, b, 2)
				if err != nil {
					return err
				}
				if res > 1e-7 {
					return errors.Errorf("rank %d: residual of 2A x' - b is %g", c.Rank(), res)
				}
				xv, hv := x.Values(), half.Values()
				for i := range xv {
					if math.Abs(hv[i]-xv[i]/2) > 1e-6 {
						return errors.Errorf("rank %d entry %d: %v is not half of %v", c.Rank(), i, hv[i], xv[i])
					}
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestSetA_SharedDevicesMatchUnshared(t *testing.T) {
	const nx, ny = 5, 4
	solve := func(devices int, policy topology.AssignmentPolicy) ([]float64, []int64) {
		var mu sync.Mutex
		global := make([]float64, nx*ny)
		mem := make([]int64, 4)
		err := comm.RunLocal(4, func(c comm.Communicator) error {
			s, err := session(c, devices, policy)
			if err != nil {
				return err
			}
			defer s.Finalize()
			a, err := matrix.Poisson2D(c, nx, ny)
			if err != nil {
				return err
			}
			if err = s.SetA(a); err != nil {
				return err
			}
			x, b := a.NewVector(), a.NewVector()
			b.Set(1)
			if err = s.Solve(x, b); err != nil {
				return err
			}
			collect(&mu, global, x)
			mu.Lock()
			mem[c.Rank()] = s.GetMemUsage()
			mu.Unlock()
			return nil
		})
		require.NoError(t, err, "%d devices, %s", devices, policy)
		return global, mem
	}

	want, _ := solve(4, topology.RoundRobin)
	for _, tc := range []struct {
		devices int
		policy  topology.AssignmentPolicy
		sharers []int
	}{
		{1, topology.RoundRobin, []int{1, 2, 3}},
		{2, topology.RoundRobin, []int{2, 3}},
		{2, topology.Block, []int{1, 3}},
	} {
		t.Run(fmt.Sprintf("%dDevices%s", tc.devices, tc.policy), func(t *testing.T) {
			got, mem := solve(tc.devices, tc.policy)
			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-6, "row %d", i)
			}
			for _, r := range tc.sharers {
				assert.Zero(t, mem[r], "sharer %d holds no solver storage", r)
			}
			assert.Positive(t, mem[0])
		})
	}
}

func TestSetARaw_Consolidated(t *testing.T) {
	const nx, ny = 4, 4
	for _, tc := range []struct {
		devices int
		policy  topology.AssignmentPolicy
	}{
		{4, topology.RoundRobin},
		{1, topology.RoundRobin},
		{2, topology.Block},
		{2, topology.RoundRobin},
	} {
		t.Run(fmt.Sprintf("%dDevices%s", tc.devices, tc.policy), func(t *testing.T) {
			err := comm.RunLocal(4, func(c comm.Communicator) error {
				s, err := session(c, tc.devices, tc.policy)
				if err != nil {
					return err
				}
				defer s.Finalize()
				a, err := matrix.Poisson2D(c, nx, ny)
				if err != nil {
					return err
				}
				raw, err := redistribute.ExtractRawCSR(a)
				if err != nil {
					return err
				}
				if err = s.SetARaw(nx*ny, raw.NumRows(), raw.NNZ(), raw.RowPtr, raw.Cols, raw.Vals, nil); err != nil {
					return err
				}
				p := make([]float64, raw.NumRows())
				rhs := make([]float64, raw.NumRows())
				for i := range rhs {
					rhs[i] = 1
				}
				if err = s.SolveRaw(p, rhs, raw.NumRows()); err != nil {
					return err
				}
				x, b := a.NewVector(), a.NewVector()
				b.Set(1)
				if err = x.SetValues(p); err != nil {
					return err
				}
				res, err := residual(a, x, b, 1)
				if err != nil {
					return err
				}
				if res > 1e-7 {
					return errors.Errorf("rank %d: relative residual %g", c.Rank(), res)
				}

				// Value refresh through the consolidation engine
				for i := range raw.Vals {
					raw.Vals[i] *= 4
				}
				if err = s.UpdateA(raw.NumRows(), raw.NNZ(), raw.Vals); err != nil {
					return err
				}
				// Vector overload on the raw path
				x.Set(0)
				if err = s.Solve(x, b); err != nil {
					return err
				}
				if res, err = residual(a, x, b, 4); err != nil {
					return err
				}
				if res > 1e-7 {
					return errors.Errorf("rank %d: residual after update %g", c.Rank(), res)
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestSetARaw_PartitionVector(t *testing.T) {
	// Two ranks, one device each; rows dealt out alternately
	const n = 9
	partVec := make([]int, n)
	for r := range partVec {
		partVec[r] = r % 2
	}
	err := comm.RunLocal(2, func(c comm.Communicator) error {
		s, err := session(c, 2, topology.RoundRobin)
		if err != nil {
			return err
		}
		defer s.Finalize()
		// 1D Laplacian rows owned under partVec
		var rowPtr []int
		var cols []int64
		var vals []float64
		var rows []int
		rowPtr = append(rowPtr, 0)
		for r := 0; r < n; r++ {
			if partVec[r] != c.Rank() {
				continue
			}
			rows = append(rows, r)
			if r > 0 {
				cols, vals = append(cols, int64(r-1)), append(vals, -1)
			}
			cols, vals = append(cols, int64(r)), append(vals, 2)
			if r < n-1 {
				cols, vals = append(cols, int64(r+1)), append(vals, -1)
			}
			rowPtr = append(rowPtr, len(vals))
		}
		if err = s.SetARaw(n, len(rows), len(vals), rowPtr, cols, vals, partVec); err != nil {
			return err
		}
		p := make([]float64, len(rows))
		b := make([]float64, len(rows))
		for i := range b {
			b[i] = 1
		}
		if err = s.SolveRaw(p, b, len(rows)); err != nil {
			return err
		}
		// -u'' = 1 on 9 interior points: u_i = (i+1)(n-i)/2
		for i, r := range rows {
			want := float64((r+1)*(n-r)) / 2
			if math.Abs(p[i]-want) > 1e-6 {
				return errors.Errorf("row %d: got %v want %v", r, p[i], want)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateA_StructuralMismatch(t *testing.T) {
	var mu sync.Mutex
	errsBy := make([]error, 4)
	err := comm.RunLocal(4, func(c comm.Communicator) error {
		s, err := session(c, 1, topology.RoundRobin)
		if err != nil {
			return err
		}
		defer s.Finalize()
		a, err := matrix.Poisson2D(c, 4, 4)
		if err != nil {
			return err
		}
		raw, err := redistribute.ExtractRawCSR(a)
		if err != nil {
			return err
		}
		if err = s.SetARaw(16, raw.NumRows(), raw.NNZ(), raw.RowPtr, raw.Cols, raw.Vals, nil); err != nil {
			return err
		}
		p := make([]float64, raw.NumRows())
		b := make([]float64, raw.NumRows())
		for i := range b {
			b[i] = 1
		}
		if err = s.SolveRaw(p, b, raw.NumRows()); err != nil {
			return err
		}
		before := append([]float64(nil), p...)

		scaled := make([]float64, raw.NNZ())
		for i, v := range raw.Vals {
			scaled[i] = 10 * v
		}
		nnz := raw.NNZ()
		if c.Rank() == 2 {
			nnz--
		}
		uerr := s.UpdateA(raw.NumRows(), nnz, scaled[:nnz])
		mu.Lock()
		errsBy[c.Rank()] = uerr
		mu.Unlock()

		// The rejected refresh left the matrix alone
		for i := range p {
			p[i] = 0
		}
		if err = s.SolveRaw(p, b, raw.NumRows()); err != nil {
			return err
		}
		for i := range p {
			if math.Abs(p[i]-before[i]) > 1e-9 {
				return errors.Errorf("rank %d entry %d changed from %v to %v", c.Rank(), i, before[i], p[i])
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, errors.Is(errsBy[2], errs.ErrStructuralMismatch), "%v", errsBy[2])
	for _, r := range []int{0, 1, 3} {
		assert.True(t, errors.Is(errsBy[r], errs.ErrPartialFailure), "rank %d: %v", r, errsBy[r])
	}
	var tagged *errs.Error
	require.True(t, errors.As(errsBy[2], &tagged))
	assert.Equal(t, "updateA", tagged.Phase)
}

func TestSession_StateMachine(t *testing.T) {
	c := comm.NewLocalWorld(1).Comm(0)
	isConfig := func(t *testing.T, err error) {
		t.Helper()
		assert.True(t, errors.Is(err, errs.ErrConfig), "%v", err)
	}
	a, err := matrix.Poisson2D(c, 2, 2)
	require.NoError(t, err)
	x, b := a.NewVector(), a.NewVector()

	t.Run("BeforeInitialize", func(t *testing.T) {
		s := New(Options{Runtime: &device.HostRuntime{NumDevices: 1}, Process: amgx.NewProcess()})
		isConfig(t, s.SetA(a))
		isConfig(t, s.Solve(x, b))
		assert.NoError(t, s.Finalize(), "finalizing an uninitialized session")
		assert.NoError(t, s.Finalize())
	})
	t.Run("BeforeSetA", func(t *testing.T) {
		s, err := session(c, 1, topology.RoundRobin)
		require.NoError(t, err)
		assert.Equal(t, Initialized, s.State())
		isConfig(t, s.Solve(x, b))
		isConfig(t, s.UpdateA(4, 12, make([]float64, 12)))
		isConfig(t, s.SolveRaw(make([]float64, 4), make([]float64, 4), 4))
		assert.Zero(t, s.GetIters())
		require.NoError(t, s.Finalize())
	})
	t.Run("AfterFinalize", func(t *testing.T) {
		proc := amgx.NewProcess()
		s := New(Options{Runtime: &device.HostRuntime{NumDevices: 1}, Process: proc})
		require.NoError(t, s.Initialize(c, "hDDI", ""))
		require.NoError(t, s.SetA(a))
		assert.Equal(t, Ready, s.State())
		assert.Equal(t, 1, proc.Count())
		require.NoError(t, s.Finalize())
		assert.Equal(t, 0, proc.Count())
		assert.NoError(t, s.Finalize(), "second finalize")
		isConfig(t, s.SetA(a))
		isConfig(t, s.Solve(x, b))
		isConfig(t, s.Initialize(c, "hDDI", ""))
	})
	t.Run("InitializeTwice", func(t *testing.T) {
		s, err := session(c, 1, topology.RoundRobin)
		require.NoError(t, err)
		isConfig(t, s.Initialize(c, "hDDI", ""))
		require.NoError(t, s.Finalize())
	})
	t.Run("BadMode", func(t *testing.T) {
		s := New(Options{Runtime: &device.HostRuntime{NumDevices: 1}, Process: amgx.NewProcess()})
		err := s.Initialize(c, "hDDX", "")
		isConfig(t, err)
		var tagged *errs.Error
		require.True(t, errors.As(err, &tagged))
		assert.Equal(t, "initialize", tagged.Phase)
		require.NoError(t, s.Finalize())
	})
	t.Run("NoDevices", func(t *testing.T) {
		s := New(Options{Runtime: &device.HostRuntime{NumDevices: 0}, Process: amgx.NewProcess()})
		isConfig(t, s.Initialize(c, "hDDI", ""))
	})
}

func TestSession_SharedProcessContext(t *testing.T) {
	// Two sessions in one process share the resource context
	c := comm.NewLocalWorld(1).Comm(0)
	proc := amgx.NewProcess()
	rt := &device.HostRuntime{NumDevices: 1}
	first, second := New(Options{Runtime: rt, Process: proc}), New(Options{Runtime: rt, Process: proc})
	require.NoError(t, first.Initialize(c, "hDDI", ""))
	require.NoError(t, second.Initialize(c, "hDFI", ""))
	assert.Equal(t, 2, proc.Count())
	require.NoError(t, first.Finalize())
	assert.Equal(t, 1, proc.Count())

	a, err := matrix.Poisson2D(c, 3, 3)
	require.NoError(t, err)
	require.NoError(t, second.SetA(a))
	x, b := a.NewVector(), a.NewVector()
	b.Set(1)
	require.NoError(t, second.Solve(x, b))
	assert.Equal(t, amgx.SolveSuccess, second.Status())
	require.NoError(t, second.Finalize())
	assert.Equal(t, 0, proc.Count())
}

func TestSession_DeviceMode(t *testing.T) {
	c := comm.NewLocalWorld(1).Comm(0)
	rt := device.NewOCCARuntime(utils.TestBackend())
	defer rt.Close()
	s := New(Options{Runtime: rt, Process: amgx.NewProcess()})
	require.NoError(t, s.Initialize(c, "dDDI", ""))
	defer s.Finalize()

	a, err := matrix.Poisson2D(c, 6, 6)
	require.NoError(t, err)
	require.NoError(t, s.SetA(a))
	x, b := a.NewVector(), a.NewVector()
	b.Set(1)
	require.NoError(t, s.Solve(x, b))
	assert.Equal(t, amgx.SolveSuccess, s.Status())
	res, err := residual(a, x, b, 1)
	require.NoError(t, err)
	assert.Less(t, res, 1e-7)

	r0, err := s.GetResidual(0)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, r0, 1e-12)
	assert.Positive(t, s.GetMemUsage())
}
