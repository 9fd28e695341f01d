package amgx

import (
	"fmt"
	"sort"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/device"
	"github.com/notargets/AmgXGo/errs"
	"github.com/notargets/AmgXGo/partitions"
	"k8s.io/klog/v2"
)

// Matrix is the distributed solver matrix. Each gpuWorld rank holds the rows
// its partition owns, in ascending global order, with columns renumbered
// into [owned rows..., halo rows...].
type Matrix struct {
	rsrc *Resources
	mode Mode

	nGlobal int
	rows    []int
	rowPtr  []int
	cols    []int
	vals    []float64

	halo *haloPlan
	ext  []float64
	pool *device.Pool
}

// NewMatrix creates an empty matrix handle
func NewMatrix(rsrc *Resources, mode Mode) *Matrix {
	return &Matrix{rsrc: rsrc, mode: mode}
}

// NumRows is the number of rows held on this rank
func (m *Matrix) NumRows() int { return len(m.rows) }

// NNZ is the number of entries held on this rank
func (m *Matrix) NNZ() int { return len(m.vals) }

// UploadDistributed loads this rank's block. rowPtr, cols and vals describe
// nLocal rows with global column ids; pd names the partition owning every
// global row. Collective over the resource communicator.
func (m *Matrix) UploadDistributed(nGlobal, nLocal, nnz int, rowPtr []int, cols []int64, vals []float64,
	pd *partitions.PartitionData) error {
	return m.upload(nGlobal, nLocal, nnz, rowPtr, cols, vals, pd)
}

// UploadAllGlobal is UploadDistributed with a partition vector. A nil
// partVec assigns contiguous row ranges in rank order, sized by nLocal.
// Collective over the resource communicator.
func (m *Matrix) UploadAllGlobal(nGlobal, nLocal, nnz int, rowPtr []int, cols []int64, vals []float64,
	partVec []int) error {
	gpu := m.rsrc.Comm
	pd := &partitions.PartitionData{NumPartitions: gpu.Size(), NumRows: nGlobal}
	if partVec == nil {
		counts, err := comm.AllgatherInts(gpu, nLocal)
		if err != nil {
			return err
		}
		pd.UsesOffsets = true
		pd.Offsets = make([]int, len(counts)+1)
		for p, n := range counts {
			pd.Offsets[p+1] = pd.Offsets[p] + n
		}
	} else {
		pd.PartitionVector = partVec
	}
	return m.upload(nGlobal, nLocal, nnz, rowPtr, cols, vals, pd)
}

func (m *Matrix) validate(nGlobal, nLocal, nnz int, rowPtr []int, cols []int64, vals []float64,
	pd *partitions.PartitionData) ([]int, error) {
	gpu := m.rsrc.Comm
	if pd == nil {
		return nil, errs.Configf("missing partition data")
	}
	if pd.NumRows != nGlobal || pd.NumPartitions != gpu.Size() {
		return nil, errs.Configf("partition data covers %d rows in %d partitions, expected %d rows in %d",
			pd.NumRows, pd.NumPartitions, nGlobal, gpu.Size())
	}
	if err := pd.Validate(); err != nil {
		return nil, err
	}
	if len(rowPtr) != nLocal+1 || rowPtr[0] != 0 || rowPtr[nLocal] != nnz {
		return nil, errs.Formatf("row offsets do not describe %d rows with %d nonzeros", nLocal, nnz)
	}
	if len(cols) != nnz || len(vals) != nnz {
		return nil, errs.Formatf("%d columns and %d values for %d nonzeros", len(cols), len(vals), nnz)
	}
	for i := 0; i < nLocal; i++ {
		if rowPtr[i+1] < rowPtr[i] {
			return nil, errs.Formatf("row offsets decrease at row %d", i)
		}
	}
	for _, c := range cols {
		if c < 0 || int(c) >= nGlobal {
			return nil, errs.Formatf("column %d outside [0, %d)", c, nGlobal)
		}
	}
	me := gpu.Rank()
	if n := pd.RowCount(me); n != nLocal {
		return nil, errs.Formatf("partition %d owns %d rows, block has %d", me, n, nLocal)
	}
	rows := make([]int, 0, nLocal)
	if pd.UsesOffsets {
		for r := pd.Offsets[me]; r < pd.Offsets[me+1]; r++ {
			rows = append(rows, r)
		}
	} else {
		for r, owner := range pd.PartitionVector {
			if owner == me {
				rows = append(rows, r)
			}
		}
	}
	return rows, nil
}

func (m *Matrix) upload(nGlobal, nLocal, nnz int, rowPtr []int, cols []int64, vals []float64,
	pd *partitions.PartitionData) error {
	gpu := m.rsrc.Comm
	rows, err := m.validate(nGlobal, nLocal, nnz, rowPtr, cols, vals, pd)
	if err == nil && m.mode.Memory == Device && m.rsrc.Context.Device == nil {
		err = errs.Devicef("device memory mode %s without an accelerator on device %d", m.mode, m.rsrc.Context.ID)
	}
	if err = comm.Agree(gpu, err); err != nil {
		return err
	}

	m.nGlobal = nGlobal
	m.rows = rows
	m.rowPtr = append(m.rowPtr[:0], rowPtr...)
	m.vals = append(m.vals[:0], vals...)
	round(m.mode.MatrixPrecision, m.vals)
	if m.halo, m.cols, err = newHaloPlan(gpu, pd, rows, cols); err != nil {
		return err
	}
	m.ext = make([]float64, nLocal+m.halo.size)
	klog.V(1).Infof("partition %d: uploaded %d rows, %d nonzeros, %d halo rows",
		gpu.Rank(), nLocal, nnz, m.halo.size)

	if m.mode.Memory == Device {
		return m.uploadDevice()
	}
	return nil
}

// ReplaceCoefficients swaps in new values for the uploaded structure
func (m *Matrix) ReplaceCoefficients(nLocal, nnz int, vals []float64) error {
	if nLocal != len(m.rows) || nnz != len(m.vals) {
		return errs.Mismatchf("replacing %d rows, %d nonzeros in a matrix of %d rows, %d nonzeros",
			nLocal, nnz, len(m.rows), len(m.vals))
	}
	if len(vals) != nnz {
		return errs.Mismatchf("%d values for %d nonzeros", len(vals), nnz)
	}
	copy(m.vals, vals)
	round(m.mode.MatrixPrecision, m.vals)
	if m.pool != nil {
		return errs.WrapDevice(m.pool.Get("vals").CopyFromFloat64(m.vals), "replace coefficients")
	}
	return nil
}

// Bytes is the storage held by the matrix: device buffers in device mode,
// the equivalent index and value arrays in host mode
func (m *Matrix) Bytes() int64 {
	if m.pool != nil {
		return m.pool.Bytes()
	}
	valSize := int64(8)
	if m.mode.MatrixPrecision == Float {
		valSize = 4
	}
	return int64(len(m.rowPtr)+len(m.cols))*4 + int64(len(m.vals))*valSize
}

// Destroy releases the matrix storage
func (m *Matrix) Destroy() {
	if m.pool != nil {
		m.pool.Free()
		m.pool = nil
	}
	m.rows, m.rowPtr, m.cols, m.vals, m.ext = nil, nil, nil, nil, nil
	m.halo = nil
}

// diagonal returns each row's diagonal entry and the absolute sum of its
// couplings to rows held by other partitions
func (m *Matrix) diagonal() (diag, offProc []float64) {
	n := len(m.rows)
	diag = make([]float64, n)
	offProc = make([]float64, n)
	for i := 0; i < n; i++ {
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			switch c := m.cols[k]; {
			case c == i:
				diag[i] += m.vals[k]
			case c >= n:
				if m.vals[k] < 0 {
					offProc[i] -= m.vals[k]
				} else {
					offProc[i] += m.vals[k]
				}
			}
		}
	}
	return diag, offProc
}

// apply computes y = A x. Collective over the resource communicator.
func (m *Matrix) apply(x, y []float64) error {
	n := len(m.rows)
	copy(m.ext[:n], x)
	if err := m.halo.exchange(m.rsrc.Comm, m.ext[:n], m.ext[n:]); err != nil {
		return err
	}
	if m.pool != nil {
		return m.applyDevice(y)
	}
	for i := 0; i < n; i++ {
		var sum float64
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			sum += m.vals[k] * m.ext[m.cols[k]]
		}
		y[i] = sum
	}
	round(m.mode.VectorPrecision, y)
	return nil
}

// haloPlan lists the owned entries each peer needs and where the entries
// received from each peer land in the halo segment
type haloPlan struct {
	size int
	send []partitions.PeerMapping
	recv []partitions.PeerMapping
}

// newHaloPlan renumbers global columns to local ones and agrees with every
// peer on the halo entries exchanged before each product. Collective.
func newHaloPlan(gpu comm.Communicator, pd *partitions.PartitionData, rows []int, cols []int64) (*haloPlan, []int, error) {
	me, size := gpu.Rank(), gpu.Size()
	local := make(map[int]int, len(rows))
	for i, r := range rows {
		local[r] = i
	}

	// Off-partition columns, ordered by owner then global id
	type ghost struct{ owner, row int }
	seen := make(map[int]bool)
	var ghosts []ghost
	for _, c := range cols {
		g := int(c)
		if _, ok := local[g]; ok || seen[g] {
			continue
		}
		seen[g] = true
		ghosts = append(ghosts, ghost{owner: pd.OwnerOf(g), row: g})
	}
	sort.Slice(ghosts, func(i, j int) bool {
		if ghosts[i].owner != ghosts[j].owner {
			return ghosts[i].owner < ghosts[j].owner
		}
		return ghosts[i].row < ghosts[j].row
	})

	plan := &haloPlan{size: len(ghosts)}
	slot := make(map[int]int, len(ghosts))
	requests := make([][]float64, size)
	for i, gh := range ghosts {
		slot[gh.row] = i
		requests[gh.owner] = append(requests[gh.owner], float64(gh.row))
		if n := len(plan.recv); n == 0 || plan.recv[n-1].Rank != gh.owner {
			plan.recv = append(plan.recv, partitions.PeerMapping{Rank: gh.owner})
		}
		last := &plan.recv[len(plan.recv)-1]
		last.LocalIndices = append(last.LocalIndices, i)
	}

	incoming, err := comm.Alltoallv(gpu, requests)
	if err != nil {
		return nil, nil, err
	}
	for p, want := range incoming {
		if len(want) == 0 {
			continue
		}
		pm := partitions.PeerMapping{Rank: p, LocalIndices: make([]int, len(want))}
		for i, g := range want {
			li, ok := local[int(g)]
			if !ok {
				return nil, nil, errs.Formatf("partition %d asked partition %d for row %d it does not hold",
					p, me, int(g))
			}
			pm.LocalIndices[i] = li
		}
		plan.send = append(plan.send, pm)
	}

	n := len(rows)
	renumbered := make([]int, len(cols))
	for k, c := range cols {
		if li, ok := local[int(c)]; ok {
			renumbered[k] = li
		} else {
			renumbered[k] = n + slot[int(c)]
		}
	}
	return plan, renumbered, nil
}

// exchange fills halo from the owned entries of the peers. Collective.
func (h *haloPlan) exchange(gpu comm.Communicator, owned, halo []float64) error {
	sends := make([][]float64, gpu.Size())
	for _, pm := range h.send {
		buf := make([]float64, len(pm.LocalIndices))
		for i, li := range pm.LocalIndices {
			buf[i] = owned[li]
		}
		sends[pm.Rank] = buf
	}
	recvs, err := comm.Alltoallv(gpu, sends)
	if err != nil {
		return err
	}
	for _, pm := range h.recv {
		got := recvs[pm.Rank]
		if len(got) != len(pm.LocalIndices) {
			return errs.Formatf("halo from partition %d has %d entries, expected %d",
				pm.Rank, len(got), len(pm.LocalIndices))
		}
		for i, s := range pm.LocalIndices {
			halo[s] = got[i]
		}
	}
	return nil
}

func typeName(p Precision) string {
	if p == Float {
		return "float"
	}
	return "double"
}

func bufferType(p Precision) device.DataType {
	if p == Float {
		return device.Float32
	}
	return device.Float64
}

// spmvKernel is the CSR product over one partition, accumulating in double
const spmvKernel = `
@kernel void csrSpMV(const int nRows,
                     const int *rowPtr,
                     const int *cols,
                     const %[1]s *vals,
                     const %[2]s *x,
                     %[2]s *y) {
  for (int b = 0; b < nRows; b += 64; @outer) {
    for (int row = b; row < b + 64; ++row; @inner) {
      if (row < nRows) {
        double sum = 0.0;
        for (int k = rowPtr[row]; k < rowPtr[row + 1]; ++k) {
          sum += (double)vals[k] * (double)x[cols[k]];
        }
        y[row] = (%[2]s)sum;
      }
    }
  }
}
`

func (m *Matrix) uploadDevice() error {
	if m.pool == nil {
		m.pool = device.NewPool(m.rsrc.Context.Device)
	}
	p := m.pool
	n := len(m.rows)
	src := fmt.Sprintf(spmvKernel, typeName(m.mode.MatrixPrecision), typeName(m.mode.VectorPrecision))
	if _, err := p.BuildKernel(src, "csrSpMV"); err != nil {
		return errs.WrapDevice(err, "build product kernel")
	}
	toInt64 := func(v []int) []int64 {
		out := make([]int64, len(v))
		for i, x := range v {
			out[i] = int64(x)
		}
		return out
	}
	steps := []struct {
		name string
		t    device.DataType
		n    int
		load func(b *device.Buffer) error
	}{
		{"rowPtr", device.Int32, n + 1, func(b *device.Buffer) error { return b.CopyFromInt64(toInt64(m.rowPtr)) }},
		{"cols", device.Int32, len(m.cols), func(b *device.Buffer) error { return b.CopyFromInt64(toInt64(m.cols)) }},
		{"vals", bufferType(m.mode.MatrixPrecision), len(m.vals), func(b *device.Buffer) error { return b.CopyFromFloat64(m.vals) }},
		{"x", bufferType(m.mode.VectorPrecision), len(m.ext), nil},
		{"y", bufferType(m.mode.VectorPrecision), n, nil},
	}
	for _, s := range steps {
		b, err := p.Alloc(s.name, s.t, s.n)
		if err != nil {
			return errs.WrapDevice(err, "allocate %s", s.name)
		}
		if s.load != nil {
			if err = s.load(b); err != nil {
				return errs.WrapDevice(err, "upload %s", s.name)
			}
		}
	}
	return nil
}

func (m *Matrix) applyDevice(y []float64) error {
	p := m.pool
	if err := p.Get("x").CopyFromFloat64(m.ext); err != nil {
		return errs.WrapDevice(err, "upload product input")
	}
	err := p.Kernels["csrSpMV"].RunWithArgs(len(m.rows),
		p.Get("rowPtr").Mem, p.Get("cols").Mem, p.Get("vals").Mem,
		p.Get("x").Mem, p.Get("y").Mem)
	if err != nil {
		return errs.WrapDevice(err, "run product kernel")
	}
	p.Device.Finish()
	return errs.WrapDevice(p.Get("y").CopyToFloat64(y), "download product")
}
