package matrix

import (
	"sort"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"k8s.io/klog/v2"
)

// SubMatrix redistributes the matrix so that each rank owns the global rows
// it passes in rows. The union of all requested rows also selects the kept
// columns. Row and column ids keep their original global numbering.
// Collective over the matrix communicator; every requested row must be owned
// by some rank and no row may be requested twice.
func (m *DistMatrix) SubMatrix(rows []int) (*DistMatrix, error) {
	if m.storage != Compressed {
		return nil, errs.Formatf("matrix is not in compressed-row form")
	}
	c := m.comm
	want := append([]int(nil), rows...)
	sort.Ints(want)

	requests, err := comm.Allgatherv(c, comm.Floats(want))
	if err != nil {
		return nil, err
	}

	keep := make([]bool, m.nCols)
	requested := 0
	for _, req := range requests {
		for _, r := range req {
			if int(r) < len(keep) {
				keep[int(r)] = true
			}
			requested++
		}
	}
	filter := requested != m.nCols

	// Rows travel as [row, nnz, cols..., vals...]
	send := make([][]float64, c.Size())
	for dst, req := range requests {
		var buf []float64
		for _, r := range req {
			i := m.localIndex(int(r))
			if i < 0 {
				continue
			}
			lo, hi := m.rowPtr[i], m.rowPtr[i+1]
			var cols []float64
			var vals []float64
			for k := lo; k < hi; k++ {
				if filter && !keep[m.cols[k]] {
					continue
				}
				cols = append(cols, float64(m.cols[k]))
				vals = append(vals, m.vals[k])
			}
			buf = append(buf, r, float64(len(cols)))
			buf = append(buf, cols...)
			buf = append(buf, vals...)
		}
		send[dst] = buf
	}
	recv, err := comm.Alltoallv(c, send)
	if err != nil {
		return nil, err
	}

	type rowData struct {
		cols []int
		vals []float64
	}
	got := make(map[int]rowData, len(want))
	for _, buf := range recv {
		for off := 0; off < len(buf); {
			row, nnz := int(buf[off]), int(buf[off+1])
			off += 2
			got[row] = rowData{
				cols: comm.Ints(buf[off : off+nnz]),
				vals: append([]float64(nil), buf[off+nnz:off+2*nnz]...),
			}
			off += 2 * nnz
		}
	}

	rowPtr := make([]int, len(want)+1)
	var cols []int
	var vals []float64
	for i, row := range want {
		if i > 0 && want[i-1] == row {
			return nil, errs.Configf("row %d requested twice", row)
		}
		rd, ok := got[row]
		if !ok {
			return nil, errs.Formatf("row %d is not owned by any rank", row)
		}
		cols = append(cols, rd.cols...)
		vals = append(vals, rd.vals...)
		rowPtr[i+1] = len(cols)
	}
	klog.V(2).Infof("rank %d: submatrix holds %d rows, %d nonzeros", c.Rank(), len(want), len(vals))
	return &DistMatrix{
		comm:    c,
		nRows:   m.nRows,
		nCols:   m.nCols,
		rows:    want,
		storage: Compressed,
		rowPtr:  rowPtr,
		cols:    cols,
		vals:    vals,
	}, nil
}
