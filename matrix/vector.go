package matrix

import (
	"math"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Vector is a distributed vector. Each rank holds the entries of its owned
// global rows in ascending row order.
type Vector struct {
	comm     comm.Communicator
	n        int
	rows     []int
	data     []float64
	borrowed bool
}

// NewVector creates a zero vector owning rows
func NewVector(c comm.Communicator, nGlobal int, rows []int) *Vector {
	return &Vector{comm: c, n: nGlobal, rows: rows, data: make([]float64, len(rows))}
}

// NewVector creates a zero vector with the row layout of the matrix
func (m *DistMatrix) NewVector() *Vector {
	return NewVector(m.comm, m.nRows, m.rows)
}

func (v *Vector) Comm() comm.Communicator { return v.comm }
func (v *Vector) GlobalSize() int         { return v.n }
func (v *Vector) Rows() []int             { return v.rows }
func (v *Vector) Len() int                { return len(v.data) }

// Set assigns val to every local entry
func (v *Vector) Set(val float64) {
	for i := range v.data {
		v.data[i] = val
	}
}

// SetValues copies vals into the local entries
func (v *Vector) SetValues(vals []float64) error {
	if len(vals) != len(v.data) {
		return errs.Formatf("vector holds %d local entries, got %d", len(v.data), len(vals))
	}
	copy(v.data, vals)
	return nil
}

// Values returns a copy of the local entries
func (v *Vector) Values() []float64 {
	return append([]float64(nil), v.data...)
}

// ArrayBorrow exposes the local entries until Release
type ArrayBorrow struct {
	Data []float64
	v    *Vector
}

// BorrowArray lends out the local entries for in-place access
func (v *Vector) BorrowArray() (*ArrayBorrow, error) {
	if v.borrowed {
		return nil, errors.New("vector array is already borrowed")
	}
	v.borrowed = true
	return &ArrayBorrow{Data: v.data, v: v}, nil
}

// Release returns the array. Releasing twice is a no-op.
func (b *ArrayBorrow) Release() {
	if b.v != nil {
		b.v.borrowed = false
		b.v = nil
	}
	b.Data = nil
}

// Norm2 is the global Euclidean norm. Collective.
func (v *Vector) Norm2() (float64, error) {
	sum, err := comm.AllreduceSum(v.comm, []float64{floats.Dot(v.data, v.data)})
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sum[0]), nil
}

// Mult computes y = A x. x and y must have the row layout of A. Collective.
func (m *DistMatrix) Mult(x, y *Vector) error {
	if m.storage != Compressed {
		return errs.Formatf("matrix is not in compressed-row form")
	}
	if len(x.data) != len(m.rows) || len(y.data) != len(m.rows) {
		return errs.Formatf("vector layout does not match matrix rows")
	}
	full, err := gatherDense(m.comm, m.nCols, x)
	if err != nil {
		return err
	}
	for i := range m.rows {
		sum := 0.
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			sum += m.vals[k] * full[m.cols[k]]
		}
		y.data[i] = sum
	}
	return nil
}

func gatherDense(c comm.Communicator, n int, x *Vector) ([]float64, error) {
	send := make([]float64, 0, 2*len(x.rows))
	for i, r := range x.rows {
		send = append(send, float64(r), x.data[i])
	}
	all, err := comm.Allgather(c, send)
	if err != nil {
		return nil, err
	}
	full := make([]float64, n)
	for i := 0; i+1 < len(all); i += 2 {
		full[int(all[i])] = all[i+1]
	}
	return full, nil
}
