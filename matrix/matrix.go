// Package matrix is the distributed sparse matrix and vector the solver
// consumes. Rows are distributed across the ranks of a communicator; every
// rank stores its rows in compressed-row form with global column ids.
package matrix

import (
	"sort"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Kind is the storage layout class of a matrix
type Kind uint8

const (
	// SequentialBlock is a matrix held entirely by a single-rank communicator
	SequentialBlock Kind = iota
	// DistributedBlock is a matrix whose rows are spread over several ranks
	DistributedBlock
)

func (k Kind) String() string {
	if k == SequentialBlock {
		return "SequentialBlock"
	}
	return "DistributedBlock"
}

// Storage tells whether the local rows are assembled
type Storage uint8

const (
	Triplet Storage = iota
	Compressed
)

type entry struct {
	row, col int
}

// DistMatrix is a row-distributed sparse matrix
type DistMatrix struct {
	comm         comm.Communicator
	nRows, nCols int
	rows         []int // owned global rows, ascending

	storage  Storage
	rowPtr   []int
	cols     []int
	vals     []float64
	triplets map[entry]float64
	borrowed bool
}

// NewDistMatrix creates an unassembled matrix. Every rank owns nLocalRows
// consecutive rows, in rank order. Collective over c.
func NewDistMatrix(c comm.Communicator, nGlobalRows, nGlobalCols, nLocalRows int) (*DistMatrix, error) {
	counts, err := comm.AllgatherInts(c, nLocalRows)
	if err != nil {
		return nil, err
	}
	start, total := 0, 0
	for r, n := range counts {
		if r < c.Rank() {
			start += n
		}
		total += n
	}
	if total != nGlobalRows {
		return nil, errs.Configf("local row counts sum to %d, global size is %d", total, nGlobalRows)
	}
	rows := make([]int, nLocalRows)
	for i := range rows {
		rows[i] = start + i
	}
	return &DistMatrix{
		comm:     c,
		nRows:    nGlobalRows,
		nCols:    nGlobalCols,
		rows:     rows,
		storage:  Triplet,
		triplets: make(map[entry]float64),
	}, nil
}

// NewFromCSR wraps assembled rows. rows lists the owned global rows in
// ascending order; rowPtr, cols and vals describe them in that order. The
// matrix takes ownership of the slices.
func NewFromCSR(c comm.Communicator, nGlobalRows, nGlobalCols int, rows, rowPtr, cols []int,
	vals []float64) (*DistMatrix, error) {
	if len(rowPtr) != len(rows)+1 {
		return nil, errs.Formatf("row pointer has %d entries for %d rows", len(rowPtr), len(rows))
	}
	if rowPtr[0] != 0 || rowPtr[len(rows)] != len(cols) || len(cols) != len(vals) {
		return nil, errs.Formatf("inconsistent CSR arrays: nnz %d, %d columns, %d values",
			rowPtr[len(rows)], len(cols), len(vals))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i] <= rows[i-1] {
			return nil, errs.Formatf("owned rows must be strictly ascending")
		}
	}
	return &DistMatrix{
		comm:    c,
		nRows:   nGlobalRows,
		nCols:   nGlobalCols,
		rows:    rows,
		storage: Compressed,
		rowPtr:  rowPtr,
		cols:    cols,
		vals:    vals,
	}, nil
}

// Comm returns the communicator the matrix is distributed over
func (m *DistMatrix) Comm() comm.Communicator { return m.comm }

// Kind is SequentialBlock on single-rank communicators
func (m *DistMatrix) Kind() Kind {
	if m.comm.Size() == 1 {
		return SequentialBlock
	}
	return DistributedBlock
}

// Storage reports whether the matrix has been assembled
func (m *DistMatrix) Storage() Storage { return m.storage }

// GlobalSize returns the global dimensions
func (m *DistMatrix) GlobalSize() (rows, cols int) { return m.nRows, m.nCols }

// Rows returns the owned global rows in ascending order. The slice must not
// be modified.
func (m *DistMatrix) Rows() []int { return m.rows }

// LocalRows is the number of owned rows
func (m *DistMatrix) LocalRows() int { return len(m.rows) }

// LocalNNZ is the number of stored entries in the owned rows
func (m *DistMatrix) LocalNNZ() int {
	if m.storage == Compressed {
		return len(m.vals)
	}
	return len(m.triplets)
}

// OwnershipRange returns [start, end) of the owned rows. ok is false when the
// rows are not consecutive.
func (m *DistMatrix) OwnershipRange() (start, end int, ok bool) {
	if len(m.rows) == 0 {
		return 0, 0, true
	}
	start, end = m.rows[0], m.rows[len(m.rows)-1]+1
	return start, end, end-start == len(m.rows)
}

func (m *DistMatrix) localIndex(row int) int {
	i := sort.SearchInts(m.rows, row)
	if i < len(m.rows) && m.rows[i] == row {
		return i
	}
	return -1
}

// SetValue stores a(row, col) = v. Assembled matrices return to triplet
// storage until the next assembly.
func (m *DistMatrix) SetValue(row, col int, v float64) error {
	if err := m.checkEntry(row, col); err != nil {
		return err
	}
	m.toTriplets()
	m.triplets[entry{row, col}] = v
	return nil
}

// AddValue accumulates v into a(row, col)
func (m *DistMatrix) AddValue(row, col int, v float64) error {
	if err := m.checkEntry(row, col); err != nil {
		return err
	}
	m.toTriplets()
	m.triplets[entry{row, col}] += v
	return nil
}

func (m *DistMatrix) checkEntry(row, col int) error {
	if m.borrowed {
		return errors.New("matrix storage is borrowed")
	}
	if m.localIndex(row) < 0 {
		return errs.Formatf("row %d is not owned by rank %d", row, m.comm.Rank())
	}
	if col < 0 || col >= m.nCols {
		return errs.Formatf("column %d outside [0, %d)", col, m.nCols)
	}
	return nil
}

func (m *DistMatrix) toTriplets() {
	if m.storage == Triplet {
		return
	}
	m.triplets = make(map[entry]float64, len(m.vals))
	for i, row := range m.rows {
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			m.triplets[entry{row, m.cols[k]}] = m.vals[k]
		}
	}
	m.rowPtr, m.cols, m.vals = nil, nil, nil
	m.storage = Triplet
}

// AssemblyBegin starts assembly. Only locally owned entries are supported,
// so there is nothing to communicate.
func (m *DistMatrix) AssemblyBegin() error {
	if m.borrowed {
		return errors.New("cannot assemble a borrowed matrix")
	}
	return nil
}

// AssemblyEnd converts the stored entries to compressed rows with ascending
// columns.
func (m *DistMatrix) AssemblyEnd() error {
	if m.storage == Compressed {
		return nil
	}
	perRow := make([][]int, len(m.rows))
	for e := range m.triplets {
		i := m.localIndex(e.row)
		perRow[i] = append(perRow[i], e.col)
	}
	m.rowPtr = make([]int, len(m.rows)+1)
	m.cols = make([]int, 0, len(m.triplets))
	m.vals = make([]float64, 0, len(m.triplets))
	for i, row := range m.rows {
		sort.Ints(perRow[i])
		for _, col := range perRow[i] {
			m.cols = append(m.cols, col)
			m.vals = append(m.vals, m.triplets[entry{row, col}])
		}
		m.rowPtr[i+1] = len(m.cols)
	}
	m.triplets = nil
	m.storage = Compressed
	return nil
}

// Assemble runs AssemblyBegin and AssemblyEnd
func (m *DistMatrix) Assemble() error {
	if err := m.AssemblyBegin(); err != nil {
		return err
	}
	return m.AssemblyEnd()
}

// CSRBorrow exposes the local CSR arrays until Release is called. The arrays
// alias the matrix storage and must not be retained past Release.
type CSRBorrow struct {
	RowPtr []int
	Cols   []int
	Vals   []float64
	m      *DistMatrix
}

// BorrowCSR lends out the local compressed rows
func (m *DistMatrix) BorrowCSR() (*CSRBorrow, error) {
	if m.storage != Compressed {
		return nil, errs.Formatf("matrix is not in compressed-row form")
	}
	if m.borrowed {
		return nil, errors.New("matrix storage is already borrowed")
	}
	m.borrowed = true
	return &CSRBorrow{RowPtr: m.rowPtr, Cols: m.cols, Vals: m.vals, m: m}, nil
}

// Release returns the arrays to the matrix. Releasing twice is a no-op.
func (b *CSRBorrow) Release() {
	if b.m != nil {
		b.m.borrowed = false
		b.m = nil
	}
	b.RowPtr, b.Cols, b.Vals = nil, nil, nil
}

// LocalDense returns the owned rows as a dense LocalRows x nCols matrix
func (m *DistMatrix) LocalDense() (*mat.Dense, error) {
	if m.storage != Compressed {
		return nil, errs.Formatf("matrix is not in compressed-row form")
	}
	if len(m.rows) == 0 {
		return nil, errors.New("no local rows")
	}
	d := mat.NewDense(len(m.rows), m.nCols, nil)
	for i := range m.rows {
		for k := m.rowPtr[i]; k < m.rowPtr[i+1]; k++ {
			d.Set(i, m.cols[k], m.vals[k])
		}
	}
	return d, nil
}

// Destroy drops the local storage. Any later use of the matrix fails with a
// Format error.
func (m *DistMatrix) Destroy() {
	m.rowPtr, m.cols, m.vals, m.triplets = nil, nil, nil, nil
	m.rows = nil
	m.storage = Triplet
}
