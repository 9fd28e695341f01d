package matrix

import (
	"github.com/notargets/AmgXGo/comm"
)

// EvenRows splits n rows over size ranks, giving the remainder to the lowest
// ranks.
func EvenRows(n, size, rank int) int {
	rows := n / size
	if rank < n%size {
		rows++
	}
	return rows
}

// Poisson2D assembles the 5-point Laplacian of an nx by ny grid with
// Dirichlet boundaries, rows ordered x fastest and split evenly across c.
// Collective.
func Poisson2D(c comm.Communicator, nx, ny int) (*DistMatrix, error) {
	n := nx * ny
	a, err := NewDistMatrix(c, n, n, EvenRows(n, c.Size(), c.Rank()))
	if err != nil {
		return nil, err
	}
	for _, row := range a.Rows() {
		i, j := row%nx, row/nx
		if err = a.SetValue(row, row, 4); err != nil {
			return nil, err
		}
		neighbors := []struct {
			ok  bool
			col int
		}{
			{i > 0, row - 1},
			{i < nx-1, row + 1},
			{j > 0, row - nx},
			{j < ny-1, row + nx},
		}
		for _, nb := range neighbors {
			if !nb.ok {
				continue
			}
			if err = a.SetValue(row, nb.col, -1); err != nil {
				return nil, err
			}
		}
	}
	if err = a.Assemble(); err != nil {
		return nil, err
	}
	return a, nil
}
