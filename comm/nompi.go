//go:build !mpi

package comm

// MPIEnabled reports whether the binary was built with the mpi tag
const MPIEnabled = false

// StartMPI without MPI support returns a single-rank world
func StartMPI() (Communicator, error) {
	return NewLocalWorld(1).Comm(0), nil
}

// StopMPI is a no-op without MPI support
func StopMPI() {}
