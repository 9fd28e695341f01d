//go:build mpi

package comm

import (
	"os"

	"github.com/pkg/errors"
	mpi "github.com/sbromberger/gompi"
)

// Every message carries its own length up front so that empty payloads,
// which gompi cannot address, still travel.

type mpiComm struct {
	c    mpi.Communicator
	host string
}

// MPIEnabled reports whether the binary was built with the mpi tag
const MPIEnabled = true

// StartMPI initializes MPI and returns MPI_COMM_WORLD. Call StopMPI once all
// communication is done.
func StartMPI() (Communicator, error) {
	mpi.Start()
	host, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "processor name")
	}
	return &mpiComm{c: mpi.NewCommunicator(nil), host: host}, nil
}

// StopMPI finalizes MPI
func StopMPI() {
	mpi.Stop()
}

func (m *mpiComm) Rank() int             { return m.c.Rank() }
func (m *mpiComm) Size() int             { return m.c.Size() }
func (m *mpiComm) ProcessorName() string { return m.host }

func (m *mpiComm) Barrier() error {
	m.c.Barrier()
	return nil
}

func (m *mpiComm) Send(data []float64, dest, tag int) error {
	msg := make([]float64, len(data)+1)
	msg[0] = float64(len(data))
	copy(msg[1:], data)
	m.c.SendFloat64s(msg, dest, tag)
	return nil
}

func (m *mpiComm) Recv(src, tag int) ([]float64, error) {
	msg := m.c.RecvFloat64s(src, tag)
	if len(msg) == 0 || int(msg[0]) != len(msg)-1 {
		return nil, errors.Errorf("malformed message from rank %d tag %d", src, tag)
	}
	return msg[1:], nil
}

func (m *mpiComm) Split(color, key int) (Communicator, error) {
	return split(m, color, key)
}
