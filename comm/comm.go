// Package comm provides the MPI-style communicator used by every stage of the
// solver pipeline. A Communicator is a point-to-point transport plus a rank
// and a size; collectives, splits and agreement are built on top of it so
// that the in-process LocalWorld and the MPI transport share one algorithm.
//
// All calls are blocking. Every member of a communicator must call the same
// sequence of collectives in the same order, exactly as with MPI.
package comm

import (
	"github.com/pkg/errors"
)

// Undefined is the Split color of ranks that do not join any sub-communicator
const Undefined = -1

// Message tags used by the collectives
const (
	tagBarrier = iota + 1
	tagGather
	tagBcast
)

// ErrAborted is returned by blocked receives when the world has been torn
// down because a peer failed.
var ErrAborted = errors.New("communicator aborted")

// Communicator is the minimal transport every collective is built on
type Communicator interface {
	Rank() int
	Size() int
	Barrier() error

	// Send delivers a copy of data to dest. It may return before dest posts
	// its receive.
	Send(data []float64, dest, tag int) error

	// Recv blocks for the next message from src carrying tag. Messages between
	// a pair of ranks with the same tag arrive in the order they were sent.
	Recv(src, tag int) ([]float64, error)

	// ProcessorName identifies the compute node the rank runs on
	ProcessorName() string

	// Split partitions the communicator by color, ordering each group by key
	// and then by parent rank. Ranks passing Undefined get a nil Communicator.
	Split(color, key int) (Communicator, error)
}

// Ints converts float64 payload entries back to ints
func Ints(v []float64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// Floats converts ints to a float64 payload. Values must stay below 2^53.
func Floats(v []int) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// Int64s converts a float64 payload to int64 values
func Int64s(v []float64) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

// FromInt64s converts int64 values to a float64 payload
func FromInt64s(v []int64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
