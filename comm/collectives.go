package comm

import (
	"math"
	"sort"

	"github.com/notargets/AmgXGo/errs"
)

// Collectives route through rank 0 of the communicator: contributions are
// gathered to the root, combined there, and sent back out. Because every
// message goes rank-to-root or root-to-rank, blocking transports cannot
// deadlock regardless of message size.

func barrier(c Communicator) error {
	if _, err := Gatherv(c, 0, nil); err != nil {
		return err
	}
	_, err := Bcast(c, 0, nil)
	return err
}

// Gatherv collects one slice from every rank at root, indexed by rank.
// Non-root ranks receive nil.
func Gatherv(c Communicator, root int, data []float64) ([][]float64, error) {
	if c.Rank() != root {
		return nil, c.Send(data, root, tagGather)
	}
	out := make([][]float64, c.Size())
	for r := 0; r < c.Size(); r++ {
		if r == root {
			out[r] = append([]float64(nil), data...)
			continue
		}
		msg, err := c.Recv(r, tagGather)
		if err != nil {
			return nil, err
		}
		out[r] = msg
	}
	return out, nil
}

// Bcast returns root's data on every rank
func Bcast(c Communicator, root int, data []float64) ([]float64, error) {
	if c.Rank() != root {
		return c.Recv(root, tagBcast)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(data, r, tagBcast); err != nil {
			return nil, err
		}
	}
	return append([]float64(nil), data...), nil
}

// Scatterv delivers parts[r] from root to rank r. parts is only read on root.
func Scatterv(c Communicator, root int, parts [][]float64) ([]float64, error) {
	if c.Rank() != root {
		return c.Recv(root, tagBcast)
	}
	for r := 0; r < c.Size(); r++ {
		if r == root {
			continue
		}
		if err := c.Send(parts[r], r, tagBcast); err != nil {
			return nil, err
		}
	}
	return append([]float64(nil), parts[root]...), nil
}

// Allgatherv returns every rank's contribution on every rank, indexed by rank
func Allgatherv(c Communicator, data []float64) ([][]float64, error) {
	parts, err := Gatherv(c, 0, data)
	if err != nil {
		return nil, err
	}
	var packed []float64
	if c.Rank() == 0 {
		packed = pack(parts)
	}
	if packed, err = Bcast(c, 0, packed); err != nil {
		return nil, err
	}
	return unpack(packed), nil
}

// Allgather concatenates every rank's contribution in rank order
func Allgather(c Communicator, data []float64) ([]float64, error) {
	parts, err := Allgatherv(c, data)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// AllgatherInts is Allgather for a single int per rank
func AllgatherInts(c Communicator, v int) ([]int, error) {
	all, err := Allgather(c, []float64{float64(v)})
	if err != nil {
		return nil, err
	}
	return Ints(all), nil
}

// Alltoallv sends send[d] to rank d and returns what every rank sent here,
// indexed by source rank.
func Alltoallv(c Communicator, send [][]float64) ([][]float64, error) {
	if len(send) != c.Size() {
		send = append(send, make([][]float64, c.Size()-len(send))...)
	}
	parts, err := Gatherv(c, 0, pack(send))
	if err != nil {
		return nil, err
	}
	var mine []float64
	if c.Rank() == 0 {
		outgoing := make([][]float64, c.Size())
		bySource := make([][][]float64, c.Size())
		for src, p := range parts {
			bySource[src] = unpack(p)
		}
		for dst := 0; dst < c.Size(); dst++ {
			col := make([][]float64, c.Size())
			for src := 0; src < c.Size(); src++ {
				col[src] = bySource[src][dst]
			}
			outgoing[dst] = pack(col)
		}
		if mine, err = Scatterv(c, 0, outgoing); err != nil {
			return nil, err
		}
	} else if mine, err = Scatterv(c, 0, nil); err != nil {
		return nil, err
	}
	return unpack(mine), nil
}

// AllreduceSum sums vals elementwise over all ranks. Every rank adds the
// contributions in rank order, so all ranks hold bit-identical results.
func AllreduceSum(c Communicator, vals []float64) ([]float64, error) {
	parts, err := Allgatherv(c, vals)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for _, p := range parts {
		for i := range out {
			if i < len(p) {
				out[i] += p[i]
			}
		}
	}
	return out, nil
}

// AllreduceMax takes the elementwise maximum over all ranks
func AllreduceMax(c Communicator, vals []float64) ([]float64, error) {
	parts, err := Allgatherv(c, vals)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(vals))
	for i := range out {
		out[i] = math.Inf(-1)
	}
	for _, p := range parts {
		for i := range out {
			if i < len(p) && p[i] > out[i] {
				out[i] = p[i]
			}
		}
	}
	return out, nil
}

// Agree is the partial-failure handshake: every rank reports whether it
// failed and all ranks learn if anyone did. A failing rank gets its own err
// back; the others get a PartialFailure error so no rank proceeds into the
// next collective alone.
func Agree(c Communicator, err error) error {
	flag := 0.
	if err != nil {
		flag = 1
	}
	all, cerr := AllreduceMax(c, []float64{flag})
	if cerr != nil {
		if err != nil {
			return err
		}
		return cerr
	}
	if err != nil {
		return err
	}
	if all[0] > 0 {
		return errs.PartialFailuref("a peer rank failed")
	}
	return nil
}

// SplitShared groups the ranks that run on the same node, like
// MPI_COMM_TYPE_SHARED. Nodes are told apart by processor name.
func SplitShared(c Communicator) (Communicator, error) {
	name := c.ProcessorName()
	encoded := make([]float64, len(name))
	for i := 0; i < len(name); i++ {
		encoded[i] = float64(name[i])
	}
	names, err := Allgatherv(c, encoded)
	if err != nil {
		return nil, err
	}
	color := c.Rank()
	for r, n := range names {
		if equalFloats(n, encoded) {
			color = r
			break
		}
	}
	return c.Split(color, c.Rank())
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// split is the generic Split shared by all transports: sub-communicators are
// views that translate ranks onto their parent.
func split(parent Communicator, color, key int) (Communicator, error) {
	all, err := Allgather(parent, []float64{float64(color), float64(key)})
	if err != nil {
		return nil, err
	}
	if color == Undefined {
		return nil, nil
	}
	type entry struct{ key, rank int }
	var group []entry
	for r := 0; r < parent.Size(); r++ {
		if int(all[2*r]) == color {
			group = append(group, entry{key: int(all[2*r+1]), rank: r})
		}
	}
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].key != group[j].key {
			return group[i].key < group[j].key
		}
		return group[i].rank < group[j].rank
	})
	sub := &subComm{parent: parent, members: make([]int, len(group))}
	for i, e := range group {
		sub.members[i] = e.rank
		if e.rank == parent.Rank() {
			sub.rank = i
		}
	}
	return sub, nil
}

type subComm struct {
	parent  Communicator
	members []int
	rank    int
}

func (c *subComm) Rank() int             { return c.rank }
func (c *subComm) Size() int             { return len(c.members) }
func (c *subComm) ProcessorName() string { return c.parent.ProcessorName() }
func (c *subComm) Barrier() error        { return barrier(c) }

func (c *subComm) Send(data []float64, dest, tag int) error {
	return c.parent.Send(data, c.members[dest], tag)
}

func (c *subComm) Recv(src, tag int) ([]float64, error) {
	return c.parent.Recv(c.members[src], tag)
}

func (c *subComm) Split(color, key int) (Communicator, error) {
	return split(c, color, key)
}

// Members maps the ranks of a communicator produced by Split onto the ranks
// of the communicator it was split from. Top-level communicators map onto
// themselves.
func Members(c Communicator) []int {
	if s, ok := c.(*subComm); ok {
		return append([]int(nil), s.members...)
	}
	out := make([]int, c.Size())
	for i := range out {
		out[i] = i
	}
	return out
}

// pack flattens parts into [n, len0, len1, ..., data0..., data1...]
func pack(parts [][]float64) []float64 {
	total := 1 + len(parts)
	for _, p := range parts {
		total += len(p)
	}
	out := make([]float64, 0, total)
	out = append(out, float64(len(parts)))
	for _, p := range parts {
		out = append(out, float64(len(p)))
	}
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func unpack(packed []float64) [][]float64 {
	if len(packed) == 0 {
		return nil
	}
	n := int(packed[0])
	out := make([][]float64, n)
	off := 1 + n
	for i := 0; i < n; i++ {
		l := int(packed[1+i])
		out[i] = packed[off : off+l : off+l]
		off += l
	}
	return out
}
