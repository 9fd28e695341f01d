package partitions

import (
	"sort"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/errs"
	"github.com/pkg/errors"
)

// PeerMapping lists the local positions exchanged with one peer rank, in the
// order the values travel
type PeerMapping struct {
	Rank         int
	LocalIndices []int
}

// ScatterMap moves a vector between two row layouts over one communicator.
// Forward goes from the original layout to the redistributed one, Reverse
// goes back. Both directions are pure data movement.
type ScatterMap struct {
	Comm comm.Communicator

	// Local lengths on this rank
	NumOriginal      int
	NumRedistributed int

	// Original-side positions sent to each peer (Forward) or filled from it
	// (Reverse)
	Original []PeerMapping

	// Redistributed-side positions filled from each peer (Forward) or sent to
	// it (Reverse)
	Redistributed []PeerMapping

	identity bool
}

// NewIdentityScatter maps a layout onto itself without communication
func NewIdentityScatter(c comm.Communicator, n int) *ScatterMap {
	return &ScatterMap{Comm: c, NumOriginal: n, NumRedistributed: n, identity: true}
}

// IsIdentity reports whether the map copies in place
func (sm *ScatterMap) IsIdentity() bool { return sm.identity }

// NewScatterMap pairs the rows this rank holds in the original layout (from)
// with the rows it holds in the redistributed layout (to). Across c, every
// row of to must appear exactly once in some rank's from. Collective.
func NewScatterMap(c comm.Communicator, from, to []int) (*ScatterMap, error) {
	froms, err := comm.Allgatherv(c, comm.Floats(from))
	if err != nil {
		return nil, err
	}
	tos, err := comm.Allgatherv(c, comm.Floats(to))
	if err != nil {
		return nil, err
	}
	srcOf := make(map[int]int)
	for r, rows := range froms {
		for _, row := range rows {
			if prev, dup := srcOf[int(row)]; dup {
				return nil, errs.Configf("row %d held by ranks %d and %d in the original layout",
					int(row), prev, r)
			}
			srcOf[int(row)] = r
		}
	}
	dstOf := make(map[int]int)
	for r, rows := range tos {
		for _, row := range rows {
			if prev, dup := dstOf[int(row)]; dup {
				return nil, errs.Configf("row %d held by ranks %d and %d in the redistributed layout",
					int(row), prev, r)
			}
			if _, ok := srcOf[int(row)]; !ok {
				return nil, errs.Configf("row %d has no source in the original layout", int(row))
			}
			dstOf[int(row)] = r
		}
	}

	sm := &ScatterMap{Comm: c, NumOriginal: len(from), NumRedistributed: len(to)}
	sm.Original = peerMappings(c.Size(), from, dstOf)
	sm.Redistributed = peerMappings(c.Size(), to, srcOf)
	return sm, nil
}

// peerMappings groups local positions by peer, ordered by global row so both
// sides of each pair agree on the order.
func peerMappings(size int, rows []int, peerOf map[int]int) []PeerMapping {
	byPeer := make([][]int, size)
	for i, row := range rows {
		if p, ok := peerOf[row]; ok {
			byPeer[p] = append(byPeer[p], i)
		}
	}
	var out []PeerMapping
	for p, idx := range byPeer {
		if len(idx) == 0 {
			continue
		}
		sort.Slice(idx, func(a, b int) bool { return rows[idx[a]] < rows[idx[b]] })
		out = append(out, PeerMapping{Rank: p, LocalIndices: idx})
	}
	return out
}

// Forward fills dst (redistributed layout) from src (original layout)
func (sm *ScatterMap) Forward(src, dst []float64) error {
	if len(src) != sm.NumOriginal || len(dst) != sm.NumRedistributed {
		return errors.Errorf("forward scatter expects %d -> %d values, got %d -> %d",
			sm.NumOriginal, sm.NumRedistributed, len(src), len(dst))
	}
	return sm.exchange(src, sm.Original, dst, sm.Redistributed)
}

// Reverse fills dst (original layout) from src (redistributed layout)
func (sm *ScatterMap) Reverse(src, dst []float64) error {
	if len(src) != sm.NumRedistributed || len(dst) != sm.NumOriginal {
		return errors.Errorf("reverse scatter expects %d -> %d values, got %d -> %d",
			sm.NumRedistributed, sm.NumOriginal, len(src), len(dst))
	}
	return sm.exchange(src, sm.Redistributed, dst, sm.Original)
}

func (sm *ScatterMap) exchange(src []float64, sends []PeerMapping, dst []float64, recvs []PeerMapping) error {
	if sm.identity {
		copy(dst, src)
		return nil
	}
	sendBuf := make([][]float64, sm.Comm.Size())
	for _, m := range sends {
		buf := make([]float64, len(m.LocalIndices))
		for k, i := range m.LocalIndices {
			buf[k] = src[i]
		}
		sendBuf[m.Rank] = buf
	}
	recvBuf, err := comm.Alltoallv(sm.Comm, sendBuf)
	if err != nil {
		return err
	}
	for _, m := range recvs {
		buf := recvBuf[m.Rank]
		if len(buf) != len(m.LocalIndices) {
			return errors.Errorf("rank %d sent %d values, expected %d", m.Rank, len(buf), len(m.LocalIndices))
		}
		for k, i := range m.LocalIndices {
			dst[i] = buf[k]
		}
	}
	return nil
}
