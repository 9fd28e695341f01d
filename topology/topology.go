// Package topology splits a job into the four communicators the solver runs
// on and binds every rank to a device:
//
//	Global  all ranks
//	Local   ranks sharing one compute node
//	Dev     ranks bound to one device (the owner plus its sharers)
//	GPU     one rank per device, the owners; nil on every other rank
package topology

import (
	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/device"
	"github.com/notargets/AmgXGo/errs"
	"k8s.io/klog/v2"
)

// AssignmentPolicy maps the ranks of a node onto its devices
type AssignmentPolicy uint8

const (
	// RoundRobin makes local ranks 0..nDev-1 the owners and deals the rest
	// out by localRank mod nDev.
	RoundRobin AssignmentPolicy = iota
	// Block gives each device a run of consecutive local ranks, which keeps
	// the rows of a device group contiguous for naturally ordered matrices.
	Block
)

func (p AssignmentPolicy) String() string {
	switch p {
	case RoundRobin:
		return "RoundRobin"
	case Block:
		return "Block"
	}
	return "Unknown"
}

// RankTopology is the position of one process in every communicator. It is
// built once and not modified afterwards.
type RankTopology struct {
	Global, Local, Dev comm.Communicator
	GPU                comm.Communicator // nil unless IsOwner

	GlobalRank, GlobalSize int
	LocalRank, LocalSize   int
	DevRank, DevSize       int
	GPURank                int // -1 unless IsOwner
	GPUSize                int // known on every rank

	NumDevices int // devices in use on this node
	DeviceID   int
	Policy     AssignmentPolicy
}

// IsOwner reports whether this rank drives its device
func (t *RankTopology) IsOwner() bool { return t.DevRank == 0 }

// Shared reports whether any device in the job has more than one rank
func (t *RankTopology) Shared() bool { return t.GPUSize != t.GlobalSize }

// Partition derives the communicators of global. devicesPerNode caps the
// number of devices used per node; zero uses every device rt reports.
func Partition(global comm.Communicator, devicesPerNode int, rt device.Runtime,
	policy AssignmentPolicy) (*RankTopology, error) {
	t := &RankTopology{
		Global:     global,
		GlobalRank: global.Rank(),
		GlobalSize: global.Size(),
		GPURank:    -1,
		Policy:     policy,
	}

	local, err := comm.SplitShared(global)
	if err != nil {
		return nil, err
	}
	t.Local, t.LocalRank, t.LocalSize = local, local.Rank(), local.Size()

	nDev, err := devicesInUse(devicesPerNode, rt, t.LocalSize)
	// Device discovery is node-local; all ranks learn if any node failed
	if err = comm.Agree(global, err); err != nil {
		return nil, err
	}
	t.NumDevices = nDev
	t.DeviceID = assignDevice(policy, t.LocalRank, t.LocalSize, nDev)

	if t.Dev, err = local.Split(t.DeviceID, t.LocalRank); err != nil {
		return nil, err
	}
	t.DevRank, t.DevSize = t.Dev.Rank(), t.Dev.Size()

	color := comm.Undefined
	owner := 0.
	if t.IsOwner() {
		color = 0
		owner = 1
	}
	if t.GPU, err = global.Split(color, t.GlobalRank); err != nil {
		return nil, err
	}
	if t.GPU != nil {
		t.GPURank = t.GPU.Rank()
	}
	owners, err := comm.AllreduceSum(global, []float64{owner})
	if err != nil {
		return nil, err
	}
	t.GPUSize = int(owners[0])

	klog.V(1).Infof("rank %d: node %s local %d/%d device %d dev %d/%d gpu %d/%d",
		t.GlobalRank, global.ProcessorName(), t.LocalRank, t.LocalSize, t.DeviceID,
		t.DevRank, t.DevSize, t.GPURank, t.GPUSize)
	if t.GPURank == 0 {
		klog.V(1).Infof("device owners (global ranks): %v", comm.Members(t.GPU))
	}
	return t, nil
}

func devicesInUse(devicesPerNode int, rt device.Runtime, localSize int) (int, error) {
	if devicesPerNode < 0 {
		return 0, errs.Configf("devicesPerNode must be non-negative, got %d", devicesPerNode)
	}
	visible, err := rt.Count()
	if err != nil {
		return 0, errs.WrapDevice(err, "device discovery")
	}
	if visible <= 0 {
		return 0, errs.Configf("no devices found on this node")
	}
	n := visible
	if devicesPerNode > 0 && devicesPerNode < n {
		n = devicesPerNode
	}
	if localSize < n {
		n = localSize
	}
	return n, nil
}

func assignDevice(policy AssignmentPolicy, localRank, localSize, nDev int) int {
	if policy == Block {
		nBasic := localSize / nDev
		nRemain := localSize % nDev
		if localRank < (nBasic+1)*nRemain {
			return localRank / (nBasic + 1)
		}
		return (localRank-(nBasic+1)*nRemain)/nBasic + nRemain
	}
	return localRank % nDev
}

// DeviceBinding is the device a rank is bound to
type DeviceBinding struct {
	DeviceID int
	IsOwner  bool
	Context  *device.Context
}

// Bind opens the device assigned to this rank. Opening is idempotent.
func Bind(t *RankTopology, rt device.Runtime) (*DeviceBinding, error) {
	ctx, err := rt.Open(t.DeviceID)
	if err != nil {
		if errs.KindOf(err) == 0 {
			err = errs.WrapDevice(err, "bind device %d", t.DeviceID)
		}
		return nil, err
	}
	return &DeviceBinding{DeviceID: t.DeviceID, IsOwner: t.IsOwner(), Context: ctx}, nil
}
