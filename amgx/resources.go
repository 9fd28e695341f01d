package amgx

import (
	"sync"

	"github.com/notargets/AmgXGo/comm"
	"github.com/notargets/AmgXGo/device"
	"github.com/notargets/AmgXGo/errs"
	"k8s.io/klog/v2"
)

// Process owns the single resource context of one OS process. Every session
// in the process shares it: the first Acquire creates it and the Release
// matching the last Acquire destroys it.
type Process struct {
	mu    sync.Mutex
	count int
	rsrc  *Resources
}

// NewProcess creates an empty process context
func NewProcess() *Process { return &Process{} }

var (
	defaultOnce    sync.Once
	defaultProcess *Process
)

// DefaultProcess is the context shared by sessions that are not given one
func DefaultProcess() *Process {
	defaultOnce.Do(func() { defaultProcess = NewProcess() })
	return defaultProcess
}

// Count is the number of live acquisitions
func (p *Process) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Resources is the device resource context solver handles are created on
type Resources struct {
	Comm    comm.Communicator // gpuWorld
	Context *device.Context
	proc    *Process
}

// Acquire returns the process resources, creating them on first use. The
// context is bound to one device; acquiring it for another device while it
// is alive fails with a Device error.
func (p *Process) Acquire(gpu comm.Communicator, ctx *device.Context) (*Resources, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rsrc != nil {
		if p.rsrc.Context.ID != ctx.ID {
			return nil, errs.Devicef("resources already bound to device %d, cannot bind device %d",
				p.rsrc.Context.ID, ctx.ID)
		}
		p.count++
		return p.rsrc, nil
	}
	p.rsrc = &Resources{Comm: gpu, Context: ctx, proc: p}
	p.count = 1
	klog.V(1).Infof("created solver resources on %s device %d", ctx.Mode(), ctx.ID)
	return p.rsrc, nil
}

// Release drops one acquisition, destroying the resources with the last
func (r *Resources) Release() {
	p := r.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == 0 {
		return
	}
	p.count--
	if p.count == 0 {
		p.rsrc = nil
		klog.V(1).Infof("destroyed solver resources on device %d", r.Context.ID)
	}
}
