// Package device discovers compute devices on a node and binds a process to
// one of them. OCCARuntime drives real devices through OCCA; HostRuntime
// stands in for a node with a fixed number of devices and no accelerator.
package device

import (
	"fmt"
	"sync"

	"github.com/notargets/AmgXGo/errs"
	"github.com/notargets/gocca"
	"k8s.io/klog/v2"
)

// Runtime is the device runtime of one compute node
type Runtime interface {
	// Count returns the number of devices visible to this process
	Count() (int, error)
	// Open binds device id. Opening an id twice returns the same Context.
	Open(id int) (*Context, error)
	// Close releases every context opened through the runtime
	Close()
}

// Context is an opened device. Device is nil for host-only runtimes.
type Context struct {
	ID     int
	Device *gocca.OCCADevice
}

// Mode reports the OCCA backend of the context, or "Host"
func (c *Context) Mode() string {
	if c == nil || c.Device == nil {
		return "Host"
	}
	return c.Device.Mode()
}

// OCCARuntime opens devices with OCCA. Per-device backends (CUDA, HIP,
// OpenCL) expose one device per id; host backends (Serial, OpenMP) expose the
// host as a single device.
type OCCARuntime struct {
	Backend  string
	MaxProbe int

	mu      sync.Mutex
	count   int
	devices map[int]*Context
}

// NewOCCARuntime creates a runtime for one OCCA backend
func NewOCCARuntime(backend string) *OCCARuntime {
	return &OCCARuntime{
		Backend:  backend,
		MaxProbe: 16,
		count:    -1,
		devices:  make(map[int]*Context),
	}
}

func (r *OCCARuntime) perDevice() bool {
	switch r.Backend {
	case "CUDA", "HIP", "OpenCL", "Metal":
		return true
	}
	return false
}

func (r *OCCARuntime) props(id int) string {
	switch r.Backend {
	case "OpenCL":
		return fmt.Sprintf(`{"mode": "OpenCL", "platform_id": 0, "device_id": %d}`, id)
	case "CUDA", "HIP", "Metal":
		return fmt.Sprintf(`{"mode": "%s", "device_id": %d}`, r.Backend, id)
	}
	return fmt.Sprintf(`{"mode": "%s"}`, r.Backend)
}

// Count probes device ids in order until one fails to open
func (r *OCCARuntime) Count() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count >= 0 {
		return r.count, nil
	}
	if !r.perDevice() {
		r.count = 1
		return r.count, nil
	}
	n := 0
	for id := 0; id < r.MaxProbe; id++ {
		if _, ok := r.devices[id]; ok {
			n++
			continue
		}
		dev, err := gocca.NewDevice(r.props(id))
		if err != nil {
			break
		}
		dev.Free()
		n++
	}
	klog.V(1).Infof("%s runtime found %d device(s)", r.Backend, n)
	r.count = n
	return n, nil
}

// Open binds device id, reusing a previously opened context
func (r *OCCARuntime) Open(id int) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.devices[id]; ok {
		return ctx, nil
	}
	if id < 0 || (!r.perDevice() && id != 0) {
		return nil, errs.Devicef("invalid device id %d for %s backend", id, r.Backend)
	}
	dev, err := gocca.NewDevice(r.props(id))
	if err != nil {
		return nil, errs.WrapDevice(err, "open %s device %d", r.Backend, id)
	}
	ctx := &Context{ID: id, Device: dev}
	r.devices[id] = ctx
	klog.V(1).Infof("bound %s device %d", dev.Mode(), id)
	return ctx, nil
}

func (r *OCCARuntime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ctx := range r.devices {
		ctx.Device.Free()
		delete(r.devices, id)
	}
}

// HostRuntime reports NumDevices devices without opening anything
type HostRuntime struct {
	NumDevices int

	mu      sync.Mutex
	devices map[int]*Context
}

func (r *HostRuntime) Count() (int, error) { return r.NumDevices, nil }

func (r *HostRuntime) Open(id int) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= r.NumDevices {
		return nil, errs.Devicef("invalid device id %d, node has %d device(s)", id, r.NumDevices)
	}
	if r.devices == nil {
		r.devices = make(map[int]*Context)
	}
	if ctx, ok := r.devices[id]; ok {
		return ctx, nil
	}
	ctx := &Context{ID: id}
	r.devices[id] = ctx
	return ctx, nil
}

func (r *HostRuntime) Close() {
	r.mu.Lock()
	r.devices = nil
	r.mu.Unlock()
}
