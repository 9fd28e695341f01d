package device

import (
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/pkg/errors"
)

// DataType is the element type of a device buffer
type DataType uint8

const (
	Float64 DataType = iota
	Float32
	Int32
	Int64
)

// Size returns the element size in bytes
func (t DataType) Size() int64 {
	switch t {
	case Float32, Int32:
		return 4
	}
	return 8
}

// Buffer is a named allocation in a Pool
type Buffer struct {
	Name string
	Type DataType
	Len  int
	Mem  *gocca.OCCAMemory
}

// Pool owns named device buffers and the kernels that operate on them.
// Host data is always float64 or int64; buffers stored in a narrower type are
// converted on every copy.
type Pool struct {
	Device  *gocca.OCCADevice
	Kernels map[string]*gocca.OCCAKernel
	buffers map[string]*Buffer
}

// NewPool creates an empty pool on device
func NewPool(device *gocca.OCCADevice) *Pool {
	return &Pool{
		Device:  device,
		Kernels: make(map[string]*gocca.OCCAKernel),
		buffers: make(map[string]*Buffer),
	}
}

// Alloc allocates or reallocates buffer name with n elements of type t.
// An existing buffer with the same type and length is reused.
func (p *Pool) Alloc(name string, t DataType, n int) (*Buffer, error) {
	if n < 0 {
		return nil, errors.Errorf("negative length %d for buffer %s", n, name)
	}
	if b, ok := p.buffers[name]; ok {
		if b.Type == t && b.Len == n {
			return b, nil
		}
		b.Mem.Free()
		delete(p.buffers, name)
	}
	// Zero-length buffers still need a valid handle for kernel arguments
	bytes := int64(n) * t.Size()
	if bytes == 0 {
		bytes = t.Size()
	}
	mem := p.Device.Malloc(bytes, nil, nil)
	if mem == nil {
		return nil, errors.Errorf("device allocation of %d bytes for %s failed", bytes, name)
	}
	b := &Buffer{Name: name, Type: t, Len: n, Mem: mem}
	p.buffers[name] = b
	return b, nil
}

// Get returns buffer name or nil
func (p *Pool) Get(name string) *Buffer {
	return p.buffers[name]
}

// Bytes is the total device memory held by the pool
func (p *Pool) Bytes() int64 {
	var total int64
	for _, b := range p.buffers {
		total += int64(b.Len) * b.Type.Size()
	}
	return total
}

// BuildKernel compiles an OKL kernel and registers it by name
func (p *Pool) BuildKernel(source, name string) (*gocca.OCCAKernel, error) {
	if k, ok := p.Kernels[name]; ok {
		return k, nil
	}
	var (
		kernel *gocca.OCCAKernel
		err    error
	)
	if p.Device.Mode() == "OpenMP" {
		// OpenMP does not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = p.Device.BuildKernelFromString(source, name, props)
	} else {
		kernel, err = p.Device.BuildKernelFromString(source, name, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build kernel %s", name)
	}
	if kernel == nil {
		return nil, errors.Errorf("kernel build returned nil for %s", name)
	}
	p.Kernels[name] = kernel
	return kernel, nil
}

// Free releases all kernels and buffers
func (p *Pool) Free() {
	for name, k := range p.Kernels {
		k.Free()
		delete(p.Kernels, name)
	}
	for name, b := range p.buffers {
		b.Mem.Free()
		delete(p.buffers, name)
	}
}

// CopyFromFloat64 uploads host values, converting to the buffer's type
func (b *Buffer) CopyFromFloat64(src []float64) error {
	if len(src) != b.Len {
		return errors.Errorf("buffer %s holds %d values, got %d", b.Name, b.Len, len(src))
	}
	if b.Len == 0 {
		return nil
	}
	switch b.Type {
	case Float64:
		b.Mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)*8))
	case Float32:
		converted := make([]float32, len(src))
		for i, v := range src {
			converted[i] = float32(v)
		}
		b.Mem.CopyFrom(unsafe.Pointer(&converted[0]), int64(len(converted)*4))
	default:
		return errors.Errorf("unsupported conversion from float64 for buffer %s", b.Name)
	}
	return nil
}

// CopyToFloat64 downloads the buffer into dst, widening float32 storage
func (b *Buffer) CopyToFloat64(dst []float64) error {
	if len(dst) != b.Len {
		return errors.Errorf("buffer %s holds %d values, got %d", b.Name, b.Len, len(dst))
	}
	if b.Len == 0 {
		return nil
	}
	switch b.Type {
	case Float64:
		b.Mem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)*8))
	case Float32:
		deviceData := make([]float32, len(dst))
		b.Mem.CopyTo(unsafe.Pointer(&deviceData[0]), int64(len(dst)*4))
		for i, v := range deviceData {
			dst[i] = float64(v)
		}
	default:
		return errors.Errorf("unsupported conversion to float64 for buffer %s", b.Name)
	}
	return nil
}

// CopyFromInt64 uploads host indices, narrowing to int32 storage if needed
func (b *Buffer) CopyFromInt64(src []int64) error {
	if len(src) != b.Len {
		return errors.Errorf("buffer %s holds %d values, got %d", b.Name, b.Len, len(src))
	}
	if b.Len == 0 {
		return nil
	}
	switch b.Type {
	case Int64:
		b.Mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)*8))
	case Int32:
		converted := make([]int32, len(src))
		for i, v := range src {
			converted[i] = int32(v)
		}
		b.Mem.CopyFrom(unsafe.Pointer(&converted[0]), int64(len(converted)*4))
	default:
		return errors.Errorf("unsupported conversion from int64 for buffer %s", b.Name)
	}
	return nil
}

// CopyToInt64 downloads index data into dst
func (b *Buffer) CopyToInt64(dst []int64) error {
	if len(dst) != b.Len {
		return errors.Errorf("buffer %s holds %d values, got %d", b.Name, b.Len, len(dst))
	}
	if b.Len == 0 {
		return nil
	}
	switch b.Type {
	case Int64:
		b.Mem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)*8))
	case Int32:
		deviceData := make([]int32, len(dst))
		b.Mem.CopyTo(unsafe.Pointer(&deviceData[0]), int64(len(dst)*4))
		for i, v := range deviceData {
			dst[i] = int64(v)
		}
	default:
		return errors.Errorf("unsupported conversion to int64 for buffer %s", b.Name)
	}
	return nil
}
