package amgx

import (
	"github.com/notargets/AmgXGo/device"
	"github.com/notargets/AmgXGo/errs"
)

// Vector is a solver vector laid out like the matrix it is bound to. In
// device mode the values live in a buffer of the matrix pool.
type Vector struct {
	rsrc *Resources
	mode Mode
	name string

	m    *Matrix
	data []float64
	buf  *device.Buffer
}

// NewVector creates an unbound vector. name identifies its device buffer.
func NewVector(rsrc *Resources, mode Mode, name string) *Vector {
	return &Vector{rsrc: rsrc, mode: mode, name: name}
}

// Size is the local length, zero until bound
func (v *Vector) Size() int { return len(v.data) }

// Bind sizes the vector to the rows m holds on this rank
func (v *Vector) Bind(m *Matrix) error {
	v.m = m
	n := m.NumRows()
	if cap(v.data) >= n {
		v.data = v.data[:n]
	} else {
		v.data = make([]float64, n)
	}
	v.buf = nil
	if m.pool != nil {
		b, err := m.pool.Alloc("vec:"+v.name, bufferType(v.mode.VectorPrecision), n)
		if err != nil {
			return errs.WrapDevice(err, "allocate vector %s", v.name)
		}
		v.buf = b
	}
	return nil
}

// Upload copies n values into the vector
func (v *Vector) Upload(n int, vals []float64) error {
	if v.m == nil {
		return errs.Configf("vector %s uploaded before binding", v.name)
	}
	if n != len(v.data) || len(vals) != n {
		return errs.Mismatchf("vector %s holds %d values, got %d", v.name, len(v.data), len(vals))
	}
	copy(v.data, vals)
	round(v.mode.VectorPrecision, v.data)
	if v.buf != nil {
		return errs.WrapDevice(v.buf.CopyFromFloat64(v.data), "upload vector %s", v.name)
	}
	return nil
}

// Download copies the vector into dst
func (v *Vector) Download(dst []float64) error {
	if len(dst) != len(v.data) {
		return errs.Mismatchf("vector %s holds %d values, destination has %d", v.name, len(v.data), len(dst))
	}
	if v.buf != nil {
		if err := v.buf.CopyToFloat64(v.data); err != nil {
			return errs.WrapDevice(err, "download vector %s", v.name)
		}
	}
	copy(dst, v.data)
	return nil
}

// store replaces the values after a solve, keeping the device copy current
func (v *Vector) store(vals []float64) error {
	copy(v.data, vals)
	round(v.mode.VectorPrecision, v.data)
	if v.buf != nil {
		return errs.WrapDevice(v.buf.CopyFromFloat64(v.data), "store vector %s", v.name)
	}
	return nil
}

// Bytes is the storage held by the vector
func (v *Vector) Bytes() int64 {
	if v.buf != nil {
		// Counted by the matrix pool
		return 0
	}
	if v.mode.VectorPrecision == Float {
		return int64(len(v.data)) * 4
	}
	return int64(len(v.data)) * 8
}

// Destroy drops the vector storage. Device buffers go with the matrix pool.
func (v *Vector) Destroy() {
	v.m, v.data, v.buf = nil, nil, nil
}
