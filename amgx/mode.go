// Package amgx is the solver library seam: resources, configuration, matrix,
// vector and solver handles modelled on the AmgX C API. The built-in
// implementation runs preconditioned Krylov methods over the GPU-owner
// communicator, with the sparse matrix-vector product either on the host or
// as an OCCA kernel on the bound device.
package amgx

import (
	"github.com/notargets/AmgXGo/errs"
)

// Memory selects where matrices and vectors live
type Memory uint8

const (
	Host Memory = iota
	Device
)

// Precision of stored values
type Precision uint8

const (
	Double Precision = iota
	Float
)

func (p Precision) String() string {
	if p == Float {
		return "F"
	}
	return "D"
}

// Mode is a memory space plus vector and matrix precision. Indices are
// always 32 bit.
type Mode struct {
	Memory          Memory
	VectorPrecision Precision
	MatrixPrecision Precision
}

// String renders the mode in AmgX notation, e.g. dDFI
func (m Mode) String() string {
	mem := "h"
	if m.Memory == Device {
		mem = "d"
	}
	return mem + m.VectorPrecision.String() + m.MatrixPrecision.String() + "I"
}

var modes = map[string]Mode{
	"hDDI": {Host, Double, Double},
	"hDFI": {Host, Double, Float},
	"hFFI": {Host, Float, Float},
	"dDDI": {Device, Double, Double},
	"dDFI": {Device, Double, Float},
	"dFFI": {Device, Float, Float},
}

// ParseMode parses one of hDDI, hDFI, hFFI, dDDI, dDFI, dFFI
func ParseMode(s string) (Mode, error) {
	m, ok := modes[s]
	if !ok {
		return Mode{}, errs.Configf("unrecognized mode %q", s)
	}
	return m, nil
}

// round stores v at precision p
func round(p Precision, v []float64) {
	if p != Float {
		return
	}
	for i, x := range v {
		v[i] = float64(float32(x))
	}
}
