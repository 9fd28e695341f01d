// Package errs holds the failure taxonomy shared by every stage of the solver
// pipeline. Errors carry the phase (initialize, setA, solve, updateA,
// finalize) and the collaborator call that failed.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure
type Kind uint8

const (
	Config             Kind = iota + 1 // bad mode string, device count or configuration
	Format                             // matrix not in compressed-row form, unsupported type
	StructuralMismatch                 // updateA with a sparsity different from the last setA
	Device                             // device binding or solver library failure
	PartialFailure                     // a peer failed a collective this rank completed
)

// Sentinels for errors.Is
var (
	ErrConfig             = errors.New("configuration error")
	ErrFormat             = errors.New("format error")
	ErrStructuralMismatch = errors.New("structural mismatch")
	ErrDevice             = errors.New("device error")
	ErrPartialFailure     = errors.New("partial failure")
)

func (k Kind) sentinel() error {
	switch k {
	case Config:
		return ErrConfig
	case Format:
		return ErrFormat
	case StructuralMismatch:
		return ErrStructuralMismatch
	case Device:
		return ErrDevice
	case PartialFailure:
		return ErrPartialFailure
	}
	return nil
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Error is a classified failure, optionally tagged with the phase and the
// operation it happened in.
type Error struct {
	Kind  Kind
	Phase string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Phase != "" {
		msg = e.Phase + ": " + msg
	}
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's Kind
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newf(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Err: errors.Errorf(format, args...)}
}

// Configf returns a Config error
func Configf(format string, args ...interface{}) error { return newf(Config, format, args...) }

// Formatf returns a Format error
func Formatf(format string, args ...interface{}) error { return newf(Format, format, args...) }

// Mismatchf returns a StructuralMismatch error
func Mismatchf(format string, args ...interface{}) error {
	return newf(StructuralMismatch, format, args...)
}

// Devicef returns a Device error
func Devicef(format string, args ...interface{}) error { return newf(Device, format, args...) }

// PartialFailuref returns a PartialFailure error
func PartialFailuref(format string, args ...interface{}) error {
	return newf(PartialFailure, format, args...)
}

// WrapDevice classifies a solver library or runtime error as a Device error
func WrapDevice(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Device, Err: errors.Wrapf(err, format, args...)}
}

// At tags err with the phase and collaborator operation. Errors that are not
// already classified keep their cause and are reported as Device errors,
// since they come out of the runtime or transport.
func At(err error, phase, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		tagged := *e
		if tagged.Phase == "" {
			tagged.Phase = phase
		}
		if tagged.Op == "" {
			tagged.Op = op
		}
		return &tagged
	}
	return &Error{Kind: Device, Phase: phase, Op: op, Err: err}
}

// KindOf returns the Kind of err, or 0 if err is not classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
