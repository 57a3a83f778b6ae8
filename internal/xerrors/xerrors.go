// Package xerrors adds call-site information to errors. New and Newf record
// a stack; Wrap and Wrapf record the single frame that wrapped. The logger
// renders both.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked is an error with the stack of the goroutine that created it.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }

// wrapped prefixes an error with context and the wrapping frame.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) PC() uintptr   { return w.pc }

// stack captures callers starting at the caller of the exported function.
func stack(err error) error {
	pcs := make([]uintptr, maxStackDepth)
	// skip runtime.Callers, stack and the exported function
	n := runtime.Callers(3, pcs)
	return &stacked{err: err, pcs: pcs[:n]}
}

// caller returns the pc of the exported function's caller.
func caller() uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the current stack.
func New(msg string) error { return stack(errors.New(msg)) }

// Newf formats like fmt.Errorf, %w included, and records the stack.
func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...)) }

// Wrap returns nil for a nil err.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: caller()}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}

// EnsureTrace records the stack unless some error in the chain already
// carries one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s interface{ StackPCs() []uintptr }
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return stack(err)
}
