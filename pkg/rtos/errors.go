package rtos

import (
	"errors"
	"fmt"
)

// ErrNoThread is returned when an operation is given the reserved thread
// identity 0.
var ErrNoThread = errors.New("no thread")

// ConfigurationError is returned when a session can not be configured, for
// example because the target variant has no layout descriptor.
type ConfigurationError struct {
	Variant string
	Reason  string
}

func (err *ConfigurationError) Error() string {
	if err.Variant == "" {
		return "rtos configuration error: " + err.Reason
	}
	return fmt.Sprintf("rtos configuration error for %q: %s", err.Variant, err.Reason)
}

// MissingSymbolError is returned when a symbol the RTOS support can not do
// without resolved to address 0.
type MissingSymbolError struct {
	Symbol string
}

func (err *MissingSymbolError) Error() string {
	return fmt.Sprintf("required symbol %s not resolved", err.Symbol)
}

// ReadFailure wraps an error returned by the memory access port.
type ReadFailure struct {
	Context string // what was being read
	Addr    uint64
	Len     int
	Err     error
}

func (err *ReadFailure) Error() string {
	return fmt.Sprintf("could not read %s (%d bytes at %#x): %v", err.Context, err.Len, err.Addr, err.Err)
}

func (err *ReadFailure) Unwrap() error {
	return err.Err
}

// AllocationFailure is returned when the target reports a result size that
// can not reasonably be materialised.
type AllocationFailure struct {
	What string
	Size int
}

func (err *AllocationFailure) Error() string {
	return fmt.Sprintf("refusing to allocate %s of size %d", err.What, err.Size)
}
