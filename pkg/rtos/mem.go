package rtos

import (
	"encoding/binary"
	"fmt"
)

// MemoryReader is the memory access port used by every component of this
// package. It is like io.ReaderAt but addresses are target addresses.
// Implementations must either fill buf completely or return an error.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// readMemory reads len(buf) bytes at addr and converts any failure,
// including a short read, into a *ReadFailure.
func readMemory(mem MemoryReader, buf []byte, addr uint64, context string) error {
	n, err := mem.ReadMemory(buf, addr)
	if err == nil && n != len(buf) {
		err = fmt.Errorf("short read: %d of %d bytes", n, len(buf))
	}
	if err != nil {
		return &ReadFailure{Context: context, Addr: addr, Len: len(buf), Err: err}
	}
	return nil
}

// readUint reads an unsigned little-endian integer of the given width.
func readUint(mem MemoryReader, addr uint64, width int, context string) (uint64, error) {
	var buf [8]byte
	if width <= 0 || width > len(buf) {
		return 0, &ConfigurationError{Reason: fmt.Sprintf("unsupported field width %d reading %s", width, context)}
	}
	if err := readMemory(mem, buf[:width], addr, context); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
