// Package target provides memory sources for the thread awareness code
// other than a live stub: memory dumps taken from a halted target and a
// read cache that can sit in front of any source.
package target

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sort"
)

// OutOfRangeError is returned when a read touches memory not covered by a
// snapshot.
type OutOfRangeError struct {
	Addr uint64
	Len  int
}

func (err *OutOfRangeError) Error() string {
	return fmt.Sprintf("address range %#x-%#x not in snapshot", err.Addr, err.Addr+uint64(err.Len))
}

type region struct {
	addr uint64
	data []byte
}

func (r *region) end() uint64 {
	return r.addr + uint64(len(r.data))
}

// Snapshot is a copy of (part of) the memory of a target.
type Snapshot struct {
	regions []region // sorted by address, non overlapping
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// AddRegion adds data, located at addr in target memory, to the snapshot.
func (s *Snapshot) AddRegion(addr uint64, data []byte) error {
	r := region{addr, data}
	for i := range s.regions {
		o := &s.regions[i]
		if r.addr < o.end() && o.addr < r.end() {
			return fmt.Errorf("region %#x-%#x overlaps region %#x-%#x", r.addr, r.end(), o.addr, o.end())
		}
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].addr < s.regions[j].addr })
	return nil
}

// ReadMemory implements rtos.MemoryReader. Reads spanning two adjacent
// regions are supported.
func (s *Snapshot) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		cur := addr + uint64(n)
		i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].end() > cur })
		if i >= len(s.regions) || s.regions[i].addr > cur {
			return n, &OutOfRangeError{Addr: addr, Len: len(buf)}
		}
		r := &s.regions[i]
		n += copy(buf[n:], r.data[cur-r.addr:])
	}
	return n, nil
}

// LoadRawDump returns a snapshot containing the contents of the file at
// path, mapped at address base. This is the format written by OpenOCD's
// dump_image command.
func LoadRawDump(path string, base uint64) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := NewSnapshot()
	if err := s.AddRegion(base, data); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadELF returns a snapshot made of the PT_LOAD segments of an ELF file,
// which can be a core dump of the target or the firmware image itself.
// Only the bytes present in the file are included, the zero filled tail
// of a segment (.bss) is not.
func LoadELF(path string) (*Snapshot, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := NewSnapshot()
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), data); err != nil {
			return nil, fmt.Errorf("reading segment at %#x: %v", p.Vaddr, err)
		}
		if err := s.AddRegion(p.Vaddr, data); err != nil {
			return nil, err
		}
	}
	if len(s.regions) == 0 {
		return nil, fmt.Errorf("%s: no loadable segments", path)
	}
	return s, nil
}
