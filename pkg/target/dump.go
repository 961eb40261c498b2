package target

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pebble-dev/rtosdbg/pkg/elfwriter"
	"github.com/pebble-dev/rtosdbg/pkg/logflags"
	"github.com/pebble-dev/rtosdbg/pkg/rtos"
)

const (
	// DumpNoteName is the owner name of the note describing a dump.
	DumpNoteName = "RTOSDBG"
	// NoteVariant is the type of the note carrying the layout variant.
	NoteVariant elf.NType = 1

	dumpChunkSize = 4096
)

// Region is a range of target memory.
type Region struct {
	Addr uint64
	Size uint64
}

func (r Region) String() string {
	return fmt.Sprintf("%#x-%#x", r.Addr, r.Addr+r.Size)
}

// WriteDump reads regions from mem and writes them to an ELF core file at
// path, together with the layout variant and the symbols in syms, so that
// the file can be used later with LoadELF, ReadVariantNote and the symbols
// package.
func WriteDump(path string, mem rtos.MemoryReader, regions []Region, variant string, syms map[string]uint64) error {
	if len(regions) == 0 {
		return fmt.Errorf("no memory regions to dump")
	}
	fh, err := os.Create(path)
	if err != nil {
		return err
	}

	w := elfwriter.New(fh, &elf.FileHeader{
		Class:   elf.ELFCLASS32,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		OSABI:   elf.ELFOSABI_NONE,
		Type:    elf.ET_CORE,
		Machine: elf.EM_ARM,
	})

	w.Progs = append(w.Progs, w.WriteNotes([]elfwriter.Note{{Type: NoteVariant, Name: DumpNoteName + "\x00", Data: []byte(variant)}}))

	for _, r := range regions {
		data := make([]byte, r.Size)
		for off := uint64(0); off < r.Size; off += dumpChunkSize {
			end := off + dumpChunkSize
			if end > r.Size {
				end = r.Size
			}
			n, err := mem.ReadMemory(data[off:end], r.Addr+off)
			if err == nil && n < int(end-off) {
				err = io.ErrUnexpectedEOF
			}
			if err != nil {
				fh.Close()
				os.Remove(path)
				return &rtos.ReadFailure{Context: "dump region " + r.String(), Addr: r.Addr + off, Len: int(end - off), Err: err}
			}
		}
		logflags.DebuggerLogger().Debugf("dump: region %s", r)
		w.Progs = append(w.Progs, w.WriteSegment(r.Addr, data))
	}
	w.WriteProgramHeaders()

	names := make([]string, 0, len(syms))
	for name, addr := range syms {
		if addr != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	esyms := make([]elfwriter.Symbol, len(names))
	for i, name := range names {
		esyms[i] = elfwriter.Symbol{Name: name, Value: syms[name]}
	}
	w.WriteSymbols(esyms)

	if w.Err != nil {
		fh.Close()
		os.Remove(path)
		return fmt.Errorf("writing %s: %v", path, w.Err)
	}
	return fh.Close()
}

// ReadVariantNote returns the layout variant recorded in a file written by
// WriteDump. It returns an empty string and no error for ELF files that
// have no such note.
func ReadVariantNote(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := io.ReadFull(p.Open(), data); err != nil {
			return "", fmt.Errorf("reading notes: %v", err)
		}
		if v, ok := findNote(data, DumpNoteName, NoteVariant); ok {
			return string(v), nil
		}
	}
	return "", nil
}

func findNote(data []byte, name string, typ elf.NType) ([]byte, bool) {
	align4 := func(n uint32) uint32 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:])
		descsz := binary.LittleEndian.Uint32(data[4:])
		ntype := elf.NType(binary.LittleEndian.Uint32(data[8:]))
		data = data[12:]
		if uint64(align4(namesz))+uint64(align4(descsz)) > uint64(len(data)) {
			return nil, false
		}
		nname := bytes.TrimRight(data[:namesz], "\x00")
		desc := data[align4(namesz) : align4(namesz)+descsz]
		if ntype == typ && string(nname) == name {
			return desc, true
		}
		data = data[align4(namesz)+align4(descsz):]
	}
	return nil, false
}
