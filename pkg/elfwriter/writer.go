// elfwriter is a package to write ELF files without having their entire
// contents in memory at any one time.
// This package is incomplete, only features needed to write memory dumps of
// a target are implemented: program headers, notes and a symbol table.
// Program headers are written at the end of the file.

package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"io"
)

// WriteCloserSeeker is the union of io.Writer, io.Closer and io.Seeker.
type WriteCloserSeeker interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Writer writes ELF files.
type Writer struct {
	w     WriteCloserSeeker
	Err   error
	Progs []*elf.ProgHeader

	class elf.Class

	seekProgHeader int64
	seekSectHeader int64
	seekProgNum    int64
}

type Note struct {
	Type elf.NType
	Name string
	Data []byte
}

// New creates a new Writer.
func New(w WriteCloserSeeker, fhdr *elf.FileHeader) *Writer {
	if seek, _ := w.Seek(0, io.SeekCurrent); seek != 0 {
		panic("can't write halfway through a file")
	}

	r := &Writer{w: w, class: fhdr.Class}

	if fhdr.Class != elf.ELFCLASS32 && fhdr.Class != elf.ELFCLASS64 {
		panic("unsupported")
	}

	if fhdr.Data != elf.ELFDATA2LSB {
		panic("unsupported")
	}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.u16(uint16(fhdr.Type))    // e_type
	r.u16(uint16(fhdr.Machine)) // e_machine
	r.u32(uint32(fhdr.Version)) // e_version
	r.word(fhdr.Entry)          // e_entry
	r.seekProgHeader = r.Here()
	r.word(0) // e_phoff
	r.seekSectHeader = r.Here()
	r.word(0)                 // e_shoff
	r.u32(0)                  // e_flags
	r.u16(uint16(r.ehsize())) // e_ehsize
	r.u16(r.phentsize())      // e_phentsize
	r.seekProgNum = r.Here()
	r.u16(0)                     // e_phnum
	r.u16(0)                     // e_shentsize
	r.u16(0)                     // e_shnum
	r.u16(uint16(elf.SHN_UNDEF)) // e_shstrndx

	// Sanity check, size of file header should be the same as ehsize
	if sz, _ := w.Seek(0, io.SeekCurrent); sz != r.ehsize() {
		panic("internal error, ELF header size")
	}

	return r
}

func (w *Writer) ehsize() int64 {
	if w.class == elf.ELFCLASS32 {
		return 52
	}
	return 64
}

func (w *Writer) phentsize() uint16 {
	if w.class == elf.ELFCLASS32 {
		return 32
	}
	return 56
}

func (w *Writer) shentsize() uint16 {
	if w.class == elf.ELFCLASS32 {
		return 40
	}
	return 64
}

// WriteNotes writes notes to the current location, returns a ProgHeader describing the
// notes.
func (w *Writer) WriteNotes(notes []Note) *elf.ProgHeader {
	if len(notes) == 0 {
		return nil
	}
	h := &elf.ProgHeader{
		Type:  elf.PT_NOTE,
		Align: 4,
	}
	for i := range notes {
		note := &notes[i]
		w.Align(4)
		if h.Off == 0 {
			h.Off = uint64(w.Here())
		}
		w.u32(uint32(len(note.Name)))
		w.u32(uint32(len(note.Data)))
		w.u32(uint32(note.Type))
		w.Write([]byte(note.Name))
		w.Align(4)
		w.Write(note.Data)
	}
	w.Align(4)
	h.Filesz = uint64(w.Here()) - h.Off
	return h
}

// WriteSegment writes data at the current location and returns a PT_LOAD
// ProgHeader mapping it at vaddr.
func (w *Writer) WriteSegment(vaddr uint64, data []byte) *elf.ProgHeader {
	w.Align(4)
	h := &elf.ProgHeader{
		Type:   elf.PT_LOAD,
		Flags:  elf.PF_R | elf.PF_W,
		Off:    uint64(w.Here()),
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(data)),
		Memsz:  uint64(len(data)),
		Align:  4,
	}
	w.Write(data)
	return h
}

// WriteProgramHeaders writes the program headers at the current location
// and patches the file header accordingly.
func (w *Writer) WriteProgramHeaders() {
	w.Align(4)
	phoff := w.Here()

	// Patch File Header
	w.w.Seek(w.seekProgHeader, io.SeekStart)
	w.word(uint64(phoff))
	w.w.Seek(w.seekProgNum, io.SeekStart)
	w.u16(uint16(len(w.Progs)))
	w.w.Seek(0, io.SeekEnd)

	for _, prog := range w.Progs {
		if w.class == elf.ELFCLASS32 {
			w.u32(uint32(prog.Type))
			w.u32(uint32(prog.Off))
			w.u32(uint32(prog.Vaddr))
			w.u32(uint32(prog.Paddr))
			w.u32(uint32(prog.Filesz))
			w.u32(uint32(prog.Memsz))
			w.u32(uint32(prog.Flags))
			w.u32(uint32(prog.Align))
			continue
		}
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
}

// Symbol is an absolute symbol written by WriteSymbols.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// WriteSymbols writes a symbol table containing syms, as global absolute
// data symbols, followed by the section headers needed to find it, and
// patches the file header accordingly. It must be called at most once.
func (w *Writer) WriteSymbols(syms []Symbol) {
	strtab := []byte{0}
	nameoff := make([]uint32, len(syms))
	for i, sym := range syms {
		nameoff[i] = uint32(len(strtab))
		strtab = append(strtab, sym.Name...)
		strtab = append(strtab, 0)
	}
	shstrtab := []byte("\x00.strtab\x00.symtab\x00.shstrtab\x00")
	const (
		nameStrtab   = 1
		nameSymtab   = 9
		nameShstrtab = 17
	)

	strtabOff := w.Here()
	w.Write(strtab)
	w.Align(8)
	symtabOff := w.Here()
	symentsize := uint64(16)
	if w.class == elf.ELFCLASS64 {
		symentsize = 24
	}
	w.symbol(0, 0, 0, 0, 0)
	for i, sym := range syms {
		w.symbol(nameoff[i], sym.Value, sym.Size, elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT), uint16(elf.SHN_ABS))
	}
	shstrtabOff := w.Here()
	w.Write(shstrtab)
	w.Align(8)

	shoff := w.Here()
	w.section(0, elf.SHT_NULL, 0, 0, 0, 0, 0, 0)
	w.section(nameStrtab, elf.SHT_STRTAB, strtabOff, uint64(len(strtab)), 0, 0, 1, 0)
	w.section(nameSymtab, elf.SHT_SYMTAB, symtabOff, uint64(len(syms)+1)*symentsize, 1, 1, 8, symentsize)
	w.section(nameShstrtab, elf.SHT_STRTAB, shstrtabOff, uint64(len(shstrtab)), 0, 0, 1, 0)

	// Patch File Header
	w.w.Seek(w.seekSectHeader, io.SeekStart)
	w.word(uint64(shoff))
	w.w.Seek(w.seekProgNum+2, io.SeekStart)
	w.u16(w.shentsize()) // e_shentsize
	w.u16(4)             // e_shnum
	w.u16(3)             // e_shstrndx
	w.w.Seek(0, io.SeekEnd)
}

func (w *Writer) symbol(name uint32, value, size uint64, info byte, shndx uint16) {
	w.u32(name)
	if w.class == elf.ELFCLASS32 {
		w.u32(uint32(value))
		w.u32(uint32(size))
		w.Write([]byte{info, 0})
		w.u16(shndx)
		return
	}
	w.Write([]byte{info, 0})
	w.u16(shndx)
	w.u64(value)
	w.u64(size)
}

func (w *Writer) section(name uint32, typ elf.SectionType, off int64, size uint64, link, info uint32, align, entsize uint64) {
	w.u32(name)
	w.u32(uint32(typ))
	w.word(0) // sh_flags
	w.word(0) // sh_addr
	w.word(uint64(off))
	w.word(size)
	w.u32(link)
	w.u32(info)
	w.word(align)
	w.word(entsize)
}

// Here returns the current seek offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *Writer) Write(buf []byte) {
	_, err := w.w.Write(buf)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

// word writes an address sized value.
func (w *Writer) word(n uint64) {
	if w.class == elf.ELFCLASS32 {
		w.u32(uint32(n))
		return
	}
	w.u64(n)
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}
