package elfwriter

import (
	"bytes"
	"debug/elf"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, class elf.Class) string {
	path := filepath.Join(t.TempDir(), "dump.elf")
	fh, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := New(fh, &elf.FileHeader{
		Class:   class,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		Type:    elf.ET_CORE,
		Machine: elf.EM_ARM,
	})
	w.Progs = append(w.Progs, w.WriteNotes([]Note{{Type: 1, Name: "TEST", Data: []byte("stm32f4x.cpu")}}))
	w.Progs = append(w.Progs, w.WriteSegment(0x20000000, []byte{1, 2, 3, 4, 5, 6}))
	w.Progs = append(w.Progs, w.WriteSegment(0x20001000, []byte{7, 8}))
	w.WriteProgramHeaders()
	w.WriteSymbols([]Symbol{{Name: "pxCurrentTCB", Value: 0x20000000, Size: 4}, {Name: "uxCurrentNumberOfTasks", Value: 0x20000004, Size: 4}})
	if w.Err != nil {
		t.Fatal(w.Err)
	}
	if err := fh.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWriter(t *testing.T) {
	for _, class := range []elf.Class{elf.ELFCLASS32, elf.ELFCLASS64} {
		t.Run(class.String(), func(t *testing.T) {
			f, err := elf.Open(writeTestFile(t, class))
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()

			if f.Class != class || f.Machine != elf.EM_ARM || f.Type != elf.ET_CORE {
				t.Fatalf("wrong file header %#v", f.FileHeader)
			}
			if len(f.Progs) != 3 {
				t.Fatalf("expected 3 program headers, got %d", len(f.Progs))
			}

			note, err := io.ReadAll(f.Progs[0].Open())
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Contains(note, []byte("stm32f4x.cpu")) {
				t.Errorf("note does not contain its payload: %q", note)
			}

			for i, want := range [][]byte{{1, 2, 3, 4, 5, 6}, {7, 8}} {
				prog := f.Progs[i+1]
				if prog.Type != elf.PT_LOAD {
					t.Errorf("program header %d: wrong type %v", i+1, prog.Type)
				}
				data, err := io.ReadAll(prog.Open())
				if err != nil {
					t.Fatal(err)
				}
				if !bytes.Equal(data, want) {
					t.Errorf("segment %d: got %v expected %v", i+1, data, want)
				}
			}
			if f.Progs[2].Vaddr != 0x20001000 {
				t.Errorf("wrong address %#x", f.Progs[2].Vaddr)
			}

			syms, err := f.Symbols()
			if err != nil {
				t.Fatal(err)
			}
			if len(syms) != 2 {
				t.Fatalf("expected 2 symbols, got %d", len(syms))
			}
			if syms[0].Name != "pxCurrentTCB" || syms[0].Value != 0x20000000 {
				t.Errorf("wrong symbol %#v", syms[0])
			}
			if syms[1].Name != "uxCurrentNumberOfTasks" || syms[1].Value != 0x20000004 || syms[1].Section != elf.SHN_ABS {
				t.Errorf("wrong symbol %#v", syms[1])
			}
		})
	}
}
