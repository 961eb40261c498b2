// Package symbols resolves the addresses of the kernel variables read by
// the thread awareness code.
package symbols

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/pebble-dev/rtosdbg/pkg/logflags"
	"github.com/pebble-dev/rtosdbg/pkg/rtos"
)

// Source is something that knows the address of symbols.
type Source interface {
	Lookup(name string) (addr uint64, ok bool)
	Name() string
}

// Table is a Source backed by a map.
type Table struct {
	name string
	syms map[string]uint64
}

// FromMap returns a Table named name containing the symbols in m.
func FromMap(name string, m map[string]uint64) *Table {
	t := &Table{name: name, syms: make(map[string]uint64, len(m))}
	for k, v := range m {
		t.syms[k] = v
	}
	return t
}

func (t *Table) Lookup(name string) (uint64, bool) {
	addr, ok := t.syms[name]
	return addr, ok
}

func (t *Table) Name() string { return t.name }

// Len returns the number of symbols in the table.
func (t *Table) Len() int { return len(t.syms) }

// LoadELF reads the symbol table of the ELF file at path. Only data and
// untyped symbols are kept. Most of the kernel variables are static, so
// local symbols are included, a global symbol wins over a local one with
// the same name.
func LoadELF(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	esyms, err := f.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, fmt.Errorf("%s: no symbol table (stripped binary?)", path)
		}
		return nil, fmt.Errorf("%s: %v", path, err)
	}

	t := &Table{name: path, syms: make(map[string]uint64)}
	global := make(map[string]bool)
	for _, sym := range esyms {
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_OBJECT, elf.STT_NOTYPE:
		default:
			continue
		}
		isGlobal := elf.ST_BIND(sym.Info) != elf.STB_LOCAL
		if _, dup := t.syms[sym.Name]; dup && (global[sym.Name] || !isGlobal) {
			continue
		}
		t.syms[sym.Name] = sym.Value
		global[sym.Name] = isGlobal
	}
	logflags.SymbolsLogger().Debugf("loaded %d symbols from %s", len(t.syms), path)
	return t, nil
}

// Resolve returns the address of every symbol in names, looked up in
// sources in order, the first source that knows a symbol wins. Unresolved
// symbols have address 0.
func Resolve(names []string, sources ...Source) []uint64 {
	log := logflags.SymbolsLogger()
	r := make([]uint64, len(names))
	for i, name := range names {
		for _, src := range sources {
			if src == nil {
				continue
			}
			if addr, ok := src.Lookup(name); ok {
				log.Debugf("%s = %#x (%s)", name, addr, src.Name())
				r[i] = addr
				break
			}
		}
		if r[i] == 0 {
			log.Debugf("%s not found", name)
		}
	}
	return r
}

// ResolveFreeRTOS resolves the symbols needed by package rtos.
func ResolveFreeRTOS(sources ...Source) *rtos.SymbolTable {
	names := rtos.SymbolList()
	addrs := Resolve(names, sources...)
	byName := make(map[string]uint64, len(names))
	for i, name := range names {
		byName[name] = addrs[i]
	}
	return rtos.NewSymbolTable(func(name string) uint64 { return byName[name] })
}
