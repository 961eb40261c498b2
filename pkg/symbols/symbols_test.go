package symbols

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pebble-dev/rtosdbg/pkg/elfwriter"
	"github.com/pebble-dev/rtosdbg/pkg/rtos"
)

func writeELF(t *testing.T, syms []elfwriter.Symbol) string {
	path := filepath.Join(t.TempDir(), "fw.elf")
	fh, err := os.Create(path)
	require.NoError(t, err)
	w := elfwriter.New(fh, &elf.FileHeader{
		Class:   elf.ELFCLASS32,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		Type:    elf.ET_EXEC,
		Machine: elf.EM_ARM,
	})
	w.WriteProgramHeaders()
	w.WriteSymbols(syms)
	require.NoError(t, w.Err)
	require.NoError(t, fh.Close())
	return path
}

func TestLoadELF(t *testing.T) {
	path := writeELF(t, []elfwriter.Symbol{
		{Name: "pxCurrentTCB", Value: 0x20000100, Size: 4},
		{Name: "pxReadyTasksLists", Value: 0x20000200, Size: 100},
	})

	tbl, err := LoadELF(path)
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	addr, ok := tbl.Lookup("pxReadyTasksLists")
	require.True(t, ok)
	require.Equal(t, uint64(0x20000200), addr)
	_, ok = tbl.Lookup("xSuspendedTaskList")
	require.False(t, ok)
}

func TestLoadELFErrors(t *testing.T) {
	_, err := LoadELF(filepath.Join(t.TempDir(), "missing.elf"))
	require.Error(t, err)

	junk := filepath.Join(t.TempDir(), "junk.elf")
	require.NoError(t, os.WriteFile(junk, []byte("not an elf file"), 0600))
	_, err = LoadELF(junk)
	require.Error(t, err)
}

func TestResolve(t *testing.T) {
	overrides := FromMap("config", map[string]uint64{"b": 0x200})
	fw := FromMap("fw.elf", map[string]uint64{"a": 0x100, "b": 0x999})

	got := Resolve([]string{"a", "b", "c"}, overrides, nil, fw)
	require.Equal(t, []uint64{0x100, 0x200, 0}, got)
}

func TestResolveFreeRTOS(t *testing.T) {
	fw := FromMap("fw.elf", map[string]uint64{
		"pxCurrentTCB":           0x20000100,
		"pxReadyTasksLists":      0x20000200,
		"uxCurrentNumberOfTasks": 0x20000300,
	})
	st := ResolveFreeRTOS(fw)
	require.True(t, rtos.Detect(st))
	require.Equal(t, uint64(0x20000100), st.Addr(rtos.SymCurrentTCB))
	require.Equal(t, uint64(0x20000300), st.Addr(rtos.SymCurrentNumberOfTasks))
	require.Equal(t, uint64(0), st.Addr(rtos.SymSuspendedTaskList))

	require.False(t, rtos.Detect(ResolveFreeRTOS()))
}
