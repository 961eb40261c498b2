package rtos

import (
	"encoding/binary"
	"fmt"
)

// fakeMem is target memory made of individually mapped bytes, reading an
// unmapped byte fails.
type fakeMem struct {
	bytes map[uint64]byte
	reads int
}

func newFakeMem() *fakeMem {
	return &fakeMem{bytes: make(map[uint64]byte)}
}

func (m *fakeMem) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.reads++
	for i := range buf {
		b, ok := m.bytes[addr+uint64(i)]
		if !ok {
			return i, fmt.Errorf("unmapped address %#x", addr+uint64(i))
		}
		buf[i] = b
	}
	return len(buf), nil
}

func (m *fakeMem) putBytes(addr uint64, b []byte) {
	for i := range b {
		m.bytes[addr+uint64(i)] = b[i]
	}
}

func (m *fakeMem) put32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.putBytes(addr, buf[:])
}

// fakeKernel lays out FreeRTOS task lists in a fakeMem using the
// stm32f4x.cpu layout.
type fakeKernel struct {
	mem      *fakeMem
	layout   *Layout
	syms     map[string]uint64
	nextItem uint64
}

const (
	readyListsAddr = 0x20000100
	listEndMarker  = 0x200000f0
)

func newFakeKernel() *fakeKernel {
	layout, err := LookupLayout("stm32f4x.cpu")
	if err != nil {
		panic(err)
	}
	k := &fakeKernel{
		mem:      newFakeMem(),
		layout:   layout,
		nextItem: 0x20008000,
		syms: map[string]uint64{
			"pxCurrentTCB":             0x20000000,
			"uxCurrentNumberOfTasks":   0x20000004,
			"pxReadyTasksLists":        readyListsAddr,
			"xDelayedTaskList1":        0x20000200,
			"xDelayedTaskList2":        0x20000220,
			"xPendingReadyList":        0x20000240,
			"xSuspendedTaskList":       0x20000260,
			"xTasksWaitingTermination": 0x20000280,
		},
	}
	for i := 0; i < DefaultMaxPriorities; i++ {
		k.list(readyListsAddr + uint64(i*layout.ListWidth))
	}
	for _, name := range []string{"xDelayedTaskList1", "xDelayedTaskList2", "xPendingReadyList", "xSuspendedTaskList", "xTasksWaitingTermination"} {
		k.list(k.syms[name])
	}
	return k
}

func (k *fakeKernel) symbols() *SymbolTable {
	return NewSymbolTable(func(name string) uint64 { return k.syms[name] })
}

// list writes a list header at addr containing tcbs.
func (k *fakeKernel) list(addr uint64, tcbs ...uint64) {
	k.mem.put32(addr, uint32(len(tcbs)))
	first := uint64(listEndMarker)
	if len(tcbs) > 0 {
		first = k.nextItem
	}
	k.mem.put32(addr+uint64(k.layout.ListNextOffset), uint32(first))
	for i, tcb := range tcbs {
		item := k.nextItem
		k.nextItem += 0x20
		next := uint64(listEndMarker)
		if i+1 < len(tcbs) {
			next = k.nextItem
		}
		k.mem.put32(item+uint64(k.layout.ListElemNextOffset), uint32(next))
		k.mem.put32(item+uint64(k.layout.ListElemContentOffset), uint32(tcb))
	}
}

func (k *fakeKernel) readyList(prio int, tcbs ...uint64) {
	k.list(readyListsAddr+uint64(prio*k.layout.ListWidth), tcbs...)
}

// task writes a TCB at addr with the given name.
func (k *fakeKernel) task(addr uint64, name string) {
	var buf [ThreadNameSize]byte
	copy(buf[:], name)
	k.mem.putBytes(addr+uint64(k.layout.ThreadNameOffset), buf[:])
}

func (k *fakeKernel) setCurrent(current uint64, count int) {
	k.mem.put32(k.syms["pxCurrentTCB"], uint32(current))
	k.mem.put32(k.syms["uxCurrentNumberOfTasks"], uint32(count))
}
