// Package rtos implements thread awareness for FreeRTOS kernels running on
// a halted target.
//
// Everything is reconstructed from target memory: the task lists of the
// kernel are walked to find the task control blocks, and the registers of
// a thread that is not running are read back from the frame its context
// switch saved on its stack. The offsets of the kernel structures differ
// between builds and are described by a Layout, selected by name.
package rtos

import (
	"github.com/pebble-dev/rtosdbg/pkg/logflags"
)

// FreeRTOS is the thread awareness state of one debug session.
type FreeRTOS struct {
	layout        *Layout
	maxPriorities int
}

// Create returns the FreeRTOS support for the target named variant.
func Create(variant string) (*FreeRTOS, error) {
	layout, err := LookupLayout(variant)
	if err != nil {
		logflags.RTOSLogger().Errorf("Could not find target %q in FreeRTOS compatibility list", variant)
		return nil, err
	}
	return &FreeRTOS{layout: layout, maxPriorities: DefaultMaxPriorities}, nil
}

// Layout returns the layout selected by Create.
func (rtos *FreeRTOS) Layout() *Layout {
	return rtos.layout
}

// SetMaxPriorities changes the number of ready lists that are walked.
func (rtos *FreeRTOS) SetMaxPriorities(n int) {
	if n > 0 {
		rtos.maxPriorities = n
	}
}

// CurrentThread reads pxCurrentTCB.
func (rtos *FreeRTOS) CurrentThread(mem MemoryReader, st *SymbolTable) (ThreadID, error) {
	addr := st.Addr(SymCurrentTCB)
	if addr == 0 {
		return 0, &MissingSymbolError{Symbol: SymCurrentTCB.String()}
	}
	cur, err := readUint(mem, addr, rtos.layout.PointerWidth, "current thread")
	return ThreadID(cur), err
}

// UpdateThreads reads the list of threads from the target. The returned
// slice is owned by the caller. On error no thread list is returned.
func (rtos *FreeRTOS) UpdateThreads(mem MemoryReader, st *SymbolTable) ([]Thread, error) {
	log := logflags.RTOSLogger()

	countAddr := st.Addr(SymCurrentNumberOfTasks)
	if countAddr == 0 {
		return nil, &MissingSymbolError{Symbol: SymCurrentNumberOfTasks.String()}
	}
	taskCount, err := readUint(mem, countAddr, rtos.layout.ThreadCountWidth, "thread count")
	if err != nil {
		return nil, err
	}
	if taskCount > MaxThreads {
		return nil, &AllocationFailure{What: "thread list", Size: int(taskCount)}
	}

	current, err := rtos.CurrentThread(mem, st)
	if err != nil {
		return nil, err
	}
	log.Debugf("%d tasks, current TCB %#x", taskCount, uint64(current))

	capacity := int(taskCount)
	if capacity == 0 {
		capacity = 1
	}
	w := &Walker{Layout: rtos.layout, Mem: mem, Symbols: st, MaxPriorities: rtos.maxPriorities}
	ids, err := w.Enumerate(taskCount, current, capacity)
	if err != nil {
		return nil, err
	}

	threads := make([]Thread, 0, len(ids))
	for _, id := range ids {
		t, err := BuildThread(id, rtos.layout, mem, current)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

// ThreadRegisters returns the registers of the thread with identity id.
func (rtos *FreeRTOS) ThreadRegisters(mem MemoryReader, id ThreadID) (*Registers, error) {
	return DecodeRegisters(id, rtos.layout, mem)
}
