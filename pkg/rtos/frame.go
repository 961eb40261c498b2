package rtos

import (
	"github.com/pebble-dev/rtosdbg/pkg/logflags"
)

// excReturnFPBit is bit 4 of EXC_RETURN, it is clear when the exception
// entry stacked a floating point context.
const excReturnFPBit = 1 << 4

// SelectStacking returns the stacking used for a thread whose saved stack
// pointer is sp.
func SelectStacking(layout *Layout, mem MemoryReader, sp uint64) (*Stacking, error) {
	if !layout.UsesFPStacking() {
		return layout.Stacking, nil
	}
	excReturn, err := readUint(mem, sp+uint64(layout.StackSavedExcReturnOffset), layout.PointerWidth, "exception return r14")
	if err != nil {
		return nil, err
	}
	if excReturn&excReturnFPBit == 0 {
		return layout.StackingFP, nil
	}
	return layout.Stacking, nil
}

// DecodeRegisters returns the registers saved on the stack of the thread
// with identity id.
func DecodeRegisters(id ThreadID, layout *Layout, mem MemoryReader) (*Registers, error) {
	if id == 0 {
		return nil, ErrNoThread
	}
	sp, err := readUint(mem, uint64(id)+uint64(layout.ThreadStackOffset), layout.PointerWidth, "stack pointer")
	if err != nil {
		return nil, err
	}
	if sp == 0 {
		return nil, ErrNullStackPointer
	}
	stacking, err := SelectStacking(layout, mem, sp)
	if err != nil {
		return nil, err
	}
	logflags.RTOSLogger().Debugf("thread %#x: stack pointer %#x, stacking %s", uint64(id), sp, stacking.Name)
	return ReadStack(mem, stacking, sp)
}
