package rtos

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// RegNotSaved marks a register that the context switch does not save,
	// it is reported as zero.
	RegNotSaved = -1
	// RegStackPointer marks the stack pointer register, its value is the
	// stack pointer of the thread after the frame has been unstacked.
	RegStackPointer = -2
)

// ErrNullStackPointer is returned when a thread has a saved stack pointer of 0.
var ErrNullStackPointer = errors.New("null stack pointer in thread")

// StackRegister is one register of a Stacking.
type StackRegister struct {
	Name   string
	Offset int // offset inside the stack frame, or RegNotSaved or RegStackPointer
}

// Stacking describes how the context switch code of a port saves the
// registers of a thread on its stack.
type Stacking struct {
	Name            string
	Size            int // size of the saved frame in bytes
	GrowthDirection int // -1 if the stack grows towards lower addresses
	RegisterWidth   int // width of every register in bytes
	Registers       []StackRegister

	// XPSROffset is the offset of the saved xPSR, if it is not negative
	// and bit 9 of the saved xPSR is set the hardware inserted a padding
	// word to align the stack and the unstacked stack pointer is adjusted
	// accordingly.
	XPSROffset int
}

func (s *Stacking) validate() error {
	if s.Size <= 0 {
		return fmt.Errorf("invalid frame size %d", s.Size)
	}
	if s.GrowthDirection != 1 && s.GrowthDirection != -1 {
		return fmt.Errorf("invalid growth direction %d", s.GrowthDirection)
	}
	if s.RegisterWidth <= 0 || s.RegisterWidth > 8 {
		return fmt.Errorf("invalid register width %d", s.RegisterWidth)
	}
	for _, reg := range s.Registers {
		if reg.Offset == RegNotSaved || reg.Offset == RegStackPointer {
			continue
		}
		if reg.Offset < 0 || reg.Offset+s.RegisterWidth > s.Size {
			return fmt.Errorf("register %s at offset %d outside of the %d byte frame", reg.Name, reg.Offset, s.Size)
		}
	}
	if s.XPSROffset+4 > s.Size {
		return fmt.Errorf("xPSR offset %d outside of the %d byte frame", s.XPSROffset, s.Size)
	}
	return nil
}

// Register is the value of a register read from a thread's stack.
type Register struct {
	Name  string
	Bytes []byte
	Value string
}

// Registers is a register snapshot decoded from a thread's stack.
type Registers struct {
	Stacking *Stacking
	Regs     []Register
}

// Get returns the value of the named register.
func (regs *Registers) Get(name string) (uint64, bool) {
	for _, reg := range regs.Regs {
		if reg.Name == name {
			var buf [8]byte
			copy(buf[:], reg.Bytes)
			return binary.LittleEndian.Uint64(buf[:]), true
		}
	}
	return 0, false
}

// PC returns the value of the program counter.
func (regs *Registers) PC() uint64 {
	pc, _ := regs.Get("pc")
	return pc
}

// SP returns the value of the stack pointer after unstacking.
func (regs *Registers) SP() uint64 {
	sp, _ := regs.Get("sp")
	return sp
}

// GPacket returns the registers encoded as the payload of a reply to the
// 'g' packet of the Gdb Remote Serial Protocol.
func (regs *Registers) GPacket() string {
	var buf strings.Builder
	for _, reg := range regs.Regs {
		buf.WriteString(hex.EncodeToString(reg.Bytes))
	}
	return buf.String()
}

func appendReg(regs []Register, name string, b []byte) []Register {
	var v [8]byte
	copy(v[:], b)
	return append(regs, Register{name, b, fmt.Sprintf("0x%0*x", 2*len(b), binary.LittleEndian.Uint64(v[:]))})
}

// ReadStack reads the frame described by stacking from the stack of a thread
// whose saved stack pointer is sp and returns the registers it contains.
func ReadStack(mem MemoryReader, stacking *Stacking, sp uint64) (*Registers, error) {
	if sp == 0 {
		return nil, ErrNullStackPointer
	}
	if stacking.Size > maxFrameSize {
		return nil, &AllocationFailure{What: "stack frame", Size: stacking.Size}
	}

	addr := sp
	if stacking.GrowthDirection > 0 {
		addr -= uint64(stacking.Size)
	}
	frame := make([]byte, stacking.Size)
	if err := readMemory(mem, frame, addr, "stack frame"); err != nil {
		return nil, err
	}

	newSP := sp
	if stacking.GrowthDirection < 0 {
		newSP += uint64(stacking.Size)
	} else {
		newSP -= uint64(stacking.Size)
	}
	if stacking.XPSROffset >= 0 {
		xpsr := binary.LittleEndian.Uint32(frame[stacking.XPSROffset:])
		if xpsr&(1<<9) != 0 {
			newSP += 4
		}
	}

	w := stacking.RegisterWidth
	regs := make([]Register, 0, len(stacking.Registers))
	for _, reg := range stacking.Registers {
		b := make([]byte, w)
		switch reg.Offset {
		case RegNotSaved:
		case RegStackPointer:
			var v [8]byte
			binary.LittleEndian.PutUint64(v[:], newSP)
			copy(b, v[:])
		default:
			copy(b, frame[reg.Offset:reg.Offset+w])
		}
		regs = appendReg(regs, reg.Name, b)
	}
	return &Registers{Stacking: stacking, Regs: regs}, nil
}

const maxFrameSize = 4096

func sRegs(first, n, offset int) []StackRegister {
	r := make([]StackRegister, n)
	for i := range r {
		r[i] = StackRegister{fmt.Sprintf("s%d", first+i), offset + 4*i}
	}
	return r
}

func concatRegs(parts ...[]StackRegister) []StackRegister {
	var r []StackRegister
	for _, p := range parts {
		r = append(r, p...)
	}
	return r
}

// The Pebble port saves CONTROL below r4-r11 and, on cores with an FPU,
// EXC_RETURN above them. The hardware frame (r0-r3, r12, lr, pc, xPSR)
// follows the software frame.

// CortexM3PebbleStacking is the frame saved by the Cortex-M3 port.
var CortexM3PebbleStacking = Stacking{
	Name:            "cortex-m3-pebble",
	Size:            0x44,
	GrowthDirection: -1,
	RegisterWidth:   4,
	XPSROffset:      0x40,
	Registers: []StackRegister{
		{"r0", 0x24}, {"r1", 0x28}, {"r2", 0x2c}, {"r3", 0x30},
		{"r4", 0x04}, {"r5", 0x08}, {"r6", 0x0c}, {"r7", 0x10},
		{"r8", 0x14}, {"r9", 0x18}, {"r10", 0x1c}, {"r11", 0x20},
		{"r12", 0x34}, {"sp", RegStackPointer}, {"lr", 0x38}, {"pc", 0x3c},
		{"xpsr", 0x40},
	},
}

// CortexM4PebbleStacking is the frame saved by the Cortex-M4F port when the
// thread has no floating point context.
var CortexM4PebbleStacking = Stacking{
	Name:            "cortex-m4-pebble",
	Size:            0x48,
	GrowthDirection: -1,
	RegisterWidth:   4,
	XPSROffset:      0x44,
	Registers: []StackRegister{
		{"r0", 0x28}, {"r1", 0x2c}, {"r2", 0x30}, {"r3", 0x34},
		{"r4", 0x04}, {"r5", 0x08}, {"r6", 0x0c}, {"r7", 0x10},
		{"r8", 0x14}, {"r9", 0x18}, {"r10", 0x1c}, {"r11", 0x20},
		{"r12", 0x38}, {"sp", RegStackPointer}, {"lr", 0x3c}, {"pc", 0x40},
		{"xpsr", 0x44},
	},
}

// CortexM4PebbleStackingFP is the frame saved by the Cortex-M4F port when the
// thread has a floating point context: s16-s31 are saved by software after
// EXC_RETURN, s0-s15 and FPSCR by the hardware after xPSR.
var CortexM4PebbleStackingFP = Stacking{
	Name:            "cortex-m4-pebble-fp",
	Size:            0xd0,
	GrowthDirection: -1,
	RegisterWidth:   4,
	XPSROffset:      0x84,
	Registers: concatRegs(
		[]StackRegister{
			{"r0", 0x68}, {"r1", 0x6c}, {"r2", 0x70}, {"r3", 0x74},
			{"r4", 0x04}, {"r5", 0x08}, {"r6", 0x0c}, {"r7", 0x10},
			{"r8", 0x14}, {"r9", 0x18}, {"r10", 0x1c}, {"r11", 0x20},
			{"r12", 0x78}, {"sp", RegStackPointer}, {"lr", 0x7c}, {"pc", 0x80},
			{"xpsr", 0x84},
		},
		sRegs(0, 16, 0x88),
		sRegs(16, 16, 0x28),
		[]StackRegister{{"fpscr", 0xc8}},
	),
}

var stackings = map[string]*Stacking{
	CortexM3PebbleStacking.Name:   &CortexM3PebbleStacking,
	CortexM4PebbleStacking.Name:   &CortexM4PebbleStacking,
	CortexM4PebbleStackingFP.Name: &CortexM4PebbleStackingFP,
}

// LookupStacking returns the stacking called name.
func LookupStacking(name string) (*Stacking, bool) {
	s, ok := stackings[name]
	return s, ok
}
