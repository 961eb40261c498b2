package rtos

import (
	"fmt"
	"sort"
	"sync"
)

// Layout describes the in-memory layout of the FreeRTOS structures of one
// target build. Every offset is in bytes.
type Layout struct {
	// Variant is the name of the target this layout applies to, it is
	// matched against the configured target name.
	Variant string

	ThreadCountWidth int // width of uxNumberOfItems and uxCurrentNumberOfTasks
	PointerWidth     int

	ListNextOffset        int // offset of the first item pointer inside a List_t
	ListWidth             int // sizeof(List_t), stride of pxReadyTasksLists
	ListElemNextOffset    int // offset of pxNext inside a ListItem_t
	ListElemContentOffset int // offset of pvOwner inside a ListItem_t

	ThreadStackOffset int // offset of pxTopOfStack inside a TCB
	ThreadNameOffset  int // offset of pcTaskName inside a TCB

	// StackSavedExcReturnOffset is the offset, from the saved stack
	// pointer, of the EXC_RETURN value pushed by the context switch. A
	// negative value means the port does not save it and StackingFP is
	// never used.
	StackSavedExcReturnOffset int

	Stacking   *Stacking
	StackingFP *Stacking
}

// UsesFPStacking returns true if the layout inspects the saved EXC_RETURN
// value to choose between Stacking and StackingFP.
func (l *Layout) UsesFPStacking() bool {
	return l.StackSavedExcReturnOffset >= 0
}

func (l *Layout) validate() error {
	bad := func(format string, args ...interface{}) error {
		return &ConfigurationError{Variant: l.Variant, Reason: fmt.Sprintf(format, args...)}
	}
	if l.Variant == "" {
		return bad("layout has no variant name")
	}
	for _, w := range []struct {
		name  string
		width int
	}{{"pointer width", l.PointerWidth}, {"thread count width", l.ThreadCountWidth}} {
		switch w.width {
		case 1, 2, 4, 8:
		default:
			return bad("invalid %s %d", w.name, w.width)
		}
	}
	if l.ListWidth <= 0 {
		return bad("invalid list width %d", l.ListWidth)
	}
	for _, off := range []int{l.ListNextOffset, l.ListElemNextOffset, l.ListElemContentOffset, l.ThreadStackOffset, l.ThreadNameOffset} {
		if off < 0 {
			return bad("negative structure offset %d", off)
		}
	}
	if l.Stacking == nil {
		return bad("no register stacking")
	}
	if err := l.Stacking.validate(); err != nil {
		return bad("stacking: %v", err)
	}
	if l.UsesFPStacking() {
		if l.StackingFP == nil {
			return bad("exception return offset set but no floating point stacking")
		}
		if err := l.StackingFP.validate(); err != nil {
			return bad("floating point stacking: %v", err)
		}
		if l.StackSavedExcReturnOffset+l.PointerWidth > l.Stacking.Size {
			return bad("exception return offset %d outside of the %d byte stack frame", l.StackSavedExcReturnOffset, l.Stacking.Size)
		}
	}
	return nil
}

// builtinLayouts are the layouts of the firmware builds known at compile
// time. Both use the Pebble port of FreeRTOS.
var builtinLayouts = []*Layout{
	{
		Variant:                   "stm32f4x.cpu",
		ThreadCountWidth:          4,
		PointerWidth:              4,
		ListNextOffset:            16,
		ListWidth:                 20,
		ListElemNextOffset:        8,
		ListElemContentOffset:     12,
		ThreadStackOffset:         0,
		ThreadNameOffset:          88,
		StackSavedExcReturnOffset: 36,
		Stacking:                  &CortexM4PebbleStacking,
		StackingFP:                &CortexM4PebbleStackingFP,
	},
	{
		Variant:                   "stm32f2x.cpu",
		ThreadCountWidth:          4,
		PointerWidth:              4,
		ListNextOffset:            16,
		ListWidth:                 20,
		ListElemNextOffset:        8,
		ListElemContentOffset:     12,
		ThreadStackOffset:         0,
		ThreadNameOffset:          84,
		StackSavedExcReturnOffset: -1,
		Stacking:                  &CortexM3PebbleStacking,
		StackingFP:                &CortexM3PebbleStacking,
	},
}

var layouts = struct {
	mu sync.RWMutex
	m  map[string]*Layout
}{m: make(map[string]*Layout)}

func init() {
	for _, l := range builtinLayouts {
		if err := RegisterLayout(l); err != nil {
			panic(err)
		}
	}
}

// RegisterLayout adds l to the table of known layouts. It is meant to be
// called during initialization, before any session is created.
func RegisterLayout(l *Layout) error {
	if err := l.validate(); err != nil {
		return err
	}
	layouts.mu.Lock()
	defer layouts.mu.Unlock()
	if _, dup := layouts.m[l.Variant]; dup {
		return &ConfigurationError{Variant: l.Variant, Reason: "layout already registered"}
	}
	layouts.m[l.Variant] = l
	return nil
}

// LookupLayout returns the layout registered for variant.
func LookupLayout(variant string) (*Layout, error) {
	layouts.mu.RLock()
	l, ok := layouts.m[variant]
	layouts.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{Variant: variant, Reason: "target not in FreeRTOS compatibility list"}
	}
	return l, nil
}

// Layouts returns the names of all registered variants, sorted.
func Layouts() []string {
	layouts.mu.RLock()
	defer layouts.mu.RUnlock()
	r := make([]string, 0, len(layouts.m))
	for name := range layouts.m {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}
