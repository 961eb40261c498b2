package rtos

// Symbol identifies one of the global variables of the FreeRTOS kernel that
// the thread awareness code reads.
type Symbol int

const (
	SymCurrentTCB Symbol = iota
	SymReadyTasksLists
	SymDelayedTaskList1
	SymDelayedTaskList2
	SymDelayedTaskList
	SymOverflowDelayedTaskList
	SymPendingReadyList
	SymTasksWaitingTermination
	SymSuspendedTaskList
	SymCurrentNumberOfTasks

	numSymbols
)

var symbolNames = [numSymbols]string{
	SymCurrentTCB:              "pxCurrentTCB",
	SymReadyTasksLists:         "pxReadyTasksLists",
	SymDelayedTaskList1:        "xDelayedTaskList1",
	SymDelayedTaskList2:        "xDelayedTaskList2",
	SymDelayedTaskList:         "pxDelayedTaskList",
	SymOverflowDelayedTaskList: "pxOverflowDelayedTaskList",
	SymPendingReadyList:        "xPendingReadyList",
	SymTasksWaitingTermination: "xTasksWaitingTermination",
	SymSuspendedTaskList:       "xSuspendedTaskList",
	SymCurrentNumberOfTasks:    "uxCurrentNumberOfTasks",
}

func (s Symbol) String() string {
	if s < 0 || s >= numSymbols {
		return "unknown"
	}
	return symbolNames[s]
}

// SymbolList returns the names of the symbols that must be looked up, in
// the order expected by NewSymbolTable.
func SymbolList() []string {
	r := make([]string, numSymbols)
	copy(r, symbolNames[:])
	return r
}

// SymbolTable holds the resolved address of every symbol returned by
// SymbolList. Unresolved symbols have address 0.
type SymbolTable [numSymbols]uint64

// NewSymbolTable builds a SymbolTable from a lookup function, lookup must
// return 0 for symbols it can not resolve.
func NewSymbolTable(lookup func(name string) uint64) *SymbolTable {
	var st SymbolTable
	for i, name := range symbolNames {
		st[i] = lookup(name)
	}
	return &st
}

// Addr returns the address of s.
func (st *SymbolTable) Addr(s Symbol) uint64 {
	return st[s]
}

// Detect returns true if the symbols look like a FreeRTOS kernel.
func Detect(st *SymbolTable) bool {
	return st != nil && st[SymReadyTasksLists] != 0
}
