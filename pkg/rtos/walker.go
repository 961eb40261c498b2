package rtos

import (
	"github.com/pebble-dev/rtosdbg/pkg/logflags"
)

// ThreadID is the address of a task control block in target memory.
// Zero means no thread.
type ThreadID uint64

// CurrentExecutionID is the identity reported for the only thread of a
// target that has no scheduler running yet, or whose scheduler has no
// current task.
const CurrentExecutionID ThreadID = 1

// DefaultMaxPriorities is the default number of ready lists read from
// pxReadyTasksLists.
const DefaultMaxPriorities = 5

// MaxThreads is the largest task count that will be believed.
const MaxThreads = 4096

// Walker enumerates the threads of a FreeRTOS kernel by walking its task
// lists in target memory.
type Walker struct {
	Layout        *Layout
	Mem           MemoryReader
	Symbols       *SymbolTable
	MaxPriorities int
}

// taskLists returns the addresses of the list headers to walk, in order.
// Zero addresses are kept, they are skipped by the traversal.
func (w *Walker) taskLists() []uint64 {
	n := w.MaxPriorities
	if n <= 0 {
		n = DefaultMaxPriorities
	}
	lists := make([]uint64, 0, n+5)
	base := w.Symbols.Addr(SymReadyTasksLists)
	for i := 0; i < n; i++ {
		var addr uint64
		if base != 0 {
			addr = base + uint64(i*w.Layout.ListWidth)
		}
		lists = append(lists, addr)
	}
	return append(lists,
		w.Symbols.Addr(SymDelayedTaskList1),
		w.Symbols.Addr(SymDelayedTaskList2),
		w.Symbols.Addr(SymPendingReadyList),
		w.Symbols.Addr(SymSuspendedTaskList),
		w.Symbols.Addr(SymTasksWaitingTermination))
}

// Enumerate returns the identities of at most capacity threads found in
// the task lists. If taskCount is 0 or current is 0 the scheduler is
// considered not running and the only thread returned is
// CurrentExecutionID.
// Items without an owner are skipped, a list stops at the first item that
// was already visited and a thread is returned at most once.
// Any read error aborts the enumeration, no partial result is returned.
func (w *Walker) Enumerate(taskCount uint64, current ThreadID, capacity int) ([]ThreadID, error) {
	if capacity < 1 {
		return nil, &ConfigurationError{Variant: w.Layout.Variant, Reason: "thread capacity must be at least 1"}
	}
	if capacity > MaxThreads {
		return nil, &AllocationFailure{What: "thread list", Size: capacity}
	}
	if taskCount == 0 || current == 0 {
		return []ThreadID{CurrentExecutionID}, nil
	}

	log := logflags.RTOSLogger()
	l := w.Layout
	threads := make([]ThreadID, 0, capacity)
	// list items and threads met so far, a snapshot taken while the
	// kernel was updating a list can contain loops
	visited := make(map[uint64]struct{})
	seen := make(map[ThreadID]struct{})

	for _, list := range w.taskLists() {
		if len(threads) >= capacity {
			break
		}
		if list == 0 {
			continue
		}

		count, err := readUint(w.Mem, list, l.ThreadCountWidth, "number of threads in list")
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		log.Debugf("list %#x: %d threads", list, count)

		elem, err := readUint(w.Mem, list+uint64(l.ListNextOffset), l.PointerWidth, "first thread item location")
		if err != nil {
			return nil, err
		}

		// prevElem starts at an address no list item can have.
		prevElem := ^uint64(0)
		for count > 0 && elem != 0 && elem != prevElem && len(threads) < capacity {
			if _, loop := visited[elem]; loop {
				log.Debugf("list %#x: item %#x already visited", list, elem)
				break
			}
			visited[elem] = struct{}{}

			tcb, err := readUint(w.Mem, elem+uint64(l.ListElemContentOffset), l.PointerWidth, "thread list item object")
			if err != nil {
				return nil, err
			}
			count--
			switch _, dup := seen[ThreadID(tcb)]; {
			case tcb == 0:
				log.Debugf("list %#x: item %#x has no owner", list, elem)
			case dup:
				log.Debugf("list %#x: thread %#x already listed", list, tcb)
			default:
				seen[ThreadID(tcb)] = struct{}{}
				threads = append(threads, ThreadID(tcb))
			}

			prevElem = elem
			elem, err = readUint(w.Mem, prevElem+uint64(l.ListElemNextOffset), l.PointerWidth, "next thread item location")
			if err != nil {
				return nil, err
			}
		}
		if elem != 0 && elem == prevElem {
			log.Debugf("list %#x: item %#x points to itself", list, elem)
		}
	}
	return threads, nil
}
