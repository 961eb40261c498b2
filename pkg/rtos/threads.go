package rtos

import (
	"bytes"
)

const (
	// ThreadNameSize is the number of bytes read from a TCB's name buffer.
	ThreadNameSize = 200

	noNameString           = "No Name"
	currentExecutionString = "Current Execution"
)

// Thread describes one thread of the target.
type Thread struct {
	ID      ThreadID
	Name    string
	Running bool
}

// ExtraInfo returns the text gdb shows next to the thread name.
func (t *Thread) ExtraInfo() string {
	if t.Running {
		return "Running"
	}
	return ""
}

// BuildThread reads the name of the thread with identity id and returns
// its descriptor.
func BuildThread(id ThreadID, layout *Layout, mem MemoryReader, current ThreadID) (Thread, error) {
	if id == 0 {
		return Thread{}, ErrNoThread
	}
	if id == CurrentExecutionID {
		return Thread{ID: id, Name: currentExecutionString, Running: true}, nil
	}

	var buf [ThreadNameSize]byte
	if err := readMemory(mem, buf[:], uint64(id)+uint64(layout.ThreadNameOffset), "thread name"); err != nil {
		return Thread{}, err
	}
	name := buf[:ThreadNameSize-1]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	t := Thread{ID: id, Name: string(name), Running: id == current}
	if t.Name == "" {
		t.Name = noNameString
	}
	return t, nil
}
