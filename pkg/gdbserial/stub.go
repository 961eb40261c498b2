package gdbserial

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/cosiner/argv"

	"github.com/pebble-dev/rtosdbg/pkg/logflags"
)

// ErrEmptyStubCommand is returned by LaunchStub when the command line is empty.
var ErrEmptyStubCommand = errors.New("empty stub command line")

// Stub is a stub process started by rtosdbg, for example
//
//	openocd -f board/stm32f4discovery.cfg
type Stub struct {
	cmd     *exec.Cmd
	done    chan struct{} // closed when the process exits
	waitErr error
}

// ParseCommandLine splits a stub command line into its arguments, quotes
// are honored, backticks and pipes are refused.
func ParseCommandLine(cmdline string) ([]string, error) {
	v, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) == 0 || len(v[0]) == 0 {
		return nil, ErrEmptyStubCommand
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal stub command line '%s'", cmdline)
	}
	return v[0], nil
}

// LaunchStub starts the stub described by cmdline.
func LaunchStub(cmdline string) (*Stub, error) {
	args, err := ParseCommandLine(cmdline)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(args[0], args[1:]...)
	if logflags.StubOutput() || logflags.GdbWire() {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s := &Stub{cmd: cmd, done: make(chan struct{})}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

// Dial attempts to connect to the stub at addr until it succeeds, the stub
// exits or timeout expires.
func (s *Stub) Dial(addr string, timeout time.Duration) (*Conn, error) {
	deadline := time.Now().Add(dialTimeout(timeout))
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return Connect(conn, timeout)
		}
		select {
		case <-s.done:
			return nil, fmt.Errorf("stub exited while attempting to connect: %v", s.waitErr)
		default:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("could not connect to stub at %s: %v", addr, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Kill terminates the stub process.
func (s *Stub) Kill() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	err := s.cmd.Process.Kill()
	<-s.done
	return err
}
