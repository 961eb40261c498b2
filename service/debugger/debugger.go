package debugger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pebble-dev/rtosdbg/pkg/gdbserial"
	"github.com/pebble-dev/rtosdbg/pkg/logflags"
	"github.com/pebble-dev/rtosdbg/pkg/rtos"
	"github.com/pebble-dev/rtosdbg/pkg/symbols"
	"github.com/pebble-dev/rtosdbg/pkg/target"
)

// ErrNoTarget is returned by New when the configuration names no memory
// source.
var ErrNoTarget = errors.New("no target: specify a gdb stub address, a stub command line or a memory snapshot")

// ErrTargetRunning is returned by New when the stub reports that the
// target is not halted.
var ErrTargetRunning = errors.New("target is not halted")

// ErrUnknownThread is returned when a thread is not in the current thread
// list.
var ErrUnknownThread = errors.New("unknown thread")

// Debugger service.
//
// Debugger owns one thread awareness session: the connection to the
// target memory, the resolved kernel symbols, the layout of the target and
// the thread list of the last enumeration.
// The target memory is only assumed to be stable for the duration of one
// call, cached memory is dropped at the start of every call.
type Debugger struct {
	config *Config

	targetMutex sync.Mutex
	mem         rtos.MemoryReader
	cache       *target.CachedMemory
	conn        *gdbserial.Conn
	stub        *gdbserial.Stub

	symbols *rtos.SymbolTable
	rtos    *rtos.FreeRTOS

	// threads is the result of the last successful enumeration, it is nil
	// if the last enumeration failed.
	threads []rtos.Thread

	log logflags.Logger
}

// Config provides the configuration to start a Debugger.
//
// Exactly one of GdbAddress and SnapshotPath should be specified. If Stub
// is also specified the stub is started before connecting to GdbAddress.
type Config struct {
	// GdbAddress is the host:port of the gdb stub.
	GdbAddress string
	// Stub is the command line of a gdb stub to start.
	Stub string
	// PacketTimeout is the maximum time to wait for a reply from the stub.
	PacketTimeout time.Duration

	// SnapshotPath is a memory dump of the target, either an ELF file or a
	// raw dump of memory starting at SnapshotBase.
	SnapshotPath string
	SnapshotBase uint64

	// ELFPath is the firmware image, its symbol table is used to find the
	// kernel variables.
	ELFPath string
	// SymbolOverrides have priority over the ELF symbol table.
	SymbolOverrides map[string]uint64

	// Variant selects the layout of the kernel structures. It can be
	// omitted when SnapshotPath was written by Dump.
	Variant       string
	MaxPriorities int

	CacheBlockSize int
	CacheBlocks    int
	DisableCache   bool
}

// New creates a new Debugger connected to the target described by config.
func New(config *Config) (*Debugger, error) {
	logger := logflags.DebuggerLogger()
	d := &Debugger{config: config, log: logger}

	var sources []symbols.Source
	if len(config.SymbolOverrides) > 0 {
		sources = append(sources, symbols.FromMap("config", config.SymbolOverrides))
	}
	if config.ELFPath != "" {
		tbl, err := symbols.LoadELF(config.ELFPath)
		if err != nil {
			return nil, err
		}
		sources = append(sources, tbl)
	}

	switch {
	case config.SnapshotPath != "":
		isELF, err := isELFFile(config.SnapshotPath)
		if err != nil {
			return nil, err
		}
		if !isELF {
			d.log.Infof("loading raw memory dump %s at %#x", config.SnapshotPath, config.SnapshotBase)
			d.mem, err = target.LoadRawDump(config.SnapshotPath, config.SnapshotBase)
			if err != nil {
				return nil, err
			}
			break
		}
		d.log.Infof("loading memory dump %s", config.SnapshotPath)
		d.mem, err = target.LoadELF(config.SnapshotPath)
		if err != nil {
			return nil, err
		}
		if config.Variant == "" {
			config.Variant, err = target.ReadVariantNote(config.SnapshotPath)
			if err != nil {
				return nil, err
			}
		}
		if config.ELFPath == "" {
			// dumps carry the symbols they were taken with
			if tbl, err := symbols.LoadELF(config.SnapshotPath); err == nil {
				sources = append(sources, tbl)
			}
		}

	case config.Stub != "":
		if config.GdbAddress == "" {
			return nil, fmt.Errorf("a stub command line needs the address the stub listens on")
		}
		d.log.Infof("starting stub: %s", config.Stub)
		stub, err := gdbserial.LaunchStub(config.Stub)
		if err != nil {
			return nil, err
		}
		conn, err := stub.Dial(config.GdbAddress, config.PacketTimeout)
		if err != nil {
			stub.Kill()
			return nil, err
		}
		d.stub, d.conn = stub, conn

	case config.GdbAddress != "":
		d.log.Infof("connecting to %s", config.GdbAddress)
		conn, err := gdbserial.Dial(config.GdbAddress, config.PacketTimeout)
		if err != nil {
			return nil, err
		}
		d.conn = conn

	default:
		return nil, ErrNoTarget
	}

	if d.conn != nil {
		if err := d.checkHalted(); err != nil {
			d.Close()
			return nil, err
		}
		d.mem = d.conn
		if !config.DisableCache {
			cache, err := target.NewCachedMemory(d.conn, config.CacheBlockSize, config.CacheBlocks)
			if err != nil {
				d.Close()
				return nil, err
			}
			d.cache, d.mem = cache, cache
		}
	}

	if err := d.init(sources); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// checkHalted asks the stub why the target last stopped. Memory of a
// running target changes under the task list walk, so anything but a stop
// reply is refused.
func (d *Debugger) checkHalted() error {
	reason, err := d.conn.StopReason()
	if err != nil {
		return err
	}
	d.log.Debugf("stop reason %s", reason)
	if !gdbserial.Halted(reason) {
		return fmt.Errorf("%w (stop reason %q)", ErrTargetRunning, reason)
	}
	return nil
}

// NewWithMemory creates a new Debugger reading target memory from mem and
// kernel symbols from sources.
func NewWithMemory(config *Config, mem rtos.MemoryReader, sources ...symbols.Source) (*Debugger, error) {
	d := &Debugger{config: config, mem: mem, log: logflags.DebuggerLogger()}
	if err := d.init(sources); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Debugger) init(sources []symbols.Source) error {
	if d.config.Variant == "" {
		return &rtos.ConfigurationError{Reason: "no target variant specified"}
	}
	d.symbols = symbols.ResolveFreeRTOS(sources...)
	if !rtos.Detect(d.symbols) {
		return fmt.Errorf("FreeRTOS not detected: symbol %s not found", rtos.SymReadyTasksLists)
	}
	var err error
	d.rtos, err = rtos.Create(d.config.Variant)
	if err != nil {
		return err
	}
	d.rtos.SetMaxPriorities(d.config.MaxPriorities)
	d.log.Debugf("FreeRTOS detected, layout %s", d.config.Variant)
	return nil
}

func isELFFile(path string) (bool, error) {
	fh, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer fh.Close()
	var magic [4]byte
	if _, err := io.ReadFull(fh, magic[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(magic[:], []byte("\x7fELF")), nil
}

// purge drops cached target memory, it must be called with targetMutex held.
func (d *Debugger) purge() {
	if d.cache != nil {
		d.cache.Purge()
	}
}

// Layout returns the layout of the target.
func (d *Debugger) Layout() *rtos.Layout {
	return d.rtos.Layout()
}

// Threads enumerates the threads of the target. The returned slice belongs
// to the caller.
func (d *Debugger) Threads() ([]rtos.Thread, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()
	return d.updateThreads()
}

func (d *Debugger) updateThreads() ([]rtos.Thread, error) {
	d.purge()
	threads, err := d.rtos.UpdateThreads(d.mem, d.symbols)
	if err != nil {
		d.threads = nil
		return nil, err
	}
	d.threads = threads
	if d.cache != nil {
		hits, misses := d.cache.Stats()
		d.log.Debugf("%d threads, cache hits %d misses %d", len(threads), hits, misses)
	}
	r := make([]rtos.Thread, len(threads))
	copy(r, threads)
	return r, nil
}

// findThread returns the thread with identity id. The thread list is read
// from the target if no enumeration was done yet.
func (d *Debugger) findThread(id rtos.ThreadID) (rtos.Thread, error) {
	if d.threads == nil {
		if _, err := d.updateThreads(); err != nil {
			return rtos.Thread{}, err
		}
	}
	for _, th := range d.threads {
		if th.ID == id {
			return th, nil
		}
	}
	return rtos.Thread{}, fmt.Errorf("%w %#x", ErrUnknownThread, uint64(id))
}

// Registers returns the registers of the thread with identity id, as
// saved on its stack by the last context switch.
// For the running thread the values are the ones it had when it was last
// switched out.
func (d *Debugger) Registers(id rtos.ThreadID) (*rtos.Registers, error) {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()

	th, err := d.findThread(id)
	if err != nil {
		return nil, err
	}
	if th.ID == rtos.CurrentExecutionID {
		return nil, fmt.Errorf("thread %q has no saved context, its registers are the registers of the CPU", th.Name)
	}
	if th.Running {
		d.log.Warnf("thread %#x is running, its saved registers are stale", uint64(id))
	}
	d.purge()
	return d.rtos.ThreadRegisters(d.mem, id)
}

// Symbols returns the names of the kernel symbols and their addresses.
func (d *Debugger) Symbols() ([]string, []uint64) {
	names := rtos.SymbolList()
	addrs := make([]uint64, len(names))
	for i := range names {
		addrs[i] = d.symbols.Addr(rtos.Symbol(i))
	}
	return names, addrs
}

// Dump writes regions of target memory, together with the layout variant
// and the kernel symbols, to the ELF file at path.
func (d *Debugger) Dump(path string, regions []target.Region) error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()

	names, addrs := d.Symbols()
	syms := make(map[string]uint64, len(names))
	for i, name := range names {
		syms[name] = addrs[i]
	}
	mem := d.mem
	if d.conn != nil {
		// large sequential reads, the cache would only get in the way
		mem = d.conn
	}
	d.log.Infof("dumping %d regions to %s", len(regions), path)
	return target.WriteDump(path, mem, regions, d.config.Variant, syms)
}

// Close closes the connection to the stub, stops the stub if it was
// started by New and releases all resources. The stub is not asked to
// detach, so the target stays halted.
func (d *Debugger) Close() error {
	d.targetMutex.Lock()
	defer d.targetMutex.Unlock()

	var err error
	if d.conn != nil {
		err = d.conn.Close()
		d.conn = nil
	}
	if d.stub != nil {
		if kerr := d.stub.Kill(); kerr != nil && err == nil {
			err = kerr
		}
		d.stub = nil
	}
	d.threads = nil
	return err
}
