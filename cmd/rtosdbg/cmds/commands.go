package cmds

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pebble-dev/rtosdbg/pkg/config"
	"github.com/pebble-dev/rtosdbg/pkg/logflags"
	"github.com/pebble-dev/rtosdbg/pkg/rtos"
	"github.com/pebble-dev/rtosdbg/pkg/symbols"
	"github.com/pebble-dev/rtosdbg/pkg/target"
	"github.com/pebble-dev/rtosdbg/pkg/terminal"
	"github.com/pebble-dev/rtosdbg/pkg/version"
	"github.com/pebble-dev/rtosdbg/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// noColor disables colored output.
	noColor bool

	// gdbAddr is the address of the gdb stub.
	gdbAddr string
	// stubCmd is the command line of a gdb stub started before connecting.
	stubCmd string
	// packetTimeout is how long to wait for a reply from the stub.
	packetTimeout time.Duration
	// snapshot is a memory dump used instead of a live target.
	snapshot string
	// snapshotBase is the address of the first byte of a raw snapshot.
	snapshotBase uint64
	// elfPath is the firmware image.
	elfPath string
	// variant selects the layout of the kernel structures.
	variant string
	// maxPriorities is configMAX_PRIORITIES of the firmware.
	maxPriorities int
	// noCache disables the target memory cache.
	noCache bool

	// rawRegs prints registers as a 'g' packet reply.
	rawRegs bool
	// regions are the memory ranges saved by dump.
	regions []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const rtosdbgCommandLongDesc = `rtosdbg shows the threads of a FreeRTOS kernel running on a halted target.

The threads are found by reading the task lists of the kernel from target
memory, through a gdb stub (OpenOCD, pyOCD, J-Link GDB server, ...) or from a
memory dump, and the registers of every thread are read back from the frame
saved on its stack by the last context switch. The target is never written
to and never resumed.

The addresses of the kernel variables are read from the symbol table of the
firmware, pass it with --elf.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()
	if err := conf.RegisterLayouts(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid layouts in configuration file: %v\n", err)
	}
	maxPrioritiesDefault := conf.MaxPriorities
	if maxPrioritiesDefault <= 0 {
		maxPrioritiesDefault = rtos.DefaultMaxPriorities
	}
	packetTimeoutDefault := conf.PacketTimeout
	if packetTimeoutDefault <= 0 {
		packetTimeoutDefault = 5 * time.Second
	}

	// Main rtosdbg root command.
	rootCommand = &cobra.Command{
		Use:           "rtosdbg",
		Short:         "rtosdbg is a thread viewer for FreeRTOS targets.",
		Long:          rtosdbgCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'rtosdbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'rtosdbg help log').")
	rootCommand.PersistentFlags().BoolVarP(&noColor, "no-color", "", false, "Disable colored output.")

	rootCommand.PersistentFlags().StringVar(&gdbAddr, "gdb", conf.GdbAddress, "Address of the gdb stub, host:port.")
	rootCommand.PersistentFlags().StringVar(&stubCmd, "stub", conf.Stub, "Command line of a gdb stub to start before connecting to --gdb.")
	rootCommand.PersistentFlags().DurationVar(&packetTimeout, "packet-timeout", packetTimeoutDefault, "Maximum time to wait for a reply from the stub.")
	rootCommand.PersistentFlags().StringVar(&snapshot, "snapshot", "", "Read target memory from a dump (ELF file or raw memory image) instead of a stub.")
	rootCommand.PersistentFlags().Uint64Var(&snapshotBase, "snapshot-base", 0x20000000, "Address of the first byte of a raw memory image.")
	rootCommand.PersistentFlags().StringVar(&elfPath, "elf", "", "Firmware image, used to find the kernel variables.")
	rootCommand.PersistentFlags().StringVar(&variant, "variant", conf.Variant, "Target name, selects the layout of the kernel structures (see 'rtosdbg variants').")
	rootCommand.PersistentFlags().IntVar(&maxPriorities, "max-priorities", maxPrioritiesDefault, "configMAX_PRIORITIES of the firmware.")
	rootCommand.PersistentFlags().BoolVar(&noCache, "no-cache", conf.DisableCache, "Do not cache target memory.")

	// 'threads' subcommand.
	threadsCommand := &cobra.Command{
		Use:   "threads",
		Short: "Lists the threads of the target.",
		Long: `Lists the threads of the target.

The running thread is marked with '*'. If the scheduler has not started yet a
single thread called "Current Execution" is listed.`,
		RunE: threadsCmd,
	}
	rootCommand.AddCommand(threadsCommand)

	// 'regs' subcommand.
	regsCommand := &cobra.Command{
		Use:   "regs <thread id>",
		Short: "Prints the registers of a thread.",
		Long: `Prints the registers of a thread.

The registers are the ones saved on the stack of the thread the last time it
was switched out, for the running thread they are stale.`,
		Args: cobra.ExactArgs(1),
		RunE: regsCmd,
	}
	regsCommand.Flags().BoolVar(&rawRegs, "raw", false, "Print the registers as the reply of a stub to the 'g' packet.")
	rootCommand.AddCommand(regsCommand)

	// 'dump' subcommand.
	dumpCommand := &cobra.Command{
		Use:   "dump <file>",
		Short: "Saves target memory for later use with --snapshot.",
		Long: `Saves target memory for later use with --snapshot.

The memory ranges given with --region (or dump-regions in the configuration
file) are written to an ELF core file, together with the target name and the
addresses of the kernel variables, so that the file can be used alone:

	rtosdbg --snapshot <file> threads`,
		Args: cobra.ExactArgs(1),
		RunE: dumpCmd,
	}
	dumpCommand.Flags().StringArrayVar(&regions, "region", nil, "Memory range to save, as addr:size, can be repeated.")
	rootCommand.AddCommand(dumpCommand)

	// 'variants' subcommand.
	variantsCommand := &cobra.Command{
		Use:   "variants",
		Short: "Lists the known targets.",
		RunE:  variantsCmd,
	}
	rootCommand.AddCommand(variantsCommand)

	// 'symbols' subcommand.
	symbolsCommand := &cobra.Command{
		Use:   "symbols",
		Short: "Prints the addresses of the kernel variables.",
		RunE:  symbolsCmd,
	}
	rootCommand.AddCommand(symbolsCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rtosdbg\n%s\n", version.RtosdbgVersion)
			if log {
				fmt.Fprintln(cmd.OutOrStdout(), version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log session setup and memory cache statistics
	rtos		Log task list traversal and stack decoding
	gdbwire		Log connection to the gdb stub
	stubout		Copy output from the stub to standard output
	symbols		Log symbol resolution

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	return rootCommand
}

func debuggerConfig() *debugger.Config {
	return &debugger.Config{
		GdbAddress:      gdbAddr,
		Stub:            stubCmd,
		PacketTimeout:   packetTimeout,
		SnapshotPath:    snapshot,
		SnapshotBase:    snapshotBase,
		ELFPath:         elfPath,
		SymbolOverrides: conf.Symbols,
		Variant:         variant,
		MaxPriorities:   maxPriorities,
		CacheBlockSize:  conf.CacheBlockSize,
		CacheBlocks:     conf.CacheBlocks,
		DisableCache:    noCache,
	}
}

// withDebugger starts a session, runs fn and ends the session.
func withDebugger(fn func(d *debugger.Debugger, term *terminal.Term) error) error {
	d, err := debugger.New(debuggerConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	term := terminal.New(noColor)
	defer term.Close()
	err = fn(d, term)
	if cerr := d.Close(); cerr != nil {
		logflags.DebuggerLogger().Warnf("close: %v", cerr)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

func threadsCmd(cmd *cobra.Command, args []string) error {
	return withDebugger(func(d *debugger.Debugger, term *terminal.Term) error {
		threads, err := d.Threads()
		if err != nil {
			return fmt.Errorf("could not read thread list: %w", err)
		}
		term.PrintThreads(threads)
		return nil
	})
}

func regsCmd(cmd *cobra.Command, args []string) error {
	id, err := parseThreadID(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return withDebugger(func(d *debugger.Debugger, term *terminal.Term) error {
		regs, err := d.Registers(id)
		if err != nil {
			return err
		}
		term.PrintRegisters(id, regs, rawRegs)
		return nil
	})
}

func dumpCmd(cmd *cobra.Command, args []string) error {
	rs, err := dumpRegions(regions, conf.DumpRegions)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return withDebugger(func(d *debugger.Debugger, term *terminal.Term) error {
		if err := d.Dump(args[0], rs); err != nil {
			return err
		}
		sizes := make([]uint64, len(rs))
		for i := range rs {
			sizes[i] = rs[i].Size
		}
		term.PrintDump(args[0], sizes)
		return nil
	})
}

func variantsCmd(cmd *cobra.Command, args []string) error {
	names := rtos.Layouts()
	layouts := make([]*rtos.Layout, 0, len(names))
	for _, name := range names {
		l, err := rtos.LookupLayout(name)
		if err != nil {
			return err
		}
		layouts = append(layouts, l)
	}
	term := terminal.New(noColor)
	defer term.Close()
	term.PrintLayouts(layouts)
	return nil
}

// symbolsCmd does not need a target, only the symbol sources.
func symbolsCmd(cmd *cobra.Command, args []string) error {
	var sources []symbols.Source
	if len(conf.Symbols) > 0 {
		sources = append(sources, symbols.FromMap("config", conf.Symbols))
	}
	path := elfPath
	if path == "" {
		path = snapshot
	}
	if path != "" {
		tbl, err := symbols.LoadELF(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		sources = append(sources, tbl)
	}
	names := rtos.SymbolList()
	addrs := symbols.Resolve(names, sources...)

	term := terminal.New(noColor)
	defer term.Close()
	term.PrintSymbols(names, addrs)
	if addrs[rtos.SymReadyTasksLists] == 0 {
		term.Printf("FreeRTOS not detected.\n")
	}
	return nil
}

// parseThreadID parses a thread identity, in any base accepted by Go.
func parseThreadID(s string) (rtos.ThreadID, error) {
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid thread id %q", s)
	}
	if id == 0 {
		return 0, rtos.ErrNoThread
	}
	return rtos.ThreadID(id), nil
}

// dumpRegions parses the --region flags, or uses the regions of the
// configuration file if there are none.
func dumpRegions(flags []string, fromConfig []config.Region) ([]target.Region, error) {
	var rs []target.Region
	for _, f := range flags {
		v := strings.SplitN(f, ":", 2)
		if len(v) != 2 {
			return nil, fmt.Errorf("invalid region %q, expected addr:size", f)
		}
		addr, err := strconv.ParseUint(v[0], 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid region address %q", v[0])
		}
		size, err := strconv.ParseUint(v[1], 0, 64)
		if err != nil || size == 0 {
			return nil, fmt.Errorf("invalid region size %q", v[1])
		}
		rs = append(rs, target.Region{Addr: addr, Size: size})
	}
	if len(rs) == 0 {
		for _, r := range fromConfig {
			rs = append(rs, target.Region{Addr: r.Addr, Size: r.Size})
		}
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("no memory regions to dump, use --region addr:size")
	}
	return rs, nil
}
