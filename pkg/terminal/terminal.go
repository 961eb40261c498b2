// Package terminal prints the results of the thread awareness commands.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/pebble-dev/rtosdbg/pkg/rtos"
)

// Term writes formatted output to the user.
type Term struct {
	pw      *pagingWriter
	running *color.Color
	dim     *color.Color
}

// New returns a Term writing to standard output. Colors are used only if
// standard output is a terminal and noColor is false.
func New(noColor bool) *Term {
	useColor := !noColor && isatty.IsTerminal(os.Stdout.Fd()) && strings.ToLower(os.Getenv("TERM")) != "dumb"
	return newTerm(colorable.NewColorableStdout(), useColor)
}

func newTerm(out io.Writer, useColor bool) *Term {
	t := &Term{
		pw:      &pagingWriter{w: out},
		running: color.New(color.FgGreen, color.Bold),
		dim:     color.New(color.Faint),
	}
	if !useColor {
		t.running.DisableColor()
		t.dim.DisableColor()
	} else {
		t.running.EnableColor()
		t.dim.EnableColor()
	}
	return t
}

// Close stops the pager, if one was started.
func (t *Term) Close() {
	t.pw.Reset()
}

func (t *Term) newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(t.pw)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	return table
}

// PrintThreads prints one line per thread, the running thread is marked.
func (t *Term) PrintThreads(threads []rtos.Thread) {
	t.pw.PageMaybe(nil)
	defer t.pw.Reset()
	table := t.newTable("", "ID", "Name", "State")
	for _, th := range threads {
		mark, state := " ", th.ExtraInfo()
		if th.Running {
			mark = t.running.Sprint("*")
			state = t.running.Sprint(state)
		}
		table.Append([]string{mark, fmt.Sprintf("%#x", uint64(th.ID)), th.Name, state})
	}
	table.Render()
	fmt.Fprintf(t.pw, "%d threads\n", len(threads))
}

// PrintRegisters prints the registers of a thread. If raw is set they are
// printed as the reply of a stub to a 'g' packet.
func (t *Term) PrintRegisters(id rtos.ThreadID, regs *rtos.Registers, raw bool) {
	if raw {
		fmt.Fprintln(t.pw, regs.GPacket())
		return
	}
	t.pw.PageMaybe(nil)
	defer t.pw.Reset()
	fmt.Fprintf(t.pw, "Thread %#x, %s\n", uint64(id), t.dim.Sprintf("stacking %s (%d bytes)", regs.Stacking.Name, regs.Stacking.Size))
	table := t.newTable("Register", "Value")
	for _, reg := range regs.Regs {
		table.Append([]string{reg.Name, reg.Value})
	}
	table.Render()
}

// PrintLayouts prints the known layouts.
func (t *Term) PrintLayouts(layouts []*rtos.Layout) {
	table := t.newTable("Variant", "Name offset", "EXC_RETURN offset", "Stacking", "FP stacking")
	for _, l := range layouts {
		exc, fp := "-", "-"
		if l.UsesFPStacking() {
			exc = fmt.Sprintf("%d", l.StackSavedExcReturnOffset)
			fp = l.StackingFP.Name
		}
		table.Append([]string{l.Variant, fmt.Sprintf("%d", l.ThreadNameOffset), exc, l.Stacking.Name, fp})
	}
	table.Render()
}

// PrintSymbols prints the address of every symbol in names.
func (t *Term) PrintSymbols(names []string, addrs []uint64) {
	table := t.newTable("Symbol", "Address")
	for i, name := range names {
		addr := t.dim.Sprint("unresolved")
		if addrs[i] != 0 {
			addr = fmt.Sprintf("%#08x", addrs[i])
		}
		table.Append([]string{name, addr})
	}
	table.Render()
}

// PrintDump prints a summary of a dump written to path.
func (t *Term) PrintDump(path string, sizes []uint64) {
	var total uint64
	for _, sz := range sizes {
		total += sz
	}
	fmt.Fprintf(t.pw, "Wrote %s (%d regions) to %s\n", humanize.IBytes(total), len(sizes), path)
}

// Printf writes formatted text.
func (t *Term) Printf(format string, args ...interface{}) {
	fmt.Fprintf(t.pw, format, args...)
}
