// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/raptorjit/birdwatch/auditlog"
)

type traceCmd struct {
	logPath  string
	traceno  uint
	bc       bool
	ir       bool
	mcode    bool
	debugLog bool
}

func newTraceCmd() *ffcli.Command {
	args := &traceCmd{}

	set := flag.NewFlagSet("trace", flag.ExitOnError)
	set.StringVar(&args.logPath, "log", "", "Path of the audit log to inspect")
	set.UintVar(&args.traceno, "n", 0, "Trace number to show")
	set.BoolVar(&args.bc, "bc", false, "List the recorded bytecode")
	set.BoolVar(&args.ir, "ir", false, "List the trace IR")
	set.BoolVar(&args.mcode, "mcode", false, "Disassemble the trace machine code")
	set.BoolVar(&args.debugLog, "debug-log", false, "Enable debug logging")

	return &ffcli.Command{
		Name:       "trace",
		Exec:       args.exec,
		ShortUsage: "trace -log <auditlog> -n <traceno> [flags]",
		ShortHelp:  "Show one completed trace",
		FlagSet:    set,
	}
}

func (cmd *traceCmd) exec(context.Context, []string) error {
	if cmd.logPath == "" {
		return errors.New("please specify the audit log with `-log`")
	}
	if cmd.traceno == 0 {
		return errors.New("please specify the trace number with `-n`")
	}
	if cmd.debugLog {
		log.SetLevel(log.DebugLevel)
	}

	m, err := auditlog.Load(cmd.logPath)
	if err != nil {
		return err
	}
	defer m.Close()

	t := m.Traces[uint64(cmd.traceno)]
	if t == nil {
		return fmt.Errorf("audit log has no trace %d", cmd.traceno)
	}

	printTraceHeader(t)
	if cmd.bc {
		if err := printTraceBytecode(t); err != nil {
			return err
		}
	}
	if cmd.ir {
		if err := printTraceIR(t); err != nil {
			return err
		}
	}
	if cmd.mcode {
		printTraceMcode(t)
	}
	return nil
}

func printTraceHeader(t *auditlog.Trace) {
	fmt.Printf("trace %d start %s\n", t.Number, t.StartID())
	if parent := t.Parent(); parent != nil {
		fmt.Printf("  parent: trace %d\n", parent.Number)
	}
	for _, li := range t.Contour() {
		fmt.Printf("  %*s%s\n", 2*li.Framedepth, "", li)
	}

	mcode, addr := t.Mcode()
	nsnap, _, snapmap := t.Snapshots()
	fmt.Printf("  %d bytes of machine code at 0x%x, %d snapshots (%d byte map)\n",
		len(mcode), addr, nsnap, len(snapmap))

	if children := t.Children(); len(children) > 0 {
		nums := make([]string, len(children))
		for i, child := range children {
			nums[i] = fmt.Sprintf("%d", child.Number)
		}
		fmt.Printf("  side traces: %s\n", strings.Join(nums, " "))
	}

	aborts := 0
	for _, ev := range t.Events() {
		if ev.Abort != nil {
			aborts++
		}
	}
	if aborts > 0 {
		fmt.Printf("  %d aborted attempts at the same start\n", aborts)
	}
}

func printTraceBytecode(t *auditlog.Trace) error {
	entries := t.BCLog()
	listing := t.Bytecodes()

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "\nDEPTH\tLOCATION\tBYTECODE")
	for i, e := range entries {
		li, err := t.LineinfoAt(i)
		if err != nil {
			return err
		}
		rendered := ""
		if listing[i] != nil {
			rendered = listing[i].String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", e.Framedepth, li, rendered)
	}
	return w.Flush()
}

func printTraceIR(t *auditlog.Trace) error {
	consts, err := t.Constants()
	if err != nil {
		return err
	}
	ins, err := t.Instructions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "\nIR\tRIDSP\tTYPE\tOP\tOP1\tOP2")
	for i := range consts {
		k := &consts[i]
		fmt.Fprintf(w, "K%03d\t\t%s\t%s\t%s\t\n", k.Slot, k.Type, k.Op, k.Value)
	}
	for i := range ins {
		in := &ins[i]
		fmt.Fprintf(w, "%04d\t%s\t%s\t%s\t%s\t%s\n",
			in.Index, ridsp(in), in.Type, in.Op, in.Op1, in.Op2)
	}
	return w.Flush()
}

// ridsp renders the register/slot column of an IR listing: an allocated
// register, a stack slot, sunk, or empty for unallocated instructions.
func ridsp(in *auditlog.IRIns) string {
	switch {
	case in.Sunk:
		return "{sunk}"
	case in.Reg < 128:
		return fmt.Sprintf("r%d", in.Reg)
	case in.Slot != 0 && in.Slot != 255:
		return fmt.Sprintf("[%d]", in.Slot)
	}
	return ""
}

func printTraceMcode(t *auditlog.Trace) {
	code, addr := t.Mcode()
	if len(code) == 0 {
		fmt.Println("\nno machine code captured")
		return
	}

	fmt.Printf("\nMCODE 0x%x\n", addr)
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	for pos := 0; pos < len(code); {
		inst, err := x86asm.Decode(code[pos:], 64)
		if err != nil {
			// Trace exits and snapshot data embed bytes that do not
			// decode. Skip one byte and resynchronize.
			fmt.Fprintf(w, "0x%x\t%x\t(bad)\n", addr+uint64(pos), code[pos:pos+1])
			pos++
			continue
		}
		fmt.Fprintf(w, "0x%x\t%x\t%s\n", addr+uint64(pos), code[pos:pos+inst.Len],
			x86asm.IntelSyntax(inst, addr+uint64(pos), nil))
		pos += inst.Len
	}
	w.Flush()
}
