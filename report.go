// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/raptorjit/birdwatch/auditlog"
)

type reportCmd struct {
	logPath  string
	profiles string
	top      int
	debugLog bool
}

func newReportCmd() *ffcli.Command {
	args := &reportCmd{}

	set := flag.NewFlagSet("report", flag.ExitOnError)
	set.StringVar(&args.logPath, "log", "", "Path of the audit log to inspect")
	set.StringVar(&args.profiles, "profiles", "",
		"VM profile files to attach to the log (comma separated)")
	set.IntVar(&args.top, "top", 10, "Number of hot traces to list per profile")
	set.BoolVar(&args.debugLog, "debug-log", false, "Enable debug logging")

	return &ffcli.Command{
		Name:       "report",
		Exec:       args.exec,
		ShortUsage: "report -log <auditlog> [flags]",
		ShortHelp:  "Summarize the traces and events of an audit log",
		FlagSet:    set,
	}
}

func (cmd *reportCmd) exec(context.Context, []string) error {
	if cmd.logPath == "" {
		return errors.New("please specify the audit log with `-log`")
	}
	if cmd.debugLog {
		log.SetLevel(log.DebugLevel)
	}

	m, err := auditlog.Load(cmd.logPath)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, path := range splitList(cmd.profiles) {
		if _, err := m.AddProfile(path, 0); err != nil {
			return err
		}
	}

	counts := m.EventCounts()
	var span float64
	if n := len(m.Events); n > 0 {
		span = m.Events[n-1].Reltime()
	}
	fmt.Printf("%s: %d events over %.6fs\n", cmd.logPath, len(m.Events), span)
	fmt.Printf("  %d prototypes, %d traces, %d aborts, %d FFI ctypes\n",
		len(m.Prototypes), len(m.Traces), counts["trace_abort"], len(m.CTypes))
	fmt.Printf("  events: %s\n", countSummary(counts))

	if len(m.Traces) > 0 {
		printTraceTable(m)
	}

	if len(m.Profiles) > 0 {
		// The unbounded window aggregates each snapshot series into the
		// samples it spans.
		selected := m.SelectProfiles(math.Inf(-1), math.Inf(1))
		names := make([]string, 0, len(selected))
		for name := range selected {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := selected[name]
			fmt.Printf("\nprofile %s: %d samples\n", name, p.TotalSamples())
			printHotTraces(os.Stdout, p, cmd.top, m)
		}
	}
	return nil
}

// countSummary renders an event-name histogram in name order.
func countSummary(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s %d", name, counts[name])
	}
	return strings.Join(parts, ", ")
}

func printTraceTable(m *auditlog.Model) {
	nums := make([]uint64, 0, len(m.Traces))
	for no := range m.Traces {
		nums = append(nums, no)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "\nTRACE\tPARENT\tSTART\tLOCATION\tMCODE\tIR\tABORTS")
	for _, no := range nums {
		t := m.Traces[no]

		parent := "-"
		if t.ParentNo != 0 {
			parent = fmt.Sprintf("%d", t.ParentNo)
		}
		location := ""
		if contour := t.Contour(); len(contour) > 0 {
			location = contour[0].String()
		}
		// A trace whose IR was not captured still gets a row.
		irCount := "?"
		if ins, err := t.Instructions(); err == nil {
			irCount = fmt.Sprintf("%d", len(ins))
		}
		traceAborts := 0
		for _, ev := range t.Events() {
			if ev.Abort != nil {
				traceAborts++
			}
		}
		mcode, _ := t.Mcode()

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%d\n",
			t.Number, parent, t.StartID(), location, len(mcode), irCount, traceAborts)
	}
	w.Flush()
}
