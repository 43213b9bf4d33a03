// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"
	"golang.org/x/sync/errgroup"

	"github.com/raptorjit/birdwatch/auditlog"
	"github.com/raptorjit/birdwatch/rawfile"
	"github.com/raptorjit/birdwatch/vmprofile"
)

type profileCmd struct {
	delta    bool
	top      int
	traceMax int
}

func newProfileCmd() *ffcli.Command {
	args := &profileCmd{}

	set := flag.NewFlagSet("profile", flag.ExitOnError)
	set.BoolVar(&args.delta, "delta", false,
		"Print the delta from the first to the last profile instead of each one")
	set.IntVar(&args.top, "top", 10, "Number of hot traces to list per profile")
	set.IntVar(&args.traceMax, "trace-max", vmprofile.DefaultTraceMax,
		"Trace counter rows in the profile (a VM build constant)")

	return &ffcli.Command{
		Name:       "profile",
		Exec:       args.exec,
		ShortUsage: "profile [flags] <file.vmprofile> ...",
		ShortHelp:  "Inspect VM profiles without an audit log",
		FlagSet:    set,
	}
}

func (cmd *profileCmd) exec(_ context.Context, paths []string) error {
	if len(paths) == 0 {
		return errors.New("please specify at least one profile file")
	}

	profiles := make([]*vmprofile.Profile, len(paths))
	g := errgroup.Group{}
	for i, path := range paths {
		g.Go(func() error {
			p, err := cmd.load(path)
			if err != nil {
				return err
			}
			profiles[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if cmd.delta {
		if len(profiles) < 2 {
			return errors.New("`-delta` needs at least two profile files")
		}
		last := len(profiles) - 1
		d, err := profiles[0].Delta(profiles[last])
		if err != nil {
			return err
		}
		printProfile(paths[0]+" .. "+paths[last], d, cmd.top)
		return nil
	}

	for i, p := range profiles {
		if i > 0 {
			fmt.Println()
		}
		printProfile(paths[i], p, cmd.top)
	}
	return nil
}

// load reads one profile file. VM builds that override the trace table
// size need `-trace-max` to match, the state count never varies.
func (cmd *profileCmd) load(path string) (*vmprofile.Profile, error) {
	if cmd.traceMax == vmprofile.DefaultTraceMax {
		return vmprofile.Load(path)
	}
	data, err := rawfile.Read(path)
	if err != nil {
		return nil, err
	}
	p, err := vmprofile.FromBytesShape(data, cmd.traceMax, vmprofile.DefaultVmstMax)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func printProfile(name string, p *vmprofile.Profile, top int) {
	fmt.Printf("%s: %d samples, %d traces x %d states (format %d.%d)\n",
		name, p.TotalSamples(), p.TraceMax, p.VmstMax, vmprofile.FormatMajor, p.Minor)
	if p.TotalSamples() > 0 {
		fmt.Printf("  states: %s\n", stateSummary(p.TotalVmstSamples()))
	}
	printHotTraces(os.Stdout, p, top, nil)
}

// printHotTraces renders the busiest rows of a profile. With an audit log
// at hand the rows gain the trace's starting location.
func printHotTraces(out io.Writer, p *vmprofile.Profile, top int, m *auditlog.Model) {
	hot := p.HotTraces()
	if len(hot) == 0 {
		fmt.Fprintln(out, "  no samples")
		return
	}
	if top > 0 && len(hot) > top {
		hot = hot[:top]
	}

	w := tabwriter.NewWriter(out, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "  TRACE\tSAMPLES\tSTATES\tLOCATION")
	for i := range hot {
		h := &hot[i]
		location := ""
		if m != nil {
			if t := m.Traces[uint64(h.TraceNo)]; t != nil {
				if contour := t.Contour(); len(contour) > 0 {
					location = contour[0].String()
				}
			}
		}
		fmt.Fprintf(w, "  %s\t%d\t%s\t%s\n",
			h.Label(), h.Total, stateSummary(h.States), location)
	}
	w.Flush()
}

// stateSummary renders the nonzero per-state counts, busiest first.
func stateSummary(states map[string]uint64) string {
	type stateCount struct {
		name  string
		count uint64
	}
	counts := make([]stateCount, 0, len(states))
	for name, count := range states {
		if count > 0 {
			counts = append(counts, stateCount{name, count})
		}
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].name < counts[j].name
	})

	parts := make([]string, len(counts))
	for i, sc := range counts {
		parts[i] = fmt.Sprintf("%s %d", sc.name, sc.count)
	}
	return strings.Join(parts, ", ")
}
