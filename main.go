// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

// birdwatch inspects RaptorJIT audit logs after the fact. It rebuilds the
// JIT's side of the story from the log alone: loaded prototypes, trace
// recordings with their bytecode, IR, and machine code, and the VM
// profiler snapshots taken alongside the log. The VM that wrote the log
// does not have to exist anymore.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/raptorjit/birdwatch/vc"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	set := flag.NewFlagSet("birdwatch", flag.ExitOnError)
	version := set.Bool("version", false, "Print version information and exit")

	root := ffcli.Command{
		Name:       "birdwatch",
		ShortUsage: "birdwatch [flags] <subcommand> [flags]",
		ShortHelp:  "Post-mortem inspector for RaptorJIT audit logs and VM profiles",
		FlagSet:    set,
		Subcommands: []*ffcli.Command{
			newReportCmd(),
			newEventsCmd(),
			newTraceCmd(),
			newProfileCmd(),
		},
		Exec: func(context.Context, []string) error {
			if *version {
				fmt.Printf("birdwatch %s (revision %s, build timestamp %s)\n",
					vc.Version(), vc.Revision(), vc.BuildTimestamp())
				return nil
			}
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}

// splitList splits a comma separated flag value, dropping empty entries.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
