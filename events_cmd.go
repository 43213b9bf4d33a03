// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/raptorjit/birdwatch/auditlog"
)

type eventsCmd struct {
	logPath  string
	debugLog bool
}

func newEventsCmd() *ffcli.Command {
	args := &eventsCmd{}

	set := flag.NewFlagSet("events", flag.ExitOnError)
	set.StringVar(&args.logPath, "log", "", "Path of the audit log to inspect")
	set.BoolVar(&args.debugLog, "debug-log", false, "Enable debug logging")

	return &ffcli.Command{
		Name:       "events",
		Exec:       args.exec,
		ShortUsage: "events -log <auditlog>",
		ShortHelp:  "List the event timeline of an audit log",
		FlagSet:    set,
	}
}

func (cmd *eventsCmd) exec(context.Context, []string) error {
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

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RELTIME\tDELTA\tEVENT\tDETAIL")
	for _, ev := range m.Events {
		fmt.Fprintf(w, "%.6f\t+%d\t%s\t%s\n",
			ev.Reltime(), ev.Nanodelta(), ev.Name, eventDetail(ev))
	}
	return w.Flush()
}

// eventDetail renders the one-line summary column of the timeline.
func eventDetail(ev *auditlog.Event) string {
	switch {
	case ev.Prototype != nil:
		return fmt.Sprintf("%s (0x%x)", ev.Prototype, ev.Prototype.Address)
	case ev.Trace != nil:
		t := ev.Trace
		detail := fmt.Sprintf("trace %d start %s", t.Number, t.StartID())
		if t.ParentNo != 0 {
			detail += fmt.Sprintf(" parent %d", t.ParentNo)
		}
		return detail
	case ev.Abort != nil:
		return fmt.Sprintf("%s start %s", ev.Abort.Reason, ev.Abort.StartID())
	case ev.CTypeDesc != "":
		return fmt.Sprintf("ctype %d %s", ev.CTypeID, ev.CTypeDesc)
	}
	return ""
}
