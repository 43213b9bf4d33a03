// Copyright The Birdwatch Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog // import "github.com/raptorjit/birdwatch/auditlog"

// Event is one entry of the audit-log timeline, in log order. Every event
// record becomes an Event even when its name is unknown to this package, so
// the timeline stays complete across VM versions.
type Event struct {
	// Name is the event discriminator from the log ("trace_stop", "lex", ...).
	Name string
	// Nanotime is the VM's monotonic clock at the time of the event.
	Nanotime uint64

	// Prototype is set for new_prototype events.
	Prototype *Prototype
	// Trace is set for trace_stop events.
	Trace *Trace
	// Abort is set for trace_abort events.
	Abort *TraceAbort
	// CTypeID and CTypeDesc are set for new_ctypeid events.
	CTypeID   uint64
	CTypeDesc string

	prev      *Event
	reltime   float64
	nanodelta uint64
}

// Prev returns the preceding event on the timeline, nil for the first.
func (e *Event) Prev() *Event { return e.prev }

// Reltime returns seconds elapsed since the first event of the log.
func (e *Event) Reltime() float64 { return e.reltime }

// Nanodelta returns nanoseconds elapsed since the preceding event, 0 for the
// first event.
func (e *Event) Nanodelta() uint64 { return e.nanodelta }
