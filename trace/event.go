//Package trace converts engine events into the monitor's trace record and reads/writes trace files. A trace file
//holds one or more runs, each enclosed by a "Start <time>" and a "Stop <time>" line
package trace

import (
	"github.com/UzL-ITS/sev-step/sevStep"
	"sevTrack/uspt"
)

//FromEvent converts an engine event into the trace record
func FromEvent(ev uspt.Event) *sevStep.Event {
	return &sevStep.Event{
		ID:                      ev.ID,
		FaultedGPA:              ev.FaultedGPA,
		ErrorCode:               ev.ErrorCode,
		HaveRipInfo:             ev.HaveRIP,
		RIP:                     ev.RIP,
		Timestamp:               ev.Timestamp,
		HaveRetiredInstructions: ev.HaveRetiredInstructions,
		RetiredInstructions:     ev.RetiredInstructions,
	}
}

//Annotate attaches memory read at monitorGPA while the event was pending
func Annotate(e *sevStep.Event, monitorGPA uint64, content []byte) {
	e.MonitorGPA = monitorGPA
	e.Content = content
}

//PageTrackMode returns the monitor library's value for m. Both use the numbering of the kernel patch
func PageTrackMode(m uspt.TrackMode) sevStep.PageTrackMode {
	return sevStep.PageTrackMode(m)
}
