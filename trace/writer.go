package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/UzL-ITS/sev-step/sevStep"
)

type Format string

const (
	FormatPlain Format = "plain"
	FormatJSON  Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatPlain, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format \"%v\" requested", s)
	}
}

//MarshalEvent encodes e as a single line in the given format
func MarshalEvent(e *sevStep.Event, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event to json : %v", err)
		}
		return append(data, '\n'), nil
	case FormatPlain:
		pfErrAsString, err := sevStep.ErrorCodeToString(e.ErrorCode)
		if err != nil {
			pfErrAsString = "<error>"
		}
		retiredInstrDelta := "not found"
		if e.HaveRetiredInstructions {
			retiredInstrDelta = fmt.Sprintf("%d", e.RetiredInstructions)
		}
		return []byte(fmt.Sprintf("%s Error Bits(%s) Retired Instructions Delta = %s\n", e.String(), pfErrAsString,
			retiredInstrDelta)), nil
	default:
		return nil, fmt.Errorf("unknown format \"%v\" requested", format)
	}
}

//Writer writes runs of events to an underlying writer. It is safe for concurrent use, which allows the run
//markers and the events to be written from different goroutines
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	format Format
	events uint64
}

func NewWriter(w io.Writer, format Format) (*Writer, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	return &Writer{w: bufio.NewWriter(w), format: format}, nil
}

func (w *Writer) marker(name string, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "%s %v\n", name, now.Format(time.StampNano)); err != nil {
		return fmt.Errorf("failed to write %v marker : %v", name, err)
	}
	return nil
}

//Start begins a new run
func (w *Writer) Start(now time.Time) error {
	return w.marker("Start", now)
}

//Stop ends the current run
func (w *Writer) Stop(now time.Time) error {
	return w.marker("Stop", now)
}

func (w *Writer) WriteEvent(e *sevStep.Event) error {
	data, err := MarshalEvent(e, w.format)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("failed to write event to file : %v", err)
	}
	w.events++
	return nil
}

//Events returns the number of events written so far
func (w *Writer) Events() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Flush()
}
