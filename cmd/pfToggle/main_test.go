package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"sevTrack"
	"sevTrack/ioctl"
	"sevTrack/trace"
	"sevTrack/uspt"
)

const (
	squarePage   = 0x11000
	multiplyPage = 0x12000
	dataPage     = 0x20000
)

func runToggler(t *testing.T, exponent string, writeTrackInbetween bool) *toggler {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := sevTrack.DefaultTraceConfig()
	cfg.CPU = -1
	cfg.Exponent = exponent
	sim, err := sevTrack.NewSimulation(cfg, logger)
	if err != nil {
		t.Fatalf("NewSimulation failed : %v", err)
	}
	victim, err := sim.Triggers.NewTriggerFromURI("sim://sqm")
	if err != nil {
		t.Fatalf("NewTriggerFromURI failed : %v", err)
	}
	api, err := ioctl.NewAPI(sim.Device, os.Getpid(), true)
	if err != nil {
		t.Fatalf("NewAPI failed : %v", err)
	}
	defer api.Close()
	out, err := trace.NewWriter(&bytes.Buffer{}, trace.FormatPlain)
	if err != nil {
		t.Fatalf("NewWriter failed : %v", err)
	}

	tg := &toggler{
		api:                 api,
		gpa1:                squarePage,
		gpa2:                multiplyPage,
		trackType:           uspt.TrackExec,
		writeTrackInbetween: writeTrackInbetween,
		ignoreCycles:        1,
		out:                 out,
		log:                 logger,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tg.run(ctx, victim); err != nil {
		t.Fatalf("run failed : %v", err)
	}
	return tg
}

func TestToggleRuns(t *testing.T) {
	tg := runToggler(t, "1101", false)
	//the square runs of a zero bit and the following bit merge
	want := []toggleRun{
		{Page: squarePage, Count: 3},
		{Page: multiplyPage, Count: 4},
		{Page: squarePage, Count: 3},
		{Page: multiplyPage, Count: 4},
		{Page: squarePage, Count: 6},
		{Page: multiplyPage, Count: 4},
	}
	if diff := cmp.Diff(want, tg.runs); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
	if tg.gpa1Cycles != 3 {
		t.Errorf("gpa1Cycles = %v, want 3", tg.gpa1Cycles)
	}
	if tg.foundWrite {
		t.Errorf("found write gpa without write tracking")
	}

	buf := &bytes.Buffer{}
	if err := printRuns(buf, tg.runs[:2]); err != nil {
		t.Fatalf("printRuns failed : %v", err)
	}
	if want := "0x11000 3\n0x12000 4\n"; buf.String() != want {
		t.Errorf("printRuns wrote %q, want %q", buf.String(), want)
	}
}

func TestToggleFindsWriteGPA(t *testing.T) {
	tg := runToggler(t, "1101", true)
	if !tg.foundWrite || tg.writeGPA != dataPage {
		t.Errorf("write gpa = %x (found %v), want %x", tg.writeGPA, tg.foundWrite, dataPage)
	}
	if tg.inCycle {
		t.Errorf("still in write tracked cycle")
	}
	//two stores to the accumulator in the write tracked cycle
	if got, want := tg.out.Events(), uint64(3+4+3+4+6+4+2); got != want {
		t.Errorf("wrote %v events, want %v", got, want)
	}
}
