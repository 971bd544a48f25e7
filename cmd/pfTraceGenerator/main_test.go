package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"sevTrack"
	"sevTrack/ioctl"
	"sevTrack/trace"
	"sevTrack/uspt"
)

const (
	squarePage   = 0x11000
	multiplyPage = 0x12000
)

func newTestTracer(t *testing.T, modify func(c *sevTrack.TraceConfig)) (*tracer, *bytes.Buffer) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := sevTrack.DefaultTraceConfig()
	cfg.CPU = -1
	cfg.Tracking = "execute"
	cfg.Format = "json"
	modify(&cfg)
	sim, err := sevTrack.NewSimulation(cfg, logger)
	if err != nil {
		t.Fatalf("NewSimulation failed : %v", err)
	}
	victim, err := sim.Triggers.NewTriggerFromURI(cfg.TriggerURI)
	if err != nil {
		t.Fatalf("NewTriggerFromURI failed : %v", err)
	}
	api, err := ioctl.NewAPI(sim.Device, os.Getpid(), cfg.GetRIP)
	if err != nil {
		t.Fatalf("NewAPI failed : %v", err)
	}
	t.Cleanup(func() {
		api.Close()
	})
	trackType, err := sevTrack.ParseTrackMode(cfg.Tracking)
	if err != nil {
		t.Fatalf("ParseTrackMode failed : %v", err)
	}
	buf := &bytes.Buffer{}
	out, err := trace.NewWriter(buf, trace.FormatJSON)
	if err != nil {
		t.Fatalf("NewWriter failed : %v", err)
	}
	return &tracer{
		cfg:       cfg,
		trackType: trackType,
		allowList: []uint64{squarePage, multiplyPage},
		api:       api,
		victim:    victim,
		out:       out,
		log:       logger,
	}, buf
}

func runTracer(t *testing.T, tr *tracer, buf *bytes.Buffer) [][]uint64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if err := tr.run(ctx, sevTrack.NewRoundCounter(ctx, tr.cfg.Iterations, nil, logger)); err != nil {
		t.Fatalf("run failed : %v", err)
	}
	if err := tr.out.Flush(); err != nil {
		t.Fatalf("Flush failed : %v", err)
	}
	runs, err := trace.ParseRuns(buf, logger)
	if err != nil {
		t.Fatalf("ParseRuns failed : %v", err)
	}
	res := make([][]uint64, 0, len(runs))
	for _, run := range runs {
		pages := make([]uint64, 0, len(run))
		for _, e := range run {
			pages = append(pages, e.FaultedGPA&^(uspt.PageSize-1))
		}
		res = append(res, pages)
	}
	return res
}

func repeat(page uint64, n int) []uint64 {
	res := make([]uint64, n)
	for i := range res {
		res[i] = page
	}
	return res
}

func TestTracerRecordsEveryInstruction(t *testing.T) {
	tr, buf := newTestTracer(t, func(c *sevTrack.TraceConfig) {
		c.Exponent = "10"
		c.Iterations = 2
	})
	got := runTracer(t, tr, buf)

	//acked pages are re-armed, so every instruction of square and multiply faults
	var want []uint64
	want = append(want, repeat(squarePage, 3)...)
	want = append(want, repeat(multiplyPage, 4)...)
	want = append(want, repeat(squarePage, 3)...)
	if !reflect.DeepEqual(got, [][]uint64{want, want}) {
		t.Errorf("got runs %x, want two runs of %x", got, want)
	}
}

func TestTracerAnnotatesEvents(t *testing.T) {
	tr, buf := newTestTracer(t, func(c *sevTrack.TraceConfig) {
		c.Exponent = "1"
		c.CPU = 0
		c.MonitorGPA = 0x20000
		c.MonitorLen = 16
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if err := tr.run(ctx, sevTrack.NewRoundCounter(ctx, 1, nil, logger)); err != nil {
		t.Fatalf("run failed : %v", err)
	}
	if err := tr.out.Flush(); err != nil {
		t.Fatalf("Flush failed : %v", err)
	}
	runs, err := trace.ParseRuns(buf, logger)
	if err != nil {
		t.Fatalf("ParseRuns failed : %v", err)
	}
	if len(runs) != 1 || len(runs[0]) != 7 {
		t.Fatalf("got %v runs, want a single run with 7 events", len(runs))
	}
	for _, e := range runs[0] {
		if e.MonitorGPA != 0x20000 || len(e.Content) != 16 {
			t.Errorf("event %v not annotated", e)
		}
		if !e.HaveRetiredInstructions {
			t.Errorf("event %v without retired instructions", e)
		}
	}
}

//failingTrigger fails without running the victim
type failingTrigger struct{}

func (failingTrigger) Execute(ctx context.Context) ([]byte, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestTracerReportsTriggerError(t *testing.T) {
	tr, _ := newTestTracer(t, func(c *sevTrack.TraceConfig) {})
	tr.victim = failingTrigger{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if err := tr.run(ctx, sevTrack.NewRoundCounter(ctx, 1, nil, logger)); err == nil {
		t.Errorf("run did not report trigger error")
	}
}
