//Tracks two pages and records how execution toggles between them. Consecutive faults on the same page form a run,
//the sequence of runs is printed in the end. Optionally all pages are write tracked during one cycle to find the
//gpa written between two visits of gpa1
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"sevTrack"
	"sevTrack/ioctl"
	"sevTrack/trace"
	"sevTrack/trigger"
	"sevTrack/uspt"
)

//toggleRun are Count consecutive faults on Page
type toggleRun struct {
	Page  uint64
	Count int
}

type toggler struct {
	api       *ioctl.API
	gpa1      uint64
	gpa2      uint64
	trackType uspt.TrackMode
	//writeTrackInbetween write tracks all pages during cycle ignoreCycles
	writeTrackInbetween bool
	ignoreCycles        int
	out                 *trace.Writer
	log                 log.FieldLogger

	runs       []toggleRun
	gpa1Cycles int
	inCycle    bool
	cycleLog   []uint64
	writeGPA   uint64
	foundWrite bool
}

func pageOf(gpa uint64) uint64 {
	return gpa &^ (uspt.PageSize - 1)
}

func (t *toggler) appendRun(page uint64) bool {
	if n := len(t.runs); n > 0 && t.runs[n-1].Page == page {
		t.runs[n-1].Count++
		return false
	}
	t.runs = append(t.runs, toggleRun{Page: page, Count: 1})
	return true
}

//handleEvent updates the toggle state, the guest is blocked until the event is acked
func (t *toggler) handleEvent(ev uspt.Event) error {
	if err := t.out.WriteEvent(trace.FromEvent(ev)); err != nil {
		return err
	}

	switch page := pageOf(ev.FaultedGPA); page {
	case t.gpa1:
		if t.appendRun(page) {
			if t.writeTrackInbetween && t.gpa1Cycles == t.ignoreCycles+1 && t.inCycle {
				if len(t.cycleLog) > 0 {
					t.writeGPA = t.cycleLog[len(t.cycleLog)-1]
					t.foundWrite = true
					t.log.Infof("Write GPA is %x", t.writeGPA)
				} else {
					t.log.Warnf("No writes between cycles %v and %v", t.ignoreCycles, t.ignoreCycles+1)
				}
				if err := t.api.CmdUnTrackAllPages(uspt.TrackWrite); err != nil {
					return fmt.Errorf("failed to write untrack all : %w", err)
				}
				t.cycleLog = t.cycleLog[:0]
				t.inCycle = false
			}
			if t.writeTrackInbetween && t.gpa1Cycles == t.ignoreCycles {
				if err := t.api.CmdTrackAllPages(uspt.TrackWrite); err != nil {
					return fmt.Errorf("failed to write track all : %w", err)
				}
				t.inCycle = true
			}
			t.gpa1Cycles++
		}
	case t.gpa2:
		t.appendRun(page)
	default:
		if t.inCycle {
			t.cycleLog = append(t.cycleLog, ev.FaultedGPA)
		}
	}

	if err := t.api.CmdAckEvent(ev.ID); err != nil {
		return fmt.Errorf("failed to ack event %v : %w", ev.ID, err)
	}
	return nil
}

func (t *toggler) monitor(ctx context.Context) error {
	events := sevTrack.OpenEventChannel(ctx, sevTrack.PollerFunc(t.api.CmdPollEvent), sevTrack.DefaultPollInterval, t.log)
	for ev := range events {
		if err := t.handleEvent(ev); err != nil {
			return err
		}
	}
	if ctx.Err() == nil {
		return fmt.Errorf("event channel closed while victim is running")
	}
	return nil
}

func (t *toggler) run(ctx context.Context, victim trigger.Triggerer) error {
	for _, gpa := range []uint64{t.gpa1, t.gpa2} {
		t.log.Infof("Tracking page 0x%016x", gpa)
		if err := t.api.CmdTrackPage(gpa, t.trackType); err != nil {
			return fmt.Errorf("failed to track %x : %w", gpa, err)
		}
	}
	if err := t.out.Start(time.Now()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	monitorCtx, stopMonitor := context.WithCancel(gctx)
	defer stopMonitor()
	g.Go(func() error {
		err := t.monitor(monitorCtx)
		if err != nil || gctx.Err() != nil {
			if resetErr := t.api.CmdReset(); resetErr != nil {
				t.log.Errorf("failed to reset tracking : %v", resetErr)
			}
		}
		return err
	})
	g.Go(func() error {
		defer stopMonitor()
		if _, err := victim.Execute(gctx); err != nil {
			return fmt.Errorf("failed to execute victim trigger : %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := t.out.Stop(time.Now()); err != nil {
		return err
	}
	if err := t.api.CmdUnTrackAllPages(t.trackType); err != nil {
		return fmt.Errorf("CmdUnTrackAllPages failed : %w", err)
	}
	if t.inCycle {
		t.log.Warnf("Victim ended during write tracked cycle")
		if err := t.api.CmdUnTrackAllPages(uspt.TrackWrite); err != nil {
			return fmt.Errorf("failed to write untrack all : %w", err)
		}
	}
	return nil
}

func printRuns(w io.Writer, runs []toggleRun) error {
	for _, r := range runs {
		if _, err := fmt.Fprintf(w, "0x%x %d\n", r.Page, r.Count); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	cfg := sevTrack.DefaultTraceConfig()
	cfg.CPU = -1
	cfg.Tracking = "execute"
	gpa1 := flag.Uint64("gpa1", 0, "first gpa for toggle tracking")
	gpa2 := flag.Uint64("gpa2", 0, "second gpa for toggle tracking")
	writeTrackInbetween := flag.Bool("writeTrackInbetween", false, "Write track all pages between exec track toggle")
	ignoreCycles := flag.Int("ignoreCycles", 3, "Amount of cycles at start to ignore for write addr finding")
	if err := cfg.ParseFlags(flag.CommandLine, os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags : %v", err)
	}
	sevTrack.SetupLogging(cfg.DebugLog)

	if *gpa1 == 0 || *gpa2 == 0 {
		log.Errorf("Please set gpa1 and gpa2")
		return
	}
	if pageOf(*gpa1) == pageOf(*gpa2) {
		log.Errorf("gpa1 and gpa2 are on the same page")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Errorf("%v", err)
		flag.PrintDefaults()
		return
	}
	trackType, _ := sevTrack.ParseTrackMode(cfg.Tracking)
	if trackType == uspt.TrackWrite {
		log.Errorf("Please set valid value for \"tracking\" param, values: {access,execute}")
		return
	}
	format, _ := trace.ParseFormat(cfg.Format)

	sim, err := sevTrack.NewSimulation(cfg, log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to setup simulation : %v", err)
	}
	victim, err := sim.Triggers.NewTriggerFromURI(cfg.TriggerURI)
	if err != nil {
		log.Errorf("Failed to parse triggerURI : %v", err)
		return
	}

	outFile, err := os.Create(cfg.Out)
	if err != nil {
		log.Fatalf("Failed  to create output file : %v\n", err)
	}
	defer outFile.Close()
	outWriter, err := trace.NewWriter(outFile, format)
	if err != nil {
		log.Errorf("Failed to create writer : %v", err)
		return
	}
	defer outWriter.Flush()

	ioctlAPI, err := ioctl.NewAPI(sim.Device, os.Getpid(), cfg.GetRIP)
	if err != nil {
		log.Fatalf("Failed to init ioctl API : %v", err)
	}
	defer ioctlAPI.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	t := &toggler{
		api:                 ioctlAPI,
		gpa1:                pageOf(*gpa1),
		gpa2:                pageOf(*gpa2),
		trackType:           trackType,
		writeTrackInbetween: *writeTrackInbetween,
		ignoreCycles:        *ignoreCycles,
		out:                 outWriter,
		log:                 log.StandardLogger(),
	}
	if err := t.run(ctx, victim); err != nil {
		log.Errorf("Toggle tracking failed : %v", err)
		return
	}
	log.Infof("%v cycles at gpa1", t.gpa1Cycles)
	if err := printRuns(os.Stdout, t.runs); err != nil {
		log.Errorf("Failed to print runs : %v", err)
	}
}
