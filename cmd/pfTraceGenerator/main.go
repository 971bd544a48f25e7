//Triggers the victim and records page faults until it is done. Has many options to configure recording.
//Every fault is reported to userspace and the guest stays blocked until the event is acknowledged
package main

import (
	"context"
	"flag"
	"fmt"
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

type tracer struct {
	cfg       sevTrack.TraceConfig
	trackType uspt.TrackMode
	allowList []uint64
	api       *ioctl.API
	victim    trigger.Triggerer
	out       *trace.Writer
	log       log.FieldLogger
}

//handleEvent stores the event and acks it, which resumes the guest
func (t *tracer) handleEvent(ev uspt.Event) error {
	te := trace.FromEvent(ev)
	if t.cfg.MonitorLen > 0 {
		//the guest is blocked, so the content is the one seen at the time of the fault
		content, err := t.api.CmdReadGuestMemory(t.cfg.MonitorGPA, t.cfg.MonitorLen, false, t.cfg.CPU)
		if err != nil {
			return fmt.Errorf("failed to read monitored memory : %w", err)
		}
		trace.Annotate(te, t.cfg.MonitorGPA, content)
	}
	if err := t.out.WriteEvent(te); err != nil {
		return err
	}
	if err := t.api.CmdAckEvent(ev.ID); err != nil {
		return fmt.Errorf("failed to ack event %v : %w", ev.ID, err)
	}
	return nil
}

func (t *tracer) monitor(ctx context.Context) error {
	eventCounter := 0
	defer func() {
		t.log.Infof("Processed %v events", eventCounter)
	}()
	events := sevTrack.OpenEventChannel(ctx, sevTrack.PollerFunc(t.api.CmdPollEvent), sevTrack.DefaultPollInterval, t.log)
	for ev := range events {
		eventCounter++
		if err := t.handleEvent(ev); err != nil {
			return err
		}
	}
	if ctx.Err() == nil {
		return fmt.Errorf("event channel closed while victim is running")
	}
	return nil
}

func (t *tracer) rounds(ctx context.Context, haveNextRound func() bool) error {
	for haveNextRound() {
		//write measurement start header to log file
		if err := t.out.Start(time.Now()); err != nil {
			return err
		}

		t.log.Infof("Initialize tracking")
		if err := sevTrack.InitTracking(t.api, t.allowList, t.trackType, t.log); err != nil {
			return fmt.Errorf("initTracking failed : %w", err)
		}

		t.log.Infof("Triggering Victim")
		if _, err := t.victim.Execute(ctx); err != nil {
			return fmt.Errorf("failed to execute victim trigger : %w", err)
		}
		t.log.Infof("Victim done")

		//every event of the victim has been acked at this point
		if err := t.out.Stop(time.Now()); err != nil {
			return err
		}
		if err := t.api.CmdUnTrackAllPages(t.trackType); err != nil {
			return fmt.Errorf("CmdUnTrackAllPages failed : %w", err)
		}
	}
	return nil
}

func (t *tracer) run(ctx context.Context, haveNextRound func() bool) error {
	if t.cfg.CPU != -1 {
		if err := t.api.CmdSetupRetInstrPerf(t.cfg.CPU); err != nil {
			return fmt.Errorf("failed to setup perf counters on cpu %v : %w", t.cfg.CPU, err)
		}
	}
	if !t.cfg.Retrack {
		t.log.Warnf("acknowledged pages are always re-tracked in synchronous mode, ignoring \"retrack\"")
	}

	g, gctx := errgroup.WithContext(ctx)
	monitorCtx, stopMonitor := context.WithCancel(gctx)
	defer stopMonitor()
	g.Go(func() error {
		err := t.monitor(monitorCtx)
		if err != nil || gctx.Err() != nil {
			//nobody will ack the pending event anymore, release the guest
			if resetErr := t.api.CmdReset(); resetErr != nil {
				t.log.Errorf("failed to reset tracking : %v", resetErr)
			}
		}
		return err
	})
	g.Go(func() error {
		defer stopMonitor()
		return t.rounds(gctx, haveNextRound)
	})
	return g.Wait()
}

func main() {
	cfg := sevTrack.DefaultTraceConfig()
	cfg.CPU = -1
	if err := cfg.ParseFlags(flag.CommandLine, os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags : %v", err)
	}
	sevTrack.SetupLogging(cfg.DebugLog)
	if err := cfg.Validate(); err != nil {
		log.Errorf("%v", err)
		flag.PrintDefaults()
		return
	}
	trackType, _ := sevTrack.ParseTrackMode(cfg.Tracking)
	format, _ := trace.ParseFormat(cfg.Format)

	allowList, err := sevTrack.LoadAllowList(cfg.AllowList)
	if err != nil {
		log.Fatalf("Failed to load allow list : %v", err)
	}

	sim, err := sevTrack.NewSimulation(cfg, log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to setup simulation : %v", err)
	}
	victimTrigger, err := sim.Triggers.NewTriggerFromURI(cfg.TriggerURI)
	if err != nil {
		log.Errorf("Failed to parse triggerURI : %v", err)
		return
	}

	outFile, err := os.Create(cfg.Out)
	if err != nil {
		log.Errorf("Failed to open outFile : %v", err)
		return
	}
	defer outFile.Close()
	outWriter, err := trace.NewWriter(outFile, format)
	if err != nil {
		log.Errorf("Failed to create writer : %v", err)
		return
	}
	defer outWriter.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log.Infof("getRIP? %v", cfg.GetRIP)
	ioctlAPI, err := ioctl.NewAPI(sim.Device, os.Getpid(), cfg.GetRIP)
	if err != nil {
		log.Fatalf("Failed to init ioctl API : %v", err)
	}
	defer ioctlAPI.Close()

	t := &tracer{
		cfg:       cfg,
		trackType: trackType,
		allowList: allowList,
		api:       ioctlAPI,
		victim:    victimTrigger,
		out:       outWriter,
		log:       log.StandardLogger(),
	}
	if err := t.run(ctx, sevTrack.NewRoundCounter(ctx, cfg.Iterations, os.Stdin, t.log)); err != nil {
		log.Errorf("Tracing failed : %v", err)
		return
	}
	log.Infof("Wrote %v events to %v", outWriter.Events(), cfg.Out)
}
