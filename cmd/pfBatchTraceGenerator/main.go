//Triggers the victim and records page faults until it is done. Has many options to configure recording.
//Instead of reporting every fault to userspace, this version uses the batch API to record page faults in the engine
//and handle re-tracking there as well. Only in the end we query once to get all faults
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

type batchTracer struct {
	cfg       sevTrack.TraceConfig
	trackType uspt.TrackMode
	allowList []uint64
	api       *ioctl.API
	victim    trigger.Triggerer
	out       *trace.Writer
	log       log.FieldLogger
	//updateInterval is the period of the event count log messages
	updateInterval time.Duration
}

//reportProgress logs the event count until ctx is done
func (b *batchTracer) reportProgress(ctx context.Context) error {
	updateTicker := time.NewTicker(b.updateInterval)
	defer updateTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-updateTicker.C:
			count, err := b.api.CmdBatchTrackingEventCount()
			if err != nil {
				return fmt.Errorf("failed to fetch event count in batch cycle : %w", err)
			}
			b.log.Infof("%v events and growing...", count)
		}
	}
}

//round traces a single victim execution and returns the number of recorded events
func (b *batchTracer) round(ctx context.Context) (uint64, error) {
	if err := b.out.Start(time.Now()); err != nil {
		return 0, err
	}

	b.log.Infof("Initialize tracking")
	if err := b.api.CmdBatchTrackingStart(b.trackType, b.cfg.MaxEvents, b.cfg.CPU, b.cfg.Retrack); err != nil {
		return 0, fmt.Errorf("failed to setup batch tracking : %w", err)
	}
	if err := sevTrack.InitTracking(b.api, b.allowList, b.trackType, b.log); err != nil {
		return 0, fmt.Errorf("initTracking failed : %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	victimDone := make(chan struct{})
	g.Go(func() error {
		progressCtx, cancel := context.WithCancel(gctx)
		defer cancel()
		go func() {
			select {
			case <-victimDone:
				cancel()
			case <-progressCtx.Done():
			}
		}()
		return b.reportProgress(progressCtx)
	})
	g.Go(func() error {
		defer close(victimDone)
		b.log.Infof("Triggering Victim")
		if _, err := b.victim.Execute(gctx); err != nil {
			return fmt.Errorf("failed to execute victim trigger : %w", err)
		}
		b.log.Infof("Victim done")
		return nil
	})
	if err := g.Wait(); err != nil {
		//stop the batch anyway, so that the next round can start one
		if _, _, stopErr := b.api.CmdBatchTrackingStopAndGet(1); stopErr != nil {
			b.log.Errorf("failed to stop batch tracking : %v", stopErr)
		}
		return 0, err
	}

	eventsDuringVictim, err := b.api.CmdBatchTrackingEventCount()
	if err != nil {
		return 0, fmt.Errorf("failed to fetch event count in batch cycle : %w", err)
	}
	if eventsDuringVictim == 0 {
		b.log.Warnf("No events during victim execution")
	}

	capacity := eventsDuringVictim
	if capacity == 0 {
		capacity = 1
	}
	events, errDuringBatch, err := b.api.CmdBatchTrackingStopAndGet(capacity)
	if err != nil {
		return 0, fmt.Errorf("failed to get events in batch : %w", err)
	}
	if errDuringBatch {
		b.log.Warnf("There was an error during batch recording. Some events were dropped. Proceeding!")
	}
	b.log.Infof("Save output file...")
	for _, v := range events {
		if err := b.out.WriteEvent(trace.FromEvent(v)); err != nil {
			return 0, err
		}
	}

	if err := b.out.Stop(time.Now()); err != nil {
		return 0, err
	}
	if err := b.api.CmdUnTrackAllPages(b.trackType); err != nil {
		return 0, fmt.Errorf("CmdUnTrackAllPages failed : %w", err)
	}
	return uint64(len(events)), nil
}

func (b *batchTracer) run(ctx context.Context, haveNextRound func() bool) (uint64, error) {
	totalProcessedEvents := uint64(0)
	for haveNextRound() {
		n, err := b.round(ctx)
		if err != nil {
			return totalProcessedEvents, err
		}
		totalProcessedEvents += n
	}
	return totalProcessedEvents, nil
}

func main() {
	cfg := sevTrack.DefaultTraceConfig()
	if err := cfg.ParseFlags(flag.CommandLine, os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags : %v", err)
	}
	sevTrack.SetupLogging(cfg.DebugLog)
	if err := cfg.Validate(); err != nil {
		log.Errorf("%v", err)
		flag.PrintDefaults()
		return
	}
	if cfg.CPU == -1 {
		log.Errorf("Please set valid value for \"cpu\" param")
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

	b := &batchTracer{
		cfg:            cfg,
		trackType:      trackType,
		allowList:      allowList,
		api:            ioctlAPI,
		victim:         victimTrigger,
		out:            outWriter,
		log:            log.StandardLogger(),
		updateInterval: 10 * time.Second,
	}
	total, err := b.run(ctx, sevTrack.NewRoundCounter(ctx, cfg.Iterations, os.Stdin, b.log))
	if err != nil {
		log.Errorf("Tracing failed : %v", err)
	}
	log.Infof("Total processed events %v", total)
}
