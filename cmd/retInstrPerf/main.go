//Reads the retired instructions counter of a cpu, triggering the victim between readings
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"sevTrack"
	"sevTrack/ioctl"
	"sevTrack/trigger"
)

//sample returns the counter readings taken after each of the rounds victim executions
func sample(ctx context.Context, api *ioctl.API, victim trigger.Triggerer, cpu int, rounds int) ([]uint64, error) {
	if err := api.CmdSetupRetInstrPerf(cpu); err != nil {
		return nil, fmt.Errorf("failed to setup perf : %w", err)
	}
	readings := make([]uint64, 0, rounds)
	for i := 0; i < rounds; i++ {
		if _, err := victim.Execute(ctx); err != nil {
			return readings, fmt.Errorf("failed to execute victim trigger : %w", err)
		}
		reading, err := api.CmdReadRetInstrPerf(cpu)
		if err != nil {
			return readings, fmt.Errorf("failed to read perf counter : %w", err)
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

func main() {
	cfg := sevTrack.DefaultTraceConfig()
	cfg.CPU = -1
	rounds := flag.Int("rounds", 5, "victim executions")
	if err := cfg.ParseFlags(flag.CommandLine, os.Args[1:]); err != nil {
		log.Fatalf("Failed to parse flags : %v", err)
	}
	sevTrack.SetupLogging(cfg.DebugLog)

	if cfg.CPU == -1 {
		log.Fatalf("Set cpu")
	}

	sim, err := sevTrack.NewSimulation(cfg, log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to setup simulation : %v", err)
	}
	victim, err := sim.Triggers.NewTriggerFromURI(cfg.TriggerURI)
	if err != nil {
		log.Fatalf("Failed to parse triggerURI : %v", err)
	}
	ioctlAPI, err := ioctl.NewAPI(sim.Device, os.Getpid(), cfg.GetRIP)
	if err != nil {
		log.Fatalf("Failed to init ioctl API : %v", err)
	}
	defer ioctlAPI.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	readings, err := sample(ctx, ioctlAPI, victim, cfg.CPU, *rounds)
	last := uint64(0)
	for _, v := range readings {
		log.Infof("Counter reading %v (+%v)", v, v-last)
		last = v
	}
	if err != nil {
		log.Errorf("%v", err)
	}
}
