package main

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"sevTrack"
	"sevTrack/ioctl"
)

func TestSample(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := sevTrack.DefaultTraceConfig()
	cfg.Exponent = "1"
	sim, err := sevTrack.NewSimulation(cfg, logger)
	if err != nil {
		t.Fatalf("NewSimulation failed : %v", err)
	}
	victim, err := sim.Triggers.NewTriggerFromURI("sim://sqm")
	if err != nil {
		t.Fatalf("NewTriggerFromURI failed : %v", err)
	}
	api, err := ioctl.NewAPI(sim.Device, os.Getpid(), false)
	if err != nil {
		t.Fatalf("NewAPI failed : %v", err)
	}
	defer api.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := sample(ctx, api, victim, 7, 1); err == nil {
		t.Errorf("sample on unknown cpu did not fail")
	}

	readings, err := sample(ctx, api, victim, 0, 3)
	if err != nil {
		t.Fatalf("sample failed : %v", err)
	}
	//loop, square and multiply of a single one bit
	const perRun = 2 + 3 + 1 + 4 + 1 + 1
	if diff := cmp.Diff([]uint64{perRun, 2 * perRun, 3 * perRun}, readings); diff != "" {
		t.Errorf("readings mismatch (-want +got):\n%s", diff)
	}
}
