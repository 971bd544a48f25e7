//Takes traces of pages accesses during target execution and returns the set of pages contained in
//all execution. Useful to limit the amount tracked pages in attack code, reducing the noise.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"sevTrack/trace"
)

//buildAllowList writes the pages accessed in every run of the trace read from in to out and returns their count
func buildAllowList(in io.Reader, out io.Writer, excludeKernel bool, logger log.FieldLogger) (int, error) {
	eventsByRun, err := trace.ParseRuns(in, logger)
	if err != nil {
		return 0, fmt.Errorf("failed to parse input file : %w", err)
	}
	if len(eventsByRun) == 0 {
		return 0, fmt.Errorf("input file does not contain a complete run")
	}
	logger.Infof("Parsed %v runs", len(eventsByRun))

	runSets := make([]map[uint64]bool, len(eventsByRun))
	for runIDX, eventsInRun := range eventsByRun {
		runSets[runIDX] = trace.PageSet(eventsInRun, excludeKernel)
	}
	intersection := trace.IntersectRuns(runSets)
	if err := trace.WriteAllowList(out, intersection); err != nil {
		return 0, err
	}
	return len(intersection), nil
}

func main() {
	in := flag.String("in", "", "input file")
	out := flag.String("out", "intersect-set.txt", "output file name")
	excludeKernel := flag.Bool("excludeKernel", false, "Exclude kernel space rips")

	flag.Parse()

	if *in == "" {
		log.Fatalf("set in\n")
	}

	inFile, err := os.Open(*in)
	if err != nil {
		log.Fatalf("Failed to open input file : %v", err)
	}
	defer inFile.Close()

	outFile, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create outfile : %v", err)
	}
	defer outFile.Close()

	count, err := buildAllowList(inFile, outFile, *excludeKernel, log.StandardLogger())
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Infof("Intersection has %v elements\n", count)
}
