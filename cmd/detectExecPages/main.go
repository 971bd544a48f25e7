//Takes a trace of a single execution of the target code with re-tracking and determines the two pages the
//target's main loop alternates between, e.g. the pages of square and multiply.
//Consecutive faults on the same page are merged first. Then we search for small toggle sequences and sum them up.
//The sequence with the highest repetitions is our candidate
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/UzL-ITS/sev-step/sevStep"
	log "github.com/sirupsen/logrus"
	"sevTrack/trace"
	"sevTrack/uspt"
)

type pagePair struct {
	First, Second uint64
}

type candidate struct {
	pagePair
	Reps int
	//Margin is the difference in repetitions to the second best pair
	Margin int
}

type thresholds struct {
	//MinToggles is the length a toggle sequence must exceed to be counted
	MinToggles int
	//MinFaults and MaxFaults bound the total faults on both pages of a pair. MaxFaults 0 is unlimited
	MinFaults int
	MaxFaults int
}

func (th thresholds) faultsInRange(count int) bool {
	return count >= th.MinFaults && (th.MaxFaults == 0 || count <= th.MaxFaults)
}

//collapse returns the page sequence of events with consecutive duplicates removed
func collapse(events []*sevStep.Event) []uint64 {
	pages := make([]uint64, 0, len(events))
	for _, v := range events {
		page := v.FaultedGPA &^ (uspt.PageSize - 1)
		if n := len(pages); n > 0 && pages[n-1] == page {
			continue
		}
		pages = append(pages, page)
	}
	return pages
}

func faultCounts(events []*sevStep.Event) map[uint64]int {
	faultCount := make(map[uint64]int)
	for _, v := range events {
		faultCount[v.FaultedGPA&^(uspt.PageSize-1)]++
	}
	return faultCount
}

//detectTogglePair sums up the repetitions of all toggle sequences and returns the pair with the most repetitions
func detectTogglePair(events []*sevStep.Event, th thresholds) (candidate, error) {
	faultCount := faultCounts(events)
	pages := collapse(events)

	seqCount := make(map[pagePair]int)
	toggleSequenceLength := 0
	record := func(i int) {
		p := pagePair{First: pages[i], Second: pages[i+1]}
		if toggleSequenceLength > th.MinToggles && th.faultsInRange(faultCount[p.First]) && th.faultsInRange(faultCount[p.Second]) {
			seqCount[p] += toggleSequenceLength
		}
		toggleSequenceLength = 0
	}
	i := 0
	for i < len(pages)-3 {
		//check if next two entries extend sequence. move index by two to stay "window aligned" in next cycle
		if pages[i] == pages[i+2] && pages[i+1] == pages[i+3] {
			toggleSequenceLength++
			i += 2
		} else { //sequence not found/ended, move index only by one to not exclude any window alignments
			record(i)
			i++
		}
	}
	if i+1 < len(pages) {
		record(i)
	}

	if len(seqCount) == 0 {
		return candidate{}, fmt.Errorf("no toggle sequence longer than %v found", th.MinToggles)
	}
	ranked := make([]candidate, 0, len(seqCount))
	for k, v := range seqCount {
		ranked = append(ranked, candidate{pagePair: k, Reps: v})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Reps != ranked[j].Reps {
			return ranked[i].Reps > ranked[j].Reps
		}
		if ranked[i].First != ranked[j].First {
			return ranked[i].First < ranked[j].First
		}
		return ranked[i].Second < ranked[j].Second
	})
	best := ranked[0]
	best.Margin = best.Reps
	if len(ranked) > 1 {
		best.Margin = best.Reps - ranked[1].Reps
	}
	return best, nil
}

func logTopPages(faultCount map[uint64]int, n int) {
	type gpaCountTuple struct {
		GPA   uint64
		Count int
	}
	tuples := make([]gpaCountTuple, 0, len(faultCount))
	for k, v := range faultCount {
		tuples = append(tuples, gpaCountTuple{GPA: k, Count: v})
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].Count != tuples[j].Count {
			return tuples[i].Count > tuples[j].Count
		}
		return tuples[i].GPA < tuples[j].GPA
	})
	log.Infof("Unique pages %v, top %v most frequent:", len(tuples), n)
	for i := 0; i < n && i < len(tuples); i++ {
		log.Infof("GPA %x Occurence %v", tuples[i].GPA, tuples[i].Count)
	}
}

func main() {
	in := flag.String("in", "", "Input file with events as json")
	out := flag.String("out", "exec-gpas.txt", "Output file with the two GPAs that need to be exec tracked for the attack (in that order)")
	minToggles := flag.Int("minToggles", 8, "Toggle sequences must be longer than this to count")
	minFaults := flag.Int("minFaults", 0, "Minimal amount of faults on each page of the pair")
	maxFaults := flag.Int("maxFaults", 0, "Maximal amount of faults on each page of the pair, 0 disables the limit")

	flag.Parse()

	if *in == "" {
		log.Fatalln("Please set \"-in\"!")
	}

	inFile, err := os.Open(*in)
	if err != nil {
		log.Fatalf("Failed to open input file : %v", err)
	}
	defer inFile.Close()

	start := time.Now()
	runs, err := trace.ParseRuns(inFile, log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to parse input file : %v\n", err)
	}
	if len(runs) == 0 {
		log.Fatalf("Input file does not contain a run")
	}
	if len(runs) > 1 {
		log.Warnf("Input file has %v runs, only using the first one", len(runs))
	}
	events := runs[0]
	log.Infof("Parsed %v events in %v", len(events), time.Since(start))

	logTopPages(faultCounts(events), 10)

	best, err := detectTogglePair(events, thresholds{MinToggles: *minToggles, MinFaults: *minFaults, MaxFaults: *maxFaults})
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Infof("Suggesting: 0x%x->0x%x with %v reps, margin to second %v", best.First, best.Second, best.Reps, best.Margin)

	outFile, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create output file : %v", err)
	}
	defer outFile.Close()
	if err := trace.WriteAllowList(outFile, []uint64{best.First, best.Second}); err != nil {
		log.Fatalf("Failed to write output file : %v\n", err)
	}
}
