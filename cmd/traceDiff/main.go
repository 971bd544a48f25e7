//Compares the page sequences of the runs in a trace. Prints the edit distance between every pair of runs, runs
//of a deterministic victim should have distance zero
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/UzL-ITS/sev-step/sevStep"
	log "github.com/sirupsen/logrus"
	"sevTrack/trace"
)

//distances returns the symmetric matrix of pairwise run distances
func distances(runs [][]*sevStep.Event) ([][]int, error) {
	res := make([][]int, len(runs))
	for i := range res {
		res[i] = make([]int, len(runs))
	}
	for i := range runs {
		for j := i + 1; j < len(runs); j++ {
			d, err := trace.Distance(runs[i], runs[j])
			if err != nil {
				return nil, fmt.Errorf("runs %v and %v : %w", i, j, err)
			}
			res[i][j] = d
			res[j][i] = d
		}
	}
	return res, nil
}

func printMatrix(w io.Writer, m [][]int) error {
	for _, row := range m {
		for j, v := range row {
			sep := "\t"
			if j == len(row)-1 {
				sep = "\n"
			}
			if _, err := fmt.Fprintf(w, "%d%s", v, sep); err != nil {
				return err
			}
		}
	}
	return nil
}

func main() {
	in := flag.String("in", "pf-log.txt", "Input file with json events, containing at least two runs")
	flag.Parse()

	inFile, err := os.Open(*in)
	if err != nil {
		log.Fatalf("Failed to open input file : %v", err)
	}
	defer inFile.Close()

	runs, err := trace.ParseRuns(inFile, log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to parse input file : %v", err)
	}
	if len(runs) < 2 {
		log.Fatalf("Need at least two runs, got %v", len(runs))
	}
	m, err := distances(runs)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := printMatrix(os.Stdout, m); err != nil {
		log.Fatalf("Failed to print distances : %v", err)
	}
}
