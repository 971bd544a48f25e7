//Converts a json event log into the plain format, dropping the run markers
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/UzL-ITS/sev-step/sevStep"
	log "github.com/sirupsen/logrus"
	"sevTrack/trace"
)

//convert writes every json event read from in as a plain text line to out and returns the number of events
func convert(in io.Reader, out io.Writer) (int, error) {
	events, err := sevStep.ParseInputFile(in)
	if err != nil {
		return 0, fmt.Errorf("failed to parse input file : %w", err)
	}
	outWriter := bufio.NewWriter(out)
	for _, v := range events {
		line, err := trace.MarshalEvent(v, trace.FormatPlain)
		if err != nil {
			return 0, err
		}
		if _, err := outWriter.Write(line); err != nil {
			return 0, fmt.Errorf("failed to write to out file : %w", err)
		}
	}
	return len(events), outWriter.Flush()
}

func main() {
	in := flag.String("in", "pf-log.txt", "Input file with json strings")
	out := flag.String("out", "plain-pf-log.txt", "Output file with plaintext and hex number")

	flag.Parse()

	if *in == "" || *out == "" {
		log.Errorf("Specify \"-in\" and \"-out\"")
		return
	}

	inFile, err := os.Open(*in)
	if err != nil {
		log.Errorf("failed to load open %v :%v", *in, err)
		return
	}
	defer inFile.Close()

	outFile, err := os.Create(*out)
	if err != nil {
		log.Errorf("Failed to create outfile %v : %v", *out, err)
		return
	}
	defer outFile.Close()

	n, err := convert(bufio.NewReader(inFile), outFile)
	if err != nil {
		log.Errorf("%v", err)
		return
	}
	log.Infof("Converted %v events", n)
}
