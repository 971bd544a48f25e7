package trace

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/UzL-ITS/sev-step/sevStep"
	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"
	"sevTrack/uspt"
)

//KernelSpaceStart is the lowest canonical kernel address on x86_64
const KernelSpaceStart = 0xffff800000000000

//ParseRuns returns the events of each run in r. Lines outside of runs and non json lines are skipped
func ParseRuns(r io.Reader, log logrus.FieldLogger) ([][]*sevStep.Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sc.Split(bufio.ScanLines)

	eventsByRuns := make([][]*sevStep.Event, 0)
	eventsSingleRun := make([]*sevStep.Event, 0)
	printedWarningNonJSON := false
	printedWarningNoRIP := false
	insideTrace := false

	for sc.Scan() {
		line := strings.TrimLeft(sc.Text(), " ")

		if strings.HasPrefix(line, "Start") {
			if insideTrace {
				log.Warnf("Encountered \"Start\" while inside trace, dropping %v events", len(eventsSingleRun))
				eventsSingleRun = make([]*sevStep.Event, 0)
			}
			insideTrace = true
			continue
		}

		if !insideTrace {
			continue
		}

		if strings.HasPrefix(line, "Stop") {
			eventsByRuns = append(eventsByRuns, eventsSingleRun)
			eventsSingleRun = make([]*sevStep.Event, 0)
			insideTrace = false
			continue
		}

		if !strings.HasPrefix(line, "{") {
			if !printedWarningNonJSON {
				log.Warnf("omitting non json lines")
			}
			printedWarningNonJSON = true
			continue
		}

		v, err := sevStep.ParseEventFromJSON(line)
		if err != nil {
			return nil, fmt.Errorf("ParseEventFromJSON failed on %s : %v", line, err)
		}

		if !v.HaveRipInfo && !printedWarningNoRIP {
			log.Infof("Some entries do not have RIP info")
			printedWarningNoRIP = true
		}

		eventsSingleRun = append(eventsSingleRun, v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanner error : %v", err)
	}
	if insideTrace {
		log.Warnf("Last run has no \"Stop\", dropping %v events", len(eventsSingleRun))
	}
	return eventsByRuns, nil
}

//PageSet returns the page aligned gpas accessed in events. If excludeKernel is set, events with a kernel space RIP
//are skipped
func PageSet(events []*sevStep.Event, excludeKernel bool) map[uint64]bool {
	set := make(map[uint64]bool)
	for _, v := range events {
		if excludeKernel && v.HaveRipInfo && v.RIP >= KernelSpaceStart {
			continue
		}
		set[pageOf(v.FaultedGPA)] = true
	}
	return set
}

func pageOf(gpa uint64) uint64 {
	return gpa &^ (uspt.PageSize - 1)
}

//IntersectRuns returns the sorted pages contained in all runs
func IntersectRuns(runs []map[uint64]bool) []uint64 {
	res := make([]uint64, 0)
	if len(runs) == 0 {
		return res
	}

	for k := range runs[0] {
		inAll := true
		for i := 1; i < len(runs) && inAll; i++ {
			inAll = runs[i][k]
		}
		if inAll {
			res = append(res, k)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i] < res[j]
	})
	return res
}

//WriteAllowList writes one hex gpa per line
func WriteAllowList(w io.Writer, gpas []uint64) error {
	bw := bufio.NewWriter(w)
	for _, gpa := range gpas {
		if _, err := fmt.Fprintf(bw, "0x%x\n", gpa); err != nil {
			return fmt.Errorf("failed to write allow list entry : %v", err)
		}
	}
	return bw.Flush()
}

//ReadAllowList parses one gpa per line, in any base accepted by strconv.ParseUint. Empty lines are skipped
func ReadAllowList(r io.Reader) ([]uint64, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanLines)
	allowList := make([]uint64, 0)
	for sc.Scan() {
		line := strings.Trim(sc.Text(), " \t\r\n")
		if line == "" {
			continue
		}
		gpa, err := strconv.ParseUint(line, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse allow list entry %v : %v", line, err)
		}
		allowList = append(allowList, gpa)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("allowList scanner error : %v", err)
	}
	return allowList, nil
}

//first code point of the unicode private use area, start of the page alphabet used by Distance
const pageRuneBase = 0xe000

//Distance is the edit distance between the page sequences of two runs. Each page is mapped to a single rune, so
//that the distance counts inserted, deleted and substituted page accesses
func Distance(a, b []*sevStep.Event) (int, error) {
	alphabet := make(map[uint64]rune)
	encode := func(events []*sevStep.Event) (string, error) {
		buf := make([]rune, 0, len(events))
		for _, v := range events {
			page := pageOf(v.FaultedGPA)
			r, ok := alphabet[page]
			if !ok {
				r = rune(pageRuneBase + len(alphabet))
				if r > 0x10ffff {
					return "", fmt.Errorf("more than %v distinct pages", 0x10ffff-pageRuneBase)
				}
				alphabet[page] = r
			}
			buf = append(buf, r)
		}
		return string(buf), nil
	}
	sa, err := encode(a)
	if err != nil {
		return 0, err
	}
	sb, err := encode(b)
	if err != nil {
		return 0, err
	}
	return levenshtein.ComputeDistance(sa, sb), nil
}
