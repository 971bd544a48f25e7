package trigger

//Construct Triggerer for sim://<workload> URIs, running a workload on a simulated host

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"sevTrack/hostsim"
)

type SimTrigger struct {
	machine  *hostsim.Machine
	name     string
	workload hostsim.Workload
}

//Execute runs the workload to completion. There is no result
func (s *SimTrigger) Execute(ctx context.Context) ([]byte, error) {
	if err := s.workload(ctx, s.machine); err != nil {
		return nil, fmt.Errorf("workload %v failed : %v", s.name, err)
	}
	return nil, nil
}

//SimFactory resolves sim://<name> to the workload with that name
func SimFactory(m *hostsim.Machine, workloads map[string]hostsim.Workload) Factory {
	return func(u *url.URL) (Triggerer, error) {
		w, ok := workloads[u.Host]
		if !ok {
			names := make([]string, 0, len(workloads))
			for k := range workloads {
				names = append(names, k)
			}
			sort.Strings(names)
			return nil, fmt.Errorf("unknown workload %q, have %v", u.Host, names)
		}
		return &SimTrigger{machine: m, name: u.Host, workload: w}, nil
	}
}
