package sevTrack

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"sevTrack/hostsim"
	"sevTrack/ioctl"
	"sevTrack/trigger"
	"sevTrack/uspt"
)

//Simulation wires a simulated host, the tracking engine and its device. Triggers resolves sim://<workload> to
//the built in workloads, run with the configured exponent
type Simulation struct {
	Machine  *hostsim.Machine
	Engine   *uspt.Engine
	Device   *ioctl.Device
	Triggers *trigger.Registry
}

func NewSimulation(c TraceConfig, log logrus.FieldLogger) (*Simulation, error) {
	bits, err := hostsim.ParseBits(c.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent : %v", err)
	}
	m, err := hostsim.New(
		hostsim.WithPages(c.Machine.Pages),
		hostsim.WithCPUs(c.Machine.CPUs),
		hostsim.WithVCPUs(c.Machine.VCPUs...),
		hostsim.WithRIPCapture(c.Machine.RIPCapture),
		hostsim.WithCacheLines(c.Machine.CacheLines),
		hostsim.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create machine : %v", err)
	}
	e := uspt.New(m, uspt.WithLogger(log))
	m.SetFaultHandler(e)

	triggers := trigger.NewRegistry()
	triggers.Register("sim", trigger.SimFactory(m, hostsim.Workloads(bits)))
	return &Simulation{
		Machine:  m,
		Engine:   e,
		Device:   ioctl.NewDevice(e, log),
		Triggers: triggers,
	}, nil
}

//InitTracking tracks the gpas in allowList. If allowList is nil, all pages are tracked
func InitTracking(api *ioctl.API, allowList []uint64, mode uspt.TrackMode, log logrus.FieldLogger) error {
	if allowList == nil {
		log.Infof("Tracking all pages")
		if err := api.CmdTrackAllPages(mode); err != nil {
			return fmt.Errorf("CmdTrackAllPages failed : %w", err)
		}
		return nil
	}

	log.Infof("tracking the %v pages from allowList", len(allowList))
	for _, gpa := range allowList {
		if err := api.CmdTrackPage(gpa, mode); err != nil {
			return fmt.Errorf("CmdTrackPage %x failed : %w", gpa, err)
		}
	}
	return nil
}

//SetupLogging configures the standard logrus logger used by the tools
func SetupLogging(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}
