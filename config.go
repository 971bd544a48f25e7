package sevTrack

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"sevTrack/trace"
	"sevTrack/uspt"
)

//MachineConfig describes the simulated host the tools run against
type MachineConfig struct {
	Pages      int   `toml:"pages"`
	CPUs       int   `toml:"cpus"`
	VCPUs      []int `toml:"vcpus"`
	RIPCapture bool  `toml:"rip_capture"`
	CacheLines int   `toml:"cache_lines"`
}

//TraceConfig holds the settings shared by the tracing tools. It can be loaded from a TOML file, flags given on the
//command line take precedence
type TraceConfig struct {
	TriggerURI string `toml:"trigger_uri"`
	Out        string `toml:"out"`
	Tracking   string `toml:"tracking"`
	Format     string `toml:"format"`
	Retrack    bool   `toml:"retrack"`
	AllowList  string `toml:"allow_list"`
	Iterations uint   `toml:"iterations"`
	CPU        int    `toml:"cpu"`
	GetRIP     bool   `toml:"get_rip"`
	MaxEvents  uint64 `toml:"max_events"`
	//MonitorGPA and MonitorLen select guest memory that is read (without decryption) while an event is pending
	MonitorGPA uint64 `toml:"monitor_gpa"`
	MonitorLen uint64 `toml:"monitor_len"`
	//Exponent is the secret of the simulated victim, a string of '0' and '1'
	Exponent string        `toml:"exponent"`
	DebugLog bool          `toml:"debug_log"`
	Machine  MachineConfig `toml:"machine"`
}

func DefaultTraceConfig() TraceConfig {
	return TraceConfig{
		TriggerURI: "sim://sqm",
		Out:        "pf-log.txt",
		Tracking:   "access",
		Format:     "plain",
		Retrack:    true,
		Iterations: 1,
		CPU:        0,
		GetRIP:     true,
		MaxEvents:  50000000,
		Exponent:   "1011001110001011",
		Machine: MachineConfig{
			Pages:      256,
			CPUs:       4,
			VCPUs:      []int{0},
			RIPCapture: true,
			CacheLines: 512,
		},
	}
}

//LoadTraceConfig decodes the TOML file at path over c. Unknown keys are an error
func LoadTraceConfig(path string, c *TraceConfig) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("failed to decode %v : %v", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys in %v : %v", path, strings.Join(keys, ", "))
	}
	return nil
}

//RegisterFlags binds the tracing flags to c, using the current values of c as defaults
func (c *TraceConfig) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.TriggerURI, "triggerURI", c.TriggerURI, "Either http://someAddress:port, ssh://someHost:port or sim://workload")
	fs.StringVar(&c.Out, "out", c.Out, "path to write page fault events to")
	fs.StringVar(&c.Tracking, "tracking", c.Tracking, "values: {access,execute,write}. Determines tracking type")
	fs.StringVar(&c.Format, "format", c.Format, "{plain,json}, format event output")
	fs.BoolVar(&c.Retrack, "retrack", c.Retrack, "re-track pages")
	fs.StringVar(&c.AllowList, "allowList", c.AllowList, "only track pages from this list")
	fs.UintVar(&c.Iterations, "iterations", c.Iterations, "Iterations for tracking If set to 0 iterations are starting by pressing enter")
	fs.IntVar(&c.CPU, "cpu", c.CPU, "Guest must be pinned to this cpu, used for retired instruction readings. -1 disables them")
	fs.BoolVar(&c.GetRIP, "getRIP", c.GetRIP, "Try to get RIP for page fault events. Works only for plain VMs and debug SEV-ES VMs")
	fs.Uint64Var(&c.MaxEvents, "maxEvents", c.MaxEvents, "Maximum amount of events recordable in one batch tracking run")
	fs.Uint64Var(&c.MonitorGPA, "monitorGPA", c.MonitorGPA, "gpa to read while an event is pending, attached to the event")
	fs.Uint64Var(&c.MonitorLen, "monitorLen", c.MonitorLen, "bytes to read at monitorGPA. 0 disables reading")
	fs.StringVar(&c.Exponent, "exponent", c.Exponent, "secret bits of the simulated victim")
	fs.BoolVar(&c.DebugLog, "debugLog", c.DebugLog, "Enable additional prints for debugging")
}

//ParseFlags parses args into c. If a -config file is given, it is loaded first and the flags set in args are applied
//on top of it
func (c *TraceConfig) ParseFlags(fs *flag.FlagSet, args []string) error {
	configPath := fs.String("config", "", "TOML file with default settings")
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return nil
	}
	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})
	if err := LoadTraceConfig(*configPath, c); err != nil {
		return err
	}
	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("failed to re-apply flag %v : %v", name, err)
		}
	}
	return nil
}

//Validate checks the enumerated values
func (c *TraceConfig) Validate() error {
	if _, err := ParseTrackMode(c.Tracking); err != nil {
		return err
	}
	if _, err := trace.ParseFormat(c.Format); err != nil {
		return err
	}
	if c.MaxEvents == 0 {
		return fmt.Errorf("maxEvents may not be zero")
	}
	return nil
}

//ParseTrackMode accepts "access", "execute" and "write"
func ParseTrackMode(s string) (uspt.TrackMode, error) {
	switch s {
	case "access":
		return uspt.TrackAccess, nil
	case "execute", "exec":
		return uspt.TrackExec, nil
	case "write":
		return uspt.TrackWrite, nil
	default:
		return 0, fmt.Errorf("invalid tracking type %q, want one of {access,execute,write}", s)
	}
}

//LoadAllowList reads the allow list at path. An empty path returns nil, meaning all pages should be tracked
func LoadAllowList(path string) ([]uint64, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open allow list file : %v", err)
	}
	defer f.Close()
	return trace.ReadAllowList(f)
}
