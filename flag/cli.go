package flag

import (
	"fmt"
	"time"

	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/crash"
	"github.com/bobuhiro11/snapfuzz/vmm"
)

type CLI struct {
	LogLevel string   `help:"trace, debug, info, warn, error or crit." default:"info" short:"l"`
	Silence  []string `help:"Modules whose trace and debug logs are dropped." sep:","`
	Profile  string   `help:"Write a pprof profile of the command." enum:"none,cpu,mem" default:"none"`
	ProfDir  string   `help:"Where --profile writes." default:"." type:"path"`

	Probe ProbeCMD `cmd:"" help:"Print the KVM capabilities and CPUID features of this host."`
	State StateCMD `cmd:"" help:"Load and sanitize a register snapshot, then print it."`
	Cov   CovCMD   `cmd:"" help:"Resolve coverage files against a snapshot."`
	Run   RunCMD   `cmd:"" help:"Replay a snapshot once with crash detection and coverage."`
}

type ProbeCMD struct {
	Dev   string `short:"D" default:"/dev/kvm" help:"Path of kvm device."`
	State string `short:"s" type:"path" help:"Also check the CPUID features this snapshot relies on."`
}

type StateCMD struct {
	Path      string `arg:"" type:"path" help:"Register snapshot."`
	Narrowing string `enum:"truncate,reject" default:"truncate" help:"What to do with a value wider than its register."`
}

// SnapshotFlags select a snapshot and the backend it is replayed on.
type SnapshotFlags struct {
	Dev         string `short:"D" default:"/dev/kvm" help:"Path of kvm device."`
	Backend     string `short:"b" enum:"kvm,emu" default:"kvm" help:"kvm or emu."`
	MemSize     string `short:"m" default:"4G" help:"Guest memory size: as number[gGmMkK], optional units, defaults to G."`
	State       string `short:"s" required:"" type:"path" help:"Register snapshot."`
	Dump        string `short:"d" type:"path" help:"Flat physical memory dump."`
	Symbols     string `short:"y" required:"" type:"path" help:"Symbol store."`
	Narrowing   string `enum:"truncate,reject" default:"truncate" help:"What to do with a value wider than its register."`
	ReadFailure string `enum:"abort,stop" default:"abort" help:"What a crash hook does when it cannot read guest memory."`
}

type CovCMD struct {
	SnapshotFlags

	CovDir string `short:"c" required:"" type:"path" help:"Directory of .cov files."`
}

type RunCMD struct {
	SnapshotFlags

	CovDir  string        `short:"c" type:"path" help:"Directory of .cov files."`
	Timeout time.Duration `short:"t" default:"10s" help:"Time budget of the test case, 0 for none."`
}

// Config converts the flags into a vmm.Config.
func (f *SnapshotFlags) Config() (vmm.Config, error) {
	memSize, err := ParseSize(f.MemSize, "g")
	if err != nil {
		return vmm.Config{}, err
	}

	narrowing, err := parseNarrowing(f.Narrowing)
	if err != nil {
		return vmm.Config{}, err
	}

	readFailure, err := crash.ParseReadFailurePolicy(f.ReadFailure)
	if err != nil {
		return vmm.Config{}, err
	}

	return vmm.Config{
		Dev:         f.Dev,
		Backend:     f.Backend,
		MemSize:     memSize,
		State:       f.State,
		Dump:        f.Dump,
		Symbols:     f.Symbols,
		Narrowing:   narrowing,
		ReadFailure: readFailure,
	}, nil
}

func parseNarrowing(s string) (cpustate.NarrowingPolicy, error) {
	for _, p := range []cpustate.NarrowingPolicy{cpustate.TruncateOversized, cpustate.RejectOversized} {
		if p.String() == s {
			return p, nil
		}
	}

	return 0, fmt.Errorf("unknown narrowing policy %q", s)
}
