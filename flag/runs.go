package flag

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/digest"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/probe"
	"github.com/bobuhiro11/snapfuzz/vmm"
	"github.com/pkg/profile"
)

func Parse() error {
	c := CLI{}

	programName := "snapfuzz"
	programDesc := "snapfuzz replays Windows register and memory snapshots on KVM or unicorn and watches them crash"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := log.InitLogger(c.LogLevel); err != nil {
		return err
	}

	for _, m := range c.Silence {
		log.DisableModule(m)
	}

	if p := c.profiler(); p != nil {
		defer profile.Start(p, profile.ProfilePath(c.ProfDir), profile.NoShutdownHook).Stop()
	}

	err := ctx.Run()

	return err
}

func (c *CLI) profiler() func(*profile.Profile) {
	switch c.Profile {
	case "cpu":
		return profile.CPUProfile
	case "mem":
		return profile.MemProfile
	}

	return nil
}

func (d *ProbeCMD) Run() error {
	caps, err := probe.KVMCapabilities(d.Dev)
	if err != nil {
		return err
	}

	probe.PrintCapabilities(os.Stdout, caps)

	ids, err := probe.CPUID(d.Dev)
	if err != nil {
		return err
	}

	fmt.Println()
	probe.PrintCPUID(os.Stdout, ids)

	if d.State == "" {
		return nil
	}

	s, err := loadState(d.State, cpustate.TruncateOversized)
	if err != nil {
		return err
	}

	if !probe.PrintSnapshotFit(os.Stdout, ids, s) {
		return fmt.Errorf("%s: host is missing cpu features", d.State)
	}

	return nil
}

func (s *StateCMD) Run() error {
	narrowing, err := parseNarrowing(s.Narrowing)
	if err != nil {
		return err
	}

	st, err := loadState(s.Path, narrowing)
	if err != nil {
		return err
	}

	st.Dump(os.Stdout)
	fmt.Printf("digest=%s\n", digest.Blake3HexDigest(st.Bytes()))

	return nil
}

func loadState(path string, narrowing cpustate.NarrowingPolicy) (*cpustate.CPUState, error) {
	s, err := cpustate.LoadFile(path, cpustate.WithNarrowing(narrowing))
	if err != nil {
		return nil, err
	}

	if err := cpustate.Sanitize(s); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return s, nil
}

func (c *CovCMD) Run() error {
	cfg, err := c.Config()
	if err != nil {
		return err
	}

	cfg.CovDir = c.CovDir

	v, err := setup(cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	cov := v.Coverage()
	for _, gva := range cov.Breakpoints.Addresses() {
		fmt.Printf("%s -> %s\n", gva, cov.Breakpoints[gva])
	}

	for _, gva := range cov.Skipped {
		fmt.Printf("%s skipped\n", gva)
	}

	for _, w := range cov.Warnings {
		fmt.Printf("warning: %s\n", w)
	}

	fmt.Printf("%d breakpoints, %d skipped\n", len(cov.Breakpoints), len(cov.Skipped))

	return nil
}

func (r *RunCMD) Run() error {
	cfg, err := r.Config()
	if err != nil {
		return err
	}

	cfg.CovDir = r.CovDir
	cfg.Timeout = r.Timeout

	v, err := setup(cfg)
	if err != nil {
		return err
	}
	defer v.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := v.Run(ctx)
	if err != nil {
		return err
	}

	report.Print(os.Stdout)

	return nil
}

func setup(c vmm.Config) (*vmm.VMM, error) {
	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return nil, err
	}

	if err := v.Setup(); err != nil {
		v.Close()

		return nil, err
	}

	return v, nil
}
