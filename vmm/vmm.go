// Package vmm assembles a snapshot, a backend, crash detection and
// coverage into something that replays test cases.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/coverage"
	"github.com/bobuhiro11/snapfuzz/cpustate"
	"github.com/bobuhiro11/snapfuzz/crash"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/memory"
	"github.com/bobuhiro11/snapfuzz/symbols"
)

var (
	// ErrUnknownBackend is a Config.Backend that is neither kvm nor emu.
	ErrUnknownBackend = errors.New("unknown backend")

	errNotInitialized = errors.New("vmm not initialized")
)

// Config is what the CLI collects for a run.
type Config struct {
	Dev     string
	Backend string
	MemSize int

	// State is the snapshot register file, Dump the flat physical memory
	// image. An empty Dump leaves guest memory poisoned.
	State string
	Dump  string

	Symbols string
	// CovDir holds the .cov files. Empty means no coverage.
	CovDir string

	// Timeout bounds one test case. Zero means no bound.
	Timeout time.Duration

	Narrowing   cpustate.NarrowingPolicy
	ReadFailure crash.ReadFailurePolicy
}

// Runner is a backend the VMM can drive: the hook-facing backend.Backend
// plus what it takes to load and resume a snapshot.
type Runner interface {
	backend.Backend
	LoadCPUState(s *cpustate.CPUState) error
	AddCoverage(gva backend.Gva, gpa backend.Gpa) bool
	Run(ctx context.Context) (backend.StopReason, error)
	Crashes() []backend.CrashReport
	Covered() []backend.Gva
	Memory() *memory.Memory
	Close() error
}

type VMM struct {
	Runner
	Config

	state    *cpustate.CPUState
	syms     *symbols.Store
	detector *crash.Detector
	cov      *coverage.Result

	open func(c Config, syms symbols.Resolver) (Runner, error)
}

func New(c Config) *VMM {
	return &VMM{
		Runner: nil,
		Config: c,
		open:   Open,
	}
}

// Init loads and sanitizes the register snapshot, loads the symbol store
// and creates the backend.
func (v *VMM) Init() error {
	s, err := cpustate.LoadFile(v.State, cpustate.WithNarrowing(v.Narrowing))
	if err != nil {
		return err
	}

	if err := cpustate.Sanitize(s); err != nil {
		return fmt.Errorf("%s: %w", v.State, err)
	}

	syms, err := symbols.Load(v.Symbols)
	if err != nil {
		return err
	}

	r, err := v.open(v.Config, syms)
	if err != nil {
		return err
	}

	log.Info(log.VMM, "backend created", "backend", v.Backend, "mem", v.MemSize, "symbols", syms.Len())

	v.state = s
	v.syms = syms
	v.Runner = r

	return nil
}

// Setup loads guest memory and registers, then arms crash detection and
// coverage on the backend.
func (v *VMM) Setup() error {
	if v.Runner == nil {
		return errNotInitialized
	}

	if v.Dump != "" {
		if err := v.Runner.Memory().LoadFile(v.Dump); err != nil {
			return fmt.Errorf("loading memory dump: %w", err)
		}
	}

	if err := v.LoadCPUState(v.state); err != nil {
		return err
	}

	v.detector = crash.New(crash.WithReadFailurePolicy(v.ReadFailure))
	if err := v.detector.Install(v.Runner, v.syms); err != nil {
		return err
	}

	if v.CovDir == "" {
		return nil
	}

	cov, err := coverage.ParseDir(v.CovDir, v.syms, v.Runner)
	if err != nil {
		return err
	}

	armed := 0

	for _, gva := range cov.Breakpoints.Addresses() {
		if v.AddCoverage(gva, cov.Breakpoints[gva]) {
			armed++
		}
	}

	log.Info(log.VMM, "coverage armed", "breakpoints", armed, "skipped", len(cov.Skipped))

	v.cov = cov

	return nil
}

// Coverage is the resolved coverage, nil without a coverage directory.
func (v *VMM) Coverage() *coverage.Result {
	return v.cov
}

// CPUState is the sanitized snapshot the backend was loaded with.
func (v *VMM) CPUState() *cpustate.CPUState {
	return v.state
}

// Run replays the snapshot once.
func (v *VMM) Run(ctx context.Context) (*Report, error) {
	if v.Runner == nil || v.detector == nil {
		return nil, errNotInitialized
	}

	if v.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	start := time.Now()

	reason, err := v.Runner.Run(ctx)
	if err != nil {
		return nil, err
	}

	r := &Report{
		Reason:  reason,
		Elapsed: time.Since(start),
		Crashes: v.Crashes(),
		Covered: v.Covered(),
		Hooks:   v.detector.Stats(),
	}

	log.Info(log.VMM, "test case done", "reason", reason.String(), "elapsed", r.Elapsed,
		"crashes", len(r.Crashes), "covered", len(r.Covered))

	return r, nil
}

// Close releases the backend.
func (v *VMM) Close() error {
	if v.Runner == nil {
		return nil
	}

	return v.Runner.Close()
}
